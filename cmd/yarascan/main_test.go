package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/pflag"

	"github.com/keithlinneman/yarascan/internal/cfg"
	"github.com/keithlinneman/yarascan/internal/scan"
	"github.com/keithlinneman/yarascan/internal/version"
)

const testRule = `rule cli_marker {
	meta:
		note = "cli test"
	strings:
		$m = "CLI-MARKER"
	condition:
		$m
}`

func rulesDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// run executes the root command and returns stdout, stderr and the error.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestVersion(t *testing.T) {
	out, _, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, version.AppName+" ") {
		t.Fatalf("output = %q", out)
	}

	out, _, err = run(t, "", "version", "--json")
	if err != nil {
		t.Fatalf("version --json: %v", err)
	}
	var vi version.Info
	if err := json.Unmarshal([]byte(out), &vi); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if vi.Version == "" || vi.GoVersion == "" {
		t.Fatalf("info = %+v", vi)
	}
}

func TestCheck(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	out, _, err := run(t, "", "check", "--rules-dir", dir)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, want := range []string{"files:       1", "rules:       1", "fingerprint: ", "dir:         " + dir, "\n  a.yar\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestCheck_CompileError(t *testing.T) {
	dir := rulesDir(t, map[string]string{"bad.yar": `rule bad { condition: $nope }`})
	if _, _, err := run(t, "", "check", "--rules-dir", dir); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestCheck_MissingDir(t *testing.T) {
	if _, _, err := run(t, "", "check", "--rules-dir", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func decodeResult(t *testing.T, out string) scan.Result {
	t.Helper()
	var res scan.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return res
}

func TestScan_File(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	sample := filepath.Join(t.TempDir(), "sample.bin")
	if err := os.WriteFile(sample, []byte("xx CLI-MARKER xx"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "", "scan", "--rules-dir", dir, sample)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	res := decodeResult(t, out)
	if res.MatchedRuleCount != 1 || res.MatchedRules[0].Rule != "cli_marker" {
		t.Fatalf("result = %+v", res)
	}
	if res.MatchedRules[0].Meta["note"] != "cli test" {
		t.Fatalf("meta = %v", res.MatchedRules[0].Meta)
	}
}

func TestScan_Stdin(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	out, _, err := run(t, "nothing to see", "scan", "--rules-dir", dir, "-")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res := decodeResult(t, out); res.MatchedRuleCount != 0 || res.Error != nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestScan_URL(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sample" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("CLI-MARKER"))
	}))
	t.Cleanup(srv.Close)

	out, _, err := run(t, "", "scan", "--rules-dir", dir, "--url", srv.URL+"/sample")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res := decodeResult(t, out); res.MatchedRuleCount != 1 {
		t.Fatalf("result = %+v", res)
	}

	// failed fetch still prints the result, then exits non-zero
	out, _, err = run(t, "", "scan", "--rules-dir", dir, "--url", srv.URL+"/missing")
	if err == nil {
		t.Fatal("expected error for failed fetch")
	}
	res := decodeResult(t, out)
	if res.Error == nil || !strings.HasPrefix(*res.Error, "download file failed") {
		t.Fatalf("result = %+v", res)
	}
}

func TestScan_UnzipFailure(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	out, _, err := run(t, "not a zip", "scan", "--rules-dir", dir, "--unzip", "-")
	if err == nil {
		t.Fatal("expected error")
	}
	if res := decodeResult(t, out); res.Error == nil {
		t.Fatalf("result = %+v", res)
	}
}

func TestScan_UnzipTooLarge(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("payload.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(append(make([]byte, 8192), "CLI-MARKER"...)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	sample := filepath.Join(t.TempDir(), "sample.zip")
	if err := os.WriteFile(sample, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := run(t, "", "scan", "--rules-dir", dir, "--unzip", "--max-scan-bytes", "4096", sample)
	if err == nil {
		t.Fatal("expected error for an entry over the limit")
	}
	res := decodeResult(t, out)
	if res.Error == nil || !strings.HasPrefix(*res.Error, "failed to unzip file") || res.MatchedRuleCount != 0 {
		t.Fatalf("result = %+v", res)
	}

	// the same archive fits under the default limit
	out, _, err = run(t, "", "scan", "--rules-dir", dir, "--unzip", sample)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if res := decodeResult(t, out); res.MatchedRuleCount != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestScan_InputTooLarge(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	out, _, err := run(t, strings.Repeat("x", 100), "scan", "--rules-dir", dir, "--max-scan-bytes", "10", "-")
	if err == nil || !strings.Contains(err.Error(), "exceeds 10 bytes") {
		t.Fatalf("err = %v, want size error", err)
	}
	if out != "" {
		t.Fatalf("stdout = %q, want nothing", out)
	}

	if _, _, err := run(t, "x", "scan", "--rules-dir", dir, "--max-scan-bytes", "0", "-"); err == nil {
		t.Fatal("expected error for a zero limit")
	}
}

func TestScan_Args(t *testing.T) {
	dir := rulesDir(t, map[string]string{"a.yar": testRule})
	tests := [][]string{
		{"scan", "--rules-dir", dir},
		{"scan", "--rules-dir", dir, "a", "b"},
		{"scan", "--rules-dir", dir, "--url", "http://example.invalid/x", "file"},
	}
	for _, args := range tests {
		if _, _, err := run(t, "", args...); err == nil {
			t.Errorf("%v: expected argument error", args)
		}
	}
}

func TestScan_BadRules(t *testing.T) {
	dir := rulesDir(t, map[string]string{"bad.yar": `rule bad {`})
	if _, _, err := run(t, "x", "scan", "--rules-dir", dir, "-"); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestServe_InitialCompileFailureExits(t *testing.T) {
	dir := rulesDir(t, map[string]string{"bad.yar": `rule bad { condition: $nope }`})

	done := make(chan error, 1)
	go func() {
		_, _, err := run(t, "", "serve",
			"--rules-dir", dir,
			"--http-addr", "127.0.0.1:1",
			"--admin-addr", "127.0.0.1:2",
			"--log-level", "error",
		)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("serve returned nil with an uncompilable rules directory")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not exit on compile failure")
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	_, _, err := run(t, "", "serve", "--max-concurrent-scans", "99")
	if err == nil || !strings.Contains(err.Error(), "MAX_CONCURRENT_SCANS") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "yarascan.yaml")
	yaml := `
server:
  address: "127.0.0.1:7070"
  admin_address: "127.0.0.1:7071"
yara:
  rule_dir: /from/file
  max_concurrent_scans: 4
log:
  level: debug
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("YARASCAN_RULES_DIR", "/from/env")
	t.Setenv("YARASCAN_LOG_LEVEL", "warn")

	var conf cfg.App
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfg.Register(fs, &conf)
	if err := fs.Parse([]string{"--config", file, "--log-level", "error"}); err != nil {
		t.Fatal(err)
	}

	var warnings bytes.Buffer
	if err := loadConfig(fs, &conf, warnings.Write); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if conf.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want cli value", conf.LogLevel)
	}
	if conf.RulesDir != "/from/env" {
		t.Errorf("RulesDir = %q, want env value", conf.RulesDir)
	}
	if conf.HTTPAddr != "127.0.0.1:7070" || conf.MaxConcurrentScans != 4 {
		t.Errorf("file values not applied: addr=%q scans=%d", conf.HTTPAddr, conf.MaxConcurrentScans)
	}
	if conf.ScanTimeout != 60*time.Second {
		t.Errorf("ScanTimeout = %v, want default", conf.ScanTimeout)
	}
	if !strings.Contains(warnings.String(), "overrides env") {
		t.Errorf("warnings = %q", warnings.String())
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(file, []byte("yara:\n  rule_dirr: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var conf cfg.App
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	cfg.Register(fs, &conf)
	if err := fs.Parse([]string{"--config", file}); err != nil {
		t.Fatal(err)
	}
	err := loadConfig(fs, &conf, func(b []byte) (int, error) { return len(b), nil })
	if err == nil || !strings.Contains(err.Error(), "yara.rule_dirr") {
		t.Fatalf("err = %v", err)
	}
}
