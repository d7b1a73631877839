package cfg

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/yarascan/internal/xerrors"
)

// maxConfigFileSize bounds the config file read.
const maxConfigFileSize = 1 << 20

// fileKeys maps dotted YAML keys to flag names.
var fileKeys = map[string]string{
	"server.address":           "http-addr",
	"server.admin_address":     "admin-addr",
	"server.url_path.content":  "content-path",
	"server.url_path.url":      "url-path",
	"server.url_path.reload":   "reload-path",
	"server.url_path.rules":    "rules-path",
	"server.max_scan_bytes":    "max-scan-bytes",
	"server.shutdown_drain":    "shutdown-drain",
	"server.rate_limit.enable": "enable-rate-limit",
	"server.rate_limit.rps":    "rate-limit-rps",
	"server.rate_limit.burst":  "rate-limit-burst",

	"yara.rule_dir":             "rules-dir",
	"yara.watch":                "watch-rules",
	"yara.poll_interval":        "watch-poll-interval",
	"yara.scan_timeout":         "scan-timeout",
	"yara.max_concurrent_scans": "max-concurrent-scans",

	"fetch.timeout":       "fetch-timeout",
	"fetch.max_bytes":     "max-fetch-bytes",
	"fetch.enable_s3":     "enable-s3-fetch",
	"fetch.block_private": "block-private-fetch",

	"log.level":               "log-level",
	"log.json":                "log-json",
	"log.stacktrace_level":    "stacktrace-level",
	"log.include_error_links": "include-error-links",
	"log.max_error_links":     "max-error-links",

	"tracing.enabled":  "enable-tracing",
	"tracing.endpoint": "otlp-endpoint",
	"tracing.insecure": "otlp-insecure",
	"tracing.sample":   "trace-sample",

	"profiling.pprof":     "enable-pprof",
	"profiling.pyroscope": "enable-pyroscope",
	"profiling.server":    "pyro-server",
	"profiling.tenant":    "pyro-tenant",
}

// ApplyFile reads a YAML config file and sets every flag it names that the
// CLI or the environment has not already set. Unknown keys are an error so a
// typo does not silently fall back to a default.
func ApplyFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(err, "read config")
	}
	if len(data) > maxConfigFileSize {
		return xerrors.Newf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return applyYAML(fs, data)
}

func applyYAML(fs *pflag.FlagSet, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return xerrors.Wrap(err, "parse config")
	}

	values := map[string]string{}
	if err := flatten("", doc, values); err != nil {
		return err
	}

	// deterministic order so errors are stable
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var unknown []string
	for _, k := range keys {
		name, ok := fileKeys[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		if fs.Changed(name) {
			continue
		}
		if err := fs.Set(name, values[k]); err != nil {
			return xerrors.Wrapf(err, "config key %s", k)
		}
	}
	if len(unknown) > 0 {
		return xerrors.Newf("unknown config keys: %s", strings.Join(unknown, ", "))
	}
	return nil
}

func flatten(prefix string, m map[string]any, out map[string]string) error {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]any:
			if err := flatten(key, tv, out); err != nil {
				return err
			}
		case []any:
			return xerrors.Newf("config key %s: lists are not supported", key)
		case nil:
			// explicit null keeps the default
		default:
			out[key] = fmt.Sprint(tv)
		}
	}
	return nil
}
