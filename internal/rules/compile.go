package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hillu/go-yara/v4"

	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/xerrors"
)

// CompileMessage is one diagnostic from the rule compiler.
type CompileMessage struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// CompileError reports the rule file that failed to compile and what the
// compiler said about it.
type CompileError struct {
	Path     string
	Messages []CompileMessage
	err      error
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile %s", e.Path)
	if len(e.Messages) == 0 && e.err != nil {
		fmt.Fprintf(&b, ": %v", e.err)
	}
	for i, m := range e.Messages {
		sep := ": "
		if i > 0 {
			sep = "; "
		}
		fmt.Fprintf(&b, "%sline %d: %s", sep, m.Line, m.Text)
	}
	return b.String()
}

func (e *CompileError) Unwrap() error { return e.err }

func newCompileError(path string, msgs []yara.CompilerMessage, cause error) *CompileError {
	ce := &CompileError{Path: path, err: cause}
	for _, m := range msgs {
		ce.Messages = append(ce.Messages, CompileMessage{Line: m.Line, Text: m.Text})
	}
	return ce
}

// Compile compiles every .yar file directly inside dir into one Ruleset,
// all in the default namespace. Any unreadable or invalid file fails the
// whole compilation. A directory with no rule files yields an empty ruleset.
func Compile(ctx context.Context, dir string) (*Ruleset, error) {
	L := log.FromContext(ctx)
	start := time.Now()

	paths, err := listRuleFiles(dir)
	if err != nil {
		return nil, err
	}

	c, err := yara.NewCompiler()
	if err != nil {
		return nil, xerrors.Wrap(err, "create rule compiler")
	}
	defer c.Destroy()

	srcs := make([]source, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(err, "compile cancelled")
		}
		data, err := readRuleFile(p)
		if err != nil {
			return nil, err
		}
		if err := c.AddString(string(data), Namespace); err != nil {
			return nil, newCompileError(p, c.Errors, err)
		}
		srcs = append(srcs, source{path: p, data: data})
	}

	for _, w := range c.Warnings {
		L.Warn(ctx, "rule compiler warning", "line", w.Line, "text", w.Text)
	}

	yr, err := c.GetRules()
	if err != nil {
		return nil, xerrors.Wrap(err, "finalize compiled rules")
	}

	rs := &Ruleset{
		rules:           yr,
		Dir:             dir,
		Files:           paths,
		RuleCount:       len(yr.GetRules()),
		Fingerprint:     fingerprint(srcs),
		CompiledAt:      time.Now().UTC(),
		CompileDuration: time.Since(start),
	}

	L.Info(ctx, "compiled rules",
		"dir", dir,
		"files", len(rs.Files),
		"rules", rs.RuleCount,
		"fingerprint", truncHash(rs.Fingerprint),
		"duration_ms", rs.CompileDuration.Milliseconds(),
	)
	return rs, nil
}

// truncHash returns the first 12 characters of a hash for logging.
func truncHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
