package rules

import (
	"path/filepath"
	"time"

	"github.com/hillu/go-yara/v4"
)

// Ruleset is a compiled, immutable set of rules plus the facts about where
// it came from.
type Ruleset struct {
	rules *yara.Rules

	Dir             string
	Files           []string
	RuleCount       int
	Fingerprint     string
	CompiledAt      time.Time
	CompileDuration time.Duration
}

// Rules returns the compiled engine handle. It is safe for concurrent scans.
func (r *Ruleset) Rules() *yara.Rules { return r.rules }

// Info is the JSON summary of a ruleset exposed by the API and the CLI.
// Files holds base names only and Dir stays out of the JSON, so the public
// listener never reveals server paths.
type Info struct {
	Dir               string    `json:"-"`
	Files             []string  `json:"files"`
	RuleCount         int       `json:"rule_count"`
	Fingerprint       string    `json:"fingerprint"`
	CompiledAt        time.Time `json:"compiled_at"`
	CompileDurationMS int64     `json:"compile_duration_ms"`
}

func (r *Ruleset) Info() Info {
	files := make([]string, len(r.Files))
	for i, f := range r.Files {
		files[i] = filepath.Base(f)
	}
	return Info{
		Dir:               r.Dir,
		Files:             files,
		RuleCount:         r.RuleCount,
		Fingerprint:       r.Fingerprint,
		CompiledAt:        r.CompiledAt,
		CompileDurationMS: r.CompileDuration.Milliseconds(),
	}
}
