package scan

import (
	"github.com/hillu/go-yara/v4"
)

// MatchedRule is one rule that matched, with its metadata as declared in the
// rule's meta section. Values keep their rule-language type.
type MatchedRule struct {
	Rule      string         `json:"rule"`
	Namespace string         `json:"namespace"`
	Meta      map[string]any `json:"meta"`
}

// Result is the outcome of one scan request. When Error is set the match
// list is empty and the count is zero. MatchedRules is never nil so it
// always encodes as a JSON array.
type Result struct {
	MatchedRuleCount int           `json:"matched_rule_count"`
	MatchedRules     []MatchedRule `json:"matched_rules"`
	Error            *string       `json:"error"`

	// Fingerprint identifies the ruleset the scan ran against. Empty when
	// the request failed before scanning.
	Fingerprint string `json:"-"`
}

func failed(msg string) Result {
	return Result{MatchedRules: []MatchedRule{}, Error: &msg}
}

// project converts engine matches, keeping the engine's order.
func project(matches yara.MatchRules) []MatchedRule {
	out := make([]MatchedRule, 0, len(matches))
	for _, m := range matches {
		meta := make(map[string]any, len(m.Metas))
		for _, kv := range m.Metas {
			meta[kv.Identifier] = kv.Value
		}
		out = append(out, MatchedRule{Rule: m.Rule, Namespace: m.Namespace, Meta: meta})
	}
	return out
}

// Outcome classifies how a request ended, for status mapping and metrics.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBadInput
	OutcomeFetchFailed
	OutcomeUnwrapFailed
	OutcomeScanFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBadInput:
		return "bad_input"
	case OutcomeFetchFailed:
		return "fetch_error"
	case OutcomeUnwrapFailed:
		return "unwrap_error"
	case OutcomeScanFailed:
		return "scan_error"
	default:
		return "unknown"
	}
}
