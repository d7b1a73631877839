package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RulesetHeader carries the fingerprint of the ruleset behind a response.
const RulesetHeader = "X-Ruleset-Fingerprint"

// RulesetInfo reports the active ruleset fingerprint, "" before one exists.
type RulesetInfo interface {
	Fingerprint() string
}

// RulesetHeaders stamps every response with the ruleset active when the
// request arrived. Scan handlers overwrite it with the ruleset the scan
// actually used, which differs only if a reload landed in between.
func RulesetHeaders(info RulesetInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fp := info.Fingerprint(); fp != "" {
				w.Header().Set(RulesetHeader, fp)
				if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
					span.SetAttributes(attribute.String("ruleset.fingerprint", fp))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
