package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/yarascan/internal/health"
	"github.com/keithlinneman/yarascan/internal/httpmw"
	"github.com/keithlinneman/yarascan/internal/log"
)

type Options struct {
	Logger log.Logger
	// Addr is host:port; empty means :8080.
	Addr string

	// MaxBodyBytes caps request bodies. Zero means DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// WriteTimeout must cover the slowest scan plus fetch.
	WriteTimeout time.Duration

	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe

	// Ruleset stamps X-Ruleset-Fingerprint on every response.
	Ruleset httpmw.RulesetInfo

	// APIRoutes mounts the scan and rules endpoints.
	APIRoutes func(chi.Router)
}
