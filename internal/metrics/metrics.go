// Package metrics owns the service's Prometheus registry. Every collector
// uses bounded labels: routes come from chi patterns, rule labels from the
// compiled ruleset, never from request input.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/yarascan/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter

	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	// scanning
	scanTotal         *prometheus.CounterVec
	scanDur           *prometheus.HistogramVec
	scanBytes         *prometheus.HistogramVec
	ruleMatches       *prometheus.CounterVec
	acquireErrors     *prometheus.CounterVec
	fetchTotal        *prometheus.CounterVec
	fetchDur          *prometheus.HistogramVec
	scanSlotsCapacity prometheus.Gauge

	// ruleset
	rulesetReloads     *prometheus.CounterVec
	rulesetCompileDur  prometheus.Histogram
	rulesetInfo        *prometheus.GaugeVec
	rulesetRules       prometheus.Gauge
	rulesetFiles       prometheus.Gauge
	rulesetCompiledTs  prometheus.Gauge
	watcherChecksTotal *prometheus.CounterVec
	watcherReloads     prometheus.Counter
	watcherErrorsTotal *prometheus.CounterVec
	watcherLastCheckTs prometheus.Gauge

	mu       sync.Mutex
	activeFP string
}

// sizeBuckets covers a few hundred bytes up to the default 64 MiB limit.
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// New returns a fresh registry with the Go and process collectors plus all
// service metrics.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: sizeBuckets,
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),

		scanTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_requests_total",
			Help: "Scan requests by mode (content, url) and outcome",
		}, []string{"mode", "outcome"}),
		scanDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Time from request to result, including fetch and unwrap",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"mode"}),
		scanBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scan_content_bytes",
			Help:    "Size of the buffer handed to the engine",
			Buckets: sizeBuckets,
		}, []string{"mode"}),
		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_rule_matches_total",
			Help: "Rule matches by namespace and rule",
		}, []string{"namespace", "rule"}),
		acquireErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scan_acquire_errors_total",
			Help: "Content acquisition failures by stage (input, fetch, unwrap)",
		}, []string{"stage"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_requests_total",
			Help: "Remote sample fetches by scheme and result",
		}, []string{"scheme", "result"}),
		fetchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetch_duration_seconds",
			Help:    "Remote sample fetch latency by scheme",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"scheme"}),
		scanSlotsCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scan_concurrency_limit",
			Help: "Maximum number of concurrent engine scans",
		}),

		rulesetReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ruleset_compiles_total",
			Help: "Ruleset compilations (initial load and reloads) by result",
		}, []string{"result"}),
		rulesetCompileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ruleset_compile_duration_seconds",
			Help:    "Time to read and compile the rules directory",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		rulesetInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ruleset_info",
			Help: "Currently active ruleset (label carries identity, value is always 1)",
		}, []string{"fingerprint"}),
		rulesetRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ruleset_rules",
			Help: "Number of rules in the active ruleset",
		}),
		rulesetFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ruleset_files",
			Help: "Number of rule files in the active ruleset",
		}),
		rulesetCompiledTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ruleset_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active ruleset was compiled",
		}),
		watcherChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_watcher_checks_total",
			Help: "Rules directory checks by trigger (notify, poll)",
		}, []string{"trigger"}),
		watcherReloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rules_watcher_reloads_total",
			Help: "Reloads triggered by the rules watcher",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rules_watcher_errors_total",
			Help: "Rules watcher errors by type",
		}, []string{"type"}),
		watcherLastCheckTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rules_watcher_last_check_timestamp_seconds",
			Help: "Unix timestamp of the last rules directory check",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.profilingActive,
		m.scanTotal,
		m.scanDur,
		m.scanBytes,
		m.ruleMatches,
		m.acquireErrors,
		m.fetchTotal,
		m.fetchDur,
		m.scanSlotsCapacity,
		m.rulesetReloads,
		m.rulesetCompileDur,
		m.rulesetInfo,
		m.rulesetRules,
		m.rulesetFiles,
		m.rulesetCompiledTs,
		m.watcherChecksTotal,
		m.watcherReloads,
		m.watcherErrorsTotal,
		m.watcherLastCheckTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Registry exposes the underlying registry for tests and extra collectors.
func (m *ServerMetrics) Registry() *prometheus.Registry { return m.reg }

func (m *ServerMetrics) IncHttpPanic() { m.httpPanicTotal.Inc() }

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied()   { m.ratelimitDeniedTotal.Inc() }
func (m *ServerMetrics) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) { m.profilingActive.Set(boolGauge(active)) }

// scan.Metrics

func (m *ServerMetrics) ObserveScan(mode, outcome string, seconds float64, bytes int) {
	m.scanTotal.WithLabelValues(mode, outcome).Inc()
	m.scanDur.WithLabelValues(mode).Observe(seconds)
	if outcome == "ok" {
		m.scanBytes.WithLabelValues(mode).Observe(float64(bytes))
	}
}

func (m *ServerMetrics) IncRuleMatch(namespace, rule string) {
	m.ruleMatches.WithLabelValues(namespace, rule).Inc()
}

func (m *ServerMetrics) SetScanConcurrencyLimit(n int) { m.scanSlotsCapacity.Set(float64(n)) }

// acquire.Metrics and acquire.FetchMetrics

func (m *ServerMetrics) IncAcquireError(stage string) {
	m.acquireErrors.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) ObserveFetch(scheme, result string, seconds float64, _ int) {
	m.fetchTotal.WithLabelValues(scheme, result).Inc()
	m.fetchDur.WithLabelValues(scheme).Observe(seconds)
}

// rules.StoreMetrics

func (m *ServerMetrics) IncRulesetReload(result string) {
	m.rulesetReloads.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveRulesetCompileDuration(seconds float64) {
	m.rulesetCompileDur.Observe(seconds)
}

// SetActiveRuleset records the active ruleset. A new fingerprint also drops
// the per-rule match series, since rule names are only stable within one
// ruleset.
func (m *ServerMetrics) SetActiveRuleset(fingerprint string, rules, files int, compiledAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fingerprint != m.activeFP {
		m.ruleMatches.Reset()
		m.activeFP = fingerprint
	}
	m.rulesetInfo.Reset() // clear the previous identity
	m.rulesetInfo.WithLabelValues(fingerprint).Set(1)
	m.rulesetRules.Set(float64(rules))
	m.rulesetFiles.Set(float64(files))
	m.rulesetCompiledTs.Set(float64(compiledAt.Unix()))
}

// rules.WatcherMetrics

func (m *ServerMetrics) IncWatcherChecks(trigger string) {
	m.watcherChecksTotal.WithLabelValues(trigger).Inc()
}

func (m *ServerMetrics) IncWatcherReloads() { m.watcherReloads.Inc() }

func (m *ServerMetrics) IncWatcherError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetWatcherLastCheck(unixSeconds float64) {
	m.watcherLastCheckTs.Set(unixSeconds)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
