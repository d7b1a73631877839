package cfg

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/pathutil"
)

// EnvPrefix is prepended to the upper-cased flag name to form its env var.
const EnvPrefix = "YARASCAN_"

// DefaultMaxScanBytes bounds a request body and an unzipped entry.
const DefaultMaxScanBytes int64 = 64 << 20

// maxScanThreads is libyara's per-rules concurrent scan limit.
const maxScanThreads = 32

type App struct {
	ConfigFile string

	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPAddr  string
	AdminAddr string

	ContentPath string
	URLPath     string
	ReloadPath  string
	RulesPath   string

	RulesDir          string
	WatchRules        bool
	WatchPollInterval time.Duration

	MaxScanBytes       int64
	ScanTimeout        time.Duration
	MaxConcurrentScans int

	FetchTimeout      time.Duration
	MaxFetchBytes     int64
	EnableS3Fetch     bool
	BlockPrivateFetch bool

	EnableRateLimit bool
	RateLimitRPS    float64
	RateLimitBurst  int

	ShutdownDrain time.Duration

	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	OTLPInsecure    bool
	TraceSample     float64
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *pflag.FlagSet, c *App) {
	fs.StringVar(&c.ConfigFile, "config", "", "YAML config file; flags and env override it")

	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or text (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.StringVar(&c.HTTPAddr, "http-addr", ":8080", "public listen address (host:port)")
	fs.StringVar(&c.AdminAddr, "admin-addr", ":9000", "ops listen address for metrics, health and pprof (host:port)")

	fs.StringVar(&c.ContentPath, "content-path", "/scan/content", "route for raw content scans")
	fs.StringVar(&c.URLPath, "url-path", "/scan/url", "route for remote url scans")
	fs.StringVar(&c.ReloadPath, "reload-path", "/rules/reload", "route that recompiles the rules directory")
	fs.StringVar(&c.RulesPath, "rules-path", "/rules", "route describing the active ruleset")

	fs.StringVar(&c.RulesDir, "rules-dir", "./rules", "directory of .yar rule files")
	fs.BoolVar(&c.WatchRules, "watch-rules", false, "reload automatically when the rules directory changes")
	fs.DurationVar(&c.WatchPollInterval, "watch-poll-interval", 30*time.Second, "rules directory poll interval when watching")

	fs.Int64Var(&c.MaxScanBytes, "max-scan-bytes", DefaultMaxScanBytes, "max request body and unzipped entry size in bytes")
	fs.DurationVar(&c.ScanTimeout, "scan-timeout", 60*time.Second, "per-scan engine timeout (whole seconds)")
	fs.IntVar(&c.MaxConcurrentScans, "max-concurrent-scans", 16, "concurrent engine scans (1..32)")

	fs.DurationVar(&c.FetchTimeout, "fetch-timeout", 30*time.Second, "timeout for fetching a remote sample")
	fs.Int64Var(&c.MaxFetchBytes, "max-fetch-bytes", 64<<20, "max remote sample size in bytes")
	fs.BoolVar(&c.EnableS3Fetch, "enable-s3-fetch", false, "allow s3://bucket/key urls using the default AWS credential chain")
	fs.BoolVar(&c.BlockPrivateFetch, "block-private-fetch", false, "refuse to fetch from loopback, private and link-local addresses")

	fs.BoolVar(&c.EnableRateLimit, "enable-rate-limit", true, "per-IP rate limiting on the public listener")
	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 20, "per-IP sustained requests per second")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 50, "per-IP burst size")

	fs.DurationVar(&c.ShutdownDrain, "shutdown-drain", 5*time.Second, "time readiness reports draining before listeners stop")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in --pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.BoolVar(&c.OTLPInsecure, "otlp-insecure", true, "plaintext gRPC to the OTLP endpoint")
}

// EnvKey returns the environment variable consulted for flag name.
func EnvKey(prefix, name string) string {
	return prefix + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > config file > default.
func FillFromEnv(fs *pflag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *pflag.Flag) {
		key := EnvKey(prefix, f.Name)
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag --%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = f.Value.Set(prev)
			if logf != nil {
				logf("flag --%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Listeners
	httpPort, err := checkAddr(c.HTTPAddr)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid HTTP_ADDR %q: %w", c.HTTPAddr, err))
	}
	adminPort, err := checkAddr(c.AdminAddr)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid ADMIN_ADDR %q: %w", c.AdminAddr, err))
	}
	if httpPort != 0 && httpPort == adminPort {
		errs = append(errs, fmt.Errorf("ADMIN_ADDR and HTTP_ADDR must use different ports (both %d)", httpPort))
	}

	// Routes
	seen := map[string]string{}
	for _, r := range []struct{ name, path string }{
		{"CONTENT_PATH", c.ContentPath},
		{"URL_PATH", c.URLPath},
		{"RELOAD_PATH", c.ReloadPath},
		{"RULES_PATH", c.RulesPath},
	} {
		if err := pathutil.CheckRoute(r.path); err != nil {
			errs = append(errs, fmt.Errorf("%s %v (got %q)", r.name, err, r.path))
			continue
		}
		if other, dup := seen[r.path]; dup {
			errs = append(errs, fmt.Errorf("%s and %s are both %q", other, r.name, r.path))
		}
		seen[r.path] = r.name
	}

	// Rules
	if strings.TrimSpace(c.RulesDir) == "" {
		errs = append(errs, fmt.Errorf("RULES_DIR is required"))
	}
	if c.WatchRules && c.WatchPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("WATCH_POLL_INTERVAL must be at least 1s (got %s)", c.WatchPollInterval))
	}

	// Scanning limits
	if c.MaxScanBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SCAN_BYTES must be positive (got %d)", c.MaxScanBytes))
	}
	if c.MaxFetchBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FETCH_BYTES must be positive (got %d)", c.MaxFetchBytes))
	}
	if c.ScanTimeout < time.Second {
		errs = append(errs, fmt.Errorf("SCAN_TIMEOUT must be at least 1s (got %s)", c.ScanTimeout))
	}
	if c.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("FETCH_TIMEOUT must be positive (got %s)", c.FetchTimeout))
	}
	if c.MaxConcurrentScans < 1 || c.MaxConcurrentScans > maxScanThreads {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_SCANS must be 1..%d (got %d)", maxScanThreads, c.MaxConcurrentScans))
	}

	// Rate limiting
	if c.EnableRateLimit {
		if c.RateLimitRPS <= 0 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be positive (got %v)", c.RateLimitRPS))
		}
		if c.RateLimitBurst < 1 {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be at least 1 (got %d)", c.RateLimitBurst))
		}
	}

	if c.ShutdownDrain < 0 {
		errs = append(errs, fmt.Errorf("SHUTDOWN_DRAIN must not be negative (got %s)", c.ShutdownDrain))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL, scheme and tenant)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// checkAddr validates a host:port listen address and returns the port.
func checkAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port must be 1..65535")
	}
	return port, nil
}
