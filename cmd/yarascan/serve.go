package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/keithlinneman/yarascan/internal/acquire"
	"github.com/keithlinneman/yarascan/internal/cfg"
	"github.com/keithlinneman/yarascan/internal/health"
	"github.com/keithlinneman/yarascan/internal/httpserver"
	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/metrics"
	"github.com/keithlinneman/yarascan/internal/opshttp"
	"github.com/keithlinneman/yarascan/internal/otelx"
	"github.com/keithlinneman/yarascan/internal/prof"
	"github.com/keithlinneman/yarascan/internal/ratelimit"
	"github.com/keithlinneman/yarascan/internal/rules"
	"github.com/keithlinneman/yarascan/internal/scan"
	"github.com/keithlinneman/yarascan/internal/scanhttp"
	"github.com/keithlinneman/yarascan/internal/version"
)

const component = "server"

// writeSlack is added on top of the scan and fetch timeouts for the public
// server's write timeout.
const writeSlack = 30 * time.Second

func newServeCmd() *cobra.Command {
	var conf cfg.App
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd.Flags(), &conf, cmd.ErrOrStderr().Write); err != nil {
				return err
			}
			return runServe(cmd.Context(), conf)
		},
	}
	cfg.Register(cmd.Flags(), &conf)
	return cmd
}

// loadConfig layers env and the optional config file under the parsed CLI
// flags, then validates the result.
func loadConfig(fs *pflag.FlagSet, conf *cfg.App, warn func([]byte) (int, error)) error {
	cfg.FillFromEnv(fs, cfg.EnvPrefix, func(format string, args ...any) {
		_, _ = warn([]byte(fmt.Sprintf(format+"\n", args...)))
	})
	if conf.ConfigFile != "" {
		if err := cfg.ApplyFile(fs, conf.ConfigFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(*conf); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	return nil
}

func newLogger(conf cfg.App) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		return nil, err
	}
	return log.New(log.Options{
		App:               version.AppName,
		Version:           version.Version,
		Commit:            version.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
		Writer:            os.Stdout,
	})
}

func runServe(ctx context.Context, conf cfg.App) error {
	vi := version.Get()

	lg, err := newLogger(conf)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_addr", conf.HTTPAddr,
		"admin_addr", conf.AdminAddr,
		"rules_dir", conf.RulesDir,
		"watch_rules", conf.WatchRules,
		"max_scan_bytes", conf.MaxScanBytes,
		"scan_timeout", conf.ScanTimeout.String(),
		"max_concurrent_scans", conf.MaxConcurrentScans,
		"enable_s3_fetch", conf.EnableS3Fetch,
		"block_private_fetch", conf.BlockPrivateFetch,
		"enable_rate_limit", conf.EnableRateLimit,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(version.AppName, component, &vi)
	m.SetScanConcurrencyLimit(conf.MaxConcurrentScans)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       version.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Metrics:       m,
		Tags: map[string]string{
			"app":       version.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  conf.OTLPInsecure,
		Sample:    conf.TraceSample,
		Service:   version.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// a ruleset must be active before any listener accepts a scan
	store := rules.NewStore(rules.StoreOptions{Logger: L, Metrics: m})
	if err := store.Initialize(ctx, conf.RulesDir); err != nil {
		L.Error(ctx, err, "initial rule compile failed", "rules_dir", conf.RulesDir)
		return err
	}

	var s3api acquire.S3API
	if conf.EnableS3Fetch {
		c, err := acquire.NewS3Client(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			return err
		}
		s3api = c
	}
	fetcher := acquire.NewFetcher(acquire.FetcherOptions{
		Logger:    L,
		Timeout:   conf.FetchTimeout,
		MaxBytes:  conf.MaxFetchBytes,
		S3:        s3api,
		UserAgent: version.UserAgent(),
		Metrics:   m,

		BlockPrivateNetworks: conf.BlockPrivateFetch,
	})
	pipeline := acquire.NewPipeline(acquire.Options{
		Fetcher:           fetcher,
		MaxUnwrappedBytes: conf.MaxScanBytes,
		Metrics:           m,
	})
	scanner, err := scan.New(store, scan.Options{
		Pipeline:      pipeline,
		Timeout:       conf.ScanTimeout,
		MaxConcurrent: conf.MaxConcurrentScans,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	if conf.WatchRules {
		w, err := rules.NewWatcher(&rules.WatcherOptions{
			Logger:       L,
			Store:        store,
			PollInterval: conf.WatchPollInterval,
			Metrics:      m,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				L.Error(ctx, err, "rules watcher stopped")
			}
		}()
	}

	var gate health.ShutdownGate
	readiness := health.All(
		health.CheckFunc(func(context.Context) error { return store.ReadyErr() }),
		gate.Probe(),
	)

	var rateLimitMW func(http.Handler) http.Handler
	if conf.EnableRateLimit {
		limiter := ratelimit.New(ctx,
			ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
			ratelimit.WithExempt(func(r *http.Request) bool {
				return r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready"
			}),
			ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
			// once per IP until it is evicted
			ratelimit.WithOnFirstDenied(func(ip string) {
				L.Warn(ctx, "rate limit triggered", "ip", ip)
			}),
			ratelimit.WithOnCapacity(func() {
				m.IncRateLimitCapacity()
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted")
			}),
		)
		rateLimitMW = limiter.Middleware
	}

	api := scanhttp.NewAPI(scanhttp.Options{
		Logger:      L,
		Scanner:     scanner,
		Rules:       store,
		ContentPath: conf.ContentPath,
		URLPath:     conf.URLPath,
		ReloadPath:  conf.ReloadPath,
		RulesPath:   conf.RulesPath,
	})

	writeTimeout := conf.ScanTimeout + conf.FetchTimeout + writeSlack
	httpStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Addr:         conf.HTTPAddr,
		MaxBodyBytes: conf.MaxScanBytes,
		WriteTimeout: writeTimeout,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  rateLimitMW,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Ruleset:      store,
		APIRoutes:    api.RegisterRoutes,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		return err
	}

	// the ops port has no auth; it also refuses public peers
	opsStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Addr:         conf.AdminAddr,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		_ = httpStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	// fail readiness so load balancers stop sending scans
	gate.Set("draining")
	drain(bg, L, conf.ShutdownDrain)

	shutdownCtx, cancel := context.WithTimeout(bg, writeTimeout)
	defer cancel()

	if err := httpStop(shutdownCtx); err != nil {
		L.Error(bg, err, "http server shutdown")
	}
	if err := opsStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(bg, err, "otel shutdown")
	}

	L.Info(bg, "shutdown complete")
	return nil
}

// drain waits d with readiness failing. A second signal skips the wait.
func drain(ctx context.Context, L log.Logger, d time.Duration) {
	if d <= 0 {
		return
	}
	L.Info(ctx, "draining before shutdown", "drain", d.String())

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(forceCh)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-forceCh:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// notifySystemd sends READY=1 when running under a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return errors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify: dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write: %w", err)
	}
	return nil
}
