// Watcher reloads the Store when the rules directory changes.
//
// Two triggers feed the same check: fsnotify events (debounced, since
// editors and deploy tools touch a file several times per save) and a
// periodic poll as a fallback for filesystems where inotify is unreliable
// (NFS, some container volume drivers). Each check fingerprints the
// directory and only recompiles when the fingerprint differs from the
// active ruleset.
package rules

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/keithlinneman/yarascan/internal/cryptoutil"
	"github.com/keithlinneman/yarascan/internal/log"
)

const (
	// DefaultPollInterval is how often the watcher re-fingerprints the directory.
	DefaultPollInterval = 30 * time.Second

	// DefaultDebounce is how long the watcher waits after the last fsnotify
	// event before checking.
	DefaultDebounce = 500 * time.Millisecond

	// maxBackoff caps exponential backoff on consecutive failed checks.
	maxBackoff = 5 * time.Minute
)

// checkResult describes what happened during a single check.
type checkResult int

const (
	checkNoChange     checkResult = iota // fingerprint matches the active ruleset
	checkReloaded                        // new content compiled and swapped in
	checkReadError                       // directory or a rule file could not be read
	checkCompileError                    // content changed but failed to compile
)

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherChecks(trigger string)
	IncWatcherReloads()
	IncWatcherError(errType string)
	SetWatcherLastCheck(unixSeconds float64)
}

type WatcherOptions struct {
	Logger       log.Logger
	Store        *Store
	PollInterval time.Duration
	Debounce     time.Duration
	Metrics      WatcherMetrics

	// DisableNotify skips fsnotify and relies on polling alone.
	DisableNotify bool

	// OnReload is called after a successful swap, synchronously on the
	// watcher goroutine.
	OnReload func(*Ruleset)
}

type Watcher struct {
	store    *Store
	logger   log.Logger
	interval time.Duration
	debounce time.Duration
	metrics  WatcherMetrics
	notify   bool
	onReload func(*Ruleset)

	consecutiveErrs int
	checkCount      int64
	reloadCount     int64
}

// NewWatcher creates a rules watcher for an initialized store. Call Run to
// start it.
func NewWatcher(opts *WatcherOptions) (*Watcher, error) {
	if opts.Store == nil || !opts.Store.Initialized() {
		return nil, ErrNotInitialized
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		store:    opts.Store,
		logger:   opts.Logger,
		interval: interval,
		debounce: debounce,
		metrics:  opts.Metrics,
		notify:   !opts.DisableNotify,
		onReload: opts.OnReload,
	}, nil
}

// Run watches until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	dir := w.store.Dir()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.notify {
		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(dir)
		}
		if err != nil {
			w.logger.Warn(ctx, "rules watcher: fsnotify unavailable, polling only",
				"dir", dir,
				"err", err,
			)
			if fw != nil {
				_ = fw.Close()
			}
		} else {
			defer fw.Close()
			events, errs = fw.Events, fw.Errors
		}
	}

	w.logger.Info(ctx, "rules watcher starting",
		"dir", dir,
		"poll_interval", w.interval.String(),
		"notify", events != nil,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// debounce timer, armed only while events are pending
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		var result checkResult
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "rules watcher stopping",
				"reason", ctx.Err(),
				"checks", w.checkCount,
				"reloads", w.reloadCount,
			)
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if relevantEvent(ev) {
				debounce.Reset(w.debounce)
			}
			continue

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Error(ctx, err, "rules watcher: fsnotify error")
			if w.metrics != nil {
				w.metrics.IncWatcherError("notify")
			}
			continue

		case <-debounce.C:
			result = w.checkOnce(ctx, "notify")

		case <-ticker.C:
			result = w.checkOnce(ctx, "poll")
		}

		if result == checkReadError || result == checkCompileError {
			w.consecutiveErrs++
			backoff := w.backoffDuration()
			w.logger.Warn(ctx, "rules watcher: backing off",
				"consecutive_errors", w.consecutiveErrs,
				"next_poll_in", backoff.String(),
			)
			ticker.Reset(backoff)
		} else if w.consecutiveErrs > 0 {
			w.logger.Info(ctx, "rules watcher: recovered, resuming normal interval",
				"had_consecutive_errors", w.consecutiveErrs,
			)
			w.consecutiveErrs = 0
			ticker.Reset(w.interval)
		}
	}
}

// relevantEvent reports whether ev can change the compiled ruleset. Chmod
// alone never does.
func relevantEvent(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != RuleFileExt {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}

// checkOnce performs a single fingerprint-compare-reload cycle.
func (w *Watcher) checkOnce(ctx context.Context, trigger string) checkResult {
	w.checkCount++
	if w.metrics != nil {
		w.metrics.IncWatcherChecks(trigger)
		w.metrics.SetWatcherLastCheck(float64(time.Now().Unix()))
	}

	dir := w.store.Dir()
	fp, err := DirFingerprint(dir)
	if err != nil {
		w.logger.Error(ctx, err, "rules watcher: fingerprint failed", "dir", dir)
		if w.metrics != nil {
			w.metrics.IncWatcherError("read")
		}
		return checkReadError
	}

	// no change - most common path
	if cryptoutil.HashEqual(fp, w.store.Fingerprint()) {
		return checkNoChange
	}

	w.logger.Info(ctx, "rules watcher: change detected",
		"trigger", trigger,
		"old_fingerprint", truncHash(w.store.Fingerprint()),
		"new_fingerprint", truncHash(fp),
	)

	rs, err := w.store.Reload(ctx)
	if err != nil {
		// Reload already logged the failure
		if w.metrics != nil {
			w.metrics.IncWatcherError("compile")
		}
		return checkCompileError
	}

	w.reloadCount++
	if w.metrics != nil {
		w.metrics.IncWatcherReloads()
	}

	if w.onReload != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnReload panic: %v", r),
						"rules watcher: OnReload callback panicked, continuing",
						"fingerprint", truncHash(rs.Fingerprint),
					)
				}
			}()
			w.onReload(rs)
		}()
	}
	return checkReloaded
}

// backoffDuration computes exponential backoff capped at maxBackoff.
// consecutiveErrs=1 gives 2x interval, 2 gives 4x, and so on.
func (w *Watcher) backoffDuration() time.Duration {
	mult := math.Pow(2, float64(w.consecutiveErrs))
	d := time.Duration(float64(w.interval) * mult)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}
