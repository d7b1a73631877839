// Package scan runs acquired content against the active ruleset and shapes
// the result.
package scan

import (
	"context"
	"errors"
	"time"

	"github.com/hillu/go-yara/v4"

	"github.com/keithlinneman/yarascan/internal/acquire"
	"github.com/keithlinneman/yarascan/internal/log"
	"github.com/keithlinneman/yarascan/internal/rules"
	"github.com/keithlinneman/yarascan/internal/xerrors"
)

const (
	DefaultTimeout = 60 * time.Second

	// DefaultMaxConcurrent stays below libyara's per-rules thread limit (32).
	DefaultMaxConcurrent = 16
)

// Metrics is implemented by the metrics package.
type Metrics interface {
	ObserveScan(mode, outcome string, seconds float64, bytes int)
	IncRuleMatch(namespace, rule string)
}

type Options struct {
	Pipeline *acquire.Pipeline

	// Timeout bounds a single engine scan. libyara counts whole seconds.
	Timeout time.Duration

	// MaxConcurrent bounds scans running at once; waiters queue.
	MaxConcurrent int

	Flags   yara.ScanFlags
	Metrics Metrics
}

// Scanner scans content against whatever ruleset the store holds when the
// scan starts.
type Scanner struct {
	store    *rules.Store
	pipeline *acquire.Pipeline
	timeout  time.Duration
	flags    yara.ScanFlags
	sem      chan struct{}
	metrics  Metrics
}

// New returns a Scanner over store. The store must already be initialized,
// which makes scanning without a ruleset impossible.
func New(store *rules.Store, opts Options) (*Scanner, error) {
	if store == nil || !store.Initialized() {
		return nil, rules.ErrNotInitialized
	}
	if opts.Pipeline == nil {
		opts.Pipeline = acquire.NewPipeline(acquire.Options{})
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Scanner{
		store:    store,
		pipeline: opts.Pipeline,
		timeout:  opts.Timeout,
		flags:    opts.Flags,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		metrics:  opts.Metrics,
	}, nil
}

// Scan runs data against the active ruleset. The ruleset is loaded once; a
// reload during the scan does not affect it.
func (s *Scanner) Scan(ctx context.Context, data []byte) (Result, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return Result{}, xerrors.Wrap(ctx.Err(), "wait for scan slot")
	}

	rs, ok := s.store.Active()
	if !ok {
		// unreachable after New, kept so a bug surfaces as an error
		return Result{}, rules.ErrNotInitialized
	}

	var matches yara.MatchRules
	if err := rs.Rules().ScanMem(data, s.flags, s.timeout, &matches); err != nil {
		return Result{}, xerrors.Wrap(err, "engine")
	}

	mr := project(matches)
	if s.metrics != nil {
		for _, m := range mr {
			s.metrics.IncRuleMatch(m.Namespace, m.Rule)
		}
	}
	return Result{
		MatchedRuleCount: len(mr),
		MatchedRules:     mr,
		Fingerprint:      rs.Fingerprint,
	}, nil
}

// ScanBytes scans a submitted buffer, first unzipping it when unwrap is set.
// Failures are reported in the Result, never as a Go error.
func (s *Scanner) ScanBytes(ctx context.Context, data []byte, unwrap bool) (Result, Outcome) {
	start := time.Now()
	payload, err := s.pipeline.FromBytes(ctx, data, unwrap)
	return s.finish(ctx, "content", start, payload, err)
}

// ScanURL fetches rawURL and scans the payload, unzipping it first when
// unwrap is set. Failures are reported in the Result, never as a Go error.
func (s *Scanner) ScanURL(ctx context.Context, rawURL string, unwrap bool) (Result, Outcome) {
	start := time.Now()
	payload, err := s.pipeline.FromURL(ctx, rawURL, unwrap)
	return s.finish(ctx, "url", start, payload, err)
}

func (s *Scanner) finish(ctx context.Context, mode string, start time.Time, payload []byte, acqErr error) (Result, Outcome) {
	L := log.FromContext(ctx)

	var res Result
	outcome := OutcomeOK
	if acqErr != nil {
		res, outcome = acquisitionFailure(acqErr)
		L.Warn(ctx, "scan input rejected",
			"mode", mode,
			"outcome", outcome.String(),
			"err", acqErr,
		)
	} else {
		var err error
		res, err = s.Scan(ctx, payload)
		if err != nil {
			res, outcome = failed("scan failed: "+err.Error()), OutcomeScanFailed
			L.Error(ctx, err, "scan failed", "mode", mode, "bytes", len(payload))
		} else {
			L.Debug(ctx, "scan complete",
				"mode", mode,
				"bytes", len(payload),
				"matches", res.MatchedRuleCount,
				"ruleset", res.Fingerprint,
			)
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveScan(mode, outcome.String(), time.Since(start).Seconds(), len(payload))
	}
	return res, outcome
}

func acquisitionFailure(err error) (Result, Outcome) {
	var ae *acquire.Error
	if !errors.As(err, &ae) {
		return failed(err.Error()), OutcomeBadInput
	}
	switch ae.Stage {
	case acquire.StageUnwrap:
		return failed("failed to unzip file: " + ae.Err.Error()), OutcomeUnwrapFailed
	case acquire.StageFetch:
		return failed("download file failed: " + ae.Err.Error()), OutcomeFetchFailed
	default:
		return failed(ae.Err.Error()), OutcomeBadInput
	}
}
