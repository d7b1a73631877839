package rules

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/yarascan/internal/log"
)

var (
	ErrNotInitialized     = errors.New("rules: store not initialized")
	ErrAlreadyInitialized = errors.New("rules: store already initialized")
)

// StoreMetrics is implemented by the metrics package to observe reloads and
// the identity of the active ruleset.
type StoreMetrics interface {
	IncRulesetReload(result string)
	ObserveRulesetCompileDuration(seconds float64)
	SetActiveRuleset(fingerprint string, rules, files int, compiledAt time.Time)
}

// CompileFunc compiles a rules directory. Compile is the default.
type CompileFunc func(ctx context.Context, dir string) (*Ruleset, error)

type StoreOptions struct {
	Logger  log.Logger
	Metrics StoreMetrics

	// Compile overrides the compiler, mainly for tests.
	Compile CompileFunc
}

// Store holds the active ruleset. Readers load it without locking; writers
// compile outside any reader-visible lock and publish with one pointer swap.
type Store struct {
	active atomic.Pointer[Ruleset]

	// dir is set exactly once, by the first successful Initialize
	dir atomic.Pointer[string]

	// wmu serializes writers so an older compile cannot overwrite a newer one
	wmu sync.Mutex

	compile CompileFunc
	logger  log.Logger
	metrics StoreMetrics
}

func NewStore(opts StoreOptions) *Store {
	s := &Store{
		compile: opts.Compile,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if s.compile == nil {
		s.compile = Compile
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	return s
}

// Initialize compiles dir and makes it the store's rules directory. It may
// succeed at most once; a failed attempt leaves the store uninitialized so
// it can be retried.
func (s *Store) Initialize(ctx context.Context, dir string) error {
	if s.dir.Load() != nil {
		return ErrAlreadyInitialized
	}

	rs, err := s.compileObserved(ctx, dir)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	d := dir
	if !s.dir.CompareAndSwap(nil, &d) {
		return ErrAlreadyInitialized
	}
	s.publish(rs)

	s.logger.Info(ctx, "rule store initialized",
		"dir", dir,
		"rules", rs.RuleCount,
		"fingerprint", truncHash(rs.Fingerprint),
	)
	return nil
}

// Reload recompiles the rules directory and swaps the result in. On failure
// the active ruleset is left exactly as it was and the error is returned.
// In-flight scans keep the ruleset they already loaded.
func (s *Store) Reload(ctx context.Context) (*Ruleset, error) {
	dp := s.dir.Load()
	if dp == nil {
		return nil, ErrNotInitialized
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	prev := s.active.Load()
	rs, err := s.compileObserved(ctx, *dp)
	if err != nil {
		s.logger.Error(ctx, err, "rule reload failed, keeping active ruleset",
			"dir", *dp,
			"active_fingerprint", truncHash(prev.Fingerprint),
		)
		return nil, err
	}
	s.publish(rs)

	s.logger.Info(ctx, "rules reloaded",
		"old_fingerprint", truncHash(prev.Fingerprint),
		"new_fingerprint", truncHash(rs.Fingerprint),
		"rules", rs.RuleCount,
		"files", len(rs.Files),
	)
	return rs, nil
}

func (s *Store) compileObserved(ctx context.Context, dir string) (*Ruleset, error) {
	start := time.Now()
	rs, err := s.compile(ctx, dir)
	if s.metrics != nil {
		s.metrics.ObserveRulesetCompileDuration(time.Since(start).Seconds())
		if err != nil {
			s.metrics.IncRulesetReload("error")
		} else {
			s.metrics.IncRulesetReload("success")
		}
	}
	return rs, err
}

func (s *Store) publish(rs *Ruleset) {
	s.active.Store(rs)
	if s.metrics != nil {
		s.metrics.SetActiveRuleset(rs.Fingerprint, rs.RuleCount, len(rs.Files), rs.CompiledAt)
	}
}

// Active returns the current ruleset. It never blocks.
func (s *Store) Active() (*Ruleset, bool) {
	rs := s.active.Load()
	return rs, rs != nil
}

// Dir returns the recorded rules directory, or "" before Initialize.
func (s *Store) Dir() string {
	if dp := s.dir.Load(); dp != nil {
		return *dp
	}
	return ""
}

// Initialized reports whether Initialize has succeeded.
func (s *Store) Initialized() bool { return s.dir.Load() != nil }

// ReadyErr returns an error if there is no active ruleset.
func (s *Store) ReadyErr() error {
	if _, ok := s.Active(); !ok {
		return errors.New("rules: no active ruleset")
	}
	return nil
}

// Info summarizes the active ruleset.
func (s *Store) Info() (Info, bool) {
	rs, ok := s.Active()
	if !ok {
		return Info{}, false
	}
	return rs.Info(), true
}

// Fingerprint returns the active ruleset's fingerprint, or "" if none.
func (s *Store) Fingerprint() string {
	if rs, ok := s.Active(); ok {
		return rs.Fingerprint
	}
	return ""
}
