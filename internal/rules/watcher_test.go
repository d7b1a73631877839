package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

// dirCompiler fingerprints the directory like Compile does, and fails when a
// file named broken.yar is present.
type dirCompiler struct{ calls int }

func (d *dirCompiler) compile(ctx context.Context, dir string) (*Ruleset, error) {
	d.calls++
	if _, err := os.Stat(filepath.Join(dir, "broken.yar")); err == nil {
		return nil, &CompileError{Path: filepath.Join(dir, "broken.yar")}
	}
	fp, err := DirFingerprint(dir)
	if err != nil {
		return nil, err
	}
	return &Ruleset{Dir: dir, Fingerprint: fp, CompiledAt: time.Now()}, nil
}

type fakeWatcherMetrics struct {
	mu      sync.Mutex
	checks  map[string]int
	reloads int
	errs    map[string]int
}

func newFakeWatcherMetrics() *fakeWatcherMetrics {
	return &fakeWatcherMetrics{checks: map[string]int{}, errs: map[string]int{}}
}

func (m *fakeWatcherMetrics) IncWatcherChecks(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[trigger]++
}
func (m *fakeWatcherMetrics) IncWatcherReloads() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reloads++
}
func (m *fakeWatcherMetrics) IncWatcherError(errType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[errType]++
}
func (m *fakeWatcherMetrics) SetWatcherLastCheck(float64) {}

func (m *fakeWatcherMetrics) checksFor(trigger string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks[trigger]
}

func newWatchedStore(t *testing.T) (*Store, *dirCompiler, string) {
	t.Helper()
	dir := t.TempDir()
	writeRule(t, dir, "a.yar", ruleA)
	dc := &dirCompiler{}
	s := NewStore(StoreOptions{Compile: dc.compile})
	if err := s.Initialize(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	return s, dc, dir
}

func TestNewWatcher_RequiresInitializedStore(t *testing.T) {
	if _, err := NewWatcher(&WatcherOptions{}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("nil store: err = %v", err)
	}
	s := NewStore(StoreOptions{})
	if _, err := NewWatcher(&WatcherOptions{Store: s}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("uninitialized store: err = %v", err)
	}
}

func TestWatcher_CheckOnce_NoChange(t *testing.T) {
	s, dc, _ := newWatchedStore(t)
	m := newFakeWatcherMetrics()
	w, err := NewWatcher(&WatcherOptions{Store: s, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}

	if got := w.checkOnce(context.Background(), "poll"); got != checkNoChange {
		t.Fatalf("checkOnce = %d, want checkNoChange", got)
	}
	if dc.calls != 1 {
		t.Fatalf("unchanged dir triggered a compile (calls=%d)", dc.calls)
	}
	if m.checks["poll"] != 1 {
		t.Fatalf("checks = %v", m.checks)
	}
}

func TestWatcher_CheckOnce_ReloadsOnChange(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	m := newFakeWatcherMetrics()
	var got *Ruleset
	w, _ := NewWatcher(&WatcherOptions{Store: s, Metrics: m, OnReload: func(rs *Ruleset) { got = rs }})

	writeRule(t, dir, "b.yar", ruleB)
	if res := w.checkOnce(context.Background(), "notify"); res != checkReloaded {
		t.Fatalf("checkOnce = %d, want checkReloaded", res)
	}
	active, _ := s.Active()
	if got == nil || got != active {
		t.Fatal("OnReload not called with the new active ruleset")
	}
	if m.reloads != 1 {
		t.Fatalf("reloads = %d", m.reloads)
	}

	// the swapped-in fingerprint is now current
	if res := w.checkOnce(context.Background(), "poll"); res != checkNoChange {
		t.Fatalf("second checkOnce = %d, want checkNoChange", res)
	}
}

func TestWatcher_CheckOnce_CompileErrorKeepsActive(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	m := newFakeWatcherMetrics()
	w, _ := NewWatcher(&WatcherOptions{Store: s, Metrics: m})
	before, _ := s.Active()

	writeRule(t, dir, "broken.yar", "rule {")
	if res := w.checkOnce(context.Background(), "poll"); res != checkCompileError {
		t.Fatalf("checkOnce = %d, want checkCompileError", res)
	}
	if after, _ := s.Active(); after != before {
		t.Fatal("compile error replaced the active ruleset")
	}
	if m.errs["compile"] != 1 {
		t.Fatalf("errs = %v", m.errs)
	}
}

func TestWatcher_CheckOnce_ReadError(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	m := newFakeWatcherMetrics()
	w, _ := NewWatcher(&WatcherOptions{Store: s, Metrics: m})

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	if res := w.checkOnce(context.Background(), "poll"); res != checkReadError {
		t.Fatalf("checkOnce = %d, want checkReadError", res)
	}
	if m.errs["read"] != 1 {
		t.Fatalf("errs = %v", m.errs)
	}
}

func TestWatcher_OnReloadPanicRecovered(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	w, _ := NewWatcher(&WatcherOptions{Store: s, OnReload: func(*Ruleset) { panic("boom") }})

	writeRule(t, dir, "b.yar", ruleB)
	if res := w.checkOnce(context.Background(), "poll"); res != checkReloaded {
		t.Fatalf("checkOnce = %d, want checkReloaded", res)
	}
}

func TestWatcher_BackoffDuration(t *testing.T) {
	w := &Watcher{interval: 10 * time.Second}
	cases := []struct {
		errs int
		want time.Duration
	}{
		{1, 20 * time.Second},
		{2, 40 * time.Second},
		{3, 80 * time.Second},
		{5, maxBackoff},
		{200, maxBackoff},
	}
	for _, tc := range cases {
		w.consecutiveErrs = tc.errs
		if got := w.backoffDuration(); got != tc.want {
			t.Errorf("errs=%d: backoff = %s, want %s", tc.errs, got, tc.want)
		}
	}
}

func TestRelevantEvent(t *testing.T) {
	cases := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: "/r/a.yar", Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: "/r/a.yar", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/r/a.yar", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/r/a.yar", Op: fsnotify.Rename}, true},
		{fsnotify.Event{Name: "/r/a.yar", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/r/a.yar.swp", Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: "/r/README", Op: fsnotify.Create}, false},
	}
	for _, tc := range cases {
		if got := relevantEvent(tc.ev); got != tc.want {
			t.Errorf("relevantEvent(%v) = %v, want %v", tc.ev, got, tc.want)
		}
	}
}

func TestWatcher_RunReloadsOnPoll(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	reloaded := make(chan *Ruleset, 1)
	w, _ := NewWatcher(&WatcherOptions{
		Store:         s,
		PollInterval:  10 * time.Millisecond,
		DisableNotify: true,
		OnReload:      func(rs *Ruleset) { reloaded <- rs },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeRule(t, dir, "b.yar", ruleB)
	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestWatcher_RunReloadsOnNotify(t *testing.T) {
	s, _, dir := newWatchedStore(t)
	m := newFakeWatcherMetrics()
	reloaded := make(chan *Ruleset, 1)
	w, err := NewWatcher(&WatcherOptions{
		Store:        s,
		PollInterval: time.Hour,
		Debounce:     20 * time.Millisecond,
		Metrics:      m,
		OnReload:     func(rs *Ruleset) { reloaded <- rs },
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Run adds the fsnotify watch before its loop starts
	time.Sleep(200 * time.Millisecond)

	// non-rule writes and chmod never trigger a check
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(filepath.Join(dir, "a.yar"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := m.checksFor("notify"); n != 0 {
		t.Fatalf("irrelevant events caused %d notify checks", n)
	}
	select {
	case <-reloaded:
		t.Fatal("irrelevant events caused a reload")
	default:
	}

	before := s.Fingerprint()
	writeRule(t, dir, "b.yar", ruleB)
	var rs *Ruleset
	select {
	case rs = <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload on a rule file event")
	}
	if rs.Fingerprint == before || s.Fingerprint() != rs.Fingerprint {
		t.Fatalf("fingerprint not swapped: before=%s reloaded=%s active=%s", before, rs.Fingerprint, s.Fingerprint())
	}
	if m.checksFor("notify") < 1 || m.checksFor("poll") != 0 {
		t.Fatalf("checks = notify:%d poll:%d, want a notify check and no poll", m.checksFor("notify"), m.checksFor("poll"))
	}
}
