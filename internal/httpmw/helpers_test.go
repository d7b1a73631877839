package httpmw

import (
	"context"
	"sync"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/yarascan/internal/log"
)

type logEntry struct {
	level string
	msg   string
	err   error
	kv    []any
}

// recLogger records every call. With returns a child that shares the
// record but prepends its fields.
type recLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  []any
}

func newRecLogger() *recLogger {
	return &recLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recLogger) With(kv ...any) log.Logger {
	f := append(append([]any{}, l.fields...), kv...)
	return &recLogger{mu: l.mu, entries: l.entries, fields: f}
}

func (l *recLogger) add(level string, err error, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := append(append([]any{}, l.fields...), kv...)
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, kv: all})
}

func (l *recLogger) Debug(_ context.Context, msg string, kv ...any) { l.add("debug", nil, msg, kv) }
func (l *recLogger) Info(_ context.Context, msg string, kv ...any)  { l.add("info", nil, msg, kv) }
func (l *recLogger) Warn(_ context.Context, msg string, kv ...any)  { l.add("warn", nil, msg, kv) }
func (l *recLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	l.add("error", err, msg, kv)
}
func (l *recLogger) Sync() error { return nil }

func (l *recLogger) all() []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logEntry(nil), *l.entries...)
}

// field returns the value for key in e, and whether it was present.
func (e logEntry) field(key string) (any, bool) {
	for i := 0; i+1 < len(e.kv); i += 2 {
		if e.kv[i] == key {
			return e.kv[i+1], true
		}
	}
	return nil, false
}

// newRecordingSpan returns a context holding a sampled, recording span.
func newRecordingSpan(t *testing.T, name string) (context.Context, trace.Span, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), name)
	return ctx, span, sr
}
