package httpmw

import (
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/yarascan/internal/log"
)

// stack builds RequestID -> ClientIP -> WithLogger -> chi(AccessLog) -> h.
func stack(L log.Logger, route string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(AccessLog())
	r.Handle(route, h)
	return Chain(r, RequestID(""), ClientIP, WithLogger(L))
}

func TestWithLogger_RequestFields(t *testing.T) {
	L := newRecLogger()
	h := stack(L, "/scan/url", func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	})

	req := httptest.NewRequest(http.MethodPost, "/scan/url?token=secret", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	req.Header.Set("X-Request-Id", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := L.all()
	if len(entries) != 2 || entries[0].msg != "inside" {
		t.Fatalf("entries = %+v", entries)
	}
	for key, want := range map[string]any{
		"request_id":          "req-1",
		"client.address":      "203.0.113.9",
		"http.request.method": "POST",
		"url.path":            "/scan/url",
		"url.scheme":          "http",
	} {
		if got, _ := entries[0].field(key); got != want {
			t.Errorf("%s = %v, want %v", key, got, want)
		}
	}
	for _, e := range entries {
		for _, v := range e.kv {
			if s, ok := v.(string); ok && s == "token=secret" {
				t.Fatal("query string reached the log")
			}
		}
	}
}

func TestAccessLog_Fields(t *testing.T) {
	L := newRecLogger()
	h := stack(L, "/rules/{op}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RulesetHeader, "fp1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rules/reload", nil))

	entries := L.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if e.msg != "http request" || e.level != "info" {
		t.Fatalf("entry = %+v", e)
	}
	checks := map[string]any{
		"http.response.status_code": http.StatusCreated,
		"http.response.body.size":   int64(5),
		"http.route":                "/rules/{op}",
		"ruleset":                   "fp1",
	}
	for key, want := range checks {
		if got, _ := e.field(key); got != want {
			t.Errorf("%s = %v (%T), want %v", key, got, got, want)
		}
	}
}

func TestAccessLog_ServerErrorsWarn(t *testing.T) {
	L := newRecLogger()
	h := stack(L, "/scan/content", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/scan/content", nil))

	if e := L.all()[0]; e.level != "warn" {
		t.Fatalf("level = %s", e.level)
	}
}

func TestAccessLog_SkipsHealth(t *testing.T) {
	L := newRecLogger()
	h := stack(L, "/-/ready", func(w http.ResponseWriter, r *http.Request) {})
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/-/ready", nil))
	if n := len(L.all()); n != 0 {
		t.Fatalf("health probe logged %d entries", n)
	}
}

func TestAccessLog_WriteSpan(t *testing.T) {
	ctx, span, sr := newRecordingSpan(t, "server")
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	span.End()

	ended := sr.Ended()
	if len(ended) != 2 || ended[0].Name() != "response.write" {
		t.Fatalf("spans = %d, first %q", len(ended), ended[0].Name())
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, ctx: t.Context()}
	rw.WriteHeader(http.StatusBadGateway)
	rw.WriteHeader(http.StatusOK)
	if rw.statusCode() != http.StatusBadGateway {
		t.Fatalf("status = %d", rw.statusCode())
	}
	if rw.Unwrap() != rec {
		t.Fatal("Unwrap did not return the underlying writer")
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		proto string
		tls   bool
		want  string
	}{
		{"plain", "", false, "http"},
		{"tls", "", true, "https"},
		{"forwarded", "https, http", false, "https"},
		{"forwarded junk", "gopher", false, "http"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.proto != "" {
				r.Header.Set("X-Forwarded-Proto", tt.proto)
			}
			if tt.tls {
				r.TLS = &tls.ConnectionState{}
			}
			if got := schemeFromRequest(r); got != tt.want {
				t.Fatalf("scheme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestScope(t *testing.T) {
	L := newRecLogger()
	h := Scope("scan_url")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "x")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req.WithContext(log.WithContext(req.Context(), L)))

	if got, _ := L.all()[0].field("handler"); got != "scan_url" {
		t.Fatalf("handler = %v", got)
	}
}

func TestRecover(t *testing.T) {
	L := newRecLogger()
	var panics int
	h := Recover(L, func() { panics++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("engine exploded"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scan/content", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if panics != 1 {
		t.Fatalf("onPanic called %d times", panics)
	}
	e := L.all()[0]
	if e.msg != "httpserver panic recovered" || e.err == nil || e.err.Error() != "panic: engine exploded" {
		t.Fatalf("entry = %+v", e)
	}
	if got, _ := e.field("url.path"); got != "/scan/content" {
		t.Fatalf("url.path = %v", got)
	}
}

func TestRecover_NonErrorValue(t *testing.T) {
	L := newRecLogger()
	h := Recover(L, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(42)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if e := L.all()[0]; e.err.Error() != "panic: 42" {
		t.Fatalf("err = %v", e.err)
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	L := newRecLogger()
	h := Recover(L, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusAccepted || len(L.all()) != 0 {
		t.Fatalf("status %d, %d log entries", rec.Code, len(L.all()))
	}
}

func TestRecover_AbortHandlerRepanics(t *testing.T) {
	h := Recover(newRecLogger(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Fatalf("recovered %v, want ErrAbortHandler", r)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
