package httpserver

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/yarascan/internal/health"
	"github.com/keithlinneman/yarascan/internal/httpmw"
	"github.com/keithlinneman/yarascan/internal/log"
)

// test helpers

type stubRuleset string

func (s stubRuleset) Fingerprint() string { return string(s) }

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

func pingRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pong":true}`))
	})
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// NewHandler - middleware stack

func TestNewHandler_SecurityHeaders(t *testing.T) {
	h := NewHandler(&Options{Logger: log.Nop(), APIRoutes: pingRoutes})

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/ping", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodDelete, "/ping", http.StatusMethodNotAllowed},
	} {
		rec := doRequest(t, h, tc.method, tc.path)
		if rec.Code != tc.want {
			t.Errorf("%s %s: status = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
		for _, hdr := range []string{
			"Strict-Transport-Security",
			"Content-Security-Policy",
			"X-Content-Type-Options",
			"X-Frame-Options",
			"Referrer-Policy",
			"Cache-Control",
		} {
			if rec.Header().Get(hdr) == "" {
				t.Errorf("%s %s: missing %s", tc.method, tc.path, hdr)
			}
		}
	}
}

func TestNewHandler_NotFoundIsJSON(t *testing.T) {
	h := NewHandler(&Options{})
	rec := doRequest(t, h, http.MethodGet, "/missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"not found"}` {
		t.Fatalf("body = %q", got)
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(&Options{APIRoutes: pingRoutes})

	a := doRequest(t, h, http.MethodGet, "/ping").Header().Get("X-Request-Id")
	b := doRequest(t, h, http.MethodGet, "/ping").Header().Get("X-Request-Id")
	if a == "" || b == "" || a == b {
		t.Fatalf("request ids = %q, %q; want distinct non-empty", a, b)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.Header.Set("X-Request-Id", "caller-id-123")
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "caller-id-123" {
		t.Fatalf("propagated id = %q", got)
	}
}

func TestNewHandler_HealthRoutes(t *testing.T) {
	h := NewHandler(&Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Fixed(false, "no ruleset"),
	})
	if rec := doRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusOK {
		t.Fatalf("healthy: status = %d", rec.Code)
	}
	rec := doRequest(t, h, http.MethodGet, "/-/ready")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "no ruleset") {
		t.Fatalf("ready: status = %d body = %q", rec.Code, rec.Body.String())
	}

	// not mounted without probes
	h = NewHandler(&Options{})
	if rec := doRequest(t, h, http.MethodGet, "/-/healthy"); rec.Code != http.StatusNotFound {
		t.Fatalf("nil probe: status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_RulesetHeader(t *testing.T) {
	h := NewHandler(&Options{Ruleset: stubRuleset("abc123"), APIRoutes: pingRoutes})
	if got := doRequest(t, h, http.MethodGet, "/ping").Header().Get(httpmw.RulesetHeader); got != "abc123" {
		t.Fatalf("%s = %q", httpmw.RulesetHeader, got)
	}

	h = NewHandler(&Options{Ruleset: stubRuleset(""), APIRoutes: pingRoutes})
	if got := doRequest(t, h, http.MethodGet, "/ping").Header().Get(httpmw.RulesetHeader); got != "" {
		t.Fatalf("empty fingerprint set header %q", got)
	}
}

func TestNewHandler_RateLimitSeesClientIP(t *testing.T) {
	var seen string
	rl := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = httpmw.ClientIPFromContext(r.Context())
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := NewHandler(&Options{RateLimitMW: rl, APIRoutes: pingRoutes})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.RemoteAddr = "203.0.113.9:5000"
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if seen != "203.0.113.9" {
		t.Fatalf("client ip = %q", seen)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("rate limited response missing request id")
	}
}

func TestNewHandler_MetricsMW(t *testing.T) {
	var calls int
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			next.ServeHTTP(w, r)
		})
	}
	h := NewHandler(&Options{MetricsMW: mw, APIRoutes: pingRoutes})
	doRequest(t, h, http.MethodGet, "/ping")
	if calls != 1 {
		t.Fatalf("metrics middleware calls = %d, want 1", calls)
	}
}

func panicRoutes(r chi.Router) {
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
}

func TestNewHandler_Recover(t *testing.T) {
	var panics int
	h := NewHandler(&Options{
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		APIRoutes:    panicRoutes,
	})
	rec := doRequest(t, h, http.MethodGet, "/boom")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers missing on recovered panic")
	}
}

func TestNewHandler_RecoverDisabled(t *testing.T) {
	h := NewHandler(&Options{APIRoutes: panicRoutes})
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate")
		}
	}()
	doRequest(t, h, http.MethodGet, "/boom")
}

func TestNewHandler_MaxBody(t *testing.T) {
	h := NewHandler(&Options{
		MaxBodyBytes: 16,
		APIRoutes: func(r chi.Router) {
			r.Post("/echo", func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.Copy(w, r.Body)
			})
		},
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader(strings.Repeat("x", 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversize: status = %d, want 413", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("small")))
	if rec.Code != http.StatusOK || rec.Body.String() != "small" {
		t.Fatalf("small: status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_CompressesJSON(t *testing.T) {
	h := NewHandler(&Options{APIRoutes: pingRoutes})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip")
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	body, _ := io.ReadAll(zr)
	if string(body) != `{"pong":true}` {
		t.Fatalf("body = %q", body)
	}

	rec = doRequest(t, h, http.MethodGet, "/ping")
	if rec.Header().Get("Content-Encoding") != "" {
		t.Fatal("compressed without Accept-Encoding")
	}
}

func TestNewHandler_NilOptions(t *testing.T) {
	h := NewHandler(nil)
	if rec := doRequest(t, h, http.MethodGet, "/"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

// NewServer / Start

func TestNewServer_Timeouts(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler(), 0)
	if srv.WriteTimeout != DefaultWriteTimeout {
		t.Fatalf("WriteTimeout = %v, want default", srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 || srv.IdleTimeout == 0 || srv.MaxHeaderBytes == 0 {
		t.Fatalf("zero timeout in %+v", srv)
	}

	srv = NewServer(":0", http.NotFoundHandler(), 3*time.Minute)
	if srv.WriteTimeout != 3*time.Minute {
		t.Fatalf("WriteTimeout override = %v", srv.WriteTimeout)
	}
}

func TestStart_ServesAndStops(t *testing.T) {
	addr := getFreeAddr(t)
	ctx := context.Background()
	stop, err := Start(ctx, &Options{Logger: log.Nop(), Addr: addr, APIRoutes: pingRoutes})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/ping")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("live response missing X-Request-Id")
	}

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := stop(sctx); err != nil {
			t.Fatalf("stop #%d: %v", i+1, err)
		}
	}

	c := &http.Client{Timeout: time.Second}
	if _, err := c.Get("http://" + addr + "/ping"); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	_, err = Start(context.Background(), &Options{Addr: ln.Addr().String()})
	if err == nil {
		t.Fatal("expected error for port conflict")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Fatalf("error %v does not wrap *net.OpError", err)
	}
}
