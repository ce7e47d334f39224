package httpd

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "upkeep/pkg/logx"
)

func testSources() Sources {
	return Sources{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "upkeep_up 1\n") }),
		Status:  func() any { return map[string]any{"running": true} },
	}
}

func TestHandlerRoutesAndAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{}, testSources(), logx.Nop())
	h := s.Handler(Config{Token: "sekret", Pprof: true})

	tests := []struct {
		name   string
		path   string
		header string
		code   int
		body   string
	}{
		{"healthz open", "/healthz", "", http.StatusOK, "ok"},
		{"metrics no token", "/metrics", "", http.StatusUnauthorized, ""},
		{"metrics bearer", "/metrics", "Bearer sekret", http.StatusOK, "upkeep_up 1"},
		{"metrics query", "/metrics?token=sekret", "", http.StatusOK, "upkeep_up 1"},
		{"status wrong token", "/status", "Bearer nope", http.StatusUnauthorized, ""},
		{"status", "/status", "Bearer sekret", http.StatusOK, `"running": true`},
		{"pprof", "/debug/pprof/", "Bearer sekret", http.StatusOK, "goroutine"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Fatalf("%s: code = %d, want %d", tt.name, rec.Code, tt.code)
		}
		if tt.body != "" && !strings.Contains(rec.Body.String(), tt.body) {
			t.Fatalf("%s: body = %q, want %q", tt.name, rec.Body.String(), tt.body)
		}
	}
}

func TestPprofOffByDefault(t *testing.T) {
	t.Parallel()
	h := New(Config{}, testSources(), logx.Nop()).Handler(Config{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pprof code = %d, want 404", rec.Code)
	}
}

func TestHealthzNotReady(t *testing.T) {
	t.Parallel()
	src := testSources()
	src.Ready = func() bool { return false }
	rec := httptest.NewRecorder()
	New(Config{}, src, logx.Nop()).Handler(Config{}).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz code = %d, want 503", rec.Code)
	}
}

func TestServeAndStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, testSources(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(b), "upkeep_up") {
		t.Fatalf("metrics body = %q", b)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("Addr after Stop = %q", s.Addr())
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9467", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":9467", false},
		{"0.0.0.0:9467", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
