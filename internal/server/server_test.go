package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jason-czar/sportscast-live/internal/api"
	"github.com/jason-czar/sportscast-live/internal/room"
)

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	handler := api.NewHandler(room.NewStore())
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return srv
}

func TestServerRoutesSessionCreation(t *testing.T) {
	srv := newTestServer(t, Config{Addr: ":0"})

	body := strings.NewReader(`{"title":"city derby"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", body)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.ID == "" || payload.Title != "city derby" {
		t.Fatalf("unexpected session payload: %+v", payload)
	}
}

func TestServerSetsSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, Config{Addr: ":0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected nosniff, got %q", got)
	}
	policy := rec.Header().Get("Permissions-Policy")
	if !strings.Contains(policy, "camera=(self)") || !strings.Contains(policy, "microphone=(self)") {
		t.Fatalf("capture devices should stay available to same-origin pages, got %q", policy)
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "connect-src 'self' wss:") {
		t.Fatalf("expected websocket connect-src, got %q", csp)
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	srv := newTestServer(t, Config{Addr: ":0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("expected request id to round-trip, got %q", got)
	}

	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestServerBlocksUnknownOrigin(t *testing.T) {
	srv := newTestServer(t, Config{
		Addr: ":0",
		CORS: CORSConfig{ControlOrigins: []string{"https://control.example.com"}},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://control.example.com")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected allowed origin to pass, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://control.example.com" {
		t.Fatalf("expected allow-origin header, got %q", got)
	}
}

func TestServerRejectsMalformedOrigins(t *testing.T) {
	handler := api.NewHandler(room.NewStore())
	if _, err := New(handler, Config{CORS: CORSConfig{SourceOrigins: []string{"not a url"}}}); err == nil {
		t.Fatal("expected config error for malformed origin")
	}
}

func TestJoinRateLimitPerIP(t *testing.T) {
	srv := newTestServer(t, Config{
		Addr:      ":0",
		RateLimit: RateLimitConfig{JoinLimit: 2, JoinWindow: time.Minute},
	})

	sessionRec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(sessionRec, httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader(`{"title":"qualifier"}`)))
	var session struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(sessionRec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}

	join := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/join", strings.NewReader(`{"sessionId":"`+session.ID+`","label":"sideline cam"}`))
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		srv.httpServer.Handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := join("10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("first join should pass, got %d", code)
	}
	if code := join("10.0.0.1:1001"); code != http.StatusOK {
		t.Fatalf("second join should pass, got %d", code)
	}
	if code := join("10.0.0.1:1002"); code != http.StatusTooManyRequests {
		t.Fatalf("third join should be limited, got %d", code)
	}
	if code := join("10.0.0.2:1000"); code != http.StatusOK {
		t.Fatalf("other IPs should not share the window, got %d", code)
	}
}

func TestGlobalRateLimit(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1})
	if !rl.AllowRequest() {
		t.Fatal("first request should pass")
	}
	if rl.AllowRequest() {
		t.Fatal("burst exhausted, second request should be limited")
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4321"
	if got := extractClientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
