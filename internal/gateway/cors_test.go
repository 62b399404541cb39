package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/taskclaw/internal/config"
	"github.com/basket/taskclaw/internal/gateway"
)

func TestCORS_PreflightHeaders(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		MaxAge:         7200,
	})
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("inner handler should not be called for OPTIONS preflight")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/turn", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Fatalf("methods = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-API-Key, X-User-ID" {
		t.Fatalf("headers = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "7200" {
		t.Fatalf("max-age = %q", got)
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CORSConfig
		origin  string
		allowed string
	}{
		{"allowed", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.com"}}, "https://a.com", "https://a.com"},
		{"other", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.com"}}, "https://evil.com", ""},
		{"wildcard", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}, "https://b.com", "https://b.com"},
		{"disabled", config.CORSConfig{AllowedOrigins: []string{"*"}}, "https://b.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := gateway.NewCORSMiddleware(tt.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if !called {
				t.Fatal("CORS must not block non-preflight requests")
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allowed {
				t.Fatalf("allow-origin = %q, want %q", got, tt.allowed)
			}
		})
	}
}

func TestCORS_SubdomainPatternAndVary(t *testing.T) {
	wrap := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://*.example.com"},
	})
	handler := wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for origin, want := range map[string]string{
		"https://app.example.com":  "https://app.example.com",
		"https://example.com":      "",
		"http://app.example.com":   "",
		"https://app.evil-site.io": "",
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != want {
			t.Errorf("origin %s: allow-origin = %q, want %q", origin, got, want)
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Errorf("origin %s: missing Vary: Origin", origin)
		}
	}
}
