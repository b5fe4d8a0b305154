package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jobrunner/demtiler/internal/config"
)

func TestExtractHost(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{"https://example.com", "example.com"},
		{"https://example.com:8080", "example.com"},
		{"https://example.com:443/path", "example.com"},
		{"https://deep.sub.example.com", "deep.sub.example.com"},
		{"http://localhost:3000", "localhost"},
		{"http://192.168.1.1:8080", "192.168.1.1"},
		{"example.com", "example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			if got := extractHost(tt.origin); got != tt.want {
				t.Errorf("extractHost(%q) = %q; want %q", tt.origin, got, tt.want)
			}
		})
	}
}

func TestMatchOrigin(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		pattern string
		want    bool
	}{
		{"exact", "https://example.com", "https://example.com", true},
		{"different scheme", "http://example.com", "https://example.com", false},
		{"different port", "https://example.com:8080", "https://example.com:9090", false},
		{"any origin", "https://anything.org", "*", true},
		{"wildcard subdomain", "https://sub.example.com", "*.example.com", true},
		{"wildcard deep subdomain", "https://a.b.example.com", "*.example.com", true},
		{"wildcard skips root", "https://example.com", "*.example.com", false},
		{"wildcard skips lookalike", "https://notexample.com", "*.example.com", false},
		{"empty origin", "", "https://example.com", false},
		{"empty pattern", "https://example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchOrigin(tt.origin, tt.pattern); got != tt.want {
				t.Errorf("matchOrigin(%q, %q) = %v; want %v", tt.origin, tt.pattern, got, tt.want)
			}
		})
	}
}

func corsServer(origins ...string) *Server {
	return &Server{
		config: config.ServerConfig{
			CORS: config.CORSConfig{AllowedOrigins: origins},
		},
	}
}

func TestServer_isOriginAllowed(t *testing.T) {
	s := corsServer("https://exact.com", "*.wildcard.com")

	if !s.isOriginAllowed("https://exact.com") {
		t.Error("exact origin should be allowed")
	}
	if !s.isOriginAllowed("https://app.wildcard.com") {
		t.Error("wildcard origin should be allowed")
	}
	if s.isOriginAllowed("https://other.com") {
		t.Error("unlisted origin should be rejected")
	}
	if corsServer().isOriginAllowed("https://exact.com") {
		t.Error("empty list should reject everything")
	}
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		origin      string
		method      string
		wantStatus  int
		wantHeaders bool
	}{
		{"allowed GET", "https://app.example.com", http.MethodGet, http.StatusOK, true},
		{"allowed POST", "https://app.example.com", http.MethodPost, http.StatusOK, true},
		{"preflight", "https://app.example.com", http.MethodOptions, http.StatusNoContent, true},
		{"foreign origin", "https://evil.com", http.MethodGet, http.StatusOK, false},
		{"no origin", "", http.MethodGet, http.StatusOK, false},
	}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsServer("*.example.com").corsMiddleware(next)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/jobs", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rr.Code, tt.wantStatus)
			}

			allowOrigin := rr.Header().Get("Access-Control-Allow-Origin")
			if !tt.wantHeaders {
				if allowOrigin != "" {
					t.Errorf("unexpected Access-Control-Allow-Origin = %q", allowOrigin)
				}
				return
			}
			if allowOrigin != tt.origin {
				t.Errorf("Access-Control-Allow-Origin = %q; want %q", allowOrigin, tt.origin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
				t.Errorf("Access-Control-Allow-Methods = %q", got)
			}
			if got := rr.Header().Get("Vary"); got != "Origin" {
				t.Errorf("Vary = %q; want Origin", got)
			}
		})
	}
}

func TestPreflightRoutedOnlyWithCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		wantStatus int
	}{
		{"cors enabled", []string{"https://ui.example.com"}, http.StatusNoContent},
		{"cors disabled", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.ServerConfig{CORS: config.CORSConfig{AllowedOrigins: tt.origins}}
			s := NewServer(cfg, &mockJobService{}, &mockProductCatalog{}, &mockHealthChecker{healthy: true}, testLogger())

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
			req.Header.Set("Origin", "https://ui.example.com")
			rr := httptest.NewRecorder()
			s.Router().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d; want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
