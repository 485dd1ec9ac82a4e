package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/config"
)

// TestNormalizeOrigin covers scheme and host lower-casing and rejection of
// values that are not absolute origins.
func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"http://localhost:8080", "http://localhost:8080", true},
		{"HTTP://Example.COM", "http://example.com", true},
		{"https://chat.example.com/path?q=1", "https://chat.example.com", true},
		{"not-a-url", "", false},
		{"://missing-scheme", "", false},
		{"http://", "", false},
		{"javascript:alert(1)", "", false},
	}

	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("normalizeOrigin(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

// TestOriginPolicy verifies allow-list matching, wildcard handling and the
// rejection of requests without an Origin header.
func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name       string
		configured []string
		origin     string
		want       bool
	}{
		{name: "exact match", configured: []string{"http://example.com"}, origin: "http://example.com", want: true},
		{name: "case insensitive", configured: []string{"http://example.com"}, origin: "HTTP://EXAMPLE.COM", want: true},
		{name: "different port", configured: []string{"http://example.com"}, origin: "http://example.com:8081", want: false},
		{name: "different scheme", configured: []string{"http://example.com"}, origin: "https://example.com", want: false},
		{name: "missing origin", configured: []string{"http://example.com"}, origin: "", want: false},
		{name: "wildcard", configured: []string{"*"}, origin: "http://anything.test", want: true},
		{name: "wildcard still needs origin", configured: []string{"*"}, origin: "", want: false},
		{name: "invalid entries ignored", configured: []string{"garbage", " "}, origin: "http://example.com", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.configured, zap.NewNop())
			req := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := policy.allows(req); got != tt.want {
				t.Errorf("allows(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// TestWebSocketOriginEnforced verifies the upgrade is refused with 403 for
// a disallowed origin.
func TestWebSocketOriginEnforced(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://example.com"}
	})

	header := http.Header{}
	header.Set("Origin", "http://malicious.com")
	conn, resp, err := websocket.DefaultDialer.Dial(buildWebSocketURL(ts.URL), header)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected connection to fail with disallowed origin")
	}
	if resp == nil {
		t.Fatal("Expected an HTTP response for the rejected upgrade")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status %d, got %d", http.StatusForbidden, resp.StatusCode)
	}

	dial(t, ts, "http://EXAMPLE.com")
}
