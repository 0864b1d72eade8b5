package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-live/internal/testutil"
	"github.com/gorilla/websocket"
)

func testDialer() *websocket.Dialer {
	return &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
}

// TestHealthHandler verifies the root health text and 404 for unknown paths.
func TestHealthHandler(t *testing.T) {
	f := newFixture(t, nil)

	resp := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/", nil, "")
	defer resp.Body.Close()

	testutil.AssertStatusCode(t, resp, http.StatusOK)
	testutil.AssertContentType(t, resp, "text/plain")
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "GoChat server is running!" {
		t.Errorf("Unexpected body %q", body)
	}

	notFound := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/nope", nil, "")
	defer notFound.Body.Close()
	testutil.AssertStatusCode(t, notFound, http.StatusNotFound)
}

// TestHealthzAndOnlineReflectRegistry verifies the JSON health and online endpoints
// report the registry contents.
func TestHealthzAndOnlineReflectRegistry(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "bob", "bob")
	f.connect(t, "alice", "alice", "bob")
	f.connect(t, "alice", "alice", "bob")
	f.waitForCounts(t, 3, 2)

	resp := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/healthz", nil, "")
	defer resp.Body.Close()
	testutil.AssertContentType(t, resp, "application/json")

	var health healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if health.Status != "ok" || health.Connections != 3 || health.OnlineUsers != 2 {
		t.Errorf("Unexpected healthz %+v", health)
	}

	online := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/api/online", nil, "")
	defer online.Body.Close()
	var ids []string
	if err := json.NewDecoder(online.Body).Decode(&ids); err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Errorf("Expected [alice bob], got %v", ids)
	}
}

// TestInternalMessagesHandlerValidation verifies method, token and body checks of the
// internal notification endpoint.
func TestInternalMessagesHandlerValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		method string
		token  string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, testInternalToken, "", http.StatusMethodNotAllowed},
		{"missing token", http.MethodPost, "", `{}`, http.StatusUnauthorized},
		{"wrong token", http.MethodPost, "guess", `{}`, http.StatusUnauthorized},
		{"malformed body", http.MethodPost, testInternalToken, `{"_id":`, http.StatusBadRequest},
		{"missing recipient", http.MethodPost, testInternalToken, `{"_id":"m1","senderId":"a","text":"x"}`, http.StatusBadRequest},
		{"offline recipient", http.MethodPost, testInternalToken, `{"_id":"m1","senderId":"a","receiverId":"b","text":"x"}`, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.token != "" {
				header.Set(InternalTokenHeader, tt.token)
			}
			resp := testutil.MakeRequest(t, tt.method, f.server.URL+"/internal/messages", header, tt.body)
			defer resp.Body.Close()
			testutil.AssertStatusCode(t, resp, tt.status)
		})
	}
}

// TestInternalMessagesRouteRequiresConfiguredToken verifies the internal route is not
// mounted without a token.
func TestInternalMessagesRouteRequiresConfiguredToken(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.InternalToken = "" })

	resp := testutil.MakeRequest(t, http.MethodPost, f.server.URL+"/internal/messages", nil,
		`{"_id":"m1","senderId":"a","receiverId":"b","text":"x"}`)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp, http.StatusNotFound)
}

// TestWebSocketHandlerRejectsNonGet verifies the websocket endpoint only accepts GET.
func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	f := newFixture(t, nil)

	resp := testutil.MakeRequest(t, http.MethodPost, f.server.URL+"/ws", nil, "")
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp, http.StatusMethodNotAllowed)
}

// TestWebSocketHandlerEnforcesOrigin verifies upgrades from foreign or missing
// origins are refused.
func TestWebSocketHandlerEnforcesOrigin(t *testing.T) {
	f := newFixture(t, nil)
	wsURL := testutil.WebSocketURL(t, f.server.URL, issueToken(t, "alice"))

	tests := []struct {
		name   string
		origin string
	}{
		{"foreign origin", "http://evil.example.com"},
		{"missing origin", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := testutil.Dial(wsURL, tt.origin)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected 403 response, got %v", resp)
			}
		})
	}
}

// TestWebSocketHandlerAcceptsCookieCredential verifies the token can come from the
// session cookie.
func TestWebSocketHandlerAcceptsCookieCredential(t *testing.T) {
	f := newFixture(t, nil)

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Cookie", "jwt="+issueToken(t, "alice"))

	conn, resp, err := testDialer().Dial(testutil.WebSocketURL(t, f.server.URL, ""), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Dial with cookie: %v", err)
	}
	defer conn.Close()
	testutil.ExpectOnlineUsers(t, conn, "alice")
}

// TestMetricsEndpoint verifies the prometheus exposition is served.
func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, "alice", "alice")

	resp := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/metrics", nil, "")
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp, http.StatusOK)

	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"gochat_connections", "gochat_online_users", "gochat_presence_broadcasts_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

// TestTestPageHandler verifies the browser test page is served as HTML.
func TestTestPageHandler(t *testing.T) {
	f := newFixture(t, nil)

	resp := testutil.MakeRequest(t, http.MethodGet, f.server.URL+"/test", nil, "")
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp, http.StatusOK)
	testutil.AssertContentType(t, resp, "text/html")

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "getOnlineUsers") {
		t.Error("Test page should speak the presence protocol")
	}
}
