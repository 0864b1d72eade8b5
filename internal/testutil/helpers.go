// Package testutil provides helpers shared by the HTTP and WebSocket tests:
// making requests, dialing the websocket endpoint and asserting on the event
// frames the server pushes.
package testutil

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/gorilla/websocket"
)

// DefaultTimeout bounds every blocking read in these helpers.
const DefaultTimeout = 2 * time.Second

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, expected) {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It fails the test if the request cannot be created or executed.
func MakeRequest(t *testing.T, method, rawURL string, header http.Header, body string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, rawURL, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	return resp
}

// WebSocketURL converts an httptest server URL into the /ws endpoint URL,
// carrying token as query parameter when non-empty.
func WebSocketURL(t *testing.T, serverURL, token string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// Dial opens a websocket with the given Origin header. The handshake response
// is returned so callers can inspect rejected upgrades.
func Dial(wsURL, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(wsURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// ReadEnvelope reads one frame within timeout.
func ReadEnvelope(conn *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return protocol.Envelope{}, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(raw)
}

// ExpectEvent reads frames until one of eventType arrives, skipping others.
func ExpectEvent(t *testing.T, conn *websocket.Conn, eventType string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			t.Fatalf("Timed out waiting for %q event", eventType)
		}
		env, err := ReadEnvelope(conn, remaining)
		if err != nil {
			t.Fatalf("Failed waiting for %q event: %v", eventType, err)
		}
		if env.Type == eventType {
			return env
		}
	}
}

// ExpectOnlineUsers waits for the next presence frame and checks it carries
// exactly want, in order.
func ExpectOnlineUsers(t *testing.T, conn *websocket.Conn, want ...string) {
	t.Helper()
	env := ExpectEvent(t, conn, protocol.TypeOnlineUsers)
	var got []string
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("Failed to decode online users: %v", err)
	}
	if want == nil {
		want = []string{}
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Expected online users %v, got %v", want, got)
	}
}

// ExpectNoEvent fails if a frame of eventType arrives within timeout. Frames
// of other types are ignored. A timed out websocket read is permanent, so conn
// must not be read again afterwards.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		env, err := ReadEnvelope(conn, remaining)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("Unexpected read error: %v", err)
		}
		if env.Type == eventType {
			t.Fatalf("Expected no %q event, got %s", eventType, env.Data)
		}
	}
}

// SendEvent writes one envelope.
func SendEvent(conn *websocket.Conn, eventType string, data any) error {
	payload, err := protocol.Encode(eventType, data)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
