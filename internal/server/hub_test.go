package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/testutil"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

const (
	testSecret        = "test-secret"
	testOrigin        = "http://localhost:5173"
	testInternalToken = "internal-secret"
)

type fixture struct {
	server   *httptest.Server
	hub      *Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	cfg := *NewConfig()
	cfg.Auth.JWTSecret = testSecret
	cfg.InternalToken = testInternalToken
	cfg.RateLimit.Burst = 100
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	hub := NewHub(cfg, auth.NewJWTVerifier(testSecret), WithMetrics(m))
	srv := NewServer(cfg, hub, reg, nil)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
	})
	return &fixture{server: ts, hub: hub, metrics: m, registry: reg}
}

func issueToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier(testSecret).Issue(userID, time.Minute)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	return token
}

// connect dials as userID and consumes the presence frame every fresh
// connection receives first.
func (f *fixture) connect(t *testing.T, userID string, online ...string) *websocket.Conn {
	t.Helper()
	conn, _, err := testutil.Dial(testutil.WebSocketURL(t, f.server.URL, issueToken(t, userID)), testOrigin)
	if err != nil {
		t.Fatalf("Failed to connect %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	testutil.ExpectOnlineUsers(t, conn, online...)
	return conn
}

func (f *fixture) waitForCounts(t *testing.T, connections, users int) {
	t.Helper()
	testutil.Eventually(t, testutil.DefaultTimeout, func() bool {
		c, u := f.hub.Registry().Counts()
		return c == connections && u == users
	}, "registry did not reach expected counts")
}

func (f *fixture) notify(t *testing.T, body string) *http.Response {
	t.Helper()
	header := http.Header{}
	header.Set(InternalTokenHeader, testInternalToken)
	header.Set("Content-Type", "application/json")
	return testutil.MakeRequest(t, http.MethodPost, f.server.URL+"/internal/messages", header, body)
}

// TestConnectRejectsInvalidCredential verifies a bad token closes the socket with a
// policy violation and registers nothing.
func TestConnectRejectsInvalidCredential(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"garbage token", "not-a-jwt"},
		{"wrong secret", func() string {
			tok, _ := auth.NewJWTVerifier("other-secret").Issue("mallory", time.Minute)
			return tok
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := testutil.Dial(testutil.WebSocketURL(t, f.server.URL, tt.token), testOrigin)
			if err != nil {
				t.Fatalf("Upgrade should succeed before authentication: %v", err)
			}
			defer conn.Close()

			_, err = testutil.ReadEnvelope(conn, testutil.DefaultTimeout)
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("Expected policy violation close, got %v", err)
			}
		})
	}

	if c, u := f.hub.Registry().Counts(); c != 0 || u != 0 {
		t.Errorf("Rejected connections must not be registered, got %d connections / %d users", c, u)
	}
	if got := promtestutil.ToFloat64(f.metrics.AuthFailures); got != float64(len(tests)) {
		t.Errorf("Expected %d auth failures, got %v", len(tests), got)
	}
}

// TestHubConnectReturnsAuthFailure verifies Connect reports a rejected credential as
// auth.ErrAuthFailure.
func TestHubConnectReturnsAuthFailure(t *testing.T) {
	f := newFixture(t, nil)

	var connectErr error
	done := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(done)
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connectErr = f.hub.Connect(r.Context(), ws, "bogus", r.RemoteAddr)
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	conn, _, err := testutil.Dial(strings.Replace(ts.URL, "http", "ws", 1), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-done

	if !errors.Is(connectErr, auth.ErrAuthFailure) {
		t.Fatalf("Expected ErrAuthFailure, got %v", connectErr)
	}
}

// TestPresenceBroadcastOnConnectAndDisconnect verifies every live connection receives
// the full online set when a user comes online or goes offline.
func TestPresenceBroadcastOnConnectAndDisconnect(t *testing.T) {
	f := newFixture(t, nil)

	alice := f.connect(t, "alice", "alice")
	bob := f.connect(t, "bob", "alice", "bob")
	testutil.ExpectOnlineUsers(t, alice, "alice", "bob")

	if err := testutil.CloseWebSocket(bob); err != nil {
		t.Fatalf("Failed to close bob: %v", err)
	}
	testutil.ExpectOnlineUsers(t, alice, "alice")
	f.waitForCounts(t, 1, 1)

	if got := f.hub.CurrentOnlineUsers(); len(got) != 1 || got[0] != "alice" {
		t.Errorf("Expected [alice] online, got %v", got)
	}
}

// TestAdditionalConnectionGetsSnapshotOnly verifies a second connection of an online
// user gets a snapshot while other connections see no broadcast.
func TestAdditionalConnectionGetsSnapshotOnly(t *testing.T) {
	f := newFixture(t, nil)

	first := f.connect(t, "alice", "alice")
	second := f.connect(t, "alice", "alice")
	f.waitForCounts(t, 2, 1)

	if err := testutil.CloseWebSocket(second); err != nil {
		t.Fatalf("Failed to close second connection: %v", err)
	}
	f.waitForCounts(t, 1, 1)

	// neither the extra connect nor its disconnect changed membership
	testutil.ExpectNoEvent(t, first, protocol.TypeOnlineUsers, 200*time.Millisecond)
}

// TestNotifyNewMessageReachesEveryRecipientConnection verifies a message is pushed to
// all of the recipient's connections and no one else.
func TestNotifyNewMessageReachesEveryRecipientConnection(t *testing.T) {
	f := newFixture(t, nil)

	alice := f.connect(t, "alice", "alice")
	bobPhone := f.connect(t, "bob", "alice", "bob")
	bobLaptop := f.connect(t, "bob", "alice", "bob")
	f.waitForCounts(t, 3, 2)

	resp := f.notify(t, `{"_id":"m1","senderId":"alice","receiverId":"bob","text":"hi","createdAt":"2024-05-01T10:00:00Z"}`)
	defer resp.Body.Close()
	testutil.AssertStatusCode(t, resp, http.StatusAccepted)

	var result struct {
		MessageID  string `json:"messageId"`
		Recipients int    `json:"recipients"`
		Delivered  int    `json:"delivered"`
		Failed     int    `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if result.MessageID != "m1" || result.Recipients != 2 || result.Delivered != 2 || result.Failed != 0 {
		t.Errorf("Unexpected delivery result %+v", result)
	}

	for name, conn := range map[string]*websocket.Conn{"phone": bobPhone, "laptop": bobLaptop} {
		env := testutil.ExpectEvent(t, conn, protocol.TypeNewMessage)
		var ev protocol.MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("%s: decode message: %v", name, err)
		}
		if ev.ID != "m1" || ev.SenderID != "alice" || ev.Text != "hi" {
			t.Errorf("%s: unexpected message %+v", name, ev)
		}
	}

	testutil.ExpectNoEvent(t, alice, protocol.TypeNewMessage, 200*time.Millisecond)
}

// TestNotifyNewMessagePreservesOrderPerConnection verifies messages arrive in the order
// they were notified.
func TestNotifyNewMessagePreservesOrderPerConnection(t *testing.T) {
	f := newFixture(t, nil)

	f.connect(t, "alice", "alice")
	bob := f.connect(t, "bob", "alice", "bob")

	const n = 20
	for i := 0; i < n; i++ {
		ev := protocol.MessageEvent{
			ID:          "m" + string(rune('a'+i)),
			SenderID:    "alice",
			RecipientID: "bob",
			Text:        "msg",
			CreatedAt:   time.Now(),
		}
		if _, err := f.hub.NotifyNewMessage(ev); err != nil {
			t.Fatalf("NotifyNewMessage: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		env := testutil.ExpectEvent(t, bob, protocol.TypeNewMessage)
		var ev protocol.MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if want := "m" + string(rune('a'+i)); ev.ID != want {
			t.Fatalf("Expected message %s at position %d, got %s", want, i, ev.ID)
		}
	}
}

// TestNotifyNewMessageOfflineAndInvalid verifies an offline recipient is not an error
// and a malformed event is rejected.
func TestNotifyNewMessageOfflineAndInvalid(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.hub.NotifyNewMessage(protocol.MessageEvent{
		ID: "m1", SenderID: "alice", RecipientID: "carol", Text: "are you there?",
	})
	if err != nil {
		t.Fatalf("Offline recipient is not an error: %v", err)
	}
	if result.Recipients != 0 || result.Delivered != 0 {
		t.Errorf("Expected nothing delivered, got %+v", result)
	}

	_, err = f.hub.NotifyNewMessage(protocol.MessageEvent{ID: "m2", SenderID: "alice", RecipientID: "carol"})
	if !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Errorf("Expected ErrInvalidMessage for empty body, got %v", err)
	}
}

// TestTypingRelayAndSnapshotRequest verifies typing events reach the peer, snapshot
// requests are answered and bad frames get an error reply.
func TestTypingRelayAndSnapshotRequest(t *testing.T) {
	f := newFixture(t, nil)

	alice := f.connect(t, "alice", "alice")
	bob := f.connect(t, "bob", "alice", "bob")
	testutil.ExpectOnlineUsers(t, alice, "alice", "bob")

	if err := testutil.SendEvent(alice, protocol.TypeTyping, protocol.TypingEvent{To: "bob"}); err != nil {
		t.Fatalf("send typing: %v", err)
	}
	env := testutil.ExpectEvent(t, bob, protocol.TypeTyping)
	var typing protocol.TypingEvent
	if err := json.Unmarshal(env.Data, &typing); err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if typing.From != "alice" {
		t.Errorf("Expected typing from alice, got %+v", typing)
	}

	if err := testutil.SendEvent(bob, protocol.TypeOnlineUsers, nil); err != nil {
		t.Fatalf("send snapshot request: %v", err)
	}
	testutil.ExpectOnlineUsers(t, bob, "alice", "bob")

	if err := testutil.SendEvent(alice, "sendMessage", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("send unknown event: %v", err)
	}
	testutil.ExpectEvent(t, alice, protocol.TypeError)

	if err := testutil.SendEvent(alice, protocol.TypeStopTyping, protocol.TypingEvent{}); err != nil {
		t.Fatalf("send stopTyping: %v", err)
	}
	testutil.ExpectEvent(t, alice, protocol.TypeError)
}

// TestConcurrentConnectDisconnectSettles verifies the registry is empty after many
// concurrent connects and disconnects.
func TestConcurrentConnectDisconnectSettles(t *testing.T) {
	f := newFixture(t, nil)
	observer := f.connect(t, "observer", "observer")

	const users = 5
	const perUser = 3
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		userID := string(rune('a' + u))
		wsURL := testutil.WebSocketURL(t, f.server.URL, issueToken(t, userID))
		for j := 0; j < perUser; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, _, err := testutil.Dial(wsURL, testOrigin)
				if err != nil {
					t.Errorf("dial %s: %v", userID, err)
					return
				}
				time.Sleep(20 * time.Millisecond)
				_ = testutil.CloseWebSocket(conn)
			}()
		}
	}
	wg.Wait()

	f.waitForCounts(t, 1, 1)
	if err := testutil.SendEvent(observer, protocol.TypeOnlineUsers, nil); err != nil {
		t.Fatalf("send snapshot request: %v", err)
	}
	// drain churn broadcasts until the requested snapshot shows the settled set
	testutil.Eventually(t, testutil.DefaultTimeout, func() bool {
		env, err := testutil.ReadEnvelope(observer, testutil.DefaultTimeout)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ids []string
		_ = json.Unmarshal(env.Data, &ids)
		return env.Type == protocol.TypeOnlineUsers && len(ids) == 1 && ids[0] == "observer"
	}, "observer never saw the settled online set")
}

// TestShutdownDeregistersEveryConnection verifies Shutdown closes and deregisters all
// connections and refuses new ones.
func TestShutdownDeregistersEveryConnection(t *testing.T) {
	f := newFixture(t, nil)

	alice := f.connect(t, "alice", "alice")
	f.connect(t, "bob", "alice", "bob")
	f.waitForCounts(t, 2, 2)

	if err := f.hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if c, u := f.hub.Registry().Counts(); c != 0 || u != 0 {
		t.Errorf("Expected empty registry after shutdown, got %d/%d", c, u)
	}

	// the socket was closed by the server
	for {
		if _, err := testutil.ReadEnvelope(alice, testutil.DefaultTimeout); err != nil {
			break
		}
	}

	conn, _, err := testutil.Dial(testutil.WebSocketURL(t, f.server.URL, issueToken(t, "carol")), testOrigin)
	if err != nil {
		t.Fatalf("Upgrade should still succeed: %v", err)
	}
	defer conn.Close()
	if _, err := testutil.ReadEnvelope(conn, testutil.DefaultTimeout); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close after shutdown, got %v", err)
	}
}
