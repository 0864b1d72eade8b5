// Package server coordinates client registration, presence broadcast, and
// message fan-out for the GoChat WebSocket system via the Hub type.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/fanout"
	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Directory mirrors presence transitions to an external store. Calls must not
// block.
type Directory interface {
	Online(userID string)
	Offline(userID string)
}

type nopDirectory struct{}

func (nopDirectory) Online(string)  {}
func (nopDirectory) Offline(string) {}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(l *zap.Logger) HubOption {
	return func(h *Hub) { h.log = logging.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithDirectory mirrors presence transitions to d.
func WithDirectory(d Directory) HubOption {
	return func(h *Hub) {
		if d != nil {
			h.directory = d
		}
	}
}

// Hub owns the connection registry and wires the lifecycle of every websocket
// to the presence publisher and the message router.
type Hub struct {
	cfg       Config
	verifier  auth.Verifier
	registry  *presence.Registry
	publisher *presence.Publisher
	router    *fanout.Router
	directory Directory
	metrics   *metrics.Metrics
	log       *zap.Logger

	mutex   sync.Mutex
	clients map[*Client]struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub creates a Hub with its own empty registry.
func NewHub(cfg Config, verifier auth.Verifier, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:       cfg.Sanitize(),
		verifier:  verifier,
		registry:  presence.NewRegistry(),
		directory: nopDirectory{},
		log:       zap.NewNop(),
		clients:   make(map[*Client]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.publisher = presence.NewPublisher(h.registry, h.log, h.metrics)
	h.router = fanout.NewRouter(h.registry, h.log, h.metrics)
	return h
}

// Registry exposes the hub's registry for read-only inspection.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// CurrentOnlineUsers returns a sorted snapshot of the online set.
func (h *Hub) CurrentOnlineUsers() []string {
	return h.registry.OnlineUserIDs()
}

// NotifyNewMessage pushes a persisted message to the recipient's live
// connections. The only error is a validation failure; delivery problems are
// reported in the result.
func (h *Hub) NotifyNewMessage(ev protocol.MessageEvent) (fanout.DeliveryResult, error) {
	if err := ev.Validate(); err != nil {
		h.metrics.Message(metrics.OutcomeFailed)
		return fanout.DeliveryResult{MessageID: ev.ID}, err
	}
	result := h.router.Deliver(ev)
	h.log.Debug("message fanned out",
		zap.String("message_id", ev.ID),
		zap.String("recipient_id", ev.RecipientID),
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed))
	return result, nil
}

// Connect runs the lifecycle of an upgraded websocket: authenticate, register,
// then start the pumps. A rejected credential closes ws with a policy
// violation and returns an error wrapping auth.ErrAuthFailure. On success the
// connection stays registered until the socket closes or ctx is cancelled.
func (h *Hub) Connect(ctx context.Context, ws *websocket.Conn, credential, addr string) error {
	client := newClient(ws, h, addr)

	if !h.track(client) {
		client.reject("server shutting down")
		return ErrShuttingDown
	}

	userID, err := client.session.authenticate(credential)
	if err != nil {
		h.release(client)
		client.reject("authentication failed")
		return fmt.Errorf("connect %s: %w", addr, err)
	}

	conn := presence.NewConnection(userID, client)
	client.presence = conn
	if !client.session.activate(conn) {
		h.release(client)
		client.reject("connection closed")
		return ErrShuttingDown
	}

	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		defer h.untrack(client)
		client.readPump()
	}()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				client.closeTransport()
			case <-client.done:
			}
		}()
	}
	return nil
}

// track adds client to the live set and reserves its two pump goroutines,
// unless the hub is shutting down.
func (h *Hub) track(c *Client) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	return true
}

// release undoes track for a client whose pumps never started.
func (h *Hub) release(c *Client) {
	h.untrack(c)
	h.wg.Add(-2)
}

func (h *Hub) untrack(c *Client) {
	h.mutex.Lock()
	delete(h.clients, c)
	h.mutex.Unlock()
}

// register adds conn and notifies presence. A user's first connection
// triggers a full broadcast; any later connection gets a direct snapshot.
func (h *Hub) register(conn *presence.Connection) {
	first := h.registry.Register(conn)
	connections, users := h.registry.Counts()
	h.log.Info("client registered",
		zap.String("user_id", conn.UserID),
		zap.String("conn_id", conn.ID),
		zap.Bool("first", first),
		zap.Int("connections", connections),
		zap.Int("online_users", users))

	if first {
		h.directory.Online(conn.UserID)
		h.publisher.Publish()
		return
	}
	h.metrics.SetPresence(connections, users)
	if err := h.publisher.SendSnapshot(conn); err != nil {
		h.log.Debug("snapshot push failed", zap.String("conn_id", conn.ID), zap.Error(err))
	}
}

// deregister removes conn; the user's last connection going away broadcasts
// the reduced online set.
func (h *Hub) deregister(conn *presence.Connection) {
	last := h.registry.Deregister(conn)
	connections, users := h.registry.Counts()
	h.log.Info("client unregistered",
		zap.String("user_id", conn.UserID),
		zap.String("conn_id", conn.ID),
		zap.Bool("last", last),
		zap.Int("connections", connections),
		zap.Int("online_users", users))

	if last {
		h.directory.Offline(conn.UserID)
		h.publisher.Publish()
		return
	}
	h.metrics.SetPresence(connections, users)
}

// shutdownClients closes every live socket; each read pump then deregisters
// its connection.
func (h *Hub) shutdownClients() int {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeTransport()
	}
	return len(clients)
}

// Shutdown stops accepting connections, closes all live ones and waits for
// their pumps to finish or timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()

	closed := h.shutdownClients()
	h.log.Info("closed client connections", zap.Int("count", closed))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached; some connections may still be closing")
		return context.DeadlineExceeded
	}
}
