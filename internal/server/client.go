// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is the websocket transport of one live connection. It is the send
// handle of its presence.Connection: Send enqueues onto a buffered channel
// drained by a single writePump, so frames leave in enqueue order.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	hub         *Hub
	addr        string
	session     *session
	presence    *presence.Connection
	rateLimiter *rateLimiter
	log         *zap.Logger
	done        chan struct{}

	maxMessageSize int64
	heartbeat      HeartbeatConfig
}

func newClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	logger := hub.log.With(zap.String("remote_addr", addr))

	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendQueueSize),
		hub:            hub,
		addr:           addr,
		session:        newSession(hub, logger),
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		log:            logger,
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		heartbeat:      cfg.Heartbeat,
	}
}

// Send queues payload for the write pump without blocking. A full queue means
// the client is not keeping up; the transport is closed and the read pump
// takes care of deregistration.
func (c *Client) Send(payload []byte) error {
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("send queue full; closing connection", zap.Int("queue_size", cap(c.send)))
		c.closeTransport()
		return ErrSendQueueFull
	}
}

// Close invalidates the send handle. The write pump flushes a close frame and
// exits once the channel drains.
func (c *Client) Close() {
	close(c.send)
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.heartbeat.PongWait)); err != nil {
		c.log.Debug("set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.heartbeat.PongWait)); err != nil {
			c.log.Debug("set read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs the read error at a level matching how expected it is
// and returns the close reason.
func (c *Client) handleReadError(err error) string {
	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Info("frame exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
		return "message too big"
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		c.log.Debug("client disconnected", zap.Error(err))
		return "client closed"
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		return "connection closed"
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.log.Info("read deadline exceeded; peer stopped answering pings")
		return "heartbeat timeout"
	}

	c.log.Warn("websocket read error", zap.Error(err))
	return "read error"
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the frame should be processed
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.log.Info("rate limit exceeded; discarding frame",
			zap.Int("burst", c.hub.cfg.RateLimit.Burst),
			zap.Duration("interval", c.hub.cfg.RateLimit.RefillInterval))
		return false
	}
	return true
}

// processFrame handles one inbound client event.
func (c *Client) processFrame(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.log.Debug("invalid frame", zap.Error(err))
		c.replyError("malformed frame")
		return
	}

	switch env.Type {
	case protocol.TypeTyping, protocol.TypeStopTyping:
		var ev protocol.TypingEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil || ev.To == "" {
			c.replyError("typing event requires a recipient")
			return
		}
		c.hub.router.Relay(env.Type, c.presence.UserID, ev.To)

	case protocol.TypeOnlineUsers:
		if err := c.hub.publisher.SendSnapshot(c.presence); err != nil {
			c.log.Debug("snapshot push failed", zap.Error(err))
		}

	default:
		c.log.Debug("unsupported event type", zap.String("type", env.Type))
		c.replyError("unsupported event type: " + env.Type)
	}
}

func (c *Client) replyError(message string) {
	payload, err := protocol.Encode(protocol.TypeError, protocol.ErrorEvent{Message: message})
	if err != nil {
		return
	}
	if err := c.presence.Send(payload); err != nil {
		c.log.Debug("error reply failed", zap.Error(err))
	}
}

func (c *Client) readPump() {
	reason := "read loop ended"
	defer func() {
		c.session.close(reason)
		c.closeTransport()
		close(c.done)
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			reason = c.handleReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.processFrame(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat.PingInterval)
	defer func() {
		ticker.Stop()
		c.closeTransport()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeTransport closes the socket. Safe to call from any goroutine, any
// number of times.
func (c *Client) closeTransport() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("close websocket", zap.Error(err))
	}
}

// handleMessage writes one outgoing frame and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.heartbeat.WriteWait)); err != nil {
		c.log.Debug("set write deadline", zap.Error(err))
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("write failed", zap.Error(err))
		}
		return false
	}
	return true
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Debug("write close message", zap.Error(err))
		}
	}
	return false
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.heartbeat.WriteWait)); err != nil {
		c.log.Debug("set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("write ping", zap.Error(err))
		return false
	}
	return true
}

// reject closes the transport of a connection attempt that failed
// authentication.
func (c *Client) reject(reason string) {
	deadline := time.Now().Add(c.heartbeat.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("write reject close frame", zap.Error(err))
	}
	c.closeTransport()
}
