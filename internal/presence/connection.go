// Package presence tracks which users hold live connections and broadcasts the
// online set whenever it changes.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned when pushing to a connection whose send
// handle has been invalidated.
var ErrConnectionClosed = errors.New("connection closed")

// Sender is the transport side of a connection. Send must not block; Close
// releases the handle and is called exactly once.
type Sender interface {
	Send(payload []byte) error
	Close()
}

// Connection is one live transport session owned by a user.
type Connection struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu     sync.Mutex
	sender Sender
	closed bool
}

// NewConnection wraps sender in a Connection with a fresh id.
func NewConnection(userID string, sender Sender) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now(),
		sender:    sender,
	}
}

// Send pushes payload through the send handle. Pushes to one connection are
// serialised, so callers observe them in call order.
func (c *Connection) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sender == nil {
		return ErrConnectionClosed
	}
	return c.sender.Send(payload)
}

// Closed reports whether the send handle has been invalidated.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// invalidate closes the send handle. Later calls are no-ops.
func (c *Connection) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sender != nil {
		c.sender.Close()
	}
}
