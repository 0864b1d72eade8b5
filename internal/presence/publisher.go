package presence

import (
	"sync"

	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"go.uber.org/zap"
)

// Publisher pushes the full online set to connected clients.
type Publisher struct {
	registry *Registry
	log      *zap.Logger
	metrics  *metrics.Metrics

	// serialises snapshot+push so the last broadcast carries the latest set
	mu sync.Mutex
}

// NewPublisher creates a publisher reading from registry. logger and m may be nil.
func NewPublisher(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		registry: registry,
		log:      logging.OrNop(logger).Named("presence"),
		metrics:  m,
	}
}

// BroadcastOnlineUsers pushes ids to every connection in conns. A failed push
// is logged and skipped. It returns the number of successful pushes.
func (p *Publisher) BroadcastOnlineUsers(conns []*Connection, ids []string) int {
	payload, err := protocol.EncodeOnlineUsers(ids)
	if err != nil {
		p.log.Error("encode online users", zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range conns {
		err := c.Send(payload)
		p.metrics.Push("presence", err)
		if err != nil {
			p.log.Debug("presence push failed",
				zap.String("user_id", c.UserID),
				zap.String("conn_id", c.ID),
				zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// Publish snapshots the registry and broadcasts the online set to every
// connection. Call it after a mutation that changed online membership.
func (p *Publisher) Publish() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, conns := p.registry.Snapshot()
	p.metrics.Broadcast()
	p.metrics.SetPresence(len(conns), len(ids))
	sent := p.BroadcastOnlineUsers(conns, ids)
	p.log.Debug("online set broadcast",
		zap.Int("online_users", len(ids)),
		zap.Int("connections", len(conns)),
		zap.Int("sent", sent))
	return sent
}

// SendSnapshot pushes the current online set to a single connection, used when
// a user opens an additional connection and membership did not change.
func (p *Publisher) SendSnapshot(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	payload, err := protocol.EncodeOnlineUsers(p.registry.OnlineUserIDs())
	if err != nil {
		return err
	}
	err = c.Send(payload)
	p.metrics.Push("presence", err)
	return err
}
