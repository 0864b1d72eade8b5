// Package fanout delivers persisted chat messages to the recipient's live
// connections.
package fanout

import (
	"sync"

	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const lockStripes = 64

// DeliveryResult reports how many of the recipient's connections received an
// event. Zero delivered with zero recipients means the user was offline.
type DeliveryResult struct {
	MessageID  string `json:"messageId,omitempty"`
	Recipients int    `json:"recipients"`
	Delivered  int    `json:"delivered"`
	Failed     int    `json:"failed"`
}

// Router pushes events to a recipient's connections looked up in the registry.
type Router struct {
	registry *presence.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics

	// Pushes for one recipient are serialised so every connection of that
	// user observes events in the same order.
	stripes [lockStripes]sync.Mutex
}

// NewRouter creates a router over registry. logger and m may be nil.
func NewRouter(registry *presence.Registry, logger *zap.Logger, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		log:      logging.OrNop(logger).Named("fanout"),
		metrics:  m,
	}
}

// Deliver pushes ev to every live connection of ev.RecipientID. Push failures
// are logged and counted; they never surface as errors because the message is
// already persisted.
func (r *Router) Deliver(ev protocol.MessageEvent) DeliveryResult {
	result := DeliveryResult{MessageID: ev.ID}

	payload, err := protocol.EncodeNewMessage(ev)
	if err != nil {
		r.log.Error("encode message", zap.String("message_id", ev.ID), zap.Error(err))
		r.metrics.Message(metrics.OutcomeFailed)
		return result
	}

	result = r.push(ev.RecipientID, "message", payload, result)

	switch {
	case result.Recipients == 0:
		r.metrics.Message(metrics.OutcomeOffline)
		r.log.Debug("recipient offline",
			zap.String("message_id", ev.ID),
			zap.String("recipient_id", ev.RecipientID))
	case result.Delivered == 0:
		r.metrics.Message(metrics.OutcomeFailed)
	default:
		r.metrics.Message(metrics.OutcomeDelivered)
	}
	return result
}

// Relay forwards a typing notification from one user to another.
func (r *Router) Relay(eventType, from, to string) DeliveryResult {
	payload, err := protocol.Encode(eventType, protocol.TypingEvent{From: from})
	if err != nil {
		r.log.Error("encode relay", zap.String("type", eventType), zap.Error(err))
		return DeliveryResult{}
	}
	return r.push(to, "typing", payload, DeliveryResult{})
}

func (r *Router) push(userID, kind string, payload []byte, result DeliveryResult) DeliveryResult {
	lock := r.stripe(userID)
	lock.Lock()
	defer lock.Unlock()

	conns := r.registry.ConnectionsFor(userID)
	result.Recipients = len(conns)
	for _, c := range conns {
		err := c.Send(payload)
		r.metrics.Push(kind, err)
		if err != nil {
			result.Failed++
			r.log.Warn("push failed",
				zap.String("kind", kind),
				zap.String("user_id", userID),
				zap.String("conn_id", c.ID),
				zap.Error(err))
			continue
		}
		result.Delivered++
	}
	return result
}

func (r *Router) stripe(userID string) *sync.Mutex {
	return &r.stripes[xxhash.Sum64String(userID)%lockStripes]
}
