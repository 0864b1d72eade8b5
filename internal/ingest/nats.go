// Package ingest receives post-commit message notifications from NATS and
// hands them to the fan-out path.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Tyrowin/gochat-live/internal/fanout"
	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier is the fan-out entry point a notification is delivered to.
type Notifier interface {
	NotifyNewMessage(ev protocol.MessageEvent) (fanout.DeliveryResult, error)
}

// Options configures the NATS connection.
type Options struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS with unlimited reconnects; connection state changes are
// logged.
func Connect(opts Options, logger *zap.Logger) (*nats.Conn, error) {
	if opts.URL == "" {
		return nil, errors.New("nats url missing")
	}
	if opts.ReconnectWait == 0 {
		opts.ReconnectWait = 500 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 3 * time.Second
	}
	log := logging.OrNop(logger).Named("ingest")

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(opts.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", opts.URL, err)
	}
	return nc, nil
}

// Subscriber decodes MessageEvent notifications and forwards them.
type Subscriber struct {
	notifier Notifier
	log      *zap.Logger
	sub      *nats.Subscription
}

// NewSubscriber creates a subscriber forwarding to notifier.
func NewSubscriber(notifier Notifier, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		notifier: notifier,
		log:      logging.OrNop(logger).Named("ingest"),
	}
}

// Subscribe starts consuming subject. An empty queue makes every node receive
// every notification, which fan-out across several nodes requires. A queue
// group hands each notification to one member only, so use one only when a
// single process holds all connections.
func (s *Subscriber) Subscribe(nc *nats.Conn, subject, queue string) error {
	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = nc.Subscribe(subject, s.Handle)
	} else {
		sub, err = nc.QueueSubscribe(subject, queue, s.Handle)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.log.Info("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return nil
}

// Handle processes one notification. Requests (messages with a reply subject)
// are answered with the delivery result or an error event.
func (s *Subscriber) Handle(msg *nats.Msg) {
	var ev protocol.MessageEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.log.Warn("malformed notification", zap.String("subject", msg.Subject), zap.Error(err))
		s.respond(msg, protocol.ErrorEvent{Message: "malformed message event"})
		return
	}

	result, err := s.notifier.NotifyNewMessage(ev)
	if err != nil {
		s.log.Warn("rejected notification", zap.String("message_id", ev.ID), zap.Error(err))
		s.respond(msg, protocol.ErrorEvent{Message: err.Error()})
		return
	}
	s.respond(msg, result)
}

func (s *Subscriber) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Debug("respond", zap.Error(err))
	}
}

// Close drains the subscription so in-flight notifications are still handled.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}
