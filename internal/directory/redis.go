// Package directory mirrors the local online set into Redis so other services
// can answer "is this user online" without talking to the realtime node.
//
// Keys are <prefix><userID> with the node id as value and a TTL that the
// mirror keeps refreshing. After a crash the keys simply expire; nothing is
// read back at start-up.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultQueueSize = 1024
	opTimeout        = 2 * time.Second
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("directory closed")

// Store is the subset of redis.Cmdable the mirror writes with.
type Store interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Dial opens a Redis client and checks it with PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Options configures a Mirror.
type Options struct {
	KeyPrefix string
	NodeID    string
	TTL       time.Duration
	QueueSize int
}

// Source is the authoritative online state the mirror reconciles against.
// *presence.Registry satisfies it.
type Source interface {
	OnlineUserIDs() []string
	IsOnline(userID string) bool
}

type op struct {
	userID string
	online bool
}

// Mirror applies presence transitions to Redis on a single background worker.
//
// Transitions are reported after the registry lock is released, so two of them
// for one user can arrive out of order. With a Source the worker writes the
// user's state as of apply time instead of the reported one; each transition
// is enqueued after it happened, so the last write for a user always matches
// the registry.
type Mirror struct {
	store Store
	opts  Options
	log   *zap.Logger
	src   Source

	ops  chan op
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewMirror creates a mirror writing to store. It does nothing until Start.
func NewMirror(store Store, opts Options, logger *zap.Logger) *Mirror {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * time.Second
	}
	return &Mirror{
		store: store,
		opts:  opts,
		log:   logging.OrNop(logger).Named("directory"),
		ops:   make(chan op, opts.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Key returns the Redis key for userID.
func (m *Mirror) Key(userID string) string {
	return m.opts.KeyPrefix + userID
}

// Start launches the worker. src resolves each transition and supplies the
// online set for periodic TTL refreshes; with a nil src transitions are
// written as reported and nothing is refreshed.
func (m *Mirror) Start(src Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.started {
		m.started = true
		m.src = src
		go m.run()
	}
	return nil
}

// Online records that userID came online. It never blocks; when the queue is
// full the update is dropped and the next refresh repairs it.
func (m *Mirror) Online(userID string) {
	m.enqueue(op{userID: userID, online: true})
}

// Offline records that userID went offline.
func (m *Mirror) Offline(userID string) {
	m.enqueue(op{userID: userID})
}

func (m *Mirror) enqueue(o op) {
	select {
	case m.ops <- o:
	default:
		m.log.Warn("directory queue full; dropping update",
			zap.String("user_id", o.userID),
			zap.Bool("online", o.online))
	}
}

func (m *Mirror) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.opts.TTL / 2)
	defer ticker.Stop()

	for {
		select {
		case o := <-m.ops:
			m.apply(m.resolve(o))
		case <-ticker.C:
			if m.src != nil {
				m.refresh(m.src.OnlineUserIDs())
			}
		case <-m.stop:
			m.drain()
			return
		}
	}
}

// drain applies whatever is still queued so offline transitions reported
// during shutdown reach Redis.
func (m *Mirror) drain() {
	for {
		select {
		case o := <-m.ops:
			m.apply(m.resolve(o))
		default:
			return
		}
	}
}

// resolve replaces the reported state with the current one.
func (m *Mirror) resolve(o op) op {
	if m.src == nil {
		return o
	}
	online := m.src.IsOnline(o.userID)
	if online != o.online {
		m.log.Debug("stale presence transition; writing current state",
			zap.String("user_id", o.userID),
			zap.Bool("reported_online", o.online),
			zap.Bool("online", online))
	}
	return op{userID: o.userID, online: online}
}

func (m *Mirror) apply(o op) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	if o.online {
		err = m.store.Set(ctx, m.Key(o.userID), m.opts.NodeID, m.opts.TTL).Err()
	} else {
		err = m.store.Del(ctx, m.Key(o.userID)).Err()
	}
	if err != nil {
		m.log.Warn("directory update failed",
			zap.String("user_id", o.userID),
			zap.Bool("online", o.online),
			zap.Error(err))
	}
}

func (m *Mirror) refresh(ids []string) {
	for _, id := range ids {
		m.apply(op{userID: id, online: true})
	}
	m.log.Debug("directory refreshed", zap.Int("online_users", len(ids)))
}

// Close stops the worker after flushing queued updates. Safe to call more
// than once.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	close(m.stop)
	m.mu.Unlock()

	if started {
		<-m.done
	}
}
