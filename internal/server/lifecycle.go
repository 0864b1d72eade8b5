package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"go.uber.org/zap"
)

// State is the lifecycle phase of one physical connection attempt.
type State int32

// Connection lifecycle states. Closed and Rejected are terminal.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// session drives one connection through its lifecycle and owns the single
// deregistration of its presence.Connection.
type session struct {
	hub   *Hub
	state atomic.Int32
	log   *zap.Logger

	conn      *presence.Connection
	closeOnce sync.Once
	closedAt  time.Time
}

func newSession(hub *Hub, logger *zap.Logger) *session {
	return &session{hub: hub, log: logger}
}

// State returns the current phase.
func (s *session) State() State {
	return State(s.state.Load())
}

func (s *session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// authenticate verifies credential. On failure the session is Rejected and
// nothing is registered.
func (s *session) authenticate(credential string) (string, error) {
	if !s.transition(StateConnecting, StateAuthenticating) {
		return "", fmt.Errorf("authenticate in state %s", s.State())
	}

	userID, err := s.hub.verifier.Verify(credential)
	if err != nil {
		s.state.Store(int32(StateRejected))
		s.hub.metrics.AuthFailure()
		s.log.Info("connection rejected", zap.Error(err))
		if !errors.Is(err, auth.ErrAuthFailure) {
			err = fmt.Errorf("%w: %v", auth.ErrAuthFailure, err)
		}
		return "", err
	}
	if userID == "" {
		s.state.Store(int32(StateRejected))
		s.hub.metrics.AuthFailure()
		return "", auth.ErrInvalidToken
	}
	return userID, nil
}

// activate registers conn with the hub. It fails if the session left
// Authenticating in the meantime.
func (s *session) activate(conn *presence.Connection) bool {
	if !s.transition(StateAuthenticating, StateActive) {
		return false
	}
	s.conn = conn
	s.log = s.log.With(zap.String("user_id", conn.UserID), zap.String("conn_id", conn.ID))
	s.hub.register(conn)
	return true
}

// close deregisters the connection exactly once, whichever close trigger gets
// here first.
func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		if !s.transition(StateActive, StateClosing) {
			// never activated, so nothing is registered; a later activate fails
			if !s.transition(StateConnecting, StateClosed) {
				s.transition(StateAuthenticating, StateClosed)
			}
			return
		}

		s.hub.deregister(s.conn)
		s.closedAt = time.Now()
		s.hub.metrics.ConnectionClosed(s.closedAt.Sub(s.conn.CreatedAt).Seconds())
		s.state.Store(int32(StateClosed))
		s.log.Info("connection closed", zap.String("reason", reason))
	})
}
