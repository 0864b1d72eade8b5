// Package protocol defines the JSON frames exchanged with websocket clients and
// the message event handed over by the persistence layer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event types carried in Envelope.Type.
const (
	TypeOnlineUsers = "getOnlineUsers"
	TypeNewMessage  = "newMessage"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypeError       = "error"
)

// ErrInvalidMessage is returned by MessageEvent.Validate.
var ErrInvalidMessage = errors.New("invalid message event")

// Envelope is the outer frame of every websocket text message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageEvent is a chat message that has already been persisted by the
// message store. Field names on the wire follow the web client.
type MessageEvent struct {
	ID          string    `json:"_id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"receiverId"`
	Text        string    `json:"text,omitempty"`
	Image       string    `json:"image,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Validate reports whether the event carries enough to be routed and shown.
func (m MessageEvent) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	case strings.TrimSpace(m.SenderID) == "":
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	case strings.TrimSpace(m.RecipientID) == "":
		return fmt.Errorf("%w: missing recipient", ErrInvalidMessage)
	case m.Text == "" && m.Image == "":
		return fmt.Errorf("%w: empty body", ErrInvalidMessage)
	}
	return nil
}

// TypingEvent is sent by a client with To set, and relayed to the peer with
// From set.
type TypingEvent struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ErrorEvent tells a client why its frame was dropped.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Encode wraps data in an Envelope of the given type.
func Encode(eventType string, data any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", eventType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses an inbound frame. Frames without a type are rejected.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("decode frame: missing type")
	}
	return env, nil
}

// EncodeOnlineUsers builds the presence frame. A nil set is sent as [].
func EncodeOnlineUsers(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	return Encode(TypeOnlineUsers, ids)
}

// EncodeNewMessage builds the frame pushed to a recipient.
func EncodeNewMessage(m MessageEvent) ([]byte, error) {
	return Encode(TypeNewMessage, m)
}
