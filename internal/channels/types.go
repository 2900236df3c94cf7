package channels

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownChannel is returned for channel ids that were never registered.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotConnected is returned by adapters asked to send while offline.
	ErrNotConnected = errors.New("channel not connected")
	// ErrClosed ends a receive pump.
	ErrClosed = errors.New("channel closed")
)

// Message is the envelope exchanged with adapters. Payload contents are
// opaque to the gateway.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	PeerKind  string            `json:"peer_kind,omitempty"` // direct, group, channel
	PeerID    string            `json:"peer_id,omitempty"`
	ChatID    string            `json:"chat_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Text      string            `json:"text,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Adapter is one external messaging platform connection.
type Adapter interface {
	// ID is the registry id (the config key under channels.*).
	ID() string
	// Name is the adapter type, e.g. "loopback".
	Name() string
	IsConnected() bool
	SendMessage(ctx context.Context, msg Message) error
	// ReceiveMessage blocks until the next inbound message. It returns
	// ErrClosed once the adapter has stopped.
	ReceiveMessage(ctx context.Context) (Message, error)
}

// Lifecycle is implemented by adapters that need explicit start/stop.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Status represents the current state of a managed channel
type Status struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Running   bool      `json:"running"`   // receive pump active
	Connected bool      `json:"connected"` // adapter reports a live connection
	Retrying  bool      `json:"retrying,omitempty"`
	Error     string    `json:"error,omitempty"` // last start or receive error
	StartedAt time.Time `json:"started_at"`
}
