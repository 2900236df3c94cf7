package channels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgate/internal/config"
)

// LoopbackType is the config type name of the in-process adapter.
const LoopbackType = "loopback"

const defaultLoopbackBuffer = 64

// Loopback is an in-process adapter backed by a queue. Inject feeds the
// inbound side; everything sent is recorded and, with echo on, fed back.
type Loopback struct {
	id        string
	accountID string
	echo      bool

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
	connected atomic.Bool

	mu   sync.Mutex
	sent []Message
}

// NewLoopback creates a loopback adapter with the given inbox capacity.
func NewLoopback(id string, buffer int, echo bool) *Loopback {
	if buffer <= 0 {
		buffer = defaultLoopbackBuffer
	}
	return &Loopback{
		id:     id,
		echo:   echo,
		inbox:  make(chan Message, buffer),
		closed: make(chan struct{}),
	}
}

// newLoopbackFromConfig is the factory registered for type "loopback".
// Settings: buffer (number), echo (bool).
func newLoopbackFromConfig(id string, cfg config.ChannelConfig) (Adapter, error) {
	buffer := defaultLoopbackBuffer
	echo := false
	if v, ok := cfg.Settings["buffer"]; ok {
		n, ok := v.(float64)
		if !ok || n < 1 {
			return nil, fmt.Errorf("loopback %s: settings.buffer must be a positive number", id)
		}
		buffer = int(n)
	}
	if v, ok := cfg.Settings["echo"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("loopback %s: settings.echo must be a bool", id)
		}
		echo = b
	}
	lb := NewLoopback(id, buffer, echo)
	lb.accountID = cfg.AccountID
	return lb, nil
}

func (l *Loopback) ID() string        { return l.id }
func (l *Loopback) Name() string      { return LoopbackType }
func (l *Loopback) IsConnected() bool { return l.connected.Load() }

func (l *Loopback) Start(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	l.connected.Store(true)
	return nil
}

func (l *Loopback) Stop() error {
	l.connected.Store(false)
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *Loopback) SendMessage(ctx context.Context, msg Message) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Channel = l.id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.sent = append(l.sent, msg)
	l.mu.Unlock()

	if l.echo {
		return l.Inject(msg)
	}
	return nil
}

func (l *Loopback) ReceiveMessage(ctx context.Context) (Message, error) {
	select {
	case msg := <-l.inbox:
		return msg, nil
	case <-l.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Inject queues an inbound message. It fails instead of blocking when the
// inbox is full.
func (l *Loopback) Inject(msg Message) error {
	select {
	case <-l.closed:
		return ErrClosed
	default:
	}
	msg.Channel = l.id
	if msg.AccountID == "" {
		msg.AccountID = l.accountID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case l.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("loopback %s: inbox full", l.id)
	}
}

// Sent returns a copy of every message sent through the adapter.
func (l *Loopback) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.sent))
	copy(out, l.sent)
	return out
}
