// Package channels owns the registry of external channel adapters: their
// lifecycle, connection status and inbound receive pumps.
package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/config"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Factory builds an adapter from its channels.<id> config block.
type Factory func(id string, cfg config.ChannelConfig) (Adapter, error)

// InboundHandler receives every message pulled by a receive pump.
type InboundHandler func(ctx context.Context, msg Message)

const stopTimeout = 5 * time.Second

type entry struct {
	adapter   Adapter
	typ       string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	running   atomic.Bool
	retrying  atomic.Bool

	mu      sync.Mutex
	lastErr string
}

func (e *entry) setErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.lastErr = ""
		return
	}
	e.lastErr = err.Error()
}

func (e *entry) status(id string) Status {
	e.mu.Lock()
	lastErr := e.lastErr
	e.mu.Unlock()
	return Status{
		ID:        id,
		Type:      e.typ,
		Running:   e.running.Load(),
		Connected: e.adapter.IsConnected(),
		Retrying:  e.retrying.Load(),
		Error:     lastErr,
		StartedAt: e.startedAt,
	}
}

// Manager owns the lifecycle of all communication channels
type Manager struct {
	bus *bus.Bus

	factories map[string]Factory
	configs   map[string]config.ChannelConfig
	channels  map[string]*entry
	handler   InboundHandler
	mu        sync.RWMutex

	// lifecycle serializes register, unregister, init, restart and stop so
	// an id never has two live entries.
	lifecycle sync.Mutex

	// Start retry and receive error back-off.
	retryBackoff time.Duration
	maxBackoff   time.Duration
}

// NewManager creates a manager with the built-in loopback factory.
// b may be nil.
func NewManager(b *bus.Bus) *Manager {
	m := &Manager{
		bus:          b,
		factories:    make(map[string]Factory),
		configs:      make(map[string]config.ChannelConfig),
		channels:     make(map[string]*entry),
		retryBackoff: 5 * time.Second,
		maxBackoff:   5 * time.Minute,
	}
	m.RegisterFactory(LoopbackType, newLoopbackFromConfig)
	return m
}

// RegisterFactory makes an adapter type available to Init.
func (m *Manager) RegisterFactory(typ string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[strings.ToLower(typ)] = f
}

// SetConfig replaces the channel configuration used by Init and Restart.
// Running adapters are not touched.
func (m *Manager) SetConfig(cfgs map[string]config.ChannelConfig) {
	next := make(map[string]config.ChannelConfig, len(cfgs))
	for id, c := range cfgs {
		next[id] = c
	}
	m.mu.Lock()
	m.configs = next
	m.mu.Unlock()
}

// OnMessage sets the handler invoked for every inbound message.
func (m *Manager) OnMessage(h InboundHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Register adds a built adapter and starts its receive pump. An adapter
// already registered under the same id is stopped and replaced. A failed
// start is retried in the background with exponential back-off.
func (m *Manager) Register(ctx context.Context, a Adapter) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.register(ctx, a, a.Name())
}

// register requires m.lifecycle.

func (m *Manager) register(ctx context.Context, a Adapter, typ string) error {
	id := a.ID()
	if id == "" {
		return fmt.Errorf("channels: adapter has empty id")
	}

	m.mu.Lock()
	old := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if old != nil {
		m.stopEntry(id, old)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		adapter:   a,
		typ:       typ,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	var startErr error
	if lc, ok := a.(Lifecycle); ok {
		startErr = lc.Start(runCtx)
	}

	m.mu.Lock()
	m.channels[id] = e
	m.mu.Unlock()

	if startErr != nil {
		L_warn("channels: initial start failed, will retry in background", "channel", id, "error", startErr)
		e.setErr(startErr)
		e.retrying.Store(true)
		go func() {
			defer close(e.done)
			if !m.startRetry(runCtx, id, e) {
				return
			}
			m.pump(runCtx, id, e)
		}()
		return nil
	}

	L_info("channels: started", "channel", id, "type", typ)
	go func() {
		defer close(e.done)
		m.pump(runCtx, id, e)
	}()
	return nil
}

// startRetry retries Start until it succeeds or ctx ends.
func (m *Manager) startRetry(ctx context.Context, id string, e *entry) bool {
	lc := e.adapter.(Lifecycle)
	backoff := m.retryBackoff
	attempt := 1

	for {
		select {
		case <-ctx.Done():
			L_info("channels: shutdown requested, stopping retry", "channel", id)
			e.retrying.Store(false)
			return false
		case <-time.After(backoff):
		}

		L_info("channels: retrying connection", "channel", id, "attempt", attempt, "backoff", backoff)

		if err := lc.Start(ctx); err != nil {
			L_warn("channels: connection failed", "channel", id, "error", err, "nextRetry", backoff)
			e.setErr(err)
			attempt++
			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}

		e.retrying.Store(false)
		e.setErr(nil)
		L_info("channels: ready after retry", "channel", id, "attempts", attempt)
		return true
	}
}

// pump pulls inbound messages until the adapter closes or ctx ends.
func (m *Manager) pump(ctx context.Context, id string, e *entry) {
	e.running.Store(true)
	defer e.running.Store(false)

	backoff := m.retryBackoff / 50
	for {
		msg, err := e.adapter.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				L_debug("channels: receive pump stopped", "channel", id)
				return
			}
			e.setErr(err)
			L_warn("channels: receive failed", "channel", id, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.maxBackoff {
				backoff = m.maxBackoff
			}
			continue
		}
		backoff = m.retryBackoff / 50

		if msg.Channel == "" {
			msg.Channel = id
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		L_trace("channels: inbound", "channel", id, "peer", msg.PeerID, "kind", msg.PeerKind)

		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(ctx, msg)
		}
		if m.bus != nil {
			m.bus.Publish(bus.TopicChannelMessage, msg, "channels")
		}
	}
}

func (m *Manager) stopEntry(id string, e *entry) {
	L_debug("channels: stopping", "channel", id)
	e.cancel()
	if lc, ok := e.adapter.(Lifecycle); ok {
		if err := lc.Stop(); err != nil {
			L_error("channels: stop failed", "channel", id, "error", err)
		}
	}
	select {
	case <-e.done:
	case <-time.After(stopTimeout):
		L_warn("channels: receive pump did not exit", "channel", id)
	}
}

// Unregister stops and removes one adapter.
func (m *Manager) Unregister(id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.unregister(id)
}

func (m *Manager) unregister(id string) error {
	m.mu.Lock()
	e, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	m.stopEntry(id, e)
	return nil
}

// StopAll gracefully shuts down all running channels
func (m *Manager) StopAll() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopAll()
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	current := m.channels
	m.channels = make(map[string]*entry)
	m.mu.Unlock()

	for id, e := range current {
		m.stopEntry(id, e)
	}
}

// Init stops every adapter and rebuilds the enabled ones from the current
// config. Build errors are joined; start failures are retried in the
// background and do not fail Init.
func (m *Manager) Init(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.stopAll()

	m.mu.RLock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.startFromConfig(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicChannelsInitialized, m.List(), "channels")
	}
	L_info("channels: initialized", "count", len(m.List()), "errors", len(errs))
	return errors.Join(errs...)
}

// Restart stops one adapter and starts it again from the current config.
// A channel removed or disabled in config is only stopped.
func (m *Manager) Restart(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if err := m.unregister(id); err != nil && !errors.Is(err, ErrUnknownChannel) {
		return err
	}
	return m.startFromConfig(ctx, id)
}

func (m *Manager) startFromConfig(ctx context.Context, id string) error {
	m.mu.RLock()
	cfg, ok := m.configs[id]
	var factory Factory
	if ok {
		factory = m.factories[strings.ToLower(cfg.Type)]
	}
	m.mu.RUnlock()

	if !ok {
		L_info("channels: not configured", "channel", id)
		return nil
	}
	if !cfg.IsEnabled() {
		L_info("channels: disabled by configuration", "channel", id)
		return nil
	}
	if factory == nil {
		return fmt.Errorf("channels.%s: no adapter for type %q", id, cfg.Type)
	}

	a, err := factory(id, cfg)
	if err != nil {
		return fmt.Errorf("channels.%s: %w", id, err)
	}
	return m.register(ctx, a, strings.ToLower(cfg.Type))
}

// List returns registered channel ids, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a registered adapter.
func (m *Manager) Get(id string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.channels[id]
	if !ok {
		return nil, false
	}
	return e.adapter, true
}

// Status reports one channel without touching its I/O.
func (m *Manager) Status(id string) (Status, error) {
	m.mu.RLock()
	e, ok := m.channels[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	return e.status(id), nil
}

// Statuses reports every channel, sorted by id.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.channels))
	for id, e := range m.channels {
		out = append(out, e.status(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Send delivers an outbound message through one adapter.
func (m *Manager) Send(ctx context.Context, id string, msg Message) error {
	a, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, id)
	}
	if err := a.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("channels: send via %s: %w", id, err)
	}
	return nil
}
