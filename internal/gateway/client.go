package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// State is a connection's lifecycle position.
type State int32

const (
	StateAuthenticating State = iota
	StateRegistered
	StateClosing
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateRegistered:
		return "registered"
	case StateClosing:
		return "closing"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// Client is one WebSocket connection.
type Client struct {
	// ID is the routing id: the bound session key, or an ephemeral uuid.
	ID         string
	SessionKey string
	RemoteAddr string
	AuthUser   string
	CreatedAt  time.Time

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	state   atomic.Int32
	limiter *rate.Limiter
	dropped atomic.Uint64
}

func newClient(id, sessionKey string, queue int, limiter *rate.Limiter) *Client {
	if queue <= 0 {
		queue = 256
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{
		ID:         id,
		SessionKey: sessionKey,
		CreatedAt:  time.Now(),
		send:       make(chan []byte, queue),
		done:       make(chan struct{}),
		limiter:    limiter,
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Dropped counts messages discarded because the queue was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Enqueue offers data to the outbound queue without blocking. It returns
// false when the queue is full or the client is closing.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// reply queues a response, waiting for room. Responses are never dropped
// while the connection lives.
func (c *Client) reply(data []byte) bool {
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}

// close begins shutdown; the write pump sends a close frame and exits.
func (c *Client) close() {
	c.once.Do(func() {
		if c.State() != StateRemoved {
			c.setState(StateClosing)
		}
		close(c.done)
	})
}

// Done is closed once the client starts closing.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readPump dispatches frames in arrival order until the peer goes away.
func (c *Client) readPump(ctx context.Context, s *Server) {
	defer func() {
		c.close()
		s.registry.Remove(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				L_debug("gateway: unexpected close", "conn", c.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		resp := s.Dispatch(ctx, c, message)
		data, err := json.Marshal(resp)
		if err != nil {
			L_error("gateway: encode response failed", "conn", c.ID, "error", err)
			data, _ = json.Marshal(Response{Error: rpcErr(CodeInternalError, "internal error"), ID: resp.ID})
		}
		if !c.reply(data) {
			return
		}
	}
}

// writePump drains the outbound queue and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				L_debug("gateway: write failed", "conn", c.ID, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"),
				time.Now().Add(writeWait))
			return
		}
	}
}
