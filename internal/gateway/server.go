// Package gateway is the WebSocket front door: it authenticates
// connections, binds them to session keys, dispatches JSON-RPC style
// requests and fans events out to clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

const shutdownTimeout = 5 * time.Second

// ChannelRegistry is the channel surface the server needs.
// *channels.Manager implements it.
type ChannelRegistry interface {
	Register(ctx context.Context, a channels.Adapter) error
	List() []string
	Status(id string) (channels.Status, error)
	Init(ctx context.Context) error
	Send(ctx context.Context, id string, msg channels.Message) error
}

// Options configures a Server. Auth is required; every other collaborator
// may be nil.
type Options struct {
	Auth     *auth.Authenticator
	Channels ChannelRegistry
	Store    store.Store
	Bus      *bus.Bus
	Health   func() []heartbeat.Report
	Metrics  *metrics.Manager

	AgentID       string
	MainKey       string
	DmScope       sessionkey.DmScope
	IdentityLinks sessionkey.IdentityLinks
	ThreadSuffix  bool

	AllowedOrigins []string
	SendQueue      int
	RatePerSecond  float64 // <= 0 disables request limiting
	RateBurst      int

	MaxLiveSessions int // <= 0 uses DefaultMaxLiveSessions

	// Session, when set, is consulted on every session key operation so
	// reloaded agent and session settings apply without a restart. The
	// static fields above are used otherwise.
	Session func() SessionSettings
}

// SessionSettings are the inputs to session key derivation.
type SessionSettings struct {
	AgentID       string
	MainKey       string
	DmScope       sessionkey.DmScope
	IdentityLinks sessionkey.IdentityLinks
	ThreadSuffix  bool
}

// Server is the protocol server.
type Server struct {
	opts     Options
	registry *Registry
	live     *liveSessions
	methods  map[string]handlerFunc
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	stopping bool
	started  time.Time
	subs     []bus.SubscriptionID
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a server. Nothing listens until Start.
func New(opts Options) *Server {
	if opts.Auth == nil {
		opts.Auth, _ = auth.New(auth.Config{Mode: auth.ModeNone})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	opts.AgentID = sessionkey.NormalizeAgentID(opts.AgentID)
	opts.MainKey = sessionkey.NormalizeMainKey(opts.MainKey)

	s := &Server{
		opts:     opts,
		registry: NewRegistry(),
		live:     newLiveSessions(opts.MaxLiveSessions),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.methods = s.buildMethods()
	return s
}

// sessionSettings returns the current, normalized session settings.
func (s *Server) sessionSettings() SessionSettings {
	if s.opts.Session == nil {
		return SessionSettings{
			AgentID:       s.opts.AgentID,
			MainKey:       s.opts.MainKey,
			DmScope:       s.opts.DmScope,
			IdentityLinks: s.opts.IdentityLinks,
			ThreadSuffix:  s.opts.ThreadSuffix,
		}
	}
	ss := s.opts.Session()
	ss.AgentID = sessionkey.NormalizeAgentID(ss.AgentID)
	ss.MainKey = sessionkey.NormalizeMainKey(ss.MainKey)
	return ss
}

// Metrics exposes the server's metrics.
func (s *Server) Metrics() *metrics.Manager {
	return s.opts.Metrics
}

// Registry exposes the connection registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds host:port synchronously and serves in the background. A bind
// failure is returned; callers treat it as fatal.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("gateway: already started")
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("gateway: invalid port %d", port)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = ln
	s.stopping = false
	s.started = time.Now()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.subscribe()

	srv := s.http
	go func() {
		L_info("gateway: listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("gateway: server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every registered connection, waits for their pumps, then
// shuts down the HTTP server and releases the listener.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.listener == nil || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	srv := s.http
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	if s.opts.Bus != nil {
		for _, id := range subs {
			s.opts.Bus.Unsubscribe(id)
		}
	}

	s.cancel()
	closed := s.registry.CloseAll()
	s.wg.Wait()
	L_debug("gateway: connections drained", "count", len(closed))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(ctx)

	s.mu.Lock()
	s.listener = nil
	s.http = nil
	s.mu.Unlock()

	if err != nil {
		L_error("gateway: shutdown error", "error", err)
		return err
	}
	L_info("gateway: stopped")
	return nil
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(logRequest)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/ws", s.handleWS)
	return r
}

// logRequest logs each request at trace level
func logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		L_trace("gateway: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"requestId", chimw.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authorize runs the authenticator and writes the failure response.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (auth.Result, bool) {
	res := s.opts.Auth.Authenticate(r)
	if res.OK {
		return res, true
	}
	s.opts.Metrics.RecordOutcome("auth", "reject", res.Reason)
	if res.Reason == auth.ReasonRateLimited {
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "unauthorized", "reason": res.Reason})
		return res, false
	}
	if res.Method == auth.ModePassword {
		w.Header().Set("WWW-Authenticate", `Basic realm="clawgate"`)
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "reason": res.Reason})
	return res, false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": s.opts.Metrics.Snapshot()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	res, ok := s.authorize(w, r)
	if !ok {
		return
	}

	var key string
	if raw := r.URL.Query().Get("session_key"); raw != "" {
		ss := s.sessionSettings()
		canon, err := sessionkey.Canonicalize(ss.AgentID, ss.MainKey, raw)
		if err != nil {
			L_debug("gateway: rejected session key", "shape", sessionkey.ClassifyShape(raw).String())
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid session_key"})
			return
		}
		key = canon
	}

	s.mu.Lock()
	if s.stopping || s.listener == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "shutting down"})
		return
	}
	s.wg.Add(2)
	ctx := s.ctx
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		L_debug("gateway: upgrade failed", "error", err)
		s.wg.Add(-2)
		return
	}

	id := key
	if id == "" {
		id = uuid.NewString()
	}
	c := newClient(id, key, s.opts.SendQueue, s.newLimiter())
	c.conn = conn
	c.RemoteAddr = s.opts.Auth.ClientIP(r)
	c.AuthUser = res.User

	s.registry.Add(c)
	s.opts.Metrics.Inc("gateway", "connections_total")
	s.opts.Metrics.SetGauge("gateway", "connections", int64(s.registry.Len()))
	s.mu.Lock()
	lateArrival := s.stopping
	s.mu.Unlock()
	if lateArrival {
		// Stop already drained the registry; the pumps below exit at once.
		s.registry.Remove(c)
		c.close()
	}
	L_info("gateway: connection registered", "conn", c.ID, "bound", key != "", "remote", c.RemoteAddr)

	hello, _ := json.Marshal(Event{Event: "connected", Params: map[string]any{
		"connection_id": c.ID,
		"session_key":   c.SessionKey,
		"auth":          res.Method,
	}})
	c.Enqueue(hello)

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(ctx, s)
		s.opts.Metrics.SetGauge("gateway", "connections", int64(s.registry.Len()))
		L_debug("gateway: connection removed", "conn", c.ID)
	}()
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.RatePerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.RatePerSecond), burst)
}

// Broadcast offers ev to every registered client without blocking. A full
// queue drops the event for that client only. Returns the number of
// clients that accepted it.
func (s *Server) Broadcast(ev Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		L_error("gateway: encode event failed", "event", ev.Event, "error", err)
		return 0
	}
	delivered := 0
	for _, c := range s.registry.Clients() {
		if c.Enqueue(data) {
			delivered++
		} else {
			s.opts.Metrics.Inc("gateway", "dropped_events")
			L_debug("gateway: dropped event for slow client", "conn", c.ID, "event", ev.Event)
		}
	}
	return delivered
}

// DeliverToSession offers ev to the connection bound to key. It reports
// whether a bound connection accepted it.
func (s *Server) DeliverToSession(key string, ev Event) bool {
	c, ok := s.registry.Get(key)
	if !ok || c.SessionKey == "" {
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		L_error("gateway: encode event failed", "event", ev.Event, "error", err)
		return false
	}
	if !c.Enqueue(data) {
		s.opts.Metrics.Inc("gateway", "dropped_events")
		L_warn("gateway: session queue full, event dropped", "key", key, "event", ev.Event)
		return false
	}
	return true
}

// subscribe forwards bus topics to every client.
func (s *Server) subscribe() {
	if s.opts.Bus == nil {
		return
	}
	topics := []string{
		bus.TopicHeartbeatReport,
		bus.TopicConfigReloaded,
		bus.TopicCronRun,
		bus.TopicChannelsInitialized,
	}
	for _, topic := range topics {
		s.subs = append(s.subs, s.opts.Bus.Subscribe(topic, func(e bus.Event) {
			s.Broadcast(Event{Event: e.Topic, Params: e.Data})
		}))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_debug("gateway: write response failed", "error", err)
	}
}
