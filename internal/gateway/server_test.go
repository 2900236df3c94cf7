package gateway

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
)

func startServer(t *testing.T, mutate func(o *Options)) *Server {
	t.Helper()
	f := newFixture(t, mutate)
	require.NoError(t, f.srv.Start("127.0.0.1", 0))
	t.Cleanup(func() { f.srv.Stop() })
	return f.srv
}

func wsURL(s *Server, query url.Values) string {
	u := url.URL{Scheme: "ws", Host: s.Addr(), Path: "/ws", RawQuery: query.Encode()}
	return u.String()
}

func dial(t *testing.T, s *Server, query url.Values, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(s, query), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	// first frame is the connected event
	ev := readFrame(t, conn)
	require.Equal(t, "connected", ev["event"])
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func tokenAuth(t *testing.T) *auth.Authenticator {
	a, err := auth.New(auth.Config{Mode: auth.ModeToken, Token: "s3cret", TrustedProxies: []string{"127.0.0.1"}})
	require.NoError(t, err)
	return a
}

func TestBroadcastReachesRegisteredClients(t *testing.T) {
	s := New(Options{})
	a := newClient("a", "", 4, nil)
	b := newClient("b", "", 4, nil)
	s.registry.Add(a)
	s.registry.Add(b)

	assert.Equal(t, 2, s.Broadcast(Event{Event: "note", Params: map[string]any{"n": 1}}))
	assert.Len(t, a.send, 1)
	assert.Len(t, b.send, 1)

	require.True(t, s.registry.Remove(b))
	assert.Equal(t, StateRemoved, b.State())

	assert.Equal(t, 1, s.Broadcast(Event{Event: "note", Params: map[string]any{"n": 2}}))
	assert.Len(t, a.send, 2)
	assert.Len(t, b.send, 1)
}

func TestBroadcastDropsForFullQueueOnly(t *testing.T) {
	s := New(Options{})
	slow := newClient("slow", "", 1, nil)
	fast := newClient("fast", "", 8, nil)
	s.registry.Add(slow)
	s.registry.Add(fast)

	for i := 0; i < 3; i++ {
		s.Broadcast(Event{Event: "tick", Params: i})
	}
	assert.Len(t, slow.send, 1)
	assert.Equal(t, uint64(2), slow.Dropped())
	assert.Len(t, fast.send, 3)
}

func TestRegistryReplacesSameID(t *testing.T) {
	r := NewRegistry()
	first := newClient("agent:main:main", "agent:main:main", 1, nil)
	second := newClient("agent:main:main", "agent:main:main", 1, nil)

	r.Add(first)
	r.Add(second)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, StateRemoved, first.State())
	select {
	case <-first.Done():
	default:
		t.Fatal("replaced client not closed")
	}

	// removing the stale client must not evict the new one
	assert.False(t, r.Remove(first))
	got, ok := r.Get("agent:main:main")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestHealthAuth(t *testing.T) {
	s := startServer(t, func(o *Options) { o.Auth = tokenAuth(t) })
	base := "http://" + s.Addr() + "/health"

	resp, err := http.Get(base)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, base, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("X-Forwarded-For", "203.0.113.10")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestWebSocketRejectsBeforeRegistration(t *testing.T) {
	s := startServer(t, func(o *Options) { o.Auth = tokenAuth(t) })

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(s, nil), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, s.Registry().Len())

	// a different client address, so the failure above does not back it off
	other := http.Header{"X-Forwarded-For": {"198.51.100.7"}}
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(s, url.Values{"token": {"s3cret"}, "session_key": {"agent:"}}), other)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	a, err := auth.New(auth.Config{Mode: auth.ModeToken, Token: "s3cret"})
	require.NoError(t, err)
	s := startServer(t, func(o *Options) { o.Auth = a })
	base := "http://" + s.Addr() + "/health"

	resp, err := http.Get(base)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, base, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("X-Forwarded-For", "203.0.113.99")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestWebSocketRequestsAndSessionDelivery(t *testing.T) {
	s := startServer(t, func(o *Options) { o.Auth = tokenAuth(t) })
	header := http.Header{"Authorization": {"Bearer s3cret"}}

	bound := dial(t, s, url.Values{"session_key": {"Agent:Main:Direct:Bob"}}, header)
	plain := dial(t, s, nil, header)

	require.Eventually(t, func() bool { return s.Registry().Len() == 2 }, time.Second, 5*time.Millisecond)
	c, ok := s.Registry().Get("agent:main:direct:bob")
	require.True(t, ok, "bound connection registered under canonical key")
	assert.Equal(t, StateRegistered, c.State())

	// requests are answered in order
	require.NoError(t, plain.WriteMessage(websocket.TextMessage, []byte(`{"method":"ping","id":1}`)))
	require.NoError(t, plain.WriteMessage(websocket.TextMessage, []byte(`{"method":"nope","id":2}`)))
	require.NoError(t, plain.WriteMessage(websocket.TextMessage, []byte(`{bad json`)))

	first := readFrame(t, plain)
	assert.EqualValues(t, 1, first["id"])
	assert.Equal(t, true, first["result"].(map[string]any)["pong"])

	second := readFrame(t, plain)
	assert.EqualValues(t, 2, second["id"])
	assert.EqualValues(t, CodeMethodNotFound, second["error"].(map[string]any)["code"])

	third := readFrame(t, plain)
	assert.Nil(t, third["id"])
	assert.EqualValues(t, CodeParseError, third["error"].(map[string]any)["code"])

	// targeted delivery reaches only the bound connection
	assert.True(t, s.DeliverToSession("agent:main:direct:bob", Event{Event: "channel.message", Params: map[string]any{"text": "hi"}}))
	ev := readFrame(t, bound)
	assert.Equal(t, "channel.message", ev["event"])
	assert.False(t, s.DeliverToSession("agent:main:direct:carol", Event{Event: "x"}))

	// disconnect removes the entry
	require.NoError(t, plain.Close())
	require.Eventually(t, func() bool { return s.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestBusEventsAreBroadcast(t *testing.T) {
	b := bus.New()
	s := startServer(t, func(o *Options) { o.Bus = b })
	conn := dial(t, s, nil, nil)
	require.Eventually(t, func() bool { return s.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	b.Publish(bus.TopicHeartbeatReport, []heartbeat.Report{{Target: "store", Status: heartbeat.StatusHealthy}}, "heartbeat")

	ev := readFrame(t, conn)
	assert.Equal(t, bus.TopicHeartbeatReport, ev["event"])
	assert.NotContains(t, ev, "id")
}

func TestStopDrainsConnections(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.srv.Start("127.0.0.1", 0))
	addr := f.srv.Addr()

	conn := dial(t, f.srv, nil, nil)
	require.Eventually(t, func() bool { return f.srv.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.srv.Stop())
	assert.Equal(t, 0, f.srv.Registry().Len())
	assert.Equal(t, "", f.srv.Addr())

	// client sees the close
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// the server can be started again after a stop
	require.NoError(t, f.srv.Start("127.0.0.1", 0))
	assert.NotEqual(t, addr, "")
	require.NoError(t, f.srv.Stop())
}

func TestStartFailsOnBusyPort(t *testing.T) {
	s := startServer(t, nil)
	other := New(Options{})
	err := other.Start("127.0.0.1", portOf(t, s.Addr()))
	assert.Error(t, err)

	assert.Error(t, New(Options{}).Start("127.0.0.1", 70000))
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(p)
	require.NoError(t, err)
	return port
}
