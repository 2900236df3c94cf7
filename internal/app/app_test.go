package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/reload"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.Port = 0
	cfg.Store.Driver = "memory"
	cfg.Session.DmScope = "per-channel-peer"
	cfg.Heartbeat.GraceSeconds = 0
	cfg.Logging.Level = "error"
	cfg.Channels = map[string]config.ChannelConfig{
		"lo": {Type: channels.LoopbackType},
	}
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

func loopback(t *testing.T, a *App, id string) *channels.Loopback {
	t.Helper()
	ad, ok := a.Channels().Get(id)
	require.True(t, ok)
	lb, ok := ad.(*channels.Loopback)
	require.True(t, ok)
	return lb
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestResolveRoute(t *testing.T) {
	off := false
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		msg    channels.Message
		key    string
		parent string
	}{
		{
			name: "main scope collapses direct messages",
			msg:  channels.Message{Channel: "telegram", PeerKind: "direct", PeerID: "42"},
			key:  "agent:main:main",
		},
		{
			name:   "per channel peer",
			mutate: func(c *config.Config) { c.Session.DmScope = "per-channel-peer" },
			msg:    channels.Message{Channel: "telegram", PeerID: "42"},
			key:    "agent:main:telegram:direct:42",
		},
		{
			name: "identity link",
			mutate: func(c *config.Config) {
				c.Session.DmScope = "per-peer"
				c.Session.IdentityLinks = map[string][]string{"alice": {"telegram:111"}}
			},
			msg: channels.Message{Channel: "telegram", PeerKind: "dm", PeerID: "111"},
			key: "agent:main:direct:alice",
		},
		{
			name:   "group uses chat id and thread suffix",
			msg:    channels.Message{Channel: "slack", PeerKind: "channel", PeerID: "u1", ChatID: "C3", ThreadID: "T9"},
			key:    "agent:main:slack:channel:c3:thread:t9",
			parent: "agent:main:slack:channel:c3",
		},
		{
			name:   "thread suffix disabled",
			mutate: func(c *config.Config) { c.Session.ThreadSuffix = &off },
			msg:    channels.Message{Channel: "slack", PeerKind: "group", PeerID: "g1", ThreadID: "T9"},
			key:    "agent:main:slack:group:g1",
		},
		{
			name: "unknown kind falls back to group",
			msg:  channels.Message{Channel: "irc", PeerKind: "broadcast", PeerID: "room"},
			key:  "agent:main:irc:group:room",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			r := ResolveRoute(cfg, tt.msg)
			assert.Equal(t, tt.key, r.SessionKey)
			assert.Equal(t, tt.parent, r.ParentKey)
		})
	}
}

func TestInboundMessageReachesBoundConnection(t *testing.T) {
	a := startApp(t, testConfig())
	key := "agent:main:lo:direct:42"

	u := url.URL{Scheme: "ws", Host: a.Server().Addr(), Path: "/ws", RawQuery: url.Values{"session_key": {key}}.Encode()}
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.Equal(t, "connected", readEvent(t, conn)["event"])

	lb := loopback(t, a, "lo")
	require.NoError(t, lb.Inject(channels.Message{PeerKind: "direct", PeerID: "42", Text: "hello"}))

	ev := readEvent(t, conn)
	require.Equal(t, bus.TopicChannelMessage, ev["event"])
	params := ev["params"].(map[string]any)
	assert.Equal(t, key, params["session_key"])
	assert.Equal(t, "hello", params["message"].(map[string]any)["text"])

	sess, err := a.Store().GetSessionByKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.MessageCount)
	assert.Equal(t, "lo", sess.Channel)
	assert.Equal(t, "42", sess.UserID)

	require.NoError(t, lb.Inject(channels.Message{PeerID: "42", Text: "again"}))
	readEvent(t, conn)
	require.Eventually(t, func() bool {
		s, err := a.Store().GetSessionByKey(context.Background(), key)
		return err == nil && s.MessageCount == 2 && s.ID == sess.ID
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), a.Metrics().Counter("channels", "inbound"))
}

func TestHealthReportsIncludeStoreAndChannels(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.IntervalSeconds = 1
	a := startApp(t, cfg)

	require.Eventually(t, func() bool {
		for _, r := range a.healthReports() {
			if r.Target == "channel:lo" && r.Status == "healthy" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	names := map[string]bool{}
	for _, r := range a.healthReports() {
		names[r.Target] = true
	}
	assert.True(t, names["store"])
}

func TestApplyHot(t *testing.T) {
	a := startApp(t, testConfig())

	reloaded := make(chan reload.Plan, 1)
	a.Bus().Subscribe(bus.TopicConfigReloaded, func(e bus.Event) {
		reloaded <- e.Data.(reload.Plan)
	})
	hooks := make(chan any, 1)
	a.Bus().Subscribe(bus.TopicHooksReload, func(e bus.Event) { hooks <- e.Data })

	prev, err := config.ToSnapshot(a.Config())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Channels["extra"] = config.ChannelConfig{Type: channels.LoopbackType}
	cfg.Cron = config.CronConfig{Enabled: true, Jobs: []config.CronJob{{ID: "daily", Schedule: "@daily"}}}
	cfg.Hooks = map[string]any{"onMessage": "notify"}
	cfg.Session.DmScope = "per-peer"
	next, err := config.ToSnapshot(cfg)
	require.NoError(t, err)
	// Decode validates; the listener port is not part of this change
	next["gateway"].(map[string]any)["port"] = float64(18789)
	prev["gateway"].(map[string]any)["port"] = float64(18789)

	plan := reload.BuildReloadPlan(reload.DiffPaths(prev, next))
	require.False(t, plan.Restart, "paths: %v", plan.RestartReasons)
	require.NoError(t, a.ApplyHot(plan, next))

	assert.Contains(t, a.Channels().List(), "extra")
	require.NotNil(t, a.Cron())
	assert.True(t, a.Cron().Running())
	assert.Equal(t, "per-peer", a.Config().Session.DmScope)

	select {
	case p := <-reloaded:
		assert.True(t, p.Has(reload.ActionRestartCron))
		assert.Equal(t, []string{"extra"}, p.Channels())
	case <-time.After(2 * time.Second):
		t.Fatal("no config.reloaded event")
	}
	select {
	case <-hooks:
	case <-time.After(2 * time.Second):
		t.Fatal("no hooks.reload event")
	}
}

func TestSessionResolveFollowsReloadedConfig(t *testing.T) {
	a := startApp(t, testConfig())
	resolve := func() map[string]any {
		raw := []byte(`{"method":"session_resolve","id":1,"params":{"channel":"telegram","peer_id":"42"}}`)
		resp := a.Server().Dispatch(context.Background(), nil, raw)
		require.Nil(t, resp.Error)
		return resp.Result.(map[string]any)
	}

	before := resolve()
	assert.Equal(t, "per-channel-peer", before["dm_scope"])

	prev, err := config.ToSnapshot(a.Config())
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Session.DmScope = "per-peer"
	next, err := config.ToSnapshot(cfg)
	require.NoError(t, err)
	next["gateway"].(map[string]any)["port"] = float64(18789)
	prev["gateway"].(map[string]any)["port"] = float64(18789)

	plan := reload.BuildReloadPlan(reload.DiffPaths(prev, next))
	require.False(t, plan.Restart)
	require.NoError(t, a.ApplyHot(plan, next))

	after := resolve()
	assert.Equal(t, "per-peer", after["dm_scope"])
	assert.NotEqual(t, before["session_key"], after["session_key"])
	route := ResolveRoute(a.Config(), channels.Message{Channel: "telegram", PeerID: "42"})
	assert.Equal(t, route.SessionKey, after["session_key"], "gateway and router agree")
}

func TestApplyHotRejectsInvalidSnapshot(t *testing.T) {
	a := startApp(t, testConfig())
	before := a.Config()

	err := a.ApplyHot(reload.Plan{}, map[string]any{"store": map[string]any{"driver": "postgres"}})
	assert.Error(t, err)
	assert.Same(t, before, a.Config())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeConfig(t *testing.T, path string, port int) {
	t.Helper()
	body := fmt.Sprintf(`{
  // test config
  "gateway": {"host": "127.0.0.1", "port": %d, "reload": {"mode": "hybrid", "debounceMs": 50}},
  "store": {"driver": "memory"},
  "logging": {"level": "error"},
  "heartbeat": {"enabled": false},
}`, port)
	require.NoError(t, config.AtomicWrite(path, []byte(body), 0600))
}

func healthy(port int) bool {
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func TestRunRestartsOnGatewayChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawgate.jsonc")
	first := freePort(t)
	writeConfig(t, path, first)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, path) }()

	require.Eventually(t, func() bool { return healthy(first) }, 5*time.Second, 20*time.Millisecond)

	second := freePort(t)
	writeConfig(t, path, second)
	require.Eventually(t, func() bool { return healthy(second) }, 5*time.Second, 20*time.Millisecond)
	assert.False(t, healthy(first))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunFailsOnBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawgate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"auth": {"mode": "token"}}}`), 0600))
	assert.Error(t, Run(context.Background(), path))
}
