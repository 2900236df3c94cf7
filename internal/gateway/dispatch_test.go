package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

type fixture struct {
	srv      *Server
	store    *store.MemoryStore
	channels *channels.Manager
}

func newFixture(t *testing.T, mutate func(o *Options)) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	mgr := channels.NewManager(nil)
	t.Cleanup(mgr.StopAll)

	opts := Options{
		Channels: mgr,
		Store:    st,
		AgentID:  "main",
		MainKey:  "main",
		DmScope:  sessionkey.DmScopePerChannelPeer,
		IdentityLinks: sessionkey.IdentityLinks{
			"alice": {"telegram:111", "discord:alice#1"},
		},
		ThreadSuffix: true,
		Health: func() []heartbeat.Report {
			return []heartbeat.Report{
				{Target: "store", Status: heartbeat.StatusHealthy},
				{Target: "upstream", Status: heartbeat.StatusDegraded, Reason: "timeout"},
			}
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	return &fixture{srv: New(opts), store: st, channels: mgr}
}

// call dispatches a request and decodes the response generically.
func (f *fixture) call(t *testing.T, c *Client, method string, params any) (map[string]any, *RPCError) {
	t.Helper()
	frame := map[string]any{"method": method, "id": 7}
	if params != nil {
		frame["params"] = params
	}
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	resp := f.srv.Dispatch(context.Background(), c, raw)
	assert.JSONEq(t, "7", string(resp.ID))
	if resp.Error != nil {
		return nil, resp.Error
	}

	data, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out, nil
}

func TestDispatchProtocolErrors(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		raw  string
		code int
		id   string
	}{
		{"malformed json", `{"method": "ping"`, CodeParseError, "null"},
		{"not an object", `[1,2]`, CodeInvalidRequest, "null"},
		{"missing method", `{"id": 1}`, CodeInvalidRequest, "1"},
		{"empty method", `{"method": "", "id": "a"}`, CodeInvalidRequest, `"a"`},
		{"non-string method", `{"method": 5, "id": 2}`, CodeInvalidRequest, "2"},
		{"object id", `{"method": "ping", "id": {}}`, CodeInvalidRequest, "null"},
		{"unknown method", `{"method": "nope", "id": 3}`, CodeMethodNotFound, "3"},
		{"unknown method wins over bad params", `{"method": "nope", "params": [1], "id": 4}`, CodeMethodNotFound, "4"},
		{"array params", `{"method": "ping", "params": [1], "id": 5}`, CodeInvalidParams, "5"},
		{"session_get without id", `{"method": "session_get", "id": 6}`, CodeInvalidParams, "6"},
		{"session_get bad id format", `{"method": "session_get", "params": {"session_id": "xyz"}, "id": 7}`, CodeInvalidParams, "7"},
		{"channel_status without id", `{"method": "channel_status", "params": {}, "id": 8}`, CodeInvalidParams, "8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.srv.Dispatch(context.Background(), nil, []byte(tt.raw))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Nil(t, resp.Result)

			data, err := json.Marshal(resp)
			require.NoError(t, err)
			var wire map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &wire))
			assert.JSONEq(t, tt.id, string(wire["id"]), "id is always echoed")
		})
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t, nil)
	res, rerr := f.call(t, nil, "ping", nil)
	require.Nil(t, rerr)
	assert.Equal(t, true, res["pong"])
	assert.NotZero(t, res["timestamp"])

	// null params and null id are accepted
	resp := f.srv.Dispatch(context.Background(), nil, []byte(`{"method":"ping","params":null,"id":null}`))
	assert.Nil(t, resp.Error)
}

func TestChannelMethods(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, rerr := f.call(t, nil, "list_channels", nil)
	require.Nil(t, rerr)
	assert.Equal(t, []any{}, res["channels"])

	lb := channels.NewLoopback("local", 4, false)
	require.NoError(t, f.channels.Register(ctx, lb))

	res, _ = f.call(t, nil, "list_channels", nil)
	assert.Equal(t, []any{"local"}, res["channels"])

	res, rerr = f.call(t, nil, "channel_status", map[string]any{"channel_id": "local"})
	require.Nil(t, rerr)
	assert.Equal(t, true, res["found"])
	status := res["status"].(map[string]any)
	assert.Equal(t, true, status["connected"])

	res, rerr = f.call(t, nil, "channel_status", map[string]any{"channel_id": "ghost"})
	require.Nil(t, rerr, "unknown channel is a result, not an error")
	assert.Equal(t, false, res["found"])

	res, rerr = f.call(t, nil, "channel_send", map[string]any{"channel_id": "local", "peer_id": "bob", "text": "hello"})
	require.Nil(t, rerr)
	assert.Equal(t, true, res["sent"])
	require.Len(t, lb.Sent(), 1)
	assert.Equal(t, "hello", lb.Sent()[0].Text)

	_, rerr = f.call(t, nil, "channel_send", map[string]any{"channel_id": "ghost"})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)

	_, rerr = f.call(t, nil, "channel_send", map[string]any{"channel_id": "local", "text": 12})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)
}

func TestInitChannels(t *testing.T) {
	f := newFixture(t, nil)

	f.channels.SetConfig(map[string]config.ChannelConfig{"a": {Type: "loopback"}, "b": {Type: "loopback"}})
	res, rerr := f.call(t, nil, "init_channels", nil)
	require.Nil(t, rerr)
	assert.Equal(t, []any{"a", "b"}, res["channels"])

	f.channels.SetConfig(map[string]config.ChannelConfig{"x": {Type: "carrier-pigeon"}})
	_, rerr = f.call(t, nil, "init_channels", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInternalError, rerr.Code)

	noChannels := newFixture(t, func(o *Options) { o.Channels = nil })
	_, rerr = noChannels.call(t, nil, "init_channels", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInternalError, rerr.Code)
}

func TestSessionCreateAndGet(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, rerr := f.call(t, nil, "session_create", map[string]any{"channel": "telegram", "user_id": "u1"})
	require.Nil(t, rerr)
	id := res["session_id"].(string)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, "agent:main:main", res["session_key"])
	assert.Equal(t, true, res["persisted"])

	got, rerr := f.call(t, nil, "session_get", map[string]any{"session_id": id})
	require.Nil(t, rerr)
	assert.Equal(t, "telegram", got["channel"])
	assert.Equal(t, true, got["live"])

	persisted, err := f.store.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "agent:main:main", persisted.Key)

	// legacy key is canonicalized, agent taken from the key
	res, rerr = f.call(t, nil, "session_create", map[string]any{"session_key": "agent:Helper:Main"})
	require.Nil(t, rerr)
	assert.Equal(t, "agent:helper:main", res["session_key"])
	assert.Equal(t, "helper", res["agent_id"])

	_, rerr = f.call(t, nil, "session_create", map[string]any{"session_key": "agent:"})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)

	// a bound connection's key is the default
	c := newClient("agent:main:direct:bob", "agent:main:direct:bob", 4, nil)
	res, rerr = f.call(t, c, "session_create", nil)
	require.Nil(t, rerr)
	assert.Equal(t, "agent:main:direct:bob", res["session_key"])

	// persisted-only sessions are found too
	old := store.Session{ID: uuid.NewString(), Key: "agent:main:main", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, f.store.SaveSession(ctx, &old))
	got, rerr = f.call(t, nil, "session_get", map[string]any{"session_id": old.ID})
	require.Nil(t, rerr)
	assert.Equal(t, false, got["live"])

	_, rerr = f.call(t, nil, "session_get", map[string]any{"session_id": uuid.NewString()})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)
	assert.Equal(t, "session not found", rerr.Message)
}

func TestSessionCreateSurvivesStoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Close())

	res, rerr := f.call(t, nil, "session_create", nil)
	require.Nil(t, rerr)
	assert.Equal(t, false, res["persisted"])

	_, rerr = f.call(t, nil, "session_get", map[string]any{"session_id": res["session_id"]})
	assert.Nil(t, rerr, "live session still resolvable")
}

func TestLiveSessionsEvictPersistedFirst(t *testing.T) {
	base := time.Now()
	at := func(id string, offset time.Duration) store.Session {
		return store.Session{ID: id, UpdatedAt: base.Add(offset)}
	}
	live := newLiveSessions(3)
	live.put(at("a", 0), true)
	live.put(at("b", -time.Hour), false)
	live.put(at("c", time.Second), true)

	steps := []struct {
		put     store.Session
		evicted string
	}{
		{at("d", 2*time.Second), "a"},
		{at("e", 3*time.Second), "c"},
		{at("f", 4*time.Second), "b"},
	}
	for _, step := range steps {
		live.put(step.put, false)
		_, ok := live.get(step.evicted)
		assert.False(t, ok, "%s should be evicted when %s arrives", step.evicted, step.put.ID)
		assert.Equal(t, 3, live.count())
	}

	// replacing an existing id does not evict
	live.put(at("f", 5*time.Second), false)
	for _, id := range []string{"d", "e", "f"} {
		_, ok := live.get(id)
		assert.True(t, ok, id)
	}
}

func TestSessionCreateBoundsLiveIndex(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxLiveSessions = 2 })

	var ids []string
	for i := 0; i < 5; i++ {
		res, rerr := f.call(t, nil, "session_create", nil)
		require.Nil(t, rerr)
		require.Equal(t, true, res["persisted"])
		ids = append(ids, res["session_id"].(string))
	}
	assert.Equal(t, 2, f.srv.live.count())

	res, rerr := f.call(t, nil, "session_get", map[string]any{"session_id": ids[0]})
	require.Nil(t, rerr, "evicted session still served from the store")
	assert.Equal(t, false, res["live"])

	res, rerr = f.call(t, nil, "session_list", nil)
	require.Nil(t, rerr)
	assert.EqualValues(t, 5, res["total"])
}

func TestSessionListMergeLiveWins(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.UnixMilli(time.Now().UnixMilli())

	shared := uuid.NewString()
	// persisted copy is newer, live still wins
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{
		ID: shared, Key: "agent:main:stale", Channel: "telegram", CreatedAt: base, UpdatedAt: base.Add(time.Hour),
	}))
	f.srv.live.put(store.Session{ID: shared, Key: "agent:main:fresh", Channel: "telegram", CreatedAt: base, UpdatedAt: base}, false)

	other := uuid.NewString()
	require.NoError(t, f.store.SaveSession(ctx, &store.Session{
		ID: other, Key: "agent:main:other", Channel: "discord", CreatedAt: base, UpdatedAt: base.Add(time.Minute),
	}))

	res, rerr := f.call(t, nil, "session_list", nil)
	require.Nil(t, rerr)
	assert.EqualValues(t, 2, res["total"])
	sessions := res["sessions"].([]any)
	require.Len(t, sessions, 2)

	byID := map[string]map[string]any{}
	for _, s := range sessions {
		m := s.(map[string]any)
		byID[m["id"].(string)] = m
	}
	assert.Equal(t, "agent:main:fresh", byID[shared]["key"])
	assert.Equal(t, true, byID[shared]["live"])
	assert.Equal(t, false, byID[other]["live"])
	// most recent activity first
	assert.Equal(t, other, sessions[0].(map[string]any)["id"])

	res, _ = f.call(t, nil, "session_list", map[string]any{"channel": "discord"})
	assert.EqualValues(t, 1, res["total"])

	res, _ = f.call(t, nil, "session_list", map[string]any{"limit": 1, "offset": 1})
	assert.Len(t, res["sessions"].([]any), 1)
	assert.EqualValues(t, 2, res["total"])

	_, rerr = f.call(t, nil, "session_list", map[string]any{"limit": -1})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)
}

type failingStore struct{ *store.MemoryStore }

func (failingStore) ListSessions(context.Context, store.Filter) ([]store.Session, error) {
	return nil, errors.New("disk on fire")
}

func TestSessionListDegradesOnStoreError(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Store = failingStore{store.NewMemoryStore()} })
	f.srv.live.put(store.Session{ID: uuid.NewString(), Key: "agent:main:main", UpdatedAt: time.Now()}, false)

	res, rerr := f.call(t, nil, "session_list", nil)
	require.Nil(t, rerr)
	assert.Equal(t, true, res["degraded"])
	assert.EqualValues(t, 1, res["total"])
}

func TestSessionResolve(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name   string
		params map[string]any
		key    string
		parent string
	}{
		{"direct per channel peer", map[string]any{"channel": "telegram", "peer_id": "42"}, "agent:main:telegram:direct:42", ""},
		{"identity link", map[string]any{"channel": "discord", "peer_id": "Alice#1"}, "agent:main:discord:direct:alice", ""},
		{"group", map[string]any{"channel": "slack", "peer_kind": "group", "peer_id": "C1"}, "agent:main:slack:group:c1", ""},
		{"unknown kind falls back to group", map[string]any{"channel": "slack", "peer_kind": "forum", "peer_id": "c2"}, "agent:main:slack:group:c2", ""},
		{"thread", map[string]any{"channel": "slack", "peer_kind": "channel", "peer_id": "c3", "thread_id": "T9", "parent_key": "agent:main:slack:channel:c3"},
			"agent:main:slack:channel:c3:thread:t9", "agent:main:slack:channel:c3"},
		{"canonicalize key", map[string]any{"key": "Main"}, "agent:main:main", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, rerr := f.call(t, nil, "session_resolve", tt.params)
			require.Nil(t, rerr)
			assert.Equal(t, tt.key, res["session_key"])
			if tt.parent != "" {
				assert.Equal(t, tt.parent, res["parent_key"])
			}
			_, ok := sessionkey.ParseAgentKey(res["session_key"].(string))
			assert.True(t, ok)
		})
	}

	_, rerr := f.call(t, nil, "session_resolve", map[string]any{"key": "agent:x"})
	require.NotNil(t, rerr)
	assert.Equal(t, CodeInvalidParams, rerr.Code)
}

func TestSessionSettingsReadPerCall(t *testing.T) {
	var mu sync.Mutex
	current := SessionSettings{AgentID: "main", MainKey: "main", DmScope: sessionkey.DmScopePerChannelPeer}
	f := newFixture(t, func(o *Options) {
		o.Session = func() SessionSettings {
			mu.Lock()
			defer mu.Unlock()
			return current
		}
	})
	params := map[string]any{"channel": "telegram", "peer_id": "42"}

	res, rerr := f.call(t, nil, "session_resolve", params)
	require.Nil(t, rerr)
	assert.Equal(t, "agent:main:telegram:direct:42", res["session_key"])

	mu.Lock()
	current = SessionSettings{AgentID: "Helper", MainKey: "Home", DmScope: sessionkey.DmScopePerChannelPeer}
	mu.Unlock()

	res, rerr = f.call(t, nil, "session_resolve", params)
	require.Nil(t, rerr)
	assert.Equal(t, "agent:helper:telegram:direct:42", res["session_key"])

	res, rerr = f.call(t, nil, "session_create", nil)
	require.Nil(t, rerr)
	assert.Equal(t, "agent:helper:home", res["session_key"])
}

func TestHeartbeatStatus(t *testing.T) {
	f := newFixture(t, nil)
	res, rerr := f.call(t, nil, "heartbeat_status", nil)
	require.Nil(t, rerr)
	assert.Equal(t, string(heartbeat.StatusDegraded), res["overall"])
	assert.Len(t, res["targets"].([]any), 2)

	empty := newFixture(t, func(o *Options) { o.Health = nil })
	res, _ = empty.call(t, nil, "heartbeat_status", nil)
	assert.Equal(t, []any{}, res["targets"])
}

func TestPerConnectionRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	c := newClient("c1", "", 4, rate.NewLimiter(rate.Every(time.Hour), 2))

	for i := 0; i < 2; i++ {
		_, rerr := f.call(t, c, "ping", nil)
		require.Nil(t, rerr)
	}
	_, rerr := f.call(t, c, "ping", nil)
	require.NotNil(t, rerr)
	assert.Equal(t, CodeRateLimited, rerr.Code)

	// other connections are unaffected
	other := newClient("c2", "", 4, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, rerr = f.call(t, other, "ping", nil)
	assert.Nil(t, rerr)
}

func TestDispatchRecordsMetrics(t *testing.T) {
	f := newFixture(t, nil)

	_, rerr := f.call(t, nil, "ping", nil)
	require.Nil(t, rerr)
	_, rerr = f.call(t, nil, "channel_status", map[string]any{})
	require.NotNil(t, rerr)
	_, rerr = f.call(t, nil, "does_not_exist", nil)
	require.NotNil(t, rerr)

	out, rerr := f.call(t, nil, "metrics", nil)
	require.Nil(t, rerr)

	outcomes := map[string]map[string]any{}
	for _, raw := range out["metrics"].([]any) {
		m := raw.(map[string]any)
		if m["type"] == "outcome" {
			outcomes[m["path"].(string)] = m["data"].(map[string]any)["outcomes"].(map[string]any)
		}
	}
	assert.EqualValues(t, 1, outcomes["rpc/ping"]["ok"])
	assert.EqualValues(t, 1, outcomes["rpc/channel_status"]["-32602"])
	assert.EqualValues(t, 1, outcomes["rpc/unknown"]["-32601"])
}
