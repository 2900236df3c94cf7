package gateway

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

type handlerFunc func(ctx context.Context, c *Client, params map[string]any) (any, *RPCError)

func (s *Server) buildMethods() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ping":             s.handlePing,
		"list_channels":    s.handleListChannels,
		"channel_status":   s.handleChannelStatus,
		"init_channels":    s.handleInitChannels,
		"channel_send":     s.handleChannelSend,
		"session_list":     s.handleSessionList,
		"session_create":   s.handleSessionCreate,
		"session_get":      s.handleSessionGet,
		"session_resolve":  s.handleSessionResolve,
		"heartbeat_status": s.handleHeartbeatStatus,
		"metrics":          s.handleMetricsSnapshot,
	}
}

// Dispatch handles one raw request frame. c may be nil for in-process
// callers; such calls skip the per-connection rate limit.
func (s *Server) Dispatch(ctx context.Context, c *Client, raw []byte) (resp Response) {
	req, id, perr := parseRequest(raw)
	if perr != nil {
		L_debug("gateway: bad request", "code", perr.Code, "error", perr.Message)
		s.opts.Metrics.RecordOutcome("rpc", "invalid", strconv.Itoa(perr.Code))
		return Response{Error: perr, ID: id}
	}
	resp.ID = req.ID

	method := req.Method
	if _, known := s.methods[method]; !known {
		method = "unknown"
	}
	defer func() {
		outcome := metrics.OutcomeOK
		if resp.Error != nil {
			outcome = strconv.Itoa(resp.Error.Code)
		}
		s.opts.Metrics.RecordOutcome("rpc", method, outcome)
	}()

	if c != nil && !c.limiter.Allow() {
		resp.Error = rpcErr(CodeRateLimited, "rate limit exceeded")
		return resp
	}

	h, ok := s.methods[req.Method]
	if !ok {
		resp.Error = rpcErr(CodeMethodNotFound, "method not found: %s", req.Method)
		return resp
	}
	if req.paramsErr != nil {
		resp.Error = req.paramsErr
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			L_error("gateway: method panicked", "method", req.Method, "panic", r)
			resp.Result = nil
			resp.Error = rpcErr(CodeInternalError, "internal error")
		}
	}()

	start := time.Now()
	result, rerr := h(ctx, c, req.Params)
	s.opts.Metrics.RecordDuration("rpc", req.Method, time.Since(start))
	if rerr != nil {
		L_debug("gateway: method failed", "method", req.Method, "code", rerr.Code, "error", rerr.Message)
		resp.Error = rerr
		return resp
	}
	L_trace("gateway: method ok", "method", req.Method, "duration", time.Since(start))
	resp.Result = result
	return resp
}

func (s *Server) handleMetricsSnapshot(_ context.Context, _ *Client, _ map[string]any) (any, *RPCError) {
	return map[string]any{"metrics": s.opts.Metrics.Snapshot()}, nil
}

func (s *Server) handlePing(_ context.Context, _ *Client, _ map[string]any) (any, *RPCError) {
	return map[string]any{
		"pong":      true,
		"timestamp": time.Now().UnixMilli(),
		"uptime_ms": s.Uptime().Milliseconds(),
	}, nil
}

func (s *Server) handleListChannels(_ context.Context, _ *Client, _ map[string]any) (any, *RPCError) {
	ids := []string{}
	if s.opts.Channels != nil {
		ids = append(ids, s.opts.Channels.List()...)
	}
	return map[string]any{"channels": ids}, nil
}

func (s *Server) handleChannelStatus(_ context.Context, _ *Client, params map[string]any) (any, *RPCError) {
	id, ok := stringParam(params, "channel_id")
	if !ok {
		return nil, rpcErr(CodeInvalidParams, "channel_id is required")
	}
	notFound := map[string]any{"channel_id": id, "found": false}
	if s.opts.Channels == nil {
		return notFound, nil
	}
	st, err := s.opts.Channels.Status(id)
	if errors.Is(err, channels.ErrUnknownChannel) {
		return notFound, nil
	}
	if err != nil {
		return nil, rpcErr(CodeInternalError, "channel status: %v", err)
	}
	return map[string]any{"channel_id": id, "found": true, "status": st}, nil
}

func (s *Server) handleInitChannels(ctx context.Context, _ *Client, _ map[string]any) (any, *RPCError) {
	if s.opts.Channels == nil {
		return nil, rpcErr(CodeInternalError, "channels unavailable")
	}
	if err := s.opts.Channels.Init(ctx); err != nil {
		L_warn("gateway: init_channels failed", "error", err)
		return nil, &RPCError{Code: CodeInternalError, Message: "channel initialization failed", Data: err.Error()}
	}
	return map[string]any{"channels": s.opts.Channels.List()}, nil
}

func (s *Server) handleChannelSend(ctx context.Context, _ *Client, params map[string]any) (any, *RPCError) {
	id, ok := stringParam(params, "channel_id")
	if !ok {
		return nil, rpcErr(CodeInvalidParams, "channel_id is required")
	}
	msg := channels.Message{ID: uuid.NewString(), Timestamp: time.Now()}
	for name, dst := range map[string]*string{
		"peer_id":   &msg.PeerID,
		"peer_kind": &msg.PeerKind,
		"chat_id":   &msg.ChatID,
		"thread_id": &msg.ThreadID,
		"text":      &msg.Text,
	} {
		v, rerr := optString(params, name)
		if rerr != nil {
			return nil, rerr
		}
		*dst = v
	}
	if s.opts.Channels == nil {
		return nil, rpcErr(CodeInternalError, "channels unavailable")
	}

	err := s.opts.Channels.Send(ctx, id, msg)
	if errors.Is(err, channels.ErrUnknownChannel) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "channel not found", Data: map[string]any{"channel_id": id}}
	}
	if err != nil {
		return nil, rpcErr(CodeInternalError, "send failed: %v", err)
	}
	return map[string]any{"sent": true, "message_id": msg.ID}, nil
}

type sessionSummary struct {
	store.Session
	Live bool `json:"live"`
}

func (s *Server) handleSessionList(ctx context.Context, _ *Client, params map[string]any) (any, *RPCError) {
	var f store.Filter
	var rerr *RPCError
	if f.Channel, rerr = optString(params, "channel"); rerr != nil {
		return nil, rerr
	}
	if f.User, rerr = optString(params, "user"); rerr != nil {
		return nil, rerr
	}
	if f.Chat, rerr = optString(params, "chat"); rerr != nil {
		return nil, rerr
	}
	limit, rerr := optInt(params, "limit")
	if rerr != nil {
		return nil, rerr
	}
	offset, rerr := optInt(params, "offset")
	if rerr != nil {
		return nil, rerr
	}

	var live []store.Session
	for _, sess := range s.live.list() {
		if matchFilter(sess, f) {
			live = append(live, sess)
		}
	}

	degraded := false
	var persisted []store.Session
	if s.opts.Store != nil {
		var err error
		persisted, err = s.opts.Store.ListSessions(ctx, f)
		if err != nil {
			L_warn("gateway: session store list failed", "error", err)
			degraded = true
			persisted = nil
		}
	}

	liveIDs := make(map[string]struct{}, len(live))
	for _, sess := range live {
		liveIDs[sess.ID] = struct{}{}
	}

	merged := mergeSessions(live, persisted)
	total := len(merged)
	paged := pageSessions(merged, offset, limit)

	out := make([]sessionSummary, len(paged))
	for i, sess := range paged {
		_, isLive := liveIDs[sess.ID]
		out[i] = sessionSummary{Session: sess, Live: isLive}
	}
	result := map[string]any{"sessions": out, "total": total}
	if degraded {
		result["degraded"] = true
	}
	return result, nil
}

func (s *Server) handleSessionCreate(ctx context.Context, c *Client, params map[string]any) (any, *RPCError) {
	fields := map[string]string{}
	for _, name := range []string{"session_key", "agent_id", "channel", "user_id", "chat_id"} {
		v, rerr := optString(params, name)
		if rerr != nil {
			return nil, rerr
		}
		fields[name] = v
	}

	ss := s.sessionSettings()
	agent := ss.AgentID
	if fields["agent_id"] != "" {
		agent = sessionkey.NormalizeAgentID(fields["agent_id"])
	}

	var key string
	switch {
	case fields["session_key"] != "":
		canon, err := sessionkey.Canonicalize(agent, ss.MainKey, fields["session_key"])
		if err != nil {
			return nil, rpcErr(CodeInvalidParams, "invalid session_key")
		}
		key = canon
	case c != nil && c.SessionKey != "":
		key = c.SessionKey
	default:
		key = sessionkey.BuildMainKey(agent, ss.MainKey)
	}
	if parsed, ok := sessionkey.ParseAgentKey(key); ok {
		agent = parsed.AgentID
	}

	now := time.Now()
	sess := store.Session{
		ID:        uuid.NewString(),
		Key:       key,
		AgentID:   agent,
		Channel:   fields["channel"],
		UserID:    fields["user_id"],
		ChatID:    fields["chat_id"],
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.live.put(sess, false)

	persisted := false
	if s.opts.Store != nil {
		if err := s.opts.Store.SaveSession(ctx, &sess); err != nil {
			L_warn("gateway: session persist failed", "session", sess.ID, "error", err)
		} else {
			persisted = true
			s.live.markPersisted(sess.ID)
		}
	}

	L_debug("gateway: session created", "session", sess.ID, "key", key)
	return map[string]any{
		"session_id":  sess.ID,
		"session_key": key,
		"agent_id":    agent,
		"created_at":  now,
		"persisted":   persisted,
	}, nil
}

func (s *Server) handleSessionGet(ctx context.Context, _ *Client, params map[string]any) (any, *RPCError) {
	id, ok := stringParam(params, "session_id")
	if !ok {
		return nil, rpcErr(CodeInvalidParams, "session_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, rpcErr(CodeInvalidParams, "invalid session_id format")
	}

	if sess, ok := s.live.get(id); ok {
		return sessionSummary{Session: sess, Live: true}, nil
	}
	if s.opts.Store != nil {
		sess, err := s.opts.Store.GetSession(ctx, id)
		if err == nil {
			return sessionSummary{Session: *sess}, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, rpcErr(CodeInternalError, "session lookup failed")
		}
	}
	return nil, &RPCError{Code: CodeInvalidParams, Message: "session not found", Data: map[string]any{"session_id": id}}
}

// handleSessionResolve derives a session key. With "key" it canonicalizes
// an existing key; otherwise it builds a peer key from channel/peer params
// under the configured DM scope and identity links.
func (s *Server) handleSessionResolve(_ context.Context, _ *Client, params map[string]any) (any, *RPCError) {
	str := map[string]string{}
	for _, name := range []string{"key", "agent_id", "channel", "account_id", "peer_kind", "peer_id", "thread_id", "parent_key"} {
		v, rerr := optString(params, name)
		if rerr != nil {
			return nil, rerr
		}
		str[name] = v
	}

	ss := s.sessionSettings()
	agent := ss.AgentID
	if str["agent_id"] != "" {
		agent = sessionkey.NormalizeAgentID(str["agent_id"])
	}

	if raw := str["key"]; raw != "" {
		shape := sessionkey.ClassifyShape(raw)
		canon, err := sessionkey.Canonicalize(agent, ss.MainKey, raw)
		if err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "malformed session key", Data: map[string]any{"shape": shape.String()}}
		}
		return map[string]any{"session_key": canon, "shape": shape.String()}, nil
	}

	kind := sessionkey.PeerDirect
	if str["peer_kind"] != "" {
		k, ok := sessionkey.ParsePeerKind(str["peer_kind"])
		if !ok {
			L_debug("gateway: unknown peer kind, using group", "kind", str["peer_kind"])
		}
		kind = k
	}

	base := sessionkey.BuildPeerKey(sessionkey.PeerParams{
		AgentID:   agent,
		MainKey:   ss.MainKey,
		Channel:   str["channel"],
		AccountID: str["account_id"],
		Kind:      kind,
		PeerID:    str["peer_id"],
		Links:     ss.IdentityLinks,
		DmScope:   ss.DmScope,
	})
	keys := sessionkey.ResolveThreadKey(base, str["thread_id"], str["parent_key"], ss.ThreadSuffix)

	result := map[string]any{
		"session_key": keys.SessionKey,
		"peer_kind":   kind.String(),
		"dm_scope":    ss.DmScope.String(),
	}
	if keys.ParentKey != "" {
		result["parent_key"] = keys.ParentKey
	}
	return result, nil
}

func (s *Server) handleHeartbeatStatus(_ context.Context, _ *Client, _ map[string]any) (any, *RPCError) {
	reports := []heartbeat.Report{}
	if s.opts.Health != nil {
		reports = append(reports, s.opts.Health()...)
	}
	return map[string]any{
		"overall": heartbeat.Overall(reports),
		"targets": reports,
	}, nil
}

// Uptime reports how long the server has been listening.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}
