package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

// Route is where an inbound channel message lands.
type Route struct {
	SessionKey string
	ParentKey  string
}

// ResolveRoute derives the session key for msg under cfg's DM scope,
// identity links and thread settings. An unknown peer kind is treated as
// a group.
func ResolveRoute(cfg *config.Config, msg channels.Message) Route {
	kind, ok := sessionkey.ParsePeerKind(msg.PeerKind)
	if !ok && msg.PeerKind == "" {
		kind = sessionkey.PeerDirect
	}
	scope, _ := sessionkey.ParseDmScope(cfg.Session.DmScope)

	peerID := msg.PeerID
	if kind != sessionkey.PeerDirect && msg.ChatID != "" {
		peerID = msg.ChatID
	}

	base := sessionkey.BuildPeerKey(sessionkey.PeerParams{
		AgentID:   cfg.Agents.Defaults.ID,
		MainKey:   cfg.Agents.Defaults.MainKey,
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		Kind:      kind,
		PeerID:    peerID,
		Links:     sessionkey.IdentityLinks(cfg.Session.IdentityLinks),
		DmScope:   scope,
	})
	keys := sessionkey.ResolveThreadKey(base, msg.ThreadID, "", cfg.Session.UseThreadSuffix())
	parent := keys.ParentKey
	if parent == "" && keys.SessionKey != base {
		parent = base
	}
	return Route{SessionKey: keys.SessionKey, ParentKey: parent}
}

// SessionSettings projects cfg onto the gateway's session key inputs.
func SessionSettings(cfg *config.Config) gateway.SessionSettings {
	scope, _ := sessionkey.ParseDmScope(cfg.Session.DmScope)
	return gateway.SessionSettings{
		AgentID:       cfg.Agents.Defaults.ID,
		MainKey:       cfg.Agents.Defaults.MainKey,
		DmScope:       scope,
		IdentityLinks: sessionkey.IdentityLinks(cfg.Session.IdentityLinks),
		ThreadSuffix:  cfg.Session.UseThreadSuffix(),
	}
}

// sessionSettings reads the active config on every call.
func (a *App) sessionSettings() gateway.SessionSettings {
	return SessionSettings(a.Config())
}

// routeInbound is the channel manager's message handler: it resolves the
// session, records the activity and pushes the message to the connection
// bound to that session, if any.
func (a *App) routeInbound(ctx context.Context, msg channels.Message) {
	cfg := a.Config()
	route := ResolveRoute(cfg, msg)

	a.metrics.Inc("channels", "inbound")
	if _, err := a.touchSession(ctx, cfg, route.SessionKey, msg); err != nil {
		a.metrics.Inc("store", "session_errors")
		L_warn("app: session update failed", "key", route.SessionKey, "channel", msg.Channel, "error", err)
	}

	delivered := a.server.DeliverToSession(route.SessionKey, gateway.Event{
		Event: bus.TopicChannelMessage,
		Params: map[string]any{
			"session_key": route.SessionKey,
			"parent_key":  route.ParentKey,
			"message":     msg,
		},
	})
	outcome := "no_connection"
	if delivered {
		outcome = metrics.OutcomeOK
	}
	a.metrics.RecordOutcome("channels", "delivery", outcome)
	L_trace("app: inbound routed", "key", route.SessionKey, "channel", msg.Channel, "delivered", delivered)
}

// touchSession creates the session for key on first contact and bumps its
// activity afterwards.
func (a *App) touchSession(ctx context.Context, cfg *config.Config, key string, msg channels.Message) (*store.Session, error) {
	now := time.Now().UTC()
	sess, err := a.store.GetSessionByKey(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		agentID := cfg.Agents.Defaults.ID
		if p, ok := sessionkey.ParseAgentKey(key); ok {
			agentID = p.AgentID
		}
		sess = &store.Session{
			ID:        uuid.NewString(),
			Key:       key,
			AgentID:   sessionkey.NormalizeAgentID(agentID),
			Channel:   msg.Channel,
			UserID:    msg.PeerID,
			ChatID:    msg.ChatID,
			CreatedAt: now,
		}
	case err != nil:
		return nil, err
	}
	sess.UpdatedAt = now
	sess.MessageCount++
	if err := a.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func sortedChannels(m map[string]config.ChannelConfig) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
