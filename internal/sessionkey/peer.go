package sessionkey

import (
	"sort"
	"strings"
)

// PeerKind is the closed set of conversation kinds a channel reports.
type PeerKind uint8

const (
	PeerDirect PeerKind = iota
	PeerGroup
	PeerChannel
)

func (k PeerKind) String() string {
	switch k {
	case PeerDirect:
		return "direct"
	case PeerGroup:
		return "group"
	case PeerChannel:
		return "channel"
	}
	return "group"
}

// ParsePeerKind accepts direct (alias dm), group and channel. Anything else
// is rejected; callers usually fall back to PeerGroup.
func ParsePeerKind(s string) (PeerKind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct", "dm":
		return PeerDirect, true
	case "group":
		return PeerGroup, true
	case "channel":
		return PeerChannel, true
	}
	return PeerGroup, false
}

// DmScope controls how direct messages are partitioned into sessions.
type DmScope uint8

const (
	DmScopeMain DmScope = iota
	DmScopePerPeer
	DmScopePerChannelPeer
	DmScopePerAccountChannelPeer
)

func (s DmScope) String() string {
	switch s {
	case DmScopePerPeer:
		return "per-peer"
	case DmScopePerChannelPeer:
		return "per-channel-peer"
	case DmScopePerAccountChannelPeer:
		return "per-account-channel-peer"
	}
	return "main"
}

// ParseDmScope parses a config value. Empty means DmScopeMain.
func ParseDmScope(s string) (DmScope, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "main":
		return DmScopeMain, true
	case "per-peer":
		return DmScopePerPeer, true
	case "per-channel-peer":
		return DmScopePerChannelPeer, true
	case "per-account-channel-peer":
		return DmScopePerAccountChannelPeer, true
	}
	return DmScopeMain, false
}

// IdentityLinks maps a canonical peer name to the ids it aliases. An alias
// is either <channel>:<peerId> or a bare <peerId>.
type IdentityLinks map[string][]string

// PeerParams are the inputs to BuildPeerKey.
type PeerParams struct {
	AgentID   string
	MainKey   string
	Channel   string
	AccountID string
	Kind      PeerKind
	PeerID    string
	Links     IdentityLinks
	DmScope   DmScope
}

// ResolveLinkedPeerID returns the canonical name that peerID (on channel)
// is linked to, or "" when no link matches. Matching is case-insensitive.
func ResolveLinkedPeerID(links IdentityLinks, channel, peerID string) string {
	if len(links) == 0 {
		return ""
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return ""
	}

	candidates := map[string]bool{strings.ToLower(peerID): true}
	if ch := strings.ToLower(strings.TrimSpace(channel)); ch != "" {
		candidates[ch+":"+strings.ToLower(peerID)] = true
	}

	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		canonical := strings.TrimSpace(name)
		if canonical == "" {
			continue
		}
		for _, id := range links[name] {
			if candidates[strings.ToLower(strings.TrimSpace(id))] {
				return canonical
			}
		}
	}
	return ""
}

// BuildPeerKey derives the session key for a message from a peer.
//
// Direct messages follow the DM scope: main collapses everything onto the
// agent's main key, the other scopes add the peer id and, progressively,
// the channel and account. Identity links are applied first for non-main
// scopes. Groups and channels always get agent:<a>:<channel>:<kind>:<peer>.
func BuildPeerKey(p PeerParams) string {
	agent := NormalizeAgentID(p.AgentID)

	switch p.Kind {
	case PeerDirect:
		if p.DmScope == DmScopeMain {
			return BuildMainKey(agent, p.MainKey)
		}
		peerID := strings.TrimSpace(p.PeerID)
		if linked := ResolveLinkedPeerID(p.Links, p.Channel, peerID); linked != "" {
			peerID = linked
		}
		peerID = normalizeToken(peerID)
		if peerID == "" {
			return BuildMainKey(agent, p.MainKey)
		}
		switch p.DmScope {
		case DmScopePerAccountChannelPeer:
			return "agent:" + agent + ":" + channelOrUnknown(p.Channel) + ":" +
				NormalizeAccountID(p.AccountID) + ":direct:" + peerID
		case DmScopePerChannelPeer:
			return "agent:" + agent + ":" + channelOrUnknown(p.Channel) + ":direct:" + peerID
		default:
			return "agent:" + agent + ":direct:" + peerID
		}

	case PeerGroup, PeerChannel:
		peerID := normalizeToken(p.PeerID)
		if peerID == "" {
			peerID = unknown
		}
		return "agent:" + agent + ":" + channelOrUnknown(p.Channel) + ":" + p.Kind.String() + ":" + peerID
	}

	return BuildPeerKey(PeerParams{
		AgentID: p.AgentID,
		MainKey: p.MainKey,
		Channel: p.Channel,
		Kind:    PeerGroup,
		PeerID:  p.PeerID,
	})
}

func channelOrUnknown(channel string) string {
	if ch := normalizeToken(channel); ch != "" {
		return ch
	}
	return unknown
}
