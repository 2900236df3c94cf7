// Package sessionkey implements the routing identity scheme shared by the
// gateway, the channel pumps, the store and the cron service.
//
// A session key is a plain string of the form agent:<agentId>:<rest>. The
// rest encodes the conversation scope: the agent's main key, a direct
// message scope, a group or channel scope, nested subagents, a cron run or
// an ACP request, optionally followed by :thread:<threadId>. Everything in
// this package is pure; malformed input is normalized or reported, never
// panicked on.
package sessionkey

import (
	"errors"
	"regexp"
	"strings"
)

const (
	DefaultAgentID   = "main"
	DefaultMainKey   = "main"
	DefaultAccountID = "default"

	maxIDLength = 64
	unknown     = "unknown"
)

// ErrMalformedKey is returned when a key starts with agent: but does not
// carry both an agent id and a remainder.
var ErrMalformedKey = errors.New("malformed session key")

var (
	validIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidRunRe = regexp.MustCompile(`[^a-z0-9_-]+`)
)

// normalizeID applies the id rules: lower-case, [a-z0-9_-] only, invalid
// runs collapsed to "-", dashes trimmed at both ends, at most 64 chars.
func normalizeID(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	if validIDRe.MatchString(s) {
		return s
	}
	s = invalidRunRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxIDLength {
		s = strings.TrimRight(s[:maxIDLength], "-")
	}
	if s == "" {
		return fallback
	}
	return s
}

// NormalizeAgentID normalizes an agent id, defaulting to "main".
func NormalizeAgentID(raw string) string {
	return normalizeID(raw, DefaultAgentID)
}

// NormalizeAccountID normalizes a channel account id, defaulting to "default".
func NormalizeAccountID(raw string) string {
	return normalizeID(raw, DefaultAccountID)
}

// NormalizeMainKey normalizes the configured main key, defaulting to "main".
func NormalizeMainKey(raw string) string {
	return normalizeID(raw, DefaultMainKey)
}

// normalizeToken lower-cases and trims a free-form segment such as a
// channel name, peer id or thread id. Colons are kept out so the segment
// can't forge extra path components.
func normalizeToken(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), ":", "_")
}

// Parsed is the result of ParseAgentKey.
type Parsed struct {
	AgentID string
	Rest    string
}

// ParseAgentKey splits agent:<agentId>:<rest>. Empty segments are ignored,
// so agent::main does not parse.
func ParseAgentKey(raw string) (Parsed, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Parsed{}, false
	}
	parts := make([]string, 0, 4)
	for _, p := range strings.Split(raw, ":") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 3 || !strings.EqualFold(parts[0], "agent") {
		return Parsed{}, false
	}
	agentID := strings.TrimSpace(parts[1])
	rest := strings.Join(parts[2:], ":")
	if agentID == "" || rest == "" {
		return Parsed{}, false
	}
	return Parsed{AgentID: agentID, Rest: rest}, true
}

// Shape classifies a raw key.
type Shape int

const (
	ShapeMissing Shape = iota
	ShapeAgent
	ShapeMalformedAgent
	ShapeLegacyOrAlias
)

func (s Shape) String() string {
	switch s {
	case ShapeMissing:
		return "missing"
	case ShapeAgent:
		return "agent"
	case ShapeMalformedAgent:
		return "malformed_agent"
	case ShapeLegacyOrAlias:
		return "legacy_or_alias"
	}
	return "invalid"
}

// ClassifyShape reports which of the four key shapes raw has.
func ClassifyShape(raw string) Shape {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ShapeMissing
	}
	if _, ok := ParseAgentKey(raw); ok {
		return ShapeAgent
	}
	if strings.HasPrefix(strings.ToLower(raw), "agent:") {
		return ShapeMalformedAgent
	}
	return ShapeLegacyOrAlias
}

// BuildMainKey returns agent:<agent>:<mainKey>. An empty mainKey uses "main".
func BuildMainKey(agentID, mainKey string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":" + NormalizeMainKey(mainKey)
}

// Canonicalize turns a client supplied key into agent form. Empty input and
// the bare main key map to the agent's main key, legacy keys are nested
// under the agent, and malformed agent keys are rejected.
func Canonicalize(agentID, mainKey, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	switch ClassifyShape(raw) {
	case ShapeMissing:
		return BuildMainKey(agentID, mainKey), nil
	case ShapeAgent:
		p, _ := ParseAgentKey(raw)
		return "agent:" + NormalizeAgentID(p.AgentID) + ":" + strings.ToLower(p.Rest), nil
	case ShapeMalformedAgent:
		return "", ErrMalformedKey
	}
	lowered := strings.ToLower(raw)
	if lowered == DefaultMainKey || lowered == NormalizeMainKey(mainKey) {
		return BuildMainKey(agentID, mainKey), nil
	}
	return "agent:" + NormalizeAgentID(agentID) + ":" + lowered, nil
}

// ThreadKeys is the result of ResolveThreadKey.
type ThreadKeys struct {
	SessionKey string
	ParentKey  string
}

// ResolveThreadKey appends :thread:<id> to baseKey when threadID is set and
// useSuffix is true. Without a thread id the parent is dropped; with one,
// parentKey is passed through unchanged.
func ResolveThreadKey(baseKey, threadID, parentKey string, useSuffix bool) ThreadKeys {
	threadID = normalizeToken(threadID)
	if threadID == "" {
		return ThreadKeys{SessionKey: baseKey}
	}
	key := baseKey
	if useSuffix {
		key = baseKey + ":thread:" + threadID
	}
	return ThreadKeys{SessionKey: key, ParentKey: parentKey}
}

// restOf returns the lower-cased remainder of an agent key, or the whole
// lower-cased key for other shapes.
func restOf(key string) string {
	if p, ok := ParseAgentKey(key); ok {
		return strings.ToLower(p.Rest)
	}
	return strings.ToLower(strings.TrimSpace(key))
}

// SubagentDepth counts subagent markers in the key's scope. Callers enforce
// any nesting limit.
func SubagentDepth(key string) int {
	rest := restOf(key)
	if rest == "" {
		return 0
	}
	depth := 0
	for _, seg := range strings.Split(rest, ":") {
		if seg == "subagent" {
			depth++
		}
	}
	return depth
}

// IsSubagentKey reports whether the key's scope is a subagent scope.
func IsSubagentKey(key string) bool {
	return strings.HasPrefix(restOf(key), "subagent:")
}

// IsCronKey reports whether the key's scope is a cron run.
func IsCronKey(key string) bool {
	return strings.HasPrefix(restOf(key), "cron:")
}

// IsAcpKey reports whether the key's scope is an ACP request.
func IsAcpKey(key string) bool {
	return strings.HasPrefix(restOf(key), "acp:")
}

// BuildSubagentKey nests childID under parentKey.
func BuildSubagentKey(parentKey, childID string) (string, error) {
	if _, ok := ParseAgentKey(parentKey); !ok {
		return "", ErrMalformedKey
	}
	child := normalizeID(childID, unknown)
	return strings.ToLower(strings.TrimSpace(parentKey)) + ":subagent:" + child, nil
}

// BuildCronRunKey returns agent:<agent>:cron:<job>:run:<run>.
func BuildCronRunKey(agentID, jobID, runID string) string {
	return "agent:" + NormalizeAgentID(agentID) +
		":cron:" + normalizeID(jobID, unknown) +
		":run:" + normalizeID(runID, unknown)
}

// BuildAcpKey returns agent:<agent>:acp:<requestId>.
func BuildAcpKey(agentID, requestID string) string {
	return "agent:" + NormalizeAgentID(agentID) + ":acp:" + normalizeID(requestID, unknown)
}
