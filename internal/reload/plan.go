// Package reload decides what a config change requires and drives the
// file watcher that applies it.
package reload

import (
	"reflect"
	"sort"
	"strings"
)

// RootPath is reported when the snapshots differ at the top level.
const RootPath = "<root>"

// DiffPaths returns the sorted dot paths of every leaf that differs
// between prev and next. Objects are compared key by key; arrays and
// scalars are compared whole.
func DiffPaths(prev, next any) []string {
	var out []string
	diffInto(prev, next, "", &out)
	sort.Strings(out)
	return out
}

func diffInto(prev, next any, prefix string, out *[]string) {
	if reflect.DeepEqual(prev, next) {
		return
	}

	pm, pok := prev.(map[string]any)
	nm, nok := next.(map[string]any)
	if pok && nok {
		keys := make(map[string]struct{}, len(pm)+len(nm))
		for k := range pm {
			keys[k] = struct{}{}
		}
		for k := range nm {
			keys[k] = struct{}{}
		}
		for k := range keys {
			child := k
			if prefix != "" {
				child = prefix + "." + k
			}
			diffInto(pm[k], nm[k], child, out)
		}
		return
	}

	if prefix == "" {
		prefix = RootPath
	}
	*out = append(*out, prefix)
}

// ActionKind names a hot-reload side effect.
type ActionKind string

const (
	ActionReloadHooks           ActionKind = "reload-hooks"
	ActionRestartBrowserControl ActionKind = "restart-browser-control"
	ActionRestartCron           ActionKind = "restart-cron"
	ActionRestartHeartbeat      ActionKind = "restart-heartbeat"
	ActionRestartChannel        ActionKind = "restart-channel"
)

// Action is one hot-reload side effect. Channel is set only for
// ActionRestartChannel.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Channel string     `json:"channel,omitempty"`
}

func (a Action) String() string {
	if a.Kind == ActionRestartChannel {
		return string(a.Kind) + "(" + a.Channel + ")"
	}
	return string(a.Kind)
}

// Plan classifies a set of changed paths.
type Plan struct {
	ChangedPaths   []string `json:"changed_paths"`
	NoopPaths      []string `json:"noop_paths,omitempty"`
	HotPaths       []string `json:"hot_paths,omitempty"`
	Actions        []Action `json:"actions,omitempty"`
	Restart        bool     `json:"restart"`
	RestartReasons []string `json:"restart_reasons,omitempty"`
}

// Has reports whether the plan includes an action of the given kind.
func (p Plan) Has(kind ActionKind) bool {
	for _, a := range p.Actions {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Channels returns the channels the plan restarts.
func (p Plan) Channels() []string {
	var out []string
	for _, a := range p.Actions {
		if a.Kind == ActionRestartChannel {
			out = append(out, a.Channel)
		}
	}
	return out
}

type ruleKind int

const (
	ruleNoop ruleKind = iota
	ruleHot
	ruleRestart
)

type rule struct {
	prefix string
	kind   ruleKind
	action ActionKind
}

// rules are matched in order; the first exact or "prefix." match wins.
var rules = []rule{
	{prefix: "gateway.remote", kind: ruleNoop},
	{prefix: "gateway.reload", kind: ruleNoop},

	{prefix: "hooks", kind: ruleHot, action: ActionReloadHooks},
	{prefix: "heartbeat", kind: ruleHot, action: ActionRestartHeartbeat},
	{prefix: "agents.defaults.heartbeat", kind: ruleHot, action: ActionRestartHeartbeat},
	{prefix: "agent.heartbeat", kind: ruleHot, action: ActionRestartHeartbeat},
	{prefix: "cron", kind: ruleHot, action: ActionRestartCron},
	{prefix: "browser", kind: ruleHot, action: ActionRestartBrowserControl},

	{prefix: "meta", kind: ruleNoop},
	{prefix: "identity", kind: ruleNoop},
	{prefix: "wizard", kind: ruleNoop},
	{prefix: "logging", kind: ruleNoop},
	{prefix: "models", kind: ruleNoop},
	{prefix: "agents", kind: ruleNoop},
	{prefix: "tools", kind: ruleNoop},
	{prefix: "bindings", kind: ruleNoop},
	{prefix: "audio", kind: ruleNoop},
	{prefix: "agent", kind: ruleNoop},
	{prefix: "routing", kind: ruleNoop},
	{prefix: "messages", kind: ruleNoop},
	{prefix: "session", kind: ruleNoop},
	{prefix: "talk", kind: ruleNoop},
	{prefix: "skills", kind: ruleNoop},
	{prefix: "ui", kind: ruleNoop},

	{prefix: "plugins", kind: ruleRestart},
	{prefix: "gateway", kind: ruleRestart},
	{prefix: "discovery", kind: ruleRestart},
	{prefix: "canvasHost", kind: ruleRestart},
}

func matches(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+".")
}

// BuildReloadPlan classifies changed paths. A path no rule recognises
// requires a restart.
func BuildReloadPlan(paths []string) Plan {
	plan := Plan{ChangedPaths: append([]string(nil), paths...)}
	seen := make(map[Action]bool)

	addAction := func(a Action) {
		if !seen[a] {
			seen[a] = true
			plan.Actions = append(plan.Actions, a)
		}
	}
	requireRestart := func(path string) {
		plan.Restart = true
		plan.RestartReasons = append(plan.RestartReasons, path)
	}

	for _, path := range paths {
		if name, ok := channelName(path); ok {
			plan.HotPaths = append(plan.HotPaths, path)
			addAction(Action{Kind: ActionRestartChannel, Channel: name})
			continue
		}
		if path == "channels" {
			requireRestart(path)
			continue
		}

		matched := false
		for _, r := range rules {
			if !matches(path, r.prefix) {
				continue
			}
			matched = true
			switch r.kind {
			case ruleNoop:
				plan.NoopPaths = append(plan.NoopPaths, path)
			case ruleHot:
				plan.HotPaths = append(plan.HotPaths, path)
				addAction(Action{Kind: r.action})
			case ruleRestart:
				requireRestart(path)
			}
			break
		}
		if !matched {
			requireRestart(path)
		}
	}
	return plan
}

// channelName extracts <name> from channels.<name>[.…].
func channelName(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "channels.")
	if !ok || rest == "" {
		return "", false
	}
	name, _, _ := strings.Cut(rest, ".")
	return name, name != ""
}
