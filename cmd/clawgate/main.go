package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/roelfdiedericks/clawgate/internal/app"
	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/config"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/paths"
	"github.com/roelfdiedericks/clawgate/internal/reload"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
)

var version = "0.1.0"

// CLI is the command tree.
type CLI struct {
	Debug bool `help:"Enable debug logging" short:"d"`
	Trace bool `help:"Enable trace logging" short:"t"`

	Serve        ServeCmd        `cmd:"" default:"withargs" help:"Run the gateway"`
	Init         InitCmd         `cmd:"" help:"Write a default config file"`
	Version      VersionCmd      `cmd:"" help:"Show version"`
	Key          KeyCmd          `cmd:"" help:"Session key tools"`
	Plan         PlanCmd         `cmd:"" help:"Show the reload plan between two config files"`
	HashPassword HashPasswordCmd `cmd:"" name:"hash-password" help:"Hash a password for gateway.auth.password"`
}

// ServeCmd runs the gateway until interrupted.
type ServeCmd struct {
	Config string `help:"Config file (default: ./clawgate.* then ~/.clawgate/)" short:"c" type:"path"`
}

func (s *ServeCmd) Run(ctx *Context) error {
	path := s.Config
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return err
		}
		path = found
	}
	if path == "" {
		L_warn("no config file found, running on defaults without reload")
	} else {
		L_info("using config", "path", path)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(sigCtx, path); err != nil {
		L_fatal("clawgate: %v", err)
	}
	return nil
}

// InitCmd writes the default configuration.
type InitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination (default: ~/.clawgate/clawgate.json)" type:"path"`
	Force bool   `help:"Overwrite an existing file" short:"f"`
}

func (i *InitCmd) Run(ctx *Context) error {
	path := i.Path
	if path == "" {
		p, err := paths.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil && !i.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return err
	}
	if err := config.WriteFile(path, config.Defaults(), 0); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("clawgate %s\n", version)
	return nil
}

// KeyCmd groups the session key tools.
type KeyCmd struct {
	Build KeyBuildCmd `cmd:"" help:"Derive the session key for a peer"`
	Parse KeyParseCmd `cmd:"" help:"Classify and canonicalize a key"`
}

type KeyBuildCmd struct {
	Agent   string   `help:"Agent id" default:"main"`
	MainKey string   `help:"Main key" default:"main" name:"main-key"`
	Channel string   `help:"Channel name" short:"C"`
	Account string   `help:"Account id"`
	Kind    string   `help:"Peer kind: direct, group or channel" default:"direct"`
	Peer    string   `help:"Peer id" short:"p"`
	Scope   string   `help:"DM scope: main, per-peer, per-channel-peer, per-account-channel-peer" default:"main"`
	Thread  string   `help:"Thread id"`
	Link    []string `help:"Identity link as name=channel:peer (repeatable)"`
}

func (k *KeyBuildCmd) Run(ctx *Context) error {
	kind, ok := sessionkey.ParsePeerKind(k.Kind)
	if !ok {
		L_warn("unknown peer kind, using group", "kind", k.Kind)
	}
	scope, ok := sessionkey.ParseDmScope(k.Scope)
	if !ok {
		return fmt.Errorf("unknown dm scope %q", k.Scope)
	}
	links, err := parseLinks(k.Link)
	if err != nil {
		return err
	}

	base := sessionkey.BuildPeerKey(sessionkey.PeerParams{
		AgentID:   k.Agent,
		MainKey:   k.MainKey,
		Channel:   k.Channel,
		AccountID: k.Account,
		Kind:      kind,
		PeerID:    k.Peer,
		Links:     links,
		DmScope:   scope,
	})
	keys := sessionkey.ResolveThreadKey(base, k.Thread, "", true)
	return printJSON(map[string]any{
		"session_key": keys.SessionKey,
		"parent_key":  keys.ParentKey,
	})
}

type KeyParseCmd struct {
	Key     string `arg:"" help:"Key to inspect"`
	Agent   string `help:"Agent id for legacy keys" default:"main"`
	MainKey string `help:"Main key" default:"main" name:"main-key"`
}

func (k *KeyParseCmd) Run(ctx *Context) error {
	out := map[string]any{
		"shape":    sessionkey.ClassifyShape(k.Key).String(),
		"subagent": sessionkey.IsSubagentKey(k.Key),
		"depth":    sessionkey.SubagentDepth(k.Key),
		"cron":     sessionkey.IsCronKey(k.Key),
		"acp":      sessionkey.IsAcpKey(k.Key),
	}
	if p, ok := sessionkey.ParseAgentKey(k.Key); ok {
		out["agent_id"] = sessionkey.NormalizeAgentID(p.AgentID)
		out["rest"] = p.Rest
	}
	canon, err := sessionkey.Canonicalize(k.Agent, k.MainKey, k.Key)
	if err != nil {
		out["error"] = err.Error()
	} else {
		out["canonical"] = canon
	}
	return printJSON(out)
}

// PlanCmd prints the reload plan for a change from Old to New.
type PlanCmd struct {
	Old string `arg:"" help:"Current config file" type:"existingfile"`
	New string `arg:"" help:"Changed config file" type:"existingfile"`
}

func (p *PlanCmd) Run(ctx *Context) error {
	prev, err := config.NewLoader(p.Old).ReadSnapshot()
	if err != nil {
		return err
	}
	next, err := config.NewLoader(p.New).ReadSnapshot()
	if err != nil {
		return err
	}
	return printJSON(reload.BuildReloadPlan(reload.DiffPaths(prev, next)))
}

type HashPasswordCmd struct {
	Password string `arg:"" optional:"" help:"Password to hash (prompted when omitted)"`
}

func (h *HashPasswordCmd) Run(ctx *Context) error {
	password := h.Password
	if password == "" {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return fmt.Errorf("no password given and stdin is not a terminal")
		}
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// parseLinks turns name=channel:peer flags into identity links.
func parseLinks(raw []string) (sessionkey.IdentityLinks, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	links := sessionkey.IdentityLinks{}
	for _, r := range raw {
		name, id, ok := strings.Cut(r, "=")
		name, id = strings.TrimSpace(name), strings.TrimSpace(id)
		if !ok || name == "" || id == "" {
			return nil, fmt.Errorf("invalid link %q, want name=channel:peer", r)
		}
		links[name] = append(links[name], id)
	}
	return links, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Context is passed to every command's Run.
type Context struct {
	Debug bool
	Trace bool
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("clawgate"),
		kong.Description("Session-routing gateway for agent channels"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	if cli.Trace {
		level = LevelTrace
	}
	cfg := DefaultLogConfig()
	cfg.Level = level
	cfg.ShowCaller = cli.Debug || cli.Trace
	Init(cfg)

	err := kctx.Run(&Context{Debug: cli.Debug, Trace: cli.Trace})
	kctx.FatalIfErrorf(err)
}
