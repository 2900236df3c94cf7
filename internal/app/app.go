// Package app owns the running process: it builds every subsystem from a
// config snapshot, joins them through the event bus and applies reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/auth"
	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/cron"
	"github.com/roelfdiedericks/clawgate/internal/gateway"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/metrics"
	"github.com/roelfdiedericks/clawgate/internal/paths"
	"github.com/roelfdiedericks/clawgate/internal/reload"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

// App is one generation of the gateway process. A restart builds a new App.
type App struct {
	mu  sync.RWMutex
	cfg *config.Config

	bus      *bus.Bus
	metrics  *metrics.Manager
	store    store.Store
	channels *channels.Manager
	server   *gateway.Server

	heartbeat *heartbeat.Runner
	cron      *cron.Service

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the subsystems for cfg. Nothing runs until Start.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	configureLogging(cfg.Logging)

	authn, err := auth.New(auth.Config{
		Mode:     auth.Mode(cfg.Gateway.Auth.Mode),
		Token:    cfg.Gateway.Auth.Token,
		Username: cfg.Gateway.Auth.Username,
		Password: cfg.Gateway.Auth.Password,

		TrustedProxies: cfg.Gateway.TrustedProxies,
	})
	if err != nil {
		return nil, err
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:     cfg,
		bus:     bus.New(),
		metrics: metrics.New(),
		store:   st,
	}
	a.channels = channels.NewManager(a.bus)
	a.channels.SetConfig(cfg.Channels)
	a.channels.OnMessage(a.routeInbound)

	a.server = gateway.New(gateway.Options{
		Auth:           authn,
		Channels:       a.channels,
		Store:          st,
		Bus:            a.bus,
		Health:         a.healthReports,
		Metrics:        a.metrics,
		Session:        a.sessionSettings,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		SendQueue:      cfg.Gateway.SendQueue,
		RatePerSecond:  cfg.Gateway.RateLimit.PerSecond,
		RateBurst:      cfg.Gateway.RateLimit.Burst,
	})
	return a, nil
}

func openStore(sc config.StoreConfig) (store.Store, error) {
	path := sc.Path
	if strings.EqualFold(sc.Driver, "memory") {
		return store.Open(sc.Driver, "")
	}
	if path == "" {
		p, err := paths.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path, err := paths.ExpandTilde(path)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureParentDir(path); err != nil {
		return nil, err
	}
	return store.Open(sc.Driver, path)
}

func configureLogging(lc config.LoggingConfig) {
	cfg := DefaultLogConfig()
	cfg.Level = ParseLevel(lc.Level)
	cfg.Format = lc.Format
	Configure(cfg)
}

// Start binds the listener, then starts channels, heartbeat and cron. A
// bind failure is returned and nothing is left running.
func (a *App) Start(ctx context.Context) error {
	startTime := time.Now()
	a.ctx, a.cancel = context.WithCancel(ctx)

	cfg := a.Config()
	if err := a.server.Start(cfg.Gateway.Host, cfg.Gateway.Port); err != nil {
		a.cancel()
		return err
	}

	if err := a.channels.Init(a.ctx); err != nil {
		// individual channels retry in the background
		L_warn("app: some channels failed to start", "error", err)
	}

	hb := a.newHeartbeat(cfg)
	svc := a.newCron(cfg)
	a.mu.Lock()
	a.heartbeat, a.cron = hb, svc
	a.mu.Unlock()

	L_elapsed(startTime, "app: started", "addr", a.server.Addr())
	return nil
}

// Stop shuts every subsystem down, connections first.
func (a *App) Stop() {
	if err := a.server.Stop(); err != nil {
		L_warn("app: gateway stop", "error", err)
	}

	a.mu.Lock()
	hb, cr := a.heartbeat, a.cron
	a.heartbeat, a.cron = nil, nil
	a.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if cr != nil {
		cr.Stop()
	}
	a.channels.StopAll()
	if a.cancel != nil {
		a.cancel()
	}
	a.bus.Wait()
	if err := a.store.Close(); err != nil {
		L_warn("app: store close", "error", err)
	}
	L_info("app: stopped")
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Bus exposes the event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Server exposes the protocol server.
func (a *App) Server() *gateway.Server { return a.server }

// Channels exposes the channel manager.
func (a *App) Channels() *channels.Manager { return a.channels }

// Metrics exposes the process metrics.
func (a *App) Metrics() *metrics.Manager { return a.metrics }

// Store exposes the session store.
func (a *App) Store() store.Store { return a.store }

// Cron returns the current cron service, or nil before Start.
func (a *App) Cron() *cron.Service {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cron
}

func (a *App) context() context.Context {
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

func (a *App) healthReports() []heartbeat.Report {
	a.mu.RLock()
	hb := a.heartbeat
	a.mu.RUnlock()
	if hb == nil {
		return nil
	}
	return hb.Reports()
}

// newCron starts a cron service. A bad job set is logged and leaves cron
// stopped.
func (a *App) newCron(cfg *config.Config) *cron.Service {
	svc := cron.New(cfg.Cron, cfg.Agents.Defaults.ID, a.store, a.bus)
	if err := svc.Start(); err != nil {
		L_error("app: cron not started", "error", err)
	}
	return svc
}

// ApplyHot installs next as the active config and performs the plan's
// actions. Paths the planner marked no-op still take effect for readers of
// Config, such as the inbound router and logging.
func (a *App) ApplyHot(plan reload.Plan, next map[string]any) error {
	cfg, err := config.Decode(next)
	if err != nil {
		return fmt.Errorf("apply reload: %w", err)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	configureLogging(cfg.Logging)

	var errs []error
	for _, action := range plan.Actions {
		L_info("app: hot reload action", "action", action.String())
		switch action.Kind {
		case reload.ActionRestartHeartbeat:
			a.mu.Lock()
			old := a.heartbeat
			a.heartbeat = nil
			a.mu.Unlock()
			if old != nil {
				old.Stop()
			}
			hb := a.newHeartbeat(cfg)
			a.mu.Lock()
			a.heartbeat = hb
			a.mu.Unlock()

		case reload.ActionRestartCron:
			a.mu.Lock()
			old := a.cron
			a.cron = nil
			a.mu.Unlock()
			if old != nil {
				old.Stop()
			}
			svc := a.newCron(cfg)
			a.mu.Lock()
			a.cron = svc
			a.mu.Unlock()

		case reload.ActionRestartChannel:
			a.channels.SetConfig(cfg.Channels)
			if err := a.channels.Restart(a.context(), action.Channel); err != nil {
				errs = append(errs, fmt.Errorf("channel %s: %w", action.Channel, err))
			}

		case reload.ActionReloadHooks:
			a.bus.Publish(bus.TopicHooksReload, cfg.Hooks, "reload")

		case reload.ActionRestartBrowserControl:
			a.bus.Publish(bus.TopicBrowserRestart, nil, "reload")
		}
	}

	a.bus.Publish(bus.TopicConfigReloaded, plan, "reload")
	return errors.Join(errs...)
}
