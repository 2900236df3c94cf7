package app

import (
	"context"
	"fmt"

	"github.com/roelfdiedericks/clawgate/internal/config"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/reload"
)

// Run serves until ctx is cancelled. With a config file, the file is
// watched: hot plans are applied in place and a restart plan stops this
// generation and builds the next one from the file. An empty path runs on
// defaults without a watcher.
func Run(ctx context.Context, configPath string) error {
	for generation := 1; ; generation++ {
		restart, err := runGeneration(ctx, configPath, generation)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		L_info("app: restarting in process", "generation", generation+1)
	}
}

func runGeneration(ctx context.Context, configPath string, generation int) (bool, error) {
	cfg, snapshot, err := loadConfig(configPath)
	if err != nil {
		return false, err
	}

	a, err := New(cfg)
	if err != nil {
		return false, err
	}
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return false, err
	}
	defer a.Stop()

	restartCh := make(chan struct{}, 1)
	if configPath != "" {
		r, err := a.watch(ctx, configPath, snapshot, restartCh)
		if err != nil {
			return false, fmt.Errorf("failed to watch config: %w", err)
		}
		defer r.Stop()
	}

	L_info("app: ready", "generation", generation, "addr", a.Server().Addr())

	select {
	case <-ctx.Done():
		return false, nil
	case <-restartCh:
		return true, nil
	}
}

func loadConfig(path string) (*config.Config, map[string]any, error) {
	if path == "" {
		cfg := config.Defaults()
		snap, err := config.ToSnapshot(cfg)
		if err != nil {
			return nil, nil, err
		}
		return cfg, snap, nil
	}
	return config.NewLoader(path).Load()
}

// watch starts the reloader for path. Restart plans signal restartCh.
func (a *App) watch(ctx context.Context, path string, initial map[string]any, restartCh chan<- struct{}) (*reload.Reloader, error) {
	loader := config.NewLoader(path)
	cfg := a.Config()
	mode, ok := reload.ParseMode(cfg.Gateway.Reload.Mode)
	if !ok {
		L_warn("app: unknown reload mode, using hybrid", "mode", cfg.Gateway.Reload.Mode)
	}

	return reload.Start(ctx, reload.Options{
		WatchPath: path,
		Initial:   initial,
		Read: func() (map[string]any, error) {
			snap, err := loader.ReadSnapshot()
			if err != nil {
				return nil, err
			}
			if _, err := config.Decode(snap); err != nil {
				return nil, err
			}
			return snap, nil
		},
		OnHot: func(plan reload.Plan, next map[string]any) {
			if err := a.ApplyHot(plan, next); err != nil {
				L_error("app: hot reload incomplete", "error", err)
			}
		},
		OnRestart: func(reload.Plan, map[string]any) {
			select {
			case restartCh <- struct{}{}:
			default:
			}
		},
		Settings: reload.Settings{Mode: mode, Debounce: cfg.Gateway.Reload.Debounce()},
		ResolveSettings: func(next map[string]any) (reload.Settings, error) {
			c, err := config.Decode(next)
			if err != nil {
				return reload.Settings{}, err
			}
			m, _ := reload.ParseMode(c.Gateway.Reload.Mode)
			return reload.Settings{Mode: m, Debounce: c.Gateway.Reload.Debounce()}, nil
		},
	})
}
