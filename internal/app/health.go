package app

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/channels"
	"github.com/roelfdiedericks/clawgate/internal/config"
	"github.com/roelfdiedericks/clawgate/internal/heartbeat"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// heartbeatTargets returns the store ping, one connectivity target per
// configured channel, and the configured HTTP probes.
func (a *App) heartbeatTargets(cfg *config.Config) []heartbeat.Target {
	targets := []heartbeat.Target{
		&heartbeat.FuncTarget{
			TargetName: "store",
			Fn:         a.store.Ping,
		},
	}

	for _, id := range sortedChannels(cfg.Channels) {
		targets = append(targets, &heartbeat.FuncTarget{
			TargetName: "channel:" + id,
			Disabled:   !cfg.Channels[id].IsEnabled(),
			Fn:         a.channelConnected(id),
		})
	}

	for _, p := range cfg.Heartbeat.Targets {
		name := p.Name
		if name == "" {
			name = p.URL
		}
		targets = append(targets, &heartbeat.HTTPTarget{
			TargetName: name,
			URL:        p.URL,
			Budget:     time.Duration(p.TimeoutSeconds) * time.Second,
		})
	}
	return targets
}

func (a *App) channelConnected(id string) func(context.Context) error {
	return func(context.Context) error {
		st, err := a.channels.Status(id)
		if err != nil {
			return err
		}
		if !st.Connected {
			if st.Error != "" {
				return fmt.Errorf("%w: %s", channels.ErrNotConnected, st.Error)
			}
			return channels.ErrNotConnected
		}
		return nil
	}
}

// newHeartbeat starts a runner for cfg, or returns nil when disabled.
func (a *App) newHeartbeat(cfg *config.Config) *heartbeat.Runner {
	if !cfg.Heartbeat.IsEnabled() {
		L_info("app: heartbeat disabled by configuration")
		return nil
	}
	hc := heartbeat.Config{
		Interval:         cfg.Heartbeat.Interval(),
		StartupGrace:     cfg.Heartbeat.Grace(),
		Timeout:          cfg.Heartbeat.Timeout(),
		FailureThreshold: cfg.Heartbeat.FailureThreshold,
		MaxFailures:      cfg.Heartbeat.MaxFailures,
	}
	return heartbeat.Start(a.context(), hc, a.heartbeatTargets(cfg), func(reports []heartbeat.Report) {
		for _, r := range reports {
			a.metrics.RecordOutcome("heartbeat", r.Target, string(r.Status))
		}
		if overall := heartbeat.Overall(reports); overall != heartbeat.StatusHealthy {
			L_debug("app: heartbeat", "overall", overall)
		}
		a.bus.Publish(bus.TopicHeartbeatReport, reports, "heartbeat")
	})
}
