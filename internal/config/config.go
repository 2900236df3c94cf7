package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
)

// Config represents the clawgate configuration.
// JSON names double as the dot paths the reload planner classifies.
type Config struct {
	Gateway   GatewayConfig            `json:"gateway"`
	Agents    AgentsConfig             `json:"agents"`
	Session   SessionConfig            `json:"session"`
	Channels  map[string]ChannelConfig `json:"channels,omitempty"`
	Heartbeat HeartbeatConfig          `json:"heartbeat"`
	Cron      CronConfig               `json:"cron"`
	Logging   LoggingConfig            `json:"logging"`
	Store     StoreConfig              `json:"store"`
	Hooks     map[string]any           `json:"hooks,omitempty"`
}

type GatewayConfig struct {
	Host           string          `json:"host"`
	Port           int             `json:"port"`
	Auth           AuthConfig      `json:"auth"`
	Reload         ReloadConfig    `json:"reload"`
	AllowedOrigins []string        `json:"allowedOrigins,omitempty"`
	TrustedProxies []string        `json:"trustedProxies,omitempty"` // IPs or CIDRs
	SendQueue      int             `json:"sendQueue"`
	RateLimit      RateLimitConfig `json:"rateLimit"`
}

type AuthConfig struct {
	Mode     string `json:"mode"` // none, token, password
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // plain or $argon2id$ hash
}

type ReloadConfig struct {
	Mode       string `json:"mode"` // off, restart, hybrid, hot
	DebounceMs int    `json:"debounceMs"`
}

type RateLimitConfig struct {
	PerSecond float64 `json:"perSecond"`
	Burst     int     `json:"burst"`
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	ID      string `json:"id"`
	MainKey string `json:"mainKey"`
}

type SessionConfig struct {
	DmScope       string              `json:"dmScope"`
	IdentityLinks map[string][]string `json:"identityLinks,omitempty"`
	ThreadSuffix  *bool               `json:"threadSuffix,omitempty"`
}

type ChannelConfig struct {
	Type      string         `json:"type"`
	Enabled   *bool          `json:"enabled,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// IsEnabled reports whether the channel should be started. Channels are
// enabled unless explicitly disabled.
func (c ChannelConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type HeartbeatConfig struct {
	Enabled          *bool         `json:"enabled,omitempty"`
	IntervalSeconds  int           `json:"intervalSeconds"`
	GraceSeconds     int           `json:"graceSeconds"`
	TimeoutSeconds   int           `json:"timeoutSeconds"`
	FailureThreshold int           `json:"failureThreshold"`
	MaxFailures      int           `json:"maxFailures"`
	Targets          []ProbeConfig `json:"targets,omitempty"`
}

// IsEnabled reports whether the heartbeat runner should run.
func (h HeartbeatConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ProbeConfig is an HTTP health probe.
type ProbeConfig struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type CronConfig struct {
	Enabled bool      `json:"enabled"`
	Jobs    []CronJob `json:"jobs,omitempty"`
}

type CronJob struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"` // 5-field cron expression or @every/@daily
	AgentID  string `json:"agentId,omitempty"`
	Message  string `json:"message,omitempty"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type StoreConfig struct {
	Driver string `json:"driver"` // sqlite, memory
	Path   string `json:"path,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:      "127.0.0.1",
			Port:      18789,
			Auth:      AuthConfig{Mode: "none"},
			Reload:    ReloadConfig{Mode: "hybrid", DebounceMs: 300},
			SendQueue: 256,
			RateLimit: RateLimitConfig{PerSecond: 20, Burst: 40},
		},
		Agents: AgentsConfig{
			Defaults: AgentDefaults{ID: "main", MainKey: "main"},
		},
		Session: SessionConfig{DmScope: "main"},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:  30,
			GraceSeconds:     5,
			TimeoutSeconds:   10,
			FailureThreshold: 2,
			MaxFailures:      5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Store:   StoreConfig{Driver: "sqlite"},
	}
}

// ApplyDefaults fills zero-valued fields of cfg from Defaults.
func ApplyDefaults(cfg *Config) error {
	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return fmt.Errorf("failed to merge defaults: %w", err)
	}
	return nil
}

// Decode turns a generic snapshot into a typed, defaulted and validated Config.
func Decode(snapshot map[string]any) (*Config, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := ApplyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}

	switch strings.ToLower(c.Gateway.Auth.Mode) {
	case "none":
	case "token":
		if c.Gateway.Auth.Token == "" {
			errs = append(errs, errors.New("gateway.auth.token is required in token mode"))
		}
	case "password":
		if c.Gateway.Auth.Password == "" {
			errs = append(errs, errors.New("gateway.auth.password is required in password mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.auth.mode unknown: %q", c.Gateway.Auth.Mode))
	}

	switch strings.ToLower(c.Gateway.Reload.Mode) {
	case "off", "restart", "hybrid", "hot":
	default:
		errs = append(errs, fmt.Errorf("gateway.reload.mode unknown: %q", c.Gateway.Reload.Mode))
	}

	switch strings.ToLower(c.Session.DmScope) {
	case "main", "per-peer", "per-channel-peer", "per-account-channel-peer":
	default:
		errs = append(errs, fmt.Errorf("session.dmScope unknown: %q", c.Session.DmScope))
	}

	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver unknown: %q", c.Store.Driver))
	}

	for name, ch := range c.Channels {
		if ch.Type == "" {
			errs = append(errs, fmt.Errorf("channels.%s.type is required", name))
		}
	}

	for i, job := range c.Cron.Jobs {
		if job.ID == "" || job.Schedule == "" {
			errs = append(errs, fmt.Errorf("cron.jobs[%d] needs id and schedule", i))
		}
	}

	return errors.Join(errs...)
}

// UseThreadSuffix reports whether thread ids are appended to session keys.
func (s SessionConfig) UseThreadSuffix() bool {
	return s.ThreadSuffix == nil || *s.ThreadSuffix
}

// Debounce returns the reload debounce window.
func (r ReloadConfig) Debounce() time.Duration {
	return time.Duration(r.DebounceMs) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Interval returns the heartbeat interval.
func (h HeartbeatConfig) Interval() time.Duration { return seconds(h.IntervalSeconds) }

// Grace returns the heartbeat startup grace period.
func (h HeartbeatConfig) Grace() time.Duration { return seconds(h.GraceSeconds) }

// Timeout returns the default per-check budget.
func (h HeartbeatConfig) Timeout() time.Duration { return seconds(h.TimeoutSeconds) }

// Addr returns host:port for the listener.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}
