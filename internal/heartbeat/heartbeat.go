// Package heartbeat runs periodic health checks against the gateway's
// dependencies and tracks consecutive failures per target.
package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// Status is the derived health of a target.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const reasonMaxFailures = "exceeded max failures"

// Target is a named dependency with a health check.
type Target interface {
	Name() string
	Enabled() bool
	// Check probes the dependency and returns the measured latency.
	Check(ctx context.Context) (time.Duration, error)
}

// TimeoutTarget lets a target override the runner's default check budget.
type TimeoutTarget interface {
	Timeout() time.Duration
}

// Report is the state of one target after a cycle.
type Report struct {
	Target              string        `json:"target"`
	Status              Status        `json:"status"`
	Reason              string        `json:"reason,omitempty"`
	Latency             time.Duration `json:"-"`
	LatencyMs           int64         `json:"latency_ms"`
	CheckedAt           time.Time     `json:"checked_at"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Config controls the runner's schedule and thresholds.
type Config struct {
	Interval         time.Duration
	StartupGrace     time.Duration
	Timeout          time.Duration // default per-check budget
	FailureThreshold int           // failures before degraded
	MaxFailures      int           // failures before unhealthy
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		StartupGrace:     5 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 2,
		MaxFailures:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.MaxFailures < c.FailureThreshold {
		c.MaxFailures = c.FailureThreshold
	}
	return c
}

// DeriveStatus maps a consecutive failure count to a status. It is the
// only place a status is decided.
func DeriveStatus(failures, threshold, max int, lastErr string) (Status, string) {
	switch {
	case failures <= 0:
		return StatusHealthy, ""
	case failures >= max:
		return StatusUnhealthy, reasonMaxFailures
	case failures >= threshold:
		return StatusDegraded, lastErr
	default:
		return StatusHealthy, ""
	}
}

// Runner schedules checks. Create with New, then Start.
type Runner struct {
	cfg      Config
	targets  []Target
	onReport func([]Report)

	mu      sync.RWMutex
	reports map[string]Report

	cycleMu sync.Mutex // serializes cycles

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a runner. onReport may be nil.
func New(cfg Config, targets []Target, onReport func([]Report)) *Runner {
	r := &Runner{
		cfg:      cfg.withDefaults(),
		targets:  targets,
		onReport: onReport,
		reports:  make(map[string]Report, len(targets)),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, t := range targets {
		r.reports[t.Name()] = Report{Target: t.Name(), Status: StatusUnknown}
	}
	return r
}

// Start creates a runner and begins its loop.
func Start(ctx context.Context, cfg Config, targets []Target, onReport func([]Report)) *Runner {
	r := New(cfg, targets, onReport)
	r.Start(ctx)
	return r
}

// Start begins the scheduling loop.
func (r *Runner) Start(ctx context.Context) {
	if r.running {
		return
	}
	r.running = true

	L_info("heartbeat: started",
		"targets", len(r.targets),
		"interval", r.cfg.Interval,
		"grace", r.cfg.StartupGrace,
	)
	go r.run(ctx)
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (r *Runner) Stop() {
	if !r.running {
		return
	}
	close(r.stopCh)
	<-r.doneCh
	r.running = false
	L_info("heartbeat: stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.doneCh)

	if r.cfg.StartupGrace > 0 {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-time.After(r.cfg.StartupGrace):
		}
	}

	r.RunOnce(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce runs one cycle: every enabled target concurrently, each under
// its own timeout. The full set of reports is returned and pushed to the
// subscriber.
func (r *Runner) RunOnce(ctx context.Context) []Report {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	type outcome struct {
		target  Target
		latency time.Duration
		err     error
		skipped bool
	}

	results := make([]outcome, len(r.targets))
	var wg sync.WaitGroup
	for i, t := range r.targets {
		if !t.Enabled() {
			results[i] = outcome{target: t, skipped: true}
			continue
		}
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			lat, err := r.check(ctx, t)
			results[i] = outcome{target: t, latency: lat, err: err}
		}(i, t)
	}
	wg.Wait()

	now := time.Now()
	out := make([]Report, 0, len(results))

	r.mu.Lock()
	for _, res := range results {
		name := res.target.Name()
		prev := r.reports[name]

		if res.skipped {
			rep := Report{Target: name, Status: StatusUnknown, Reason: "disabled", CheckedAt: prev.CheckedAt}
			r.reports[name] = rep
			out = append(out, rep)
			continue
		}

		failures := 0
		lastErr := ""
		if res.err != nil {
			failures = prev.ConsecutiveFailures + 1
			lastErr = res.err.Error()
			L_debug("heartbeat: check failed", "target", name, "failures", failures, "error", res.err)
		}
		status, reason := DeriveStatus(failures, r.cfg.FailureThreshold, r.cfg.MaxFailures, lastErr)
		if status != prev.Status && prev.Status != StatusUnknown {
			L_warn("heartbeat: status changed", "target", name, "from", prev.Status, "to", status, "reason", reason)
		}

		rep := Report{
			Target:              name,
			Status:              status,
			Reason:              reason,
			Latency:             res.latency,
			LatencyMs:           res.latency.Milliseconds(),
			CheckedAt:           now,
			ConsecutiveFailures: failures,
		}
		r.reports[name] = rep
		out = append(out, rep)
	}
	r.mu.Unlock()

	if r.onReport != nil {
		r.onReport(out)
	}
	return out
}

// check runs a single target under its timeout. A check that ignores its
// context still fails once the budget expires.
func (r *Runner) check(ctx context.Context, t Target) (time.Duration, error) {
	timeout := r.cfg.Timeout
	if tt, ok := t.(TimeoutTarget); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		latency time.Duration
		err     error
	}
	ch := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- result{err: fmt.Errorf("check panicked: %v", p)}
			}
		}()
		lat, err := t.Check(cctx)
		ch <- result{latency: lat, err: err}
	}()

	select {
	case res := <-ch:
		if res.latency <= 0 {
			res.latency = time.Since(start)
		}
		return res.latency, res.err
	case <-cctx.Done():
		return time.Since(start), fmt.Errorf("check timed out after %s", timeout)
	}
}

// Reports returns a copy of the latest report per target, sorted by name.
func (r *Runner) Reports() []Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Report, 0, len(r.reports))
	for _, rep := range r.reports {
		out = append(out, rep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Overall folds reports into one status: the worst seen, ignoring unknown
// unless every target is unknown.
func Overall(reports []Report) Status {
	rank := map[Status]int{StatusHealthy: 1, StatusDegraded: 2, StatusUnhealthy: 3}
	worst := StatusUnknown
	for _, rep := range reports {
		if rank[rep.Status] > rank[worst] {
			worst = rep.Status
		}
	}
	return worst
}
