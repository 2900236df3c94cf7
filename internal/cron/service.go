// Package cron fires configured scheduled jobs. Each run gets its own
// session key (agent:<agent>:cron:<job>:run:<uuid>), is persisted to the
// session store and announced on the bus.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/roelfdiedericks/clawgate/internal/bus"
	"github.com/roelfdiedericks/clawgate/internal/config"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
	"github.com/roelfdiedericks/clawgate/internal/sessionkey"
	"github.com/roelfdiedericks/clawgate/internal/store"
)

// MaxHistory is the number of runs kept in memory.
const MaxHistory = 200

const stopTimeout = 10 * time.Second

// Run is one fired job.
type Run struct {
	JobID      string    `json:"job_id"`
	RunID      string    `json:"run_id"`
	AgentID    string    `json:"agent_id"`
	SessionKey string    `json:"session_key"`
	Message    string    `json:"message,omitempty"`
	FiredAt    time.Time `json:"fired_at"`
	Error      string    `json:"error,omitempty"`
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID       string    `json:"id"`
	Schedule string    `json:"schedule"`
	AgentID  string    `json:"agent_id"`
	Next     time.Time `json:"next"`
}

// Service schedules the configured jobs.
type Service struct {
	cfg          config.CronConfig
	defaultAgent string
	store        store.Store
	bus          *bus.Bus

	mu      sync.Mutex
	cron    *cronlib.Cron
	entries map[string]cronlib.EntryID
	history []Run
	running bool
}

// New creates a service; nothing is scheduled until Start. st and b may be nil.
func New(cfg config.CronConfig, defaultAgent string, st store.Store, b *bus.Bus) *Service {
	return &Service{
		cfg:          cfg,
		defaultAgent: sessionkey.NormalizeAgentID(defaultAgent),
		store:        st,
		bus:          b,
		entries:      make(map[string]cronlib.EntryID),
	}
}

// Start validates every job and starts the scheduler. A disabled service
// starts nothing. Any invalid schedule fails the whole start.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		L_info("cron: disabled by configuration")
		return nil
	}

	c := cronlib.New(
		cronlib.WithParser(parser),
		cronlib.WithLogger(cronLogger{}),
		cronlib.WithChain(cronlib.Recover(cronLogger{}), cronlib.SkipIfStillRunning(cronLogger{})),
	)

	entries := make(map[string]cronlib.EntryID, len(s.cfg.Jobs))
	var errs []error
	for _, job := range s.cfg.Jobs {
		if _, dup := entries[job.ID]; dup {
			errs = append(errs, fmt.Errorf("cron job %q: duplicate id", job.ID))
			continue
		}
		schedule, err := ParseSchedule(job.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("cron job %q: %w", job.ID, err))
			continue
		}
		entries[job.ID] = c.Schedule(schedule, cronlib.FuncJob(func() {
			if _, err := s.Fire(context.Background(), job); err != nil {
				L_warn("cron: run failed", "job", job.ID, "error", err)
			}
		}))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.Start()
	s.cron = c
	s.entries = entries
	s.running = true
	L_info("cron: started", "jobs", len(entries))
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.entries = make(map[string]cronlib.EntryID)
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		L_debug("cron: stopped")
	case <-time.After(stopTimeout):
		L_warn("cron: jobs still running after stop timeout")
	}
}

// Running reports whether the scheduler is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Fire executes one run of job now: builds its session key, persists the
// session and publishes a cron.run event. A store failure is recorded on
// the run and returned, but the event is still published.
func (s *Service) Fire(ctx context.Context, job config.CronJob) (Run, error) {
	agent := s.defaultAgent
	if job.AgentID != "" {
		agent = sessionkey.NormalizeAgentID(job.AgentID)
	}
	runID := uuid.NewString()
	now := time.Now()

	run := Run{
		JobID:      job.ID,
		RunID:      runID,
		AgentID:    agent,
		SessionKey: sessionkey.BuildCronRunKey(agent, job.ID, runID),
		Message:    job.Message,
		FiredAt:    now,
	}

	var saveErr error
	if s.store != nil {
		sess := &store.Session{
			ID:        runID,
			Key:       run.SessionKey,
			AgentID:   agent,
			Channel:   "cron",
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.SaveSession(ctx, sess); err != nil {
			saveErr = fmt.Errorf("cron: persist run %s: %w", runID, err)
			run.Error = err.Error()
		}
	}

	s.mu.Lock()
	s.history = append(s.history, run)
	if len(s.history) > MaxHistory {
		s.history = s.history[len(s.history)-MaxHistory:]
	}
	s.mu.Unlock()

	L_info("cron: job fired", "job", job.ID, "run", runID, "key", run.SessionKey)
	if s.bus != nil {
		s.bus.Publish(bus.TopicCronRun, run, "cron")
	}
	return run, saveErr
}

// History returns the most recent runs, oldest first.
func (s *Service) History() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Run, len(s.history))
	copy(out, s.history)
	return out
}

// Jobs lists scheduled jobs with their next fire time, sorted by id.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]config.CronJob, len(s.cfg.Jobs))
	for _, j := range s.cfg.Jobs {
		byID[j.ID] = j
	}

	out := make([]JobInfo, 0, len(s.entries))
	for id, entryID := range s.entries {
		job := byID[id]
		agent := s.defaultAgent
		if job.AgentID != "" {
			agent = sessionkey.NormalizeAgentID(job.AgentID)
		}
		info := JobInfo{ID: id, Schedule: job.Schedule, AgentID: agent}
		if s.cron != nil {
			info.Next = s.cron.Entry(entryID).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
