package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

// DefaultDebounce is the wait after the first file event of a burst.
const DefaultDebounce = 300 * time.Millisecond

// Mode selects how a plan is applied.
type Mode string

const (
	ModeOff     Mode = "off"     // watch, but never act
	ModeRestart Mode = "restart" // every change restarts
	ModeHybrid  Mode = "hybrid"  // hot when possible, restart when required
	ModeHot     Mode = "hot"     // hot only; restart-requiring plans are skipped
)

// ParseMode parses a config value. Empty means hybrid.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeHybrid:
		return ModeHybrid, true
	case ModeOff:
		return ModeOff, true
	case ModeRestart:
		return ModeRestart, true
	case ModeHot:
		return ModeHot, true
	}
	return ModeHybrid, false
}

// Settings are re-resolved from every accepted snapshot.
type Settings struct {
	Mode     Mode
	Debounce time.Duration
}

// Options configure a Reloader.
type Options struct {
	WatchPath string
	Initial   map[string]any

	// Read returns the current snapshot. An error (unreadable or invalid
	// config) skips the cycle and keeps the previous snapshot.
	Read func() (map[string]any, error)

	// OnHot applies a plan that needs no restart. It runs on the watcher's
	// loop, so cycles never overlap.
	OnHot func(plan Plan, next map[string]any)

	// OnRestart is called at most once per Reloader, on its own goroutine,
	// so it may Stop the Reloader.
	OnRestart func(plan Plan, next map[string]any)

	Settings Settings

	// ResolveSettings, when set, derives Settings from each new snapshot.
	ResolveSettings func(next map[string]any) (Settings, error)
}

// Reloader watches one config file. Create with Start.
type Reloader struct {
	opts    Options
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	snapshot map[string]any

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Start installs the watcher on the file's directory and starts the loop.
// Errors here are fatal for the caller.
func Start(ctx context.Context, opts Options) (*Reloader, error) {
	if opts.Read == nil {
		return nil, fmt.Errorf("reload: Read is required")
	}
	if opts.Settings.Debounce <= 0 {
		opts.Settings.Debounce = DefaultDebounce
	}
	if opts.Settings.Mode == "" {
		opts.Settings.Mode = ModeHybrid
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory: editors and AtomicWrite replace the file
	dir := filepath.Dir(opts.WatchPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	r := &Reloader{
		opts:     opts,
		watcher:  watcher,
		snapshot: deepCopy(opts.Initial),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	L_info("reload: watching config",
		"file", filepath.Base(opts.WatchPath),
		"dir", dir,
		"mode", opts.Settings.Mode,
		"debounce", opts.Settings.Debounce)

	go r.loop(ctx)
	return r, nil
}

// Stop cancels the loop and waits for it to exit.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.watcher.Close()
		<-r.doneCh
		L_debug("reload: stopped")
	})
}

// Snapshot returns a copy of the last accepted snapshot.
func (r *Reloader) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return deepCopy(r.snapshot)
}

// loop owns the debounce timer, the current snapshot and the restart flag.
func (r *Reloader) loop(ctx context.Context) {
	defer close(r.doneCh)

	target := filepath.Base(r.opts.WatchPath)
	current := deepCopy(r.opts.Initial)
	settings := r.opts.Settings
	restartQueued := false

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			L_trace("reload: file event", "op", event.Op.String())
			// Events inside an open window are absorbed; the window is not extended
			if debounce == nil {
				debounce = time.After(settings.Debounce)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			L_warn("reload: watcher error", "error", err)

		case <-debounce:
			debounce = nil
			if restartQueued {
				L_debug("reload: restart already requested, ignoring change")
				continue
			}
			current, settings, restartQueued = r.cycle(current, settings)
		}
	}
}

// cycle re-reads, diffs and dispatches one debounced change.
func (r *Reloader) cycle(current map[string]any, settings Settings) (map[string]any, Settings, bool) {
	next, err := r.opts.Read()
	if err != nil {
		L_warn("reload: config invalid, keeping previous", "error", err)
		return current, settings, false
	}

	if r.opts.ResolveSettings != nil {
		s, err := r.opts.ResolveSettings(next)
		if err != nil {
			L_warn("reload: config invalid, keeping previous", "error", err)
			return current, settings, false
		}
		if s.Debounce <= 0 {
			s.Debounce = DefaultDebounce
		}
		settings = s
	}

	paths := DiffPaths(current, next)
	if len(paths) == 0 {
		L_debug("reload: no effective change")
		return current, settings, false
	}

	r.mu.Lock()
	r.snapshot = deepCopy(next)
	r.mu.Unlock()

	plan := BuildReloadPlan(paths)
	L_info("reload: config changed",
		"paths", len(paths),
		"restart", plan.Restart,
		"actions", len(plan.Actions),
		"mode", settings.Mode)

	switch settings.Mode {
	case ModeOff:
		L_info("reload: mode is off, change not applied")
	case ModeRestart:
		return next, settings, r.requestRestart(plan, next)
	case ModeHot:
		if plan.Restart {
			L_warn("reload: change requires restart, hot mode skipping", "paths", strings.Join(plan.RestartReasons, ","))
			break
		}
		r.applyHot(plan, next)
	default:
		if plan.Restart {
			return next, settings, r.requestRestart(plan, next)
		}
		r.applyHot(plan, next)
	}
	return next, settings, false
}

func (r *Reloader) applyHot(plan Plan, next map[string]any) {
	if r.opts.OnHot == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			L_error("reload: hot apply panic", "panic", p)
		}
	}()
	r.opts.OnHot(plan, next)
}

func (r *Reloader) requestRestart(plan Plan, next map[string]any) bool {
	L_info("reload: restart requested", "reasons", strings.Join(plan.RestartReasons, ","))
	if r.opts.OnRestart != nil {
		go r.opts.OnRestart(plan, deepCopy(next))
	}
	return true
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
