package gateway

import (
	"sort"
	"sync"

	"github.com/roelfdiedericks/clawgate/internal/store"
)

// DefaultMaxLiveSessions caps the in-memory session index.
const DefaultMaxLiveSessions = 1024

type liveEntry struct {
	session   store.Session
	persisted bool
}

// liveSessions holds sessions created through this server instance. At
// capacity the oldest persisted entry is evicted first, since the store
// still answers for it; only then the oldest unpersisted one.
type liveSessions struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]liveEntry
}

func newLiveSessions(limit int) *liveSessions {
	if limit <= 0 {
		limit = DefaultMaxLiveSessions
	}
	return &liveSessions{max: limit, sessions: make(map[string]liveEntry)}
}

func (l *liveSessions) put(s store.Session, persisted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[s.ID]; !ok && len(l.sessions) >= l.max {
		l.evictLocked()
	}
	l.sessions[s.ID] = liveEntry{session: s, persisted: persisted}
}

// markPersisted flags id as safe to evict.
func (l *liveSessions) markPersisted(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.sessions[id]; ok {
		e.persisted = true
		l.sessions[id] = e
	}
}

func (l *liveSessions) evictLocked() {
	var victim string
	var victimEntry liveEntry
	found := false
	for id, e := range l.sessions {
		if !found || older(e, victimEntry) {
			victim, victimEntry, found = id, e, true
		}
	}
	if found {
		delete(l.sessions, victim)
	}
}

// older orders persisted before unpersisted, then by last activity.
func older(a, b liveEntry) bool {
	if a.persisted != b.persisted {
		return a.persisted
	}
	if !a.session.UpdatedAt.Equal(b.session.UpdatedAt) {
		return a.session.UpdatedAt.Before(b.session.UpdatedAt)
	}
	return a.session.ID < b.session.ID
}

func (l *liveSessions) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

func (l *liveSessions) get(id string) (store.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.sessions[id]
	return e.session, ok
}

func (l *liveSessions) list() []store.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]store.Session, 0, len(l.sessions))
	for _, e := range l.sessions {
		out = append(out, e.session)
	}
	return out
}

// mergeSessions combines live and persisted sessions. A live entry wins
// over a persisted one with the same id, regardless of timestamps. The
// result is ordered most recent activity first.
func mergeSessions(live, persisted []store.Session) []store.Session {
	seen := make(map[string]struct{}, len(live))
	out := make([]store.Session, 0, len(live)+len(persisted))
	for _, s := range live {
		seen[s.ID] = struct{}{}
		out = append(out, s)
	}
	for _, s := range persisted {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func matchFilter(s store.Session, f store.Filter) bool {
	return (f.Channel == "" || s.Channel == f.Channel) &&
		(f.User == "" || s.UserID == f.User) &&
		(f.Chat == "" || s.ChatID == f.Chat)
}

func pageSessions(sessions []store.Session, offset, limit int) []store.Session {
	if offset >= len(sessions) {
		return []store.Session{}
	}
	sessions = sessions[offset:]
	if limit > 0 && limit < len(sessions) {
		sessions = sessions[:limit]
	}
	return sessions
}
