// Package store persists session records for the gateway.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when no session matches.
var ErrNotFound = errors.New("session not found")

// Session is the persisted summary of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Key          string    `json:"key"`
	AgentID      string    `json:"agent_id"`
	Channel      string    `json:"channel,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	ChatID       string    `json:"chat_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Filter narrows ListSessions. Zero fields match everything; Limit <= 0
// means no limit.
type Filter struct {
	Channel string
	User    string
	Chat    string
	Limit   int
	Offset  int
}

// Store is the interface for session storage backends.
// Implementations: SQLiteStore (primary), MemoryStore (tests, ephemeral runs)
type Store interface {
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByKey(ctx context.Context, key string) (*Session, error)
	// SaveSession inserts or replaces the session with the same id.
	SaveSession(ctx context.Context, sess *Session) error
	// ListSessions returns sessions most recently updated first.
	ListSessions(ctx context.Context, f Filter) ([]Session, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open creates a store for the configured driver.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver: %q", driver)
}

// sortRecent orders sessions most recently updated first.
func sortRecent(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if !sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

// page applies offset and limit.
func page(sessions []Session, f Filter) []Session {
	if f.Offset > 0 {
		if f.Offset >= len(sessions) {
			return []Session{}
		}
		sessions = sessions[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(sessions) {
		sessions = sessions[:f.Limit]
	}
	return sessions
}

func (f Filter) match(s *Session) bool {
	return (f.Channel == "" || f.Channel == s.Channel) &&
		(f.User == "" || f.User == s.UserID) &&
		(f.Chat == "" || f.Chat == s.ChatID)
}
