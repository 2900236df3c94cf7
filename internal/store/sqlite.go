package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/clawgate/internal/logging"
)

var errClosed = errors.New("store closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Schema version for migrations
const currentSchemaVersion = 2

// NewSQLiteStore opens (and migrates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", path)
	return s, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}
	return nil
}

// migrateV1 creates the sessions table
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_key ON sessions(key);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds channel origin columns used by list filters
func migrateV2(db *sql.DB) error {
	schema := `
	ALTER TABLE sessions ADD COLUMN channel TEXT NOT NULL DEFAULT '';
	ALTER TABLE sessions ADD COLUMN user_id TEXT NOT NULL DEFAULT '';
	ALTER TABLE sessions ADD COLUMN chat_id TEXT NOT NULL DEFAULT '';
	CREATE INDEX IF NOT EXISTS idx_sessions_origin ON sessions(channel, user_id, chat_id);

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`
	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

const sessionColumns = `id, key, agent_id, channel, user_id, chat_id, created_at, updated_at, message_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var createdAt, updatedAt int64
	if err := row.Scan(
		&sess.ID, &sess.Key, &sess.AgentID,
		&sess.Channel, &sess.UserID, &sess.ChatID,
		&createdAt, &updatedAt, &sess.MessageCount,
	); err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.UpdatedAt = time.UnixMilli(updatedAt)
	return &sess, nil
}

// GetSession retrieves a session by id
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return sess, nil
}

// GetSessionByKey returns the most recently updated session bound to key
func (s *SQLiteStore) GetSessionByKey(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE key = ?
		ORDER BY updated_at DESC, created_at DESC LIMIT 1
	`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return sess, nil
}

// SaveSession inserts or replaces a session
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			agent_id = excluded.agent_id,
			channel = excluded.channel,
			user_id = excluded.user_id,
			chat_id = excluded.chat_id,
			updated_at = excluded.updated_at,
			message_count = excluded.message_count
	`,
		sess.ID, sess.Key, sess.AgentID,
		sess.Channel, sess.UserID, sess.ChatID,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), sess.MessageCount,
	)
	if err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	L_trace("sqlite: session saved", "id", sess.ID, "key", sess.Key)
	return nil
}

// ListSessions returns sessions matching f, most recently updated first
func (s *SQLiteStore) ListSessions(ctx context.Context, f Filter) ([]Session, error) {
	var where []string
	var args []any
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.User != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.User)
	}
	if f.Chat != "" {
		where = append(where, "chat_id = ?")
		args = append(args, f.Chat)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ? OFFSET ?"

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	L_debug("sqlite: closing store", "path", s.path)
	return s.db.Close()
}
