// Package state persists the poll cursor and the collector's instance id in
// SQLite so a restarted collector resumes where it stopped.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	keyCursor     = "cursor_unix"
	keyInstanceID = "instance_id"
)

// Store is a small key/value table in SQLite
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens or creates the state database at dbPath
func Open(dbPath string, logger zerolog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("state db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Limit connections for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:     db,
		path:   dbPath,
		logger: logger.With().Str("component", "state").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("State store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS collector_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM collector_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO collector_state (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// LoadCursor returns the persisted cursor, if any
func (s *Store) LoadCursor(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.get(ctx, keyCursor)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt cursor %q: %w", raw, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}

// SaveCursor persists the cursor with one-second resolution
func (s *Store) SaveCursor(ctx context.Context, t time.Time) error {
	return s.set(ctx, keyCursor, strconv.FormatInt(t.Unix(), 10))
}

// InstanceID returns the collector's stable id, generating one on first use
func (s *Store) InstanceID(ctx context.Context) (string, error) {
	id, ok, err := s.get(ctx, keyInstanceID)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}

	id = uuid.NewString()
	if err := s.set(ctx, keyInstanceID, id); err != nil {
		return "", err
	}
	s.logger.Info().Str("instance_id", id).Msg("Generated new instance ID")
	return id, nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
