package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
	"github.com/allaunyc/college-selection-bot/internal/timeouts"
)

// DB is the SQLite session store.
type DB struct {
	conn    *sql.DB
	path    string
	ttl     time.Duration
	metrics *metrics.Metrics
}

// New opens (or creates) the database at dbPath and initializes the schema.
// Sessions untouched for longer than ttl are removed by PurgeExpired; zero
// keeps them forever. m may be nil.
func New(ctx context.Context, dbPath string, ttl time.Duration, m *metrics.Metrics) (*DB, error) {
	memory := dbPath == ":memory:"
	if !memory {
		if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to ":memory:" is its own database.
	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
	}
	conn.SetConnMaxLifetime(timeouts.DatabaseConnMaxLifetime)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", timeouts.DatabaseBusyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := InitSchema(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath, ttl: ttl, metrics: m}, nil
}

// NewTestDB creates an in-memory database for tests.
func NewTestDB() (*DB, error) {
	return New(context.Background(), ":memory:", 0, nil)
}

// Load returns the session of identity.
func (db *DB) Load(ctx context.Context, identity string) (s *dialogue.Session, err error) {
	defer func(start time.Time) { observe(db.metrics, BackendSQLite, "load", start, err) }(time.Now())

	var (
		current   string
		completed bool
		data      string
		updatedAt int64
	)
	err = db.conn.QueryRowContext(ctx,
		`SELECT current_context, completed, data, updated_at FROM sessions WHERE identity = ?`,
		identity,
	).Scan(&current, &completed, &data, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domerrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	s = &dialogue.Session{
		Identity:       identity,
		CurrentContext: dialogue.Slot(current),
		Completed:      completed,
		UpdatedAt:      time.Unix(updatedAt, 0).UTC(),
	}
	if err = json.Unmarshal([]byte(data), &s.Slots); err != nil {
		return nil, fmt.Errorf("failed to decode session slots: %w", err)
	}
	return s, nil
}

// Save inserts or replaces the session and stamps UpdatedAt.
func (db *DB) Save(ctx context.Context, s *dialogue.Session) (err error) {
	defer func(start time.Time) { observe(db.metrics, BackendSQLite, "save", start, err) }(time.Now())

	if err = s.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domerrors.ErrInvalidInput, err)
	}
	data, err := json.Marshal(s.Slots)
	if err != nil {
		return fmt.Errorf("failed to encode session slots: %w", err)
	}

	s.UpdatedAt = time.Now().UTC()
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO sessions (identity, current_context, completed, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			current_context = excluded.current_context,
			completed = excluded.completed,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		s.Identity, string(s.CurrentContext), s.Completed, string(data), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Delete removes the session of identity. Deleting a missing session is not
// an error.
func (db *DB) Delete(ctx context.Context, identity string) (err error) {
	defer func(start time.Time) { observe(db.metrics, BackendSQLite, "delete", start, err) }(time.Now())

	if _, err = db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions older than the configured TTL and returns
// how many were removed.
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	if db.ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-db.ttl).Unix()
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored sessions.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}
