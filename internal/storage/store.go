// Package storage persists dialogue sessions, keyed by sender identity.
// Two backends implement SessionStore: SQLite (default) and Redis.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/allaunyc/college-selection-bot/internal/dialogue"
	domerrors "github.com/allaunyc/college-selection-bot/internal/errors"
	"github.com/allaunyc/college-selection-bot/internal/metrics"
)

// Backend names, used in configuration and as metric labels.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// SessionStore loads and saves sessions. Load returns errors.ErrNotFound when
// the identity has no session. Save validates the session first and rejects
// one that breaks its invariants.
type SessionStore interface {
	Load(ctx context.Context, identity string) (*dialogue.Session, error)
	Save(ctx context.Context, s *dialogue.Session) error
	Delete(ctx context.Context, identity string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// observe records one store operation. m may be nil.
func observe(m *metrics.Metrics, backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.RecordSessionOp(backend, op, opStatus(err), time.Since(start).Seconds())
}

func opStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case domerrors.IsNotFound(err):
		return "not_found"
	case domerrors.IsInvalidInput(err):
		return "invalid"
	default:
		return "error"
	}
}

var (
	_ SessionStore = (*DB)(nil)
	_ SessionStore = (*RedisStore)(nil)
)

// Config selects and configures a session backend.
type Config struct {
	Backend string // BackendSQLite or BackendRedis
	Path    string // SQLite database file
	Redis   RedisConfig
	TTL     time.Duration
}

// Open returns the configured session store.
func Open(ctx context.Context, cfg Config, m *metrics.Metrics) (SessionStore, error) {
	switch cfg.Backend {
	case BackendRedis:
		rc := cfg.Redis
		if rc.TTL == 0 {
			rc.TTL = cfg.TTL
		}
		store, err := NewRedisStore(ctx, rc, m)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendSQLite, "":
		db, err := New(ctx, cfg.Path, cfg.TTL, m)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
