package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// InitSchema creates the sessions table and its indexes.
func InitSchema(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		identity TEXT PRIMARY KEY,
		current_context TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}
