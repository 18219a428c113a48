package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Migration is one forward schema step.
type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
CREATE TABLE outstanding_tasks (
	fingerprint TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	provider_task_id TEXT NOT NULL,
	status_url TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	chain_id TEXT NOT NULL DEFAULT '',
	requested_duration INTEGER NOT NULL,
	submitted_duration INTEGER NOT NULL,
	state TEXT NOT NULL CHECK(state IN ('polling','indeterminate','abandoned')),
	submitted_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX idx_outstanding_tasks_state ON outstanding_tasks(state);
`,
		DownSQL: `DROP TABLE IF EXISTS outstanding_tasks;`,
	},
	{
		Version: 2,
		UpSQL: `
CREATE TABLE continuity_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	chain_id TEXT NOT NULL,
	from_fingerprint TEXT NOT NULL,
	to_fingerprint TEXT NOT NULL,
	seed_digest TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX idx_continuity_links_chain ON continuity_links(chain_id, id);
`,
		DownSQL: `DROP TABLE IF EXISTS continuity_links;`,
	},
}

// ApplyMigrations brings the schema up to the latest version.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
