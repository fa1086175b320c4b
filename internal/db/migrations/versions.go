package migrations

import (
	"context"
	"database/sql"
)

func getAllMigrations() []Migration {
	return []Migration{
		migration1SharesTable(),
		migration2ShareVersion(),
		migration3RetiredCodes(),
	}
}

// migration1SharesTable creates the shares table
func migration1SharesTable() Migration {
	return Migration{
		Version:     1,
		Description: "Create shares table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS shares (
					id TEXT PRIMARY KEY,
					code TEXT NOT NULL UNIQUE CHECK (length(code) <= 50),
					text_body TEXT,
					file_name TEXT,
					file_content_type TEXT,
					file_size INTEGER,
					file_data BLOB,
					created_at INTEGER NOT NULL,
					expires_at INTEGER NOT NULL,
					max_views INTEGER,
					view_count INTEGER NOT NULL DEFAULT 0,
					active INTEGER NOT NULL DEFAULT 1
				)
			`); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_shares_expires_at ON shares(expires_at)`); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_shares_active ON shares(active)`)
			return err
		},
	}
}

// migration2ShareVersion adds the optimistic-concurrency counter
func migration2ShareVersion() Migration {
	return Migration{
		Version:     2,
		Description: "Add share version column",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE shares ADD COLUMN version INTEGER NOT NULL DEFAULT 1`)
			return err
		},
	}
}

// migration3RetiredCodes keeps codes of removed shares out of circulation
func migration3RetiredCodes() Migration {
	return Migration{
		Version:     3,
		Description: "Create retired codes table",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS retired_codes (
					code TEXT PRIMARY KEY,
					retired_at INTEGER NOT NULL
				)
			`)
			return err
		},
	}
}
