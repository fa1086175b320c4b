package share

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sharedrop/sharedrop/internal/db/migrations"
	"github.com/sirupsen/logrus"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const shareColumns = `id, code, text_body, file_name, file_content_type, file_size, file_data,
	created_at, expires_at, max_views, view_count, active, version`

// SQLiteStore implements Store interface using SQLite
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database file used by the sqlite backend
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore creates a new SQLite store and brings its schema up to date
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if err := migrations.NewMigrationManager(db, logrus.StandardLogger()).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate share schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// FindByCode retrieves a share by code
func (s *SQLiteStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE code = ?`, code)
	return s.scanShare(row)
}

// ExistsByCode checks live and retired codes
func (s *SQLiteStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM shares WHERE code = ?)
			OR EXISTS(SELECT 1 FROM retired_codes WHERE code = ?)
	`, code, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return exists, nil
}

// Save inserts or updates a share
func (s *SQLiteStore) Save(ctx context.Context, share *Share) (*Share, error) {
	var saved *Share
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if share.ID == "" {
			saved, err = s.insert(ctx, tx, share)
		} else {
			saved, err = s.updateByID(ctx, tx, share)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *SQLiteStore) insert(ctx context.Context, tx *sql.Tx, share *Share) (*Share, error) {
	retired, err := isRetired(ctx, tx, share.Code)
	if err != nil {
		return nil, err
	}
	if retired {
		return nil, ErrDuplicateCode
	}

	stored := share.Clone()
	stored.ID = uuid.New().String()
	stored.Version = 1

	fileName, contentType, size, data := fileColumns(stored.File)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO shares (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		stored.ID,
		stored.Code,
		stored.TextBody,
		fileName,
		contentType,
		size,
		data,
		stored.CreatedAt.UnixNano(),
		stored.ExpiresAt.UnixNano(),
		stored.MaxViews,
		stored.ViewCount,
		stored.Active,
		stored.Version,
	)
	if isConstraintError(err) {
		return nil, ErrDuplicateCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert share: %w", err)
	}

	return stored, nil
}

func (s *SQLiteStore) updateByID(ctx context.Context, tx *sql.Tx, share *Share) (*Share, error) {
	var ownerID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM shares WHERE code = ?`, share.Code).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		retired, rerr := isRetired(ctx, tx, share.Code)
		if rerr != nil {
			return nil, rerr
		}
		if retired {
			return nil, ErrDuplicateCode
		}
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up share: %w", err)
	}
	if ownerID != share.ID {
		return nil, ErrDuplicateCode
	}

	stored := share.Clone()
	if err := s.writeRow(ctx, tx, stored, -1); err != nil {
		return nil, err
	}
	return stored, nil
}

// writeRow overwrites the mutable columns and bumps the version. With
// expectedVersion >= 0 the write only happens if the row still has it.
func (s *SQLiteStore) writeRow(ctx context.Context, tx *sql.Tx, share *Share, expectedVersion int64) error {
	fileName, contentType, size, data := fileColumns(share.File)

	query := `
		UPDATE shares SET
			text_body = ?, file_name = ?, file_content_type = ?, file_size = ?, file_data = ?,
			expires_at = ?, max_views = ?, view_count = ?, active = ?, version = version + 1
		WHERE id = ?`
	args := []interface{}{
		share.TextBody, fileName, contentType, size, data,
		share.ExpiresAt.UnixNano(), share.MaxViews, share.ViewCount, share.Active,
		share.ID,
	}
	if expectedVersion >= 0 {
		query += ` AND version = ?`
		args = append(args, expectedVersion)
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update share: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errVersionConflict
	}

	return tx.QueryRowContext(ctx, `SELECT version FROM shares WHERE id = ?`, share.ID).Scan(&share.Version)
}

var errVersionConflict = errors.New("share was modified concurrently")

// Update runs fn inside a transaction and writes back with a version check
func (s *SQLiteStore) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var updated *Share
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM shares WHERE code = ?`, code)
			current, err := s.scanShare(row)
			if err != nil {
				return err
			}

			working := current.Clone()
			if err := fn(working); err != nil {
				return err
			}
			working.ID = current.ID
			working.Code = current.Code

			if err := s.writeRow(ctx, tx, working, current.Version); err != nil {
				return err
			}
			updated = working
			return nil
		})
		if errors.Is(err, errVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}

	return nil, fmt.Errorf("failed to update share after %d attempts: %w", maxUpdateRetries, errVersionConflict)
}

// Delete removes a share and retires its code
func (s *SQLiteStore) Delete(ctx context.Context, share *Share) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE code = ?`, share.Code)
		if err != nil {
			return fmt.Errorf("failed to delete share: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrShareNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO retired_codes (code, retired_at) VALUES (?, ?)`,
			share.Code, time.Now().UTC().UnixNano(),
		)
		return err
	})
}

// DeleteExpired deletes all expired or inactive shares
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := now.UnixNano()

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO retired_codes (code, retired_at)
			SELECT code, ? FROM shares WHERE active = 0 OR expires_at < ?
		`, cutoff, cutoff); err != nil {
			return fmt.Errorf("failed to retire codes: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM shares WHERE active = 0 OR expires_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete expired shares: %w", err)
		}
		removed, err = result.RowsAffected()
		return err
	})
	return int(removed), err
}

// IsReady pings the database
func (s *SQLiteStore) IsReady() bool {
	return s.db.Ping() == nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// scanShare scans a share from a database row
func (s *SQLiteStore) scanShare(scanner interface {
	Scan(dest ...interface{}) error
}) (*Share, error) {
	var (
		share       Share
		textBody    sql.NullString
		fileName    sql.NullString
		contentType sql.NullString
		fileSize    sql.NullInt64
		fileData    []byte
		createdAt   int64
		expiresAt   int64
		maxViews    sql.NullInt64
	)

	err := scanner.Scan(
		&share.ID,
		&share.Code,
		&textBody,
		&fileName,
		&contentType,
		&fileSize,
		&fileData,
		&createdAt,
		&expiresAt,
		&maxViews,
		&share.ViewCount,
		&share.Active,
		&share.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to scan share: %w", err)
	}

	share.CreatedAt = time.Unix(0, createdAt).UTC()
	share.ExpiresAt = time.Unix(0, expiresAt).UTC()

	if textBody.Valid {
		text := textBody.String
		share.TextBody = &text
	}
	if maxViews.Valid {
		n := int(maxViews.Int64)
		share.MaxViews = &n
	}
	if fileSize.Valid {
		share.File = &File{
			Name:        fileName.String,
			ContentType: contentType.String,
			Size:        fileSize.Int64,
			Data:        fileData,
		}
	}

	return &share, nil
}

func fileColumns(f *File) (name, contentType, size, data interface{}) {
	if f == nil {
		return nil, nil, nil, nil
	}
	payload := f.Data
	if payload == nil {
		payload = []byte{}
	}
	return f.Name, f.ContentType, f.Size, payload
}

func isRetired(ctx context.Context, tx *sql.Tx, code string) (bool, error) {
	var retired bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM retired_codes WHERE code = ?)`, code).Scan(&retired)
	if err != nil {
		return false, fmt.Errorf("failed to check retired codes: %w", err)
	}
	return retired, nil
}

// isConstraintError matches UNIQUE and PRIMARY KEY violations
func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

var _ Store = (*SQLiteStore)(nil)
