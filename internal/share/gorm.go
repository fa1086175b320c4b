package share

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// shareRecord is the gorm model of a share. Timestamps are stored as unix
// nanoseconds so every dialect round-trips them exactly.
type shareRecord struct {
	ID              string  `gorm:"primaryKey;size:36"`
	Code            string  `gorm:"size:50;not null;uniqueIndex"`
	TextBody        *string `gorm:"type:text"`
	FileName        *string `gorm:"size:255"`
	FileContentType *string `gorm:"size:255"`
	FileSize        *int64
	FileData        []byte
	Created         int64 `gorm:"column:created_at;not null"`
	Expires         int64 `gorm:"column:expires_at;not null;index"`
	MaxViews        *int
	ViewCount       int   `gorm:"not null"`
	Active          bool  `gorm:"not null;index"`
	Version         int64 `gorm:"not null"`
}

func (shareRecord) TableName() string {
	return "shares"
}

type retiredCode struct {
	Code      string `gorm:"primaryKey;size:50"`
	RetiredAt int64  `gorm:"not null"`
}

func (retiredCode) TableName() string {
	return "retired_codes"
}

func fromShare(s *Share) *shareRecord {
	record := &shareRecord{
		ID:        s.ID,
		Code:      s.Code,
		TextBody:  s.TextBody,
		Created:   s.CreatedAt.UnixNano(),
		Expires:   s.ExpiresAt.UnixNano(),
		MaxViews:  s.MaxViews,
		ViewCount: s.ViewCount,
		Active:    s.Active,
		Version:   s.Version,
	}
	if s.File != nil {
		name, contentType, size := s.File.Name, s.File.ContentType, s.File.Size
		record.FileName = &name
		record.FileContentType = &contentType
		record.FileSize = &size
		record.FileData = s.File.Data
		if record.FileData == nil {
			record.FileData = []byte{}
		}
	}
	return record
}

func (r *shareRecord) toShare() *Share {
	s := &Share{
		ID:        r.ID,
		Code:      r.Code,
		TextBody:  r.TextBody,
		CreatedAt: time.Unix(0, r.Created).UTC(),
		ExpiresAt: time.Unix(0, r.Expires).UTC(),
		MaxViews:  r.MaxViews,
		ViewCount: r.ViewCount,
		Active:    r.Active,
		Version:   r.Version,
	}
	if r.FileSize != nil {
		s.File = &File{Size: *r.FileSize, Data: r.FileData}
		if r.FileName != nil {
			s.File.Name = *r.FileName
		}
		if r.FileContentType != nil {
			s.File.ContentType = *r.FileContentType
		}
	}
	return s.Clone()
}

// GormStore implements Store on top of gorm for PostgreSQL, MySQL or SQLite
type GormStore struct {
	getDatabase func(ctx context.Context) (*gorm.DB, error)
	db          *gorm.DB
}

// OpenGorm opens a gorm connection for the given backend
func OpenGorm(backend, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch backend {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "gormlite":
		dialector = gormlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported gorm backend: %s", backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logrus.StandardLogger()),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", backend, err)
	}

	if backend == "gormlite" {
		internalDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		internalDB.SetMaxOpenConns(1)

		if err := db.Exec("PRAGMA journal_mode=wal; PRAGMA busy_timeout=5000").Error; err != nil {
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
	}

	return db, nil
}

// NewGormStore wraps an open gorm connection. The schema is migrated lazily
// on first use.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		getDatabase: createGetDatabase(db),
		db:          db,
	}
}

func createGetDatabase(db *gorm.DB) func(ctx context.Context) (*gorm.DB, error) {
	var (
		migrateOnce sync.Once
		migrateErr  error
	)

	return func(ctx context.Context) (*gorm.DB, error) {
		migrateOnce.Do(func() {
			if err := db.AutoMigrate(&shareRecord{}, &retiredCode{}); err != nil {
				migrateErr = fmt.Errorf("failed to migrate share schema: %w", err)
			}
		})
		if migrateErr != nil {
			return nil, migrateErr
		}

		return db.WithContext(ctx), nil
	}
}

func (s *GormStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	var record shareRecord

	err := s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
		if err := db.First(&record, "code = ?", code).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrShareNotFound
			}
			return fmt.Errorf("failed to find share: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record.toShare(), nil
}

func (s *GormStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool

	err := s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
		var err error
		exists, err = gormCodeTaken(db, code)
		return err
	})
	if err != nil {
		return false, err
	}

	return exists, nil
}

func (s *GormStore) Save(ctx context.Context, share *Share) (*Share, error) {
	var saved *Share

	err := s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
		stored := share.Clone()

		if stored.ID == "" {
			taken, err := gormCodeTaken(db, stored.Code)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateCode
			}

			stored.ID = uuid.New().String()
			stored.Version = 1
			if err := db.Create(fromShare(stored)).Error; err != nil {
				if isDuplicateKeyError(err) {
					return ErrDuplicateCode
				}
				return fmt.Errorf("failed to insert share: %w", err)
			}
			saved = stored
			return nil
		}

		var existing shareRecord
		err := db.Select("id", "version").First(&existing, "code = ?", stored.Code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			retired, rerr := gormIsRetired(db, stored.Code)
			if rerr != nil {
				return rerr
			}
			if retired {
				return ErrDuplicateCode
			}
			return ErrShareNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up share: %w", err)
		}
		if existing.ID != stored.ID {
			return ErrDuplicateCode
		}

		stored.Version = existing.Version + 1
		if err := gormWriteShare(db, stored, existing.Version); err != nil {
			return err
		}
		saved = stored
		return nil
	})
	if err != nil {
		return nil, err
	}

	return saved, nil
}

func (s *GormStore) Delete(ctx context.Context, share *Share) error {
	return s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
		result := db.Where("code = ?", share.Code).Delete(&shareRecord{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete share: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrShareNotFound
		}

		return gormRetire(db, []string{share.Code}, time.Now().UTC())
	})
}

func (s *GormStore) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		var updated *Share

		err := s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
			query := db
			if db.Dialector.Name() != "sqlite" {
				query = db.Clauses(clause.Locking{Strength: "UPDATE"})
			}

			var record shareRecord
			if err := query.First(&record, "code = ?", code).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrShareNotFound
				}
				return fmt.Errorf("failed to load share: %w", err)
			}

			current := record.toShare()
			working := current.Clone()
			if err := fn(working); err != nil {
				return err
			}
			working.ID = current.ID
			working.Code = current.Code
			working.Version = current.Version + 1

			if err := gormWriteShare(db, working, current.Version); err != nil {
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

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var removed int64
	cutoff := now.UnixNano()

	err := s.withRetry(ctx, func(ctx context.Context, db *gorm.DB) error {
		var codes []string
		err := db.Model(&shareRecord{}).
			Where("active = ? OR expires_at < ?", false, cutoff).
			Pluck("code", &codes).Error
		if err != nil {
			return fmt.Errorf("failed to list expired shares: %w", err)
		}
		if len(codes) == 0 {
			removed = 0
			return nil
		}

		if err := gormRetire(db, codes, now); err != nil {
			return err
		}

		result := db.Where("code IN ?", codes).Delete(&shareRecord{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete expired shares: %w", result.Error)
		}
		removed = result.RowsAffected
		return nil
	})

	return int(removed), err
}

// IsReady pings the underlying connection pool
func (s *GormStore) IsReady() bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.Ping() == nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry runs fn in a transaction and retries while SQLite reports the
// database as busy or locked
func (s *GormStore) withRetry(ctx context.Context, fn func(ctx context.Context, db *gorm.DB) error) error {
	db, err := s.getDatabase(ctx)
	if err != nil {
		return err
	}

	codes := []sqlite3.ErrorCode{sqlite3.BUSY, sqlite3.LOCKED}
	backoff := 50 * time.Millisecond
	maxRetries := 10

	for retries := 0; ; retries++ {
		err := db.Transaction(func(tx *gorm.DB) error {
			return fn(ctx, tx)
		})
		if err == nil {
			return nil
		}

		var sqliteErr *sqlite3.Error
		if retries >= maxRetries || !errors.As(err, &sqliteErr) || !slices.Contains(codes, sqliteErr.Code()) {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"retries": retries,
			"backoff": backoff,
		}).WithError(err).Debug("Share transaction failed, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func gormWriteShare(db *gorm.DB, share *Share, expectedVersion int64) error {
	record := fromShare(share)

	result := db.Model(&shareRecord{}).
		Where("id = ? AND version = ?", share.ID, expectedVersion).
		Updates(map[string]interface{}{
			"text_body":         record.TextBody,
			"file_name":         record.FileName,
			"file_content_type": record.FileContentType,
			"file_size":         record.FileSize,
			"file_data":         record.FileData,
			"expires_at":        record.Expires,
			"max_views":         record.MaxViews,
			"view_count":        record.ViewCount,
			"active":            record.Active,
			"version":           share.Version,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update share: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return errVersionConflict
	}
	return nil
}

func gormRetire(db *gorm.DB, codes []string, at time.Time) error {
	tombstones := make([]retiredCode, 0, len(codes))
	for _, code := range codes {
		tombstones = append(tombstones, retiredCode{Code: code, RetiredAt: at.UnixNano()})
	}

	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tombstones).Error
	if err != nil {
		return fmt.Errorf("failed to retire codes: %w", err)
	}
	return nil
}

func gormCodeTaken(db *gorm.DB, code string) (bool, error) {
	var count int64
	if err := db.Model(&shareRecord{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	if count > 0 {
		return true, nil
	}
	return gormIsRetired(db, code)
}

func gormIsRetired(db *gorm.DB, code string) (bool, error) {
	var count int64
	if err := db.Model(&retiredCode{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check retired codes: %w", err)
	}
	return count > 0, nil
}

// isDuplicateKeyError recognizes unique violations from every dialect
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode() {
		case sqlite3.CONSTRAINT_UNIQUE, sqlite3.CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

// newGormLogger routes gorm's query log through logrus
func newGormLogger(l *logrus.Logger) logger.Interface {
	level := logger.Warn
	if l.IsLevelEnabled(logrus.DebugLevel) {
		level = logger.Info
	}

	return logger.New(l, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

var _ Store = (*GormStore)(nil)
