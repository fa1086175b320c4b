package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BadgerStore implements the Store interface using BadgerDB
type BadgerStore struct {
	db     *badger.DB
	ready  atomic.Bool
	logger *logrus.Logger
	// codeMu serializes read-modify-write per code so transactions never conflict
	codeMu *keyMutex
	stopCh chan struct{}
}

// BadgerOptions contains configuration options for BadgerStore
type BadgerOptions struct {
	DataDir    string
	SyncWrites bool
	InMemory   bool
	Logger     *logrus.Logger
}

// NewBadgerStore opens a BadgerDB-backed share store
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	dbPath := filepath.Join(opts.DataDir, "shares")
	badgerOpts := badger.DefaultOptions(dbPath).
		WithLogger(newBadgerLogger(opts.Logger)).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{
		db:     db,
		logger: opts.Logger,
		codeMu: newKeyMutex(),
		stopCh: make(chan struct{}),
	}
	store.ready.Store(true)

	if !opts.InMemory {
		go store.runGC()
	}

	opts.Logger.WithField("path", dbPath).Info("BadgerDB share store initialized")
	return store, nil
}

func badgerShareKey(code string) []byte {
	return []byte("share:" + code)
}

func badgerRetiredKey(code string) []byte {
	return []byte("retired:" + code)
}

var badgerSharePrefix = []byte("share:")

func (s *BadgerStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	var share *Share
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		share, err = badgerGetShare(txn, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return share, nil
}

func (s *BadgerStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exists, err = badgerCodeTaken(txn, code)
		return err
	})
	return exists, err
}

func (s *BadgerStore) Save(ctx context.Context, share *Share) (*Share, error) {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	var saved *Share
	err := s.retryConflicts(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			stored := share.Clone()

			if stored.ID == "" {
				taken, err := badgerCodeTaken(txn, stored.Code)
				if err != nil {
					return err
				}
				if taken {
					return ErrDuplicateCode
				}
				stored.ID = uuid.New().String()
				stored.Version = 1
			} else {
				existing, err := badgerGetShare(txn, stored.Code)
				if errors.Is(err, ErrShareNotFound) {
					if retired, rerr := badgerKeyExists(txn, badgerRetiredKey(stored.Code)); rerr != nil {
						return rerr
					} else if retired {
						return ErrDuplicateCode
					}
					return ErrShareNotFound
				}
				if err != nil {
					return err
				}
				if existing.ID != stored.ID {
					return ErrDuplicateCode
				}
				stored.Version = existing.Version + 1
			}

			if err := badgerPutShare(txn, stored); err != nil {
				return err
			}
			saved = stored
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *BadgerStore) Delete(ctx context.Context, share *Share) error {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	return s.retryConflicts(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return badgerRetire(txn, share.Code, time.Now().UTC())
		})
	})
}

func (s *BadgerStore) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	unlock := s.codeMu.Lock(code)
	defer unlock()

	var updated *Share
	err := s.retryConflicts(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			current, err := badgerGetShare(txn, code)
			if err != nil {
				return err
			}

			working := current.Clone()
			if err := fn(working); err != nil {
				return err
			}
			working.ID = current.ID
			working.Code = current.Code
			working.Version = current.Version + 1

			if err := badgerPutShare(txn, working); err != nil {
				return err
			}
			updated = working
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BadgerStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	var candidates []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = badgerSharePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var share Share
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &share)
			}); err != nil {
				return fmt.Errorf("failed to unmarshal share: %w", err)
			}
			if share.reclaimable(now) {
				candidates = append(candidates, share.Code)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, code := range candidates {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}

		deleted, err := s.deleteIfReclaimable(code, now)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

func (s *BadgerStore) deleteIfReclaimable(code string, now time.Time) (bool, error) {
	unlock := s.codeMu.Lock(code)
	defer unlock()

	deleted := false
	err := s.retryConflicts(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			share, err := badgerGetShare(txn, code)
			if errors.Is(err, ErrShareNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !share.reclaimable(now) {
				return nil
			}
			deleted = true
			return badgerRetire(txn, code, now)
		})
	})
	return deleted, err
}

// retryConflicts reruns fn when another writer raced on the same keys
func (s *BadgerStore) retryConflicts(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.WithField("attempt", attempt+1).Debug("BadgerDB transaction conflict, retrying")
	}
	return err
}

// IsReady returns true if the store is ready
func (s *BadgerStore) IsReady() bool {
	return s.ready.Load()
}

// Close closes the BadgerDB instance
func (s *BadgerStore) Close() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	close(s.stopCh)
	s.logger.Info("Closing BadgerDB share store")
	return s.db.Close()
}

// runGC runs value log garbage collection periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.WithError(err).Warn("Failed to run GC")
			}
		case <-s.stopCh:
			return
		}
	}
}

func badgerGetShare(txn *badger.Txn, code string) (*Share, error) {
	item, err := txn.Get(badgerShareKey(code))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share: %w", err)
	}

	var share Share
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &share)
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal share: %w", err)
	}
	return &share, nil
}

func badgerPutShare(txn *badger.Txn, share *Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}
	if err := txn.Set(badgerShareKey(share.Code), data); err != nil {
		return fmt.Errorf("failed to store share: %w", err)
	}
	return nil
}

func badgerRetire(txn *badger.Txn, code string, at time.Time) error {
	if _, err := txn.Get(badgerShareKey(code)); errors.Is(err, badger.ErrKeyNotFound) {
		return ErrShareNotFound
	} else if err != nil {
		return fmt.Errorf("failed to get share: %w", err)
	}

	if err := txn.Delete(badgerShareKey(code)); err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	stamp, _ := at.MarshalText()
	return txn.Set(badgerRetiredKey(code), stamp)
}

func badgerCodeTaken(txn *badger.Txn, code string) (bool, error) {
	live, err := badgerKeyExists(txn, badgerShareKey(code))
	if err != nil || live {
		return live, err
	}
	return badgerKeyExists(txn, badgerRetiredKey(code))
}

func badgerKeyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return true, nil
}

// badgerLogger adapts logrus to BadgerDB's logger interface
type badgerLogger struct {
	logger *logrus.Logger
}

func newBadgerLogger(logger *logrus.Logger) *badgerLogger {
	return &badgerLogger{logger: logger}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[BadgerDB] "+format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Tracef("[BadgerDB] "+format, args...)
}

var _ Store = (*BadgerStore)(nil)
