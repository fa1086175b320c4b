package share

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PebbleStore implements the Store interface using Pebble.
// Pebble has no transactions, so every read-modify-write on a code runs
// under that code's lock and lands in a single batch.
type PebbleStore struct {
	db     *pebble.DB
	ready  atomic.Bool
	logger *logrus.Logger
	codeMu *keyMutex
	sync   *pebble.WriteOptions
}

// PebbleOptions contains configuration options for PebbleStore
type PebbleOptions struct {
	DataDir    string
	SyncWrites bool
	Logger     *logrus.Logger
}

// NewPebbleStore creates a new Pebble-backed share store
func NewPebbleStore(opts PebbleOptions) (*PebbleStore, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	dbPath := filepath.Join(opts.DataDir, "shares")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create share directory: %w", err)
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogger{logger: opts.Logger},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	store := &PebbleStore{
		db:     db,
		logger: opts.Logger,
		codeMu: newKeyMutex(),
		sync:   pebble.NoSync,
	}
	if opts.SyncWrites {
		store.sync = pebble.Sync
	}
	store.ready.Store(true)

	opts.Logger.WithField("path", dbPath).Info("Pebble share store initialized")
	return store, nil
}

var (
	pebbleSharePrefix   = []byte("s/")
	pebbleRetiredPrefix = []byte("r/")
)

func pebbleShareKey(code string) []byte {
	return append(append([]byte(nil), pebbleSharePrefix...), code...)
}

func pebbleRetiredKey(code string) []byte {
	return append(append([]byte(nil), pebbleRetiredPrefix...), code...)
}

// prefixEnd returns the exclusive upper bound for a prefix scan
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleGet reads a single key and returns a copy of the value
func (s *PebbleStore) pebbleGet(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		return nil, err
	}
	data := make([]byte, len(val))
	copy(data, val)
	_ = closer.Close()
	return data, nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

func (s *PebbleStore) getShare(code string) (*Share, error) {
	data, err := s.pebbleGet(pebbleShareKey(code))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrShareNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get share: %w", err)
	}

	var share Share
	if err := json.Unmarshal(data, &share); err != nil {
		return nil, fmt.Errorf("failed to unmarshal share: %w", err)
	}
	return &share, nil
}

func (s *PebbleStore) putShare(share *Share) error {
	data, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}
	return s.db.Set(pebbleShareKey(share.Code), data, s.sync)
}

func (s *PebbleStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	return s.getShare(code)
}

func (s *PebbleStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	live, err := s.has(pebbleShareKey(code))
	if err != nil || live {
		return live, err
	}
	return s.has(pebbleRetiredKey(code))
}

func (s *PebbleStore) Save(ctx context.Context, share *Share) (*Share, error) {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	stored := share.Clone()
	if stored.ID == "" {
		taken, err := s.ExistsByCode(ctx, stored.Code)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrDuplicateCode
		}
		stored.ID = uuid.New().String()
		stored.Version = 1
	} else {
		existing, err := s.getShare(stored.Code)
		if errors.Is(err, ErrShareNotFound) {
			retired, rerr := s.has(pebbleRetiredKey(stored.Code))
			if rerr != nil {
				return nil, rerr
			}
			if retired {
				return nil, ErrDuplicateCode
			}
			return nil, ErrShareNotFound
		}
		if err != nil {
			return nil, err
		}
		if existing.ID != stored.ID {
			return nil, ErrDuplicateCode
		}
		stored.Version = existing.Version + 1
	}

	if err := s.putShare(stored); err != nil {
		return nil, fmt.Errorf("failed to store share: %w", err)
	}
	return stored, nil
}

func (s *PebbleStore) Delete(ctx context.Context, share *Share) error {
	unlock := s.codeMu.Lock(share.Code)
	defer unlock()

	live, err := s.has(pebbleShareKey(share.Code))
	if err != nil {
		return err
	}
	if !live {
		return ErrShareNotFound
	}
	return s.retire(share.Code, time.Now().UTC())
}

// retire drops the record and writes the tombstone in one batch
func (s *PebbleStore) retire(code string, at time.Time) error {
	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	stamp, _ := at.MarshalText()
	if err := batch.Delete(pebbleShareKey(code), nil); err != nil {
		return fmt.Errorf("failed to delete share: %w", err)
	}
	if err := batch.Set(pebbleRetiredKey(code), stamp, nil); err != nil {
		return fmt.Errorf("failed to retire code: %w", err)
	}
	return batch.Commit(s.sync)
}

func (s *PebbleStore) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	unlock := s.codeMu.Lock(code)
	defer unlock()

	current, err := s.getShare(code)
	if err != nil {
		return nil, err
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.Code = current.Code
	working.Version = current.Version + 1

	if err := s.putShare(working); err != nil {
		return nil, fmt.Errorf("failed to store share: %w", err)
	}
	return working, nil
}

func (s *PebbleStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pebbleSharePrefix,
		UpperBound: prefixEnd(pebbleSharePrefix),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}

	var candidates []string
	for iter.First(); iter.Valid(); iter.Next() {
		var share Share
		if err := json.Unmarshal(iter.Value(), &share); err != nil {
			iter.Close() //nolint:errcheck
			return 0, fmt.Errorf("failed to unmarshal share: %w", err)
		}
		if share.reclaimable(now) {
			candidates = append(candidates, share.Code)
		}
	}
	if err := iter.Close(); err != nil {
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

func (s *PebbleStore) deleteIfReclaimable(code string, now time.Time) (bool, error) {
	unlock := s.codeMu.Lock(code)
	defer unlock()

	share, err := s.getShare(code)
	if errors.Is(err, ErrShareNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !share.reclaimable(now) {
		return false, nil
	}
	if err := s.retire(code, now); err != nil {
		return false, err
	}
	return true, nil
}

// IsReady returns true if the store is ready
func (s *PebbleStore) IsReady() bool {
	return s.ready.Load()
}

// Close flushes and closes the Pebble instance
func (s *PebbleStore) Close() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("Closing Pebble share store")
	return s.db.Close()
}

// pebbleLogger adapts logrus to Pebble's logger interface
type pebbleLogger struct {
	logger *logrus.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf("[Pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("[Pebble] "+format, args...)
}

var _ Store = (*PebbleStore)(nil)
