package share

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func setupSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "shares.db"))
	require.NoError(t, err)

	store, err := NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupBadgerStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(BadgerOptions{InMemory: true, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupPebbleStore(t *testing.T) Store {
	t.Helper()
	store, err := NewPebbleStore(PebbleOptions{DataDir: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupGormStore(t *testing.T) Store {
	t.Helper()
	db, err := OpenGorm("gormlite", filepath.Join(t.TempDir(), "shares.db"))
	require.NoError(t, err)

	store := NewGormStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupS3Store(t *testing.T) Store {
	t.Helper()
	return newS3Store(newFakeS3(), "shares", "test")
}

var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
	"sqlite": setupSQLiteStore,
	"badger": setupBadgerStore,
	"pebble": setupPebbleStore,
	"gorm":   setupGormStore,
	"s3":     setupS3Store,
}

func newTestShare(code string) *Share {
	now := time.Now().UTC()
	text := "hello"
	return &Share{
		Code:      code,
		TextBody:  &text,
		CreatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
		Active:    true,
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, factory)
		})
	}
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("SaveAndFind", func(t *testing.T) {
		store := newStore(t)

		maxViews := 3
		in := newTestShare("ABCD1234")
		in.MaxViews = &maxViews
		in.File = &File{Name: "a.txt", ContentType: "text/plain", Size: 3, Data: []byte{1, 2, 3}}

		saved, err := store.Save(ctx, in)
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID)
		assert.Empty(t, in.ID, "input must not be mutated")

		found, err := store.FindByCode(ctx, "ABCD1234")
		require.NoError(t, err)
		assert.Equal(t, saved.ID, found.ID)
		assert.Equal(t, "hello", *found.TextBody)
		require.NotNil(t, found.File)
		assert.Equal(t, "a.txt", found.File.Name)
		assert.Equal(t, "text/plain", found.File.ContentType)
		assert.Equal(t, int64(3), found.File.Size)
		assert.Equal(t, []byte{1, 2, 3}, found.File.Data)
		require.NotNil(t, found.MaxViews)
		assert.Equal(t, 3, *found.MaxViews)
		assert.True(t, found.Active)
		assert.Equal(t, 0, found.ViewCount)
		assert.True(t, in.CreatedAt.Equal(found.CreatedAt))
		assert.True(t, in.ExpiresAt.Equal(found.ExpiresAt))
	})

	t.Run("TextOnlyHasNoFile", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Save(ctx, newTestShare("TEXTONLY"))
		require.NoError(t, err)

		found, err := store.FindByCode(ctx, "TEXTONLY")
		require.NoError(t, err)
		assert.Nil(t, found.File)
		assert.Nil(t, found.MaxViews)
	})

	t.Run("FindMissing", func(t *testing.T) {
		store := newStore(t)

		_, err := store.FindByCode(ctx, "MISSING1")
		assert.ErrorIs(t, err, ErrShareNotFound)
	})

	t.Run("ExistsByCode", func(t *testing.T) {
		store := newStore(t)

		exists, err := store.ExistsByCode(ctx, "EXISTS01")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.Save(ctx, newTestShare("EXISTS01"))
		require.NoError(t, err)

		exists, err = store.ExistsByCode(ctx, "EXISTS01")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("DuplicateInsert", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Save(ctx, newTestShare("DUPL1234"))
		require.NoError(t, err)

		_, err = store.Save(ctx, newTestShare("DUPL1234"))
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("SaveUpdatesByID", func(t *testing.T) {
		store := newStore(t)

		saved, err := store.Save(ctx, newTestShare("UPDT1234"))
		require.NoError(t, err)

		saved.ViewCount = 2
		saved.Active = false
		_, err = store.Save(ctx, saved)
		require.NoError(t, err)

		found, err := store.FindByCode(ctx, "UPDT1234")
		require.NoError(t, err)
		assert.Equal(t, 2, found.ViewCount)
		assert.False(t, found.Active)

		impostor := found.Clone()
		impostor.ID = "someone-else"
		_, err = store.Save(ctx, impostor)
		assert.ErrorIs(t, err, ErrDuplicateCode)
	})

	t.Run("Update", func(t *testing.T) {
		store := newStore(t)

		saved, err := store.Save(ctx, newTestShare("UPDATE01"))
		require.NoError(t, err)

		updated, err := store.Update(ctx, "UPDATE01", func(s *Share) error {
			s.ViewCount++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, updated.ViewCount)
		assert.Equal(t, saved.ID, updated.ID)
		assert.Greater(t, updated.Version, saved.Version)

		found, err := store.FindByCode(ctx, "UPDATE01")
		require.NoError(t, err)
		assert.Equal(t, 1, found.ViewCount)
	})

	t.Run("UpdateCallbackErrorAborts", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Save(ctx, newTestShare("ABORT123"))
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.Update(ctx, "ABORT123", func(s *Share) error {
			s.ViewCount = 99
			s.Active = false
			return boom
		})
		assert.ErrorIs(t, err, boom)

		found, err := store.FindByCode(ctx, "ABORT123")
		require.NoError(t, err)
		assert.Equal(t, 0, found.ViewCount)
		assert.True(t, found.Active)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store := newStore(t)

		called := false
		_, err := store.Update(ctx, "NOPE1234", func(s *Share) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrShareNotFound)
		assert.False(t, called)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Save(ctx, newTestShare("CONC1234"))
		require.NoError(t, err)

		const workers = 20
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Update(ctx, "CONC1234", func(s *Share) error {
					s.ViewCount++
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		found, err := store.FindByCode(ctx, "CONC1234")
		require.NoError(t, err)
		assert.Equal(t, workers, found.ViewCount)
	})

	t.Run("DeleteRetiresCode", func(t *testing.T) {
		store := newStore(t)

		saved, err := store.Save(ctx, newTestShare("DELETE01"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, saved))

		_, err = store.FindByCode(ctx, "DELETE01")
		assert.ErrorIs(t, err, ErrShareNotFound)

		exists, err := store.ExistsByCode(ctx, "DELETE01")
		require.NoError(t, err)
		assert.True(t, exists, "retired codes stay taken")

		_, err = store.Save(ctx, newTestShare("DELETE01"))
		assert.ErrorIs(t, err, ErrDuplicateCode)

		assert.ErrorIs(t, store.Delete(ctx, saved), ErrShareNotFound)
	})

	t.Run("DeleteExpired", func(t *testing.T) {
		store := newStore(t)
		now := time.Now().UTC()

		live := newTestShare("LIVE0001")
		_, err := store.Save(ctx, live)
		require.NoError(t, err)

		expired := newTestShare("EXPD0001")
		expired.CreatedAt = now.Add(-2 * time.Hour)
		expired.ExpiresAt = now.Add(-time.Hour)
		_, err = store.Save(ctx, expired)
		require.NoError(t, err)

		inactive := newTestShare("INAC0001")
		inactive.Active = false
		_, err = store.Save(ctx, inactive)
		require.NoError(t, err)

		removed, err := store.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		_, err = store.FindByCode(ctx, "LIVE0001")
		assert.NoError(t, err)

		for _, code := range []string{"EXPD0001", "INAC0001"} {
			_, err = store.FindByCode(ctx, code)
			assert.ErrorIs(t, err, ErrShareNotFound, code)

			exists, err := store.ExistsByCode(ctx, code)
			require.NoError(t, err)
			assert.True(t, exists, code)
		}

		removed, err = store.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
	})

	t.Run("ManyCodes", func(t *testing.T) {
		store := newStore(t)

		for i := 0; i < 25; i++ {
			_, err := store.Save(ctx, newTestShare(fmt.Sprintf("MANY%04d", i)))
			require.NoError(t, err)
		}
		for i := 0; i < 25; i++ {
			exists, err := store.ExistsByCode(ctx, fmt.Sprintf("MANY%04d", i))
			require.NoError(t, err)
			assert.True(t, exists)
		}
	})
}

func TestKeyMutex(t *testing.T) {
	km := newKeyMutex()

	t.Run("SerializesSameKey", func(t *testing.T) {
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			inside  int
			maxSeen int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := km.Lock("same")
				defer unlock()

				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("DifferentKeysDoNotBlock", func(t *testing.T) {
		unlockA := km.Lock("a")
		done := make(chan struct{})
		go func() {
			unlockB := km.Lock("b")
			unlockB()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on b blocked behind a")
		}
		unlockA()
	})

	t.Run("ForgetsReleasedKeys", func(t *testing.T) {
		unlock := km.Lock("temp")
		assert.GreaterOrEqual(t, km.size(), 1)
		unlock()
		assert.Equal(t, 0, km.size())
	})
}
