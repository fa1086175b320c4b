package share

import (
	"context"
	"sync"
	"time"
)

// Store defines the interface for share persistence
type Store interface {
	// FindByCode returns ErrShareNotFound when no record carries the code
	FindByCode(ctx context.Context, code string) (*Share, error)
	// ExistsByCode is true for live codes and for retired ones
	ExistsByCode(ctx context.Context, code string) (bool, error)
	// Save inserts when ID is empty (assigning it) and updates by ID otherwise.
	// A code that is taken or retired yields ErrDuplicateCode.
	Save(ctx context.Context, share *Share) (*Share, error)
	// Delete removes the record and retires its code
	Delete(ctx context.Context, share *Share) error
	// Update runs fn on the current record and persists the result atomically.
	// An error from fn aborts the write and is returned as is.
	Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error)
	// DeleteExpired removes expired or inactive records and retires their codes
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// CodeChecker is the part of a Store the code generator needs
type CodeChecker interface {
	ExistsByCode(ctx context.Context, code string) (bool, error)
}

// maxUpdateRetries bounds optimistic-concurrency retries inside stores
const maxUpdateRetries = 16

// keyMutex hands out one mutex per key and forgets it once nobody holds it
type keyMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyMutex() *keyMutex {
	return &keyMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock func
func (k *keyMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size returns the number of keys currently tracked
func (k *keyMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
