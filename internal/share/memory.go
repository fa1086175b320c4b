package share

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps shares in process memory. Content is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	byCode  map[string]*Share
	retired map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCode:  make(map[string]*Share),
		retired: make(map[string]time.Time),
	}
}

func (s *MemoryStore) FindByCode(ctx context.Context, code string) (*Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	share, ok := s.byCode[code]
	if !ok {
		return nil, ErrShareNotFound
	}
	return share.Clone(), nil
}

func (s *MemoryStore) ExistsByCode(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, live := s.byCode[code]
	_, retired := s.retired[code]
	return live || retired, nil
}

func (s *MemoryStore) Save(ctx context.Context, share *Share) (*Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, taken := s.byCode[share.Code]

	if share.ID == "" {
		if _, retired := s.retired[share.Code]; taken || retired {
			return nil, ErrDuplicateCode
		}
		stored := share.Clone()
		stored.ID = uuid.New().String()
		stored.Version = 1
		s.byCode[stored.Code] = stored
		return stored.Clone(), nil
	}

	if !taken {
		if _, retired := s.retired[share.Code]; retired {
			return nil, ErrDuplicateCode
		}
		return nil, ErrShareNotFound
	}
	if existing.ID != share.ID {
		return nil, ErrDuplicateCode
	}

	stored := share.Clone()
	stored.Version = existing.Version + 1
	s.byCode[stored.Code] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, share *Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byCode[share.Code]; !ok {
		return ErrShareNotFound
	}
	delete(s.byCode, share.Code)
	s.retired[share.Code] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, code string, fn func(*Share) error) (*Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byCode[code]
	if !ok {
		return nil, ErrShareNotFound
	}

	working := existing.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	working.ID = existing.ID
	working.Code = existing.Code
	working.Version = existing.Version + 1
	s.byCode[code] = working
	return working.Clone(), nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, share := range s.byCode {
		if share.reclaimable(now) {
			delete(s.byCode, code)
			s.retired[code] = now
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
