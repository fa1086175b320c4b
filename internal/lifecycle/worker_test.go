package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharedrop/sharedrop/internal/share"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSweeper counts calls and returns canned results
type mockSweeper struct {
	mu      sync.Mutex
	calls   int
	removed int
	err     error
}

func (m *mockSweeper) DeleteExpiredShares(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.removed, m.err
}

func (m *mockSweeper) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type taskRecord struct {
	task   string
	status string
}

type mockRecorder struct {
	mu      sync.Mutex
	records []taskRecord
}

func (m *mockRecorder) RecordBackgroundTask(task, status string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, taskRecord{task: task, status: status})
}

func TestNewWorker(t *testing.T) {
	worker := NewWorker(&mockSweeper{}, nil)
	assert.NotNil(t, worker)
	assert.NotNil(t, worker.stopChan)
}

func TestWorker_RunOnce(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		sweeper := &mockSweeper{removed: 3}
		recorder := &mockRecorder{}
		worker := NewWorker(sweeper, recorder)

		removed, err := worker.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, removed)
		assert.Equal(t, []taskRecord{{task: "share_sweep", status: "success"}}, recorder.records)
	})

	t.Run("error", func(t *testing.T) {
		sweeper := &mockSweeper{err: errors.New("disk full")}
		recorder := &mockRecorder{}
		worker := NewWorker(sweeper, recorder)

		_, err := worker.RunOnce(context.Background())
		assert.EqualError(t, err, "disk full")
		assert.Equal(t, []taskRecord{{task: "share_sweep", status: "error"}}, recorder.records)
	})

	t.Run("nil recorder", func(t *testing.T) {
		worker := NewWorker(&mockSweeper{}, nil)
		_, err := worker.RunOnce(context.Background())
		assert.NoError(t, err)
	})
}

func TestWorker_StartRunsImmediatelyAndOnTick(t *testing.T) {
	sweeper := &mockSweeper{}
	worker := NewWorker(sweeper, nil)

	worker.Start(context.Background(), 20*time.Millisecond)
	defer worker.Stop()

	assert.Eventually(t, func() bool {
		return sweeper.callCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_Stop(t *testing.T) {
	sweeper := &mockSweeper{}
	worker := NewWorker(sweeper, nil)

	worker.Start(context.Background(), time.Hour)
	assert.Eventually(t, func() bool {
		return sweeper.callCount() == 1
	}, time.Second, 5*time.Millisecond)

	worker.Stop()
	worker.Stop()

	calls := sweeper.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, sweeper.callCount())
}

func TestWorker_ContextCancellation(t *testing.T) {
	sweeper := &mockSweeper{}
	worker := NewWorker(sweeper, nil)

	ctx, cancel := context.WithCancel(context.Background())
	worker.Start(ctx, 10*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		worker.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorker_SweepsRealManager(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	opts := share.DefaultOptions()
	opts.Clock = clock
	manager := share.NewManager(share.NewMemoryStore(), opts)

	one := 1
	created, err := manager.Create(ctx, &share.CreateRequest{Text: "short", ExpiryHours: &one})
	require.NoError(t, err)
	_, err = manager.Create(ctx, &share.CreateRequest{Text: "long", ExpiryHours: new(int)})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	removed, err := NewWorker(manager, nil).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = manager.Retrieve(ctx, created.Code)
	assert.ErrorIs(t, err, share.ErrShareNotFound)
}
