package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper removes shares that can no longer be retrieved
type Sweeper interface {
	DeleteExpiredShares(ctx context.Context) (int, error)
}

// TaskRecorder receives the outcome of each sweep; metrics.Manager satisfies it
type TaskRecorder interface {
	RecordBackgroundTask(task, status string, duration time.Duration)
}

const taskName = "share_sweep"

// Worker periodically reclaims expired and inactive shares
type Worker struct {
	sweeper  Sweeper
	recorder TaskRecorder
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new sweep worker. recorder may be nil.
func NewWorker(sweeper Sweeper, recorder TaskRecorder) *Worker {
	return &Worker{
		sweeper:  sweeper,
		recorder: recorder,
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep worker
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	logrus.WithField("interval", interval).Info("Share sweep worker started")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.ticker.Stop()

		// Run immediately on start
		w.RunOnce(ctx)

		for {
			select {
			case <-w.ticker.C:
				w.RunOnce(ctx)
			case <-w.stopChan:
				logrus.Info("Share sweep worker stopped")
				return
			case <-ctx.Done():
				logrus.Info("Share sweep worker stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the worker and waits for a running sweep to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
}

// RunOnce performs a single sweep
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	logrus.Debug("Sweeping expired shares...")

	removed, err := w.sweeper.DeleteExpiredShares(ctx)
	duration := time.Since(start)

	if err != nil {
		logrus.WithError(err).WithField("removed", removed).Error("Share sweep failed")
		w.record("error", duration)
		return removed, err
	}

	w.record("success", duration)

	entry := logrus.WithFields(logrus.Fields{
		"removed":  removed,
		"duration": duration,
	})
	if removed > 0 {
		entry.Info("Removed expired shares")
	} else {
		entry.Debug("Share sweep completed")
	}

	return removed, nil
}

func (w *Worker) record(status string, duration time.Duration) {
	if w.recorder != nil {
		w.recorder.RecordBackgroundTask(taskName, status, duration)
	}
}
