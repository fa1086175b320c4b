package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultExpiryHours = 24

// Manager handles share operations
type Manager interface {
	Create(ctx context.Context, req *CreateRequest) (*Share, error)
	Retrieve(ctx context.Context, code string) (*Share, error)
	Delete(ctx context.Context, code string) (bool, error)
	DeleteExpiredShares(ctx context.Context) (int, error)
	IsReady() bool
}

// MetricsRecorder receives share outcomes; metrics.Manager satisfies it
type MetricsRecorder interface {
	RecordShareOperation(operation, outcome string)
	RecordShareUploadSize(size int64)
}

// Options configures a ShareManager
type Options struct {
	CodeLength         int
	DefaultExpiryHours int
	// MaxExpiryHours caps requested horizons; longer ones are clamped
	MaxExpiryHours  int
	MaxCodeAttempts int
	// Random feeds the code generator; nil means a crypto-seeded source
	Random  rand.Source
	Clock   func() time.Time
	Metrics MetricsRecorder
}

// DefaultOptions returns the stock configuration
func DefaultOptions() Options {
	return Options{
		CodeLength:         DefaultCodeLength,
		DefaultExpiryHours: DefaultExpiryHours,
		MaxExpiryHours:     MaxExpiryHours,
		MaxCodeAttempts:    DefaultMaxCodeAttempts,
	}
}

// ShareManager implements Manager interface
type ShareManager struct {
	store       Store
	generator   *CodeGenerator
	expiry      time.Duration
	maxExpiry   int
	maxAttempts int
	clock       func() time.Time
	metrics     MetricsRecorder
	locks       *keyMutex
}

// errAlreadyInactive aborts an Update without writing
var errAlreadyInactive = errors.New("share already inactive")

// NewManager creates a new share manager
func NewManager(store Store, opts Options) Manager {
	if opts.MaxExpiryHours <= 0 || opts.MaxExpiryHours > MaxExpiryHours {
		opts.MaxExpiryHours = MaxExpiryHours
	}
	if opts.DefaultExpiryHours <= 0 {
		opts.DefaultExpiryHours = DefaultExpiryHours
	}
	if opts.DefaultExpiryHours > opts.MaxExpiryHours {
		opts.DefaultExpiryHours = opts.MaxExpiryHours
	}
	if opts.MaxCodeAttempts <= 0 {
		opts.MaxCodeAttempts = DefaultMaxCodeAttempts
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = noopRecorder{}
	}

	return &ShareManager{
		store:       store,
		generator:   NewCodeGenerator(store, opts.CodeLength, opts.MaxCodeAttempts, opts.Random),
		expiry:      time.Duration(opts.DefaultExpiryHours) * time.Hour,
		maxExpiry:   opts.MaxExpiryHours,
		maxAttempts: opts.MaxCodeAttempts,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		locks:       newKeyMutex(),
	}
}

func (m *ShareManager) now() time.Time {
	return m.clock().UTC()
}

// Create persists a new share. The request is expected to be validated already.
func (m *ShareManager) Create(ctx context.Context, req *CreateRequest) (*Share, error) {
	var file *File
	if req.File != nil && req.File.Content != nil {
		data, err := io.ReadAll(req.File.Content)
		if err != nil {
			m.metrics.RecordShareOperation("create", "read_error")
			return nil, &ContentReadError{FileName: req.File.Name, Err: err}
		}
		if len(data) > 0 {
			file = &File{
				Name:        req.File.Name,
				ContentType: req.File.ContentType,
				Size:        int64(len(data)),
				Data:        data,
			}
		}
	}

	text := strings.TrimSpace(req.Text)
	if text == "" && file == nil {
		// a file of unknown size can still turn out empty
		m.metrics.RecordShareOperation("create", "invalid")
		return nil, &ValidationError{Field: "content", Message: MsgNoContent}
	}

	now := m.now()
	expiry := m.expiry
	if req.ExpiryHours != nil && *req.ExpiryHours > 0 {
		expiry = time.Duration(min(*req.ExpiryHours, m.maxExpiry)) * time.Hour
	}

	share := &Share{
		File:      file,
		CreatedAt: now,
		ExpiresAt: now.Add(expiry),
		Active:    true,
	}
	if text != "" {
		share.TextBody = &text
	}
	if req.MaxViews != nil {
		maxViews := *req.MaxViews
		share.MaxViews = &maxViews
	}

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		code, err := m.generator.Generate(ctx)
		if err != nil {
			m.metrics.RecordShareOperation("create", "error")
			return nil, err
		}

		share.ID = ""
		share.Code = code

		saved, err := m.store.Save(ctx, share)
		if errors.Is(err, ErrDuplicateCode) {
			logrus.WithFields(logrus.Fields{
				"attempt": attempt,
			}).Debug("Share code collided on insert, drawing a new one")
			continue
		}
		if err != nil {
			m.metrics.RecordShareOperation("create", "error")
			return nil, fmt.Errorf("failed to save share: %w", err)
		}

		m.metrics.RecordShareOperation("create", "success")
		if saved.File != nil {
			m.metrics.RecordShareUploadSize(saved.File.Size)
		}

		logrus.WithFields(logrus.Fields{
			"share_id":   saved.ID,
			"has_text":   saved.HasText(),
			"has_file":   saved.HasFile(),
			"expires_at": saved.ExpiresAt,
		}).Info("Share created")

		return saved, nil
	}

	m.metrics.RecordShareOperation("create", "exhausted")
	return nil, ErrCodeSpaceExhausted
}

// Retrieve returns the share and counts the view, or a NotFoundError when the
// share is missing, inactive, expired or out of views
func (m *ShareManager) Retrieve(ctx context.Context, code string) (*Share, error) {
	unlock := m.locks.Lock(code)
	defer unlock()

	now := m.now()
	var reason NotFoundReason

	share, err := m.store.Update(ctx, code, func(s *Share) error {
		reason = ""
		switch {
		case !s.Active:
			reason = ReasonInactive
			return errAlreadyInactive
		case s.IsExpiredAt(now):
			s.Active = false
			reason = ReasonExpired
		case s.ViewLimitReached():
			s.Active = false
			reason = ReasonViewLimit
		default:
			s.ViewCount++
		}
		return nil
	})

	switch {
	case errors.Is(err, ErrShareNotFound):
		reason = ReasonMissing
	case errors.Is(err, errAlreadyInactive):
	case err != nil:
		m.metrics.RecordShareOperation("retrieve", "error")
		return nil, fmt.Errorf("failed to retrieve share: %w", err)
	}

	if reason != "" {
		m.metrics.RecordShareOperation("retrieve", string(reason))
		logrus.WithFields(logrus.Fields{
			"reason": reason,
		}).Debug("Share not available")
		return nil, &NotFoundError{Code: code, Reason: reason}
	}

	m.metrics.RecordShareOperation("retrieve", "success")
	logrus.WithFields(logrus.Fields{
		"share_id":   share.ID,
		"view_count": share.ViewCount,
	}).Debug("Share retrieved")

	return share, nil
}

// Delete removes a share permanently. It reports false when the code is unknown.
func (m *ShareManager) Delete(ctx context.Context, code string) (bool, error) {
	unlock := m.locks.Lock(code)
	defer unlock()

	share, err := m.store.FindByCode(ctx, code)
	if errors.Is(err, ErrShareNotFound) {
		m.metrics.RecordShareOperation("delete", string(ReasonMissing))
		return false, nil
	}
	if err != nil {
		m.metrics.RecordShareOperation("delete", "error")
		return false, fmt.Errorf("failed to find share: %w", err)
	}

	if err := m.store.Delete(ctx, share); err != nil {
		if errors.Is(err, ErrShareNotFound) {
			m.metrics.RecordShareOperation("delete", string(ReasonMissing))
			return false, nil
		}
		m.metrics.RecordShareOperation("delete", "error")
		return false, fmt.Errorf("failed to delete share: %w", err)
	}

	m.metrics.RecordShareOperation("delete", "success")
	logrus.WithField("share_id", share.ID).Info("Share deleted")

	return true, nil
}

// DeleteExpiredShares reclaims the storage of expired and inactive shares
func (m *ShareManager) DeleteExpiredShares(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteExpired(ctx, m.now())
	if err != nil {
		m.metrics.RecordShareOperation("sweep", "error")
		return removed, fmt.Errorf("failed to delete expired shares: %w", err)
	}

	m.metrics.RecordShareOperation("sweep", "success")
	return removed, nil
}

// IsReady reports whether the underlying store accepts requests
func (m *ShareManager) IsReady() bool {
	if r, ok := m.store.(interface{ IsReady() bool }); ok {
		return r.IsReady()
	}
	return true
}

type noopRecorder struct{}

func (noopRecorder) RecordShareOperation(operation, outcome string) {}
func (noopRecorder) RecordShareUploadSize(size int64)               {}
