package share

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Share is one unit of shared content (text and/or file) addressed by a code
type Share struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	TextBody  *string   `json:"textBody,omitempty"`
	File      *File     `json:"file,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxViews  *int      `json:"maxViews,omitempty"` // nil = unlimited
	ViewCount int       `json:"viewCount"`
	Active    bool      `json:"active"`
	Version   int64     `json:"version"`
}

// File is the binary payload of a share
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Data        []byte `json:"data"`
}

// CreateRequest holds the raw fields of a share submission
type CreateRequest struct {
	Text        string
	File        *Upload
	MaxViews    *int
	ExpiryHours *int
}

// Upload is a file as received from the transport, before its bytes are read
type Upload struct {
	Name        string
	ContentType string
	Size        int64 // declared size, -1 if unknown
	Content     io.Reader
}

// NotFoundReason tags why a retrieval was refused. It is never shown to callers.
type NotFoundReason string

const (
	ReasonMissing   NotFoundReason = "missing"
	ReasonInactive  NotFoundReason = "inactive"
	ReasonExpired   NotFoundReason = "expired"
	ReasonViewLimit NotFoundReason = "view_limit"
)

// Common errors
var (
	ErrShareNotFound      = errors.New("share not found")
	ErrDuplicateCode      = errors.New("share code already in use")
	ErrCodeSpaceExhausted = errors.New("unable to allocate a unique share code")
	ErrContentRead        = errors.New("failed to read uploaded content")
)

// NotFoundError is returned by Retrieve for every unavailable share.
// errors.Is(err, ErrShareNotFound) holds for all reasons.
type NotFoundError struct {
	Code   string
	Reason NotFoundReason
}

func (e *NotFoundError) Error() string {
	return ErrShareNotFound.Error()
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrShareNotFound
}

// ContentReadError reports a failure reading the bytes of an upload
type ContentReadError struct {
	FileName string
	Err      error
}

func (e *ContentReadError) Error() string {
	return fmt.Sprintf("%s %q: %v", ErrContentRead.Error(), e.FileName, e.Err)
}

func (e *ContentReadError) Unwrap() []error {
	return []error{ErrContentRead, e.Err}
}

// ValidationError reports a submission that must be rejected before Create
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// MsgNoContent is the message shown when neither text nor file was submitted
const MsgNoContent = "Please provide either text content or a file to share."

// MaxExpiryHours bounds expiryHours well inside the range of time.Duration
// and of UnixNano timestamps
const MaxExpiryHours = 87600

// Validate checks the caller-side preconditions of Create
func (r *CreateRequest) Validate() error {
	hasText := strings.TrimSpace(r.Text) != ""
	hasFile := r.File != nil && r.File.Content != nil && r.File.Size != 0
	if !hasText && !hasFile {
		return &ValidationError{Field: "content", Message: MsgNoContent}
	}
	if r.MaxViews != nil && *r.MaxViews < 1 {
		return &ValidationError{Field: "maxViews", Message: "Max views must be a positive number."}
	}
	if r.ExpiryHours != nil && *r.ExpiryHours < 0 {
		return &ValidationError{Field: "expiryHours", Message: "Expiry hours cannot be negative."}
	}
	if r.ExpiryHours != nil && *r.ExpiryHours > MaxExpiryHours {
		return &ValidationError{
			Field:   "expiryHours",
			Message: fmt.Sprintf("Expiry hours cannot exceed %d.", MaxExpiryHours),
		}
	}
	return nil
}

// HasText reports whether the share carries a text payload
func (s *Share) HasText() bool {
	return s.TextBody != nil
}

// HasFile reports whether the share carries a file payload
func (s *Share) HasFile() bool {
	return s.File != nil
}

// IsExpiredAt checks if the share has expired at the given instant
func (s *Share) IsExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// IsExpired checks if the share has expired
func (s *Share) IsExpired() bool {
	return s.IsExpiredAt(time.Now().UTC())
}

// ViewLimitReached reports whether the view quota is used up
func (s *Share) ViewLimitReached() bool {
	return s.MaxViews != nil && s.ViewCount >= *s.MaxViews
}

// RemainingViews returns how many retrievals are left, nil when unlimited
func (s *Share) RemainingViews() *int {
	if s.MaxViews == nil {
		return nil
	}
	remaining := *s.MaxViews - s.ViewCount
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// Clone returns a deep copy so stores never hand out their internal state
func (s *Share) Clone() *Share {
	if s == nil {
		return nil
	}
	c := *s
	if s.TextBody != nil {
		text := *s.TextBody
		c.TextBody = &text
	}
	if s.MaxViews != nil {
		maxViews := *s.MaxViews
		c.MaxViews = &maxViews
	}
	if s.File != nil {
		f := *s.File
		f.Data = append([]byte(nil), s.File.Data...)
		c.File = &f
	}
	return &c
}

// reclaimable reports whether a sweep may physically remove the share
func (s *Share) reclaimable(now time.Time) bool {
	return !s.Active || s.IsExpiredAt(now)
}
