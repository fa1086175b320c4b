package share

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int {
	return &n
}

func TestCreateRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		field   string
		message string
	}{
		{
			name:    "empty",
			req:     CreateRequest{},
			field:   "content",
			message: MsgNoContent,
		},
		{
			name:    "whitespace only",
			req:     CreateRequest{Text: "  \n\t "},
			field:   "content",
			message: MsgNoContent,
		},
		{
			name:    "empty file and no text",
			req:     CreateRequest{File: &Upload{Name: "a.txt", Size: 0, Content: strings.NewReader("")}},
			field:   "content",
			message: MsgNoContent,
		},
		{
			name:  "zero max views",
			req:   CreateRequest{Text: "hi", MaxViews: intPtr(0)},
			field: "maxViews",
		},
		{
			name:  "negative expiry",
			req:   CreateRequest{Text: "hi", ExpiryHours: intPtr(-1)},
			field: "expiryHours",
		},
		{
			name:  "expiry beyond ceiling",
			req:   CreateRequest{Text: "hi", ExpiryHours: intPtr(MaxExpiryHours + 1)},
			field: "expiryHours",
		},
		{
			name:    "expiry that would overflow a duration",
			req:     CreateRequest{Text: "hi", ExpiryHours: intPtr(3_000_000)},
			field:   "expiryHours",
			message: "Expiry hours cannot exceed 87600.",
		},
		{
			name: "expiry at ceiling",
			req:  CreateRequest{Text: "hi", ExpiryHours: intPtr(MaxExpiryHours)},
		},
		{
			name: "text",
			req:  CreateRequest{Text: "hello"},
		},
		{
			name: "file of unknown size",
			req:  CreateRequest{File: &Upload{Name: "a.bin", Size: -1, Content: strings.NewReader("x")}},
		},
		{
			name: "zero expiry means default",
			req:  CreateRequest{Text: "hello", ExpiryHours: intPtr(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			if tt.message != "" {
				assert.Equal(t, tt.message, verr.Error())
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	for _, reason := range []NotFoundReason{ReasonMissing, ReasonInactive, ReasonExpired, ReasonViewLimit} {
		err := fmt.Errorf("wrapped: %w", &NotFoundError{Code: "ABCDEFGH", Reason: reason})
		assert.ErrorIs(t, err, ErrShareNotFound)
		assert.Equal(t, "wrapped: share not found", err.Error(), "reason must not leak")
	}
}

func TestContentReadError(t *testing.T) {
	cause := errors.New("connection reset")
	err := &ContentReadError{FileName: "a.txt", Err: cause}

	assert.ErrorIs(t, err, ErrContentRead)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "a.txt")
}

func TestShareHelpers(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &Share{ExpiresAt: now.Add(time.Hour), MaxViews: intPtr(2), ViewCount: 1, Active: true}

	assert.False(t, s.IsExpiredAt(now))
	assert.False(t, s.IsExpiredAt(now.Add(time.Hour)), "expiry instant itself is still valid")
	assert.True(t, s.IsExpiredAt(now.Add(time.Hour+time.Nanosecond)))

	assert.False(t, s.ViewLimitReached())
	assert.Equal(t, 1, *s.RemainingViews())
	s.ViewCount = 2
	assert.True(t, s.ViewLimitReached())
	assert.Equal(t, 0, *s.RemainingViews())

	s.MaxViews = nil
	assert.False(t, s.ViewLimitReached())
	assert.Nil(t, s.RemainingViews())

	assert.False(t, s.reclaimable(now))
	assert.True(t, s.reclaimable(now.Add(2*time.Hour)))
	s.Active = false
	assert.True(t, s.reclaimable(now))
}

func TestShareClone(t *testing.T) {
	text := "hello"
	orig := &Share{
		TextBody: &text,
		MaxViews: intPtr(3),
		File:     &File{Name: "a.txt", Data: []byte("abc")},
	}

	c := orig.Clone()
	*c.TextBody = "changed"
	*c.MaxViews = 9
	c.File.Data[0] = 'z'
	c.File.Name = "b.txt"

	assert.Equal(t, "hello", *orig.TextBody)
	assert.Equal(t, 3, *orig.MaxViews)
	assert.Equal(t, []byte("abc"), orig.File.Data)
	assert.Equal(t, "a.txt", orig.File.Name)

	var nilShare *Share
	assert.Nil(t, nilShare.Clone())
}
