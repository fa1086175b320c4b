package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Context keys for tracing
type contextKey string

const (
	TraceIDKey   contextKey = "trace_id"
	StartTimeKey contextKey = "start_time"
	OperationKey contextKey = "operation"

	// RequestIDHeader carries the trace ID in both directions
	RequestIDHeader = "X-Request-ID"
)

// Share operations as seen from the HTTP layer
const (
	OpCreate   = "create"
	OpRetrieve = "retrieve"
	OpDownload = "download"
	OpQRCode   = "qr"
	OpDelete   = "delete"
	OpLookup   = "quick_view"
	OpHealth   = "health"
	OpOther    = "other"
)

// TracingMiddleware assigns each request a trace ID, reusing a well-formed
// X-Request-ID from the client, and echoes it in the response.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(traceID); err != nil {
			traceID = uuid.New().String()
		}

		startTime := time.Now()
		operation := determineOperation(r)

		ctx := r.Context()
		ctx = context.WithValue(ctx, TraceIDKey, traceID)
		ctx = context.WithValue(ctx, StartTimeKey, startTime)
		ctx = context.WithValue(ctx, OperationKey, operation)

		w.Header().Set(RequestIDHeader, traceID)

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		logrus.WithFields(logrus.Fields{
			"trace_id":  traceID,
			"method":    r.Method,
			"operation": operation,
		}).Debug("Request started")

		next.ServeHTTP(wrapped, r.WithContext(ctx))

		logrus.WithFields(logrus.Fields{
			"trace_id":    traceID,
			"operation":   operation,
			"duration_ms": time.Since(startTime).Milliseconds(),
			"status_code": wrapped.statusCode,
			"success":     wrapped.statusCode >= 200 && wrapped.statusCode < 400,
		}).Debug("Request completed")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// determineOperation maps a request to a share operation. It runs before
// routing, so it works on the raw path.
func determineOperation(r *http.Request) string {
	path := r.URL.Path

	switch {
	case path == "/health" || path == "/ready":
		return OpHealth
	case path == "/quick-view":
		return OpLookup
	case path == "/api/v1/shares" && r.Method == http.MethodPost:
		return OpCreate
	}

	rest, ok := strings.CutPrefix(path, "/api/v1/shares/")
	if !ok || rest == "" {
		return OpOther
	}

	switch {
	case strings.HasSuffix(rest, "/download"):
		return OpDownload
	case strings.HasSuffix(rest, "/qr"):
		return OpQRCode
	case r.Method == http.MethodDelete:
		return OpDelete
	case r.Method == http.MethodGet:
		return OpRetrieve
	}
	return OpOther
}

// GetTraceID extracts trace ID from context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetStartTime extracts start time from context
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}

// GetOperation extracts operation from context
func GetOperation(ctx context.Context) string {
	if operation, ok := ctx.Value(OperationKey).(string); ok {
		return operation
	}
	return ""
}
