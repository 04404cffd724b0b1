// Package telemetry holds the ambient logging surface shared by the
// routing core: a leveled logger with request-id propagation and a
// JSON access-log middleware (grounded on the reference repo's
// pkg/middleware/logging.go). It has no stats aggregator; packages
// keep their own atomic counters and expose point-in-time Stats
// snapshots. Metric *formatting* (e.g. a Prometheus exposition
// endpoint) stays out of scope per spec.md §1.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request-id"

// Level is a log severity, matching the WARN-then-DEBUG debounce the
// reconnect service needs (spec.md §4.3).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) tag() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Logf writes one structured-ish log line tagged with level and the
// request id found in ctx, if any. It follows the reference
// middleware's "[LEVEL] message" convention rather than introducing a
// third-party structured logger, since the reference repo does not
// carry one.
func Logf(ctx context.Context, level Level, format string, args ...any) {
	id := RequestIDFromContext(ctx)
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	if id != "" {
		log.Printf("[%s] request_id=%s %s", level.tag(), id, msg)
		return
	}
	log.Printf("[%s] %s", level.tag(), msg)
}

// WithRequestID stores a request id in ctx for downstream logging.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext retrieves the request id stored by
// WithRequestID, or "" if none is set.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and
// bytes written for the access log line.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger is HTTP middleware that assigns (or propagates) a
// request id, logs one structured access-log line per request, and
// selects a log level from the response status: 2xx/3xx -> INFO,
// 4xx -> WARN, 5xx -> ERROR.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := WithRequestID(r.Context(), id)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", id)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		entry := map[string]any{
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": duration.Milliseconds(),
			"bytes":       wrapped.bytesWritten,
			"remote_addr": r.RemoteAddr,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("[ERROR] failed to marshal access log entry: %v", err)
			return
		}
		switch {
		case wrapped.statusCode >= 500:
			log.Printf("[ERROR] %s", data)
		case wrapped.statusCode >= 400:
			log.Printf("[WARN] %s", data)
		default:
			log.Printf("[INFO] %s", data)
		}
	})
}
