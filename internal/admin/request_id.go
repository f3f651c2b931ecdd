package admin

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ftl-ingest/internal/observability/logging"
)

const (
	requestIDHeader   = "X-Request-Id"
	maxRequestIDBytes = 128
)

type idGenerator func() string

// requestIDMiddleware tags each request with an ID taken from the incoming
// header, or generated when the header is absent or unusable, and stores a
// request-scoped logger on the context.
func requestIDMiddleware(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = uuid.NewString
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !validRequestID(requestID) {
			requestID = generator()
		}
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validRequestID accepts short printable ASCII IDs so that a client cannot
// inject control characters into log lines.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func requestLogger(r *http.Request, fallback *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), fallback)
}
