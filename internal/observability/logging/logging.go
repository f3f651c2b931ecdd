// Package logging builds the process slog.Logger and carries per-request and
// per-session identifiers through context.Context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"ftl-ingest/internal/observability/metrics"
)

// Config selects the handler format, minimum level and destination.
type Config struct {
	Level  string
	Writer io.Writer
	Format string
	// Redact lists attribute keys whose values are replaced before output.
	// Nil means DefaultRedactedKeys.
	Redact []string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// DefaultRedactedKeys are attribute keys that carry stream credentials.
var DefaultRedactedKeys = []string{"stream_key", "hmac", "password"}

const redacted = "[redacted]"

// Init creates a logger from cfg and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured logger from cfg. Output goes to stdout unless
// cfg.Writer is set.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	return slog.New(newHandler(cfg, writer))
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	keys := cfg.Redact
	if keys == nil {
		keys = DefaultRedactedKeys
	}
	hidden := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		hidden[strings.ToLower(key)] = struct{}{}
	}
	options := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if _, ok := hidden[strings.ToLower(attr.Key)]; ok {
				return slog.String(attr.Key, redacted)
			}
			return attr
		},
	}
	if LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) == FormatText {
		return slog.NewTextHandler(writer, options)
	}
	return slog.NewJSONHandler(writer, options)
}

// parseLevel accepts slog level names plus "warning". Anything unparseable
// falls back to info.
func parseLevel(level string) slog.Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return parsed
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const loggerKey contextKey = "logger"

// Identifier fields in the order WithContext attaches them.
var identifiers = []contextKey{"request_id", "session_id", "stream_id"}

func withIdentifier(ctx context.Context, key contextKey, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func identifier(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID stores an admin HTTP request ID. Blank IDs are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withIdentifier(ctx, "request_id", id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return identifier(ctx, "request_id")
}

// ContextWithSessionID stores the per-connection session ID.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return withIdentifier(ctx, "session_id", id)
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	return identifier(ctx, "session_id")
}

// ContextWithStreamID stores the stream-key fingerprint. Raw stream keys must
// never be stored here.
func ContextWithStreamID(ctx context.Context, id string) context.Context {
	return withIdentifier(ctx, "stream_id", id)
}

func StreamIDFromContext(ctx context.Context) (string, bool) {
	return identifier(ctx, "stream_id")
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext returns logger annotated with every identifier held in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	for _, key := range identifiers {
		if value, ok := identifier(ctx, key); ok {
			attrs = append(attrs, string(key), value)
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// QuietPaths are logged at debug level when they succeed. Health checks and
	// scrapes hit these every few seconds.
	QuietPaths []string
}

// RequestLogger logs one line per admin HTTP request. Server errors are
// logged at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}
	quiet := make(map[string]struct{}, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := metrics.WrapWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)

			status := sw.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", sw.Written(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			default:
				if _, ok := quiet[r.URL.Path]; ok {
					level = slog.LevelDebug
				}
			}
			WithContext(r.Context(), baseLogger).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
