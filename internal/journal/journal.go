// Package journal keeps one summary record per finished FTL session.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown journal driver")

// Entry summarises a finished session. Raw stream keys are never stored;
// StreamID is their fingerprint.
type Entry struct {
	SessionID       string    `json:"sessionId"`
	RemoteAddr      string    `json:"remoteAddr"`
	StreamID        string    `json:"streamId,omitempty"`
	ChannelID       string    `json:"channelId,omitempty"`
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
	VendorName      string    `json:"vendorName,omitempty"`
	VendorVersion   string    `json:"vendorVersion,omitempty"`
	Video           bool      `json:"video"`
	VideoCodec      string    `json:"videoCodec,omitempty"`
	Audio           bool      `json:"audio"`
	AudioCodec      string    `json:"audioCodec,omitempty"`
	Port            *uint16   `json:"port,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	EndReason       string    `json:"endReason"`
}

// Duration reports how long the session lasted.
func (e Entry) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// Journal stores session summaries.
type Journal interface {
	// Record appends one entry. Entries are keyed by SessionID; recording
	// the same session twice keeps the latest entry.
	Record(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close(ctx context.Context) error
}

// Config selects and configures a journal driver.
type Config struct {
	Driver string
	// Path is the bbolt database file for the bolt driver.
	Path string
	// DSN is the connection string for the postgres driver.
	DSN string
	// Timeout bounds each postgres statement.
	Timeout  time.Duration
	Capacity int
	Logger   *slog.Logger
}

// Open constructs the configured journal. An empty driver selects memory.
func Open(ctx context.Context, cfg Config) (Journal, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemoryJournal(cfg.Capacity), nil
	case "bolt", "bbolt":
		return OpenBoltJournal(cfg.Path)
	case "postgres", "postgresql":
		var opts []PostgresOption
		if cfg.Timeout > 0 {
			opts = append(opts, WithTimeout(cfg.Timeout))
		}
		store, err := NewPostgresJournal(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func normaliseLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
