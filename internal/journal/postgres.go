package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxPostgresRecent = 1000

// PostgresJournal persists entries to the ftl_sessions table so that
// several ingest replicas can share one history.
type PostgresJournal struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// PostgresOption customises a PostgresJournal.
type PostgresOption func(*PostgresJournal)

// WithTimeout bounds each statement issued by the journal.
func WithTimeout(timeout time.Duration) PostgresOption {
	return func(j *PostgresJournal) {
		if timeout > 0 {
			j.timeout = timeout
		}
	}
}

// NewPostgresJournal opens a pool for dsn. Call Migrate before first use on
// an empty database.
func NewPostgresJournal(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresJournal, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres journal dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres journal config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal pool: %w", err)
	}
	journal := &PostgresJournal{pool: pool, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(journal)
	}
	return journal, nil
}

// Migrate creates the journal table when it does not exist.
func (j *PostgresJournal) Migrate(ctx context.Context) error {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()
	_, err := j.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS ftl_sessions (
	session_id TEXT PRIMARY KEY,
	remote_addr TEXT NOT NULL DEFAULT '',
	stream_id TEXT NOT NULL DEFAULT '',
	channel_id TEXT NOT NULL DEFAULT '',
	protocol_version TEXT NOT NULL DEFAULT '',
	vendor_name TEXT NOT NULL DEFAULT '',
	vendor_version TEXT NOT NULL DEFAULT '',
	video BOOLEAN NOT NULL DEFAULT FALSE,
	video_codec TEXT NOT NULL DEFAULT '',
	audio BOOLEAN NOT NULL DEFAULT FALSE,
	audio_codec TEXT NOT NULL DEFAULT '',
	port INTEGER,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ NOT NULL,
	end_reason TEXT NOT NULL DEFAULT ''
)`)
	if err != nil {
		return fmt.Errorf("migrate ftl_sessions: %w", err)
	}
	if _, err := j.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS ftl_sessions_ended_at_idx ON ftl_sessions (ended_at DESC)`); err != nil {
		return fmt.Errorf("migrate ftl_sessions index: %w", err)
	}
	return nil
}

// Record implements Journal.
func (j *PostgresJournal) Record(ctx context.Context, entry Entry) error {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()
	var port *int32
	if entry.Port != nil {
		value := int32(*entry.Port)
		port = &value
	}
	_, err := j.pool.Exec(ctx, `
INSERT INTO ftl_sessions (
	session_id, remote_addr, stream_id, channel_id, protocol_version, vendor_name, vendor_version,
	video, video_codec, audio, audio_codec, port, started_at, ended_at, end_reason
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (session_id) DO UPDATE SET
	remote_addr = EXCLUDED.remote_addr,
	stream_id = EXCLUDED.stream_id,
	channel_id = EXCLUDED.channel_id,
	protocol_version = EXCLUDED.protocol_version,
	vendor_name = EXCLUDED.vendor_name,
	vendor_version = EXCLUDED.vendor_version,
	video = EXCLUDED.video,
	video_codec = EXCLUDED.video_codec,
	audio = EXCLUDED.audio,
	audio_codec = EXCLUDED.audio_codec,
	port = EXCLUDED.port,
	started_at = EXCLUDED.started_at,
	ended_at = EXCLUDED.ended_at,
	end_reason = EXCLUDED.end_reason
`, entry.SessionID, entry.RemoteAddr, entry.StreamID, entry.ChannelID, entry.ProtocolVersion,
		entry.VendorName, entry.VendorVersion, entry.Video, entry.VideoCodec, entry.Audio, entry.AudioCodec,
		port, entry.StartedAt.UTC(), entry.EndedAt.UTC(), entry.EndReason)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent implements Journal.
func (j *PostgresJournal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	ctx, cancel := j.withTimeout(ctx)
	defer cancel()
	rows, err := j.pool.Query(ctx, `
SELECT session_id, remote_addr, stream_id, channel_id, protocol_version, vendor_name, vendor_version,
	video, video_codec, audio, audio_codec, port, started_at, ended_at, end_reason
FROM ftl_sessions
ORDER BY ended_at DESC
LIMIT $1
`, normaliseLimit(limit, maxPostgresRecent))
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var entry Entry
		var port *int32
		if err := rows.Scan(
			&entry.SessionID, &entry.RemoteAddr, &entry.StreamID, &entry.ChannelID, &entry.ProtocolVersion,
			&entry.VendorName, &entry.VendorVersion, &entry.Video, &entry.VideoCodec, &entry.Audio,
			&entry.AudioCodec, &port, &entry.StartedAt, &entry.EndedAt, &entry.EndReason,
		); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		if port != nil {
			value := uint16(*port)
			entry.Port = &value
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// Close releases the pool, giving up when ctx expires first.
func (j *PostgresJournal) Close(ctx context.Context) error {
	if j == nil || j.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		j.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (j *PostgresJournal) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if j.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, j.timeout)
}
