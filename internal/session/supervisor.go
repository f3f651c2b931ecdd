package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/ftl"
	"ftl-ingest/internal/journal"
	"ftl-ingest/internal/observability/logging"
)

// channelCapacity sizes both channels between FrameIO and the dispatcher.
const channelCapacity = 2

// End reasons recorded in the journal and the session.ended event.
const (
	EndDisconnect  = "disconnect"
	EndPeerClosed  = "peer_closed"
	EndIdleTimeout = "idle_timeout"
	EndReadError   = "read_error"
	EndWriteError  = "write_error"
	EndShutdown    = "shutdown"
)

// Supervisor runs one FrameIO and one Dispatcher per accepted connection.
type Supervisor struct {
	opts    Options
	journal journal.Journal
	newID   func() string
	now     func() time.Time
}

// NewSupervisor returns a supervisor. j may be nil to skip journaling.
func NewSupervisor(opts Options, j journal.Journal) *Supervisor {
	return &Supervisor{
		opts:    opts.withDefaults(),
		journal: j,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Serve handles conn until the session ends and returns its journal entry.
// Cancelling ctx closes the connection; cleanup still runs.
func (s *Supervisor) Serve(ctx context.Context, conn net.Conn) journal.Entry {
	id := s.newID()
	startedAt := s.now().UTC()
	remote := conn.RemoteAddr().String()

	ctx = logging.ContextWithSessionID(ctx, id)
	logger := logging.WithContext(ctx, logging.WithComponent(s.opts.Logger, "supervisor"))
	logger.Info("session started", "remote_addr", remote)

	s.opts.Metrics.SessionStarted()
	if s.opts.Registry != nil {
		s.opts.Registry.Add(id, remote, startedAt)
	}

	commands := make(chan ftl.Command, channelCapacity)
	replies := make(chan Reply, channelCapacity)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	var (
		ioErr   error
		outcome Outcome
	)
	frames := NewFrameIO(conn, s.opts.ReadTimeout, s.opts.WriteTimeout, logging.WithContext(ctx, logging.WithComponent(s.opts.Logger, "frameio")))
	g.Go(func() error {
		ioErr = frames.Run(commands, replies)
		return ioErr
	})
	// The dispatcher gets ctx rather than gctx: a socket failure must not
	// cancel the external calls of the command already in flight.
	dispatcher := NewDispatcher(id, s.opts)
	g.Go(func() error {
		outcome = dispatcher.Run(ctx, commands, replies)
		return nil
	})
	_ = g.Wait()
	_ = conn.Close()

	reason := endReason(ctx, outcome, ioErr)
	endedAt := s.now().UTC()
	entry := journalEntry(id, remote, outcome, startedAt, endedAt, reason)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
	defer cancel()
	if s.journal != nil {
		if err := s.journal.Record(cctx, entry); err != nil {
			logger.Warn("record session failed", "error", err)
		}
	}
	publishEvent(cctx, s.opts, logger, id, events.Event{
		Type:      events.TypeEnded,
		StreamID:  entry.StreamID,
		ChannelID: entry.ChannelID,
		Reason:    reason,
	})
	if s.opts.Registry != nil {
		s.opts.Registry.Remove(id)
	}
	s.opts.Metrics.SessionEnded(endedAt.Sub(startedAt))
	logger.Info("session ended", "reason", reason, "duration", entry.Duration())
	return entry
}

func endReason(ctx context.Context, outcome Outcome, ioErr error) string {
	var netErr net.Error
	var transport *TransportError
	switch {
	case outcome.Disconnected:
		return EndDisconnect
	case ctx.Err() != nil:
		return EndShutdown
	case errors.Is(ioErr, io.EOF):
		return EndPeerClosed
	case errors.As(ioErr, &netErr) && netErr.Timeout():
		return EndIdleTimeout
	case errors.As(ioErr, &transport) && transport.Op == "write":
		return EndWriteError
	default:
		return EndReadError
	}
}

func journalEntry(id, remote string, outcome Outcome, startedAt, endedAt time.Time, reason string) journal.Entry {
	snap := outcome.State
	entry := journal.Entry{
		SessionID:       id,
		RemoteAddr:      remote,
		StreamID:        snap.StreamID,
		ChannelID:       snap.ChannelID,
		ProtocolVersion: deref(snap.ProtocolVersion),
		VendorName:      deref(snap.VendorName),
		VendorVersion:   deref(snap.VendorVersion),
		Video:           snap.Video,
		VideoCodec:      deref(snap.VideoCodec),
		Audio:           snap.Audio,
		AudioCodec:      deref(snap.AudioCodec),
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		EndReason:       reason,
	}
	if snap.TransportPort != nil {
		port := *snap.TransportPort
		entry.Port = &port
	}
	return entry
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
