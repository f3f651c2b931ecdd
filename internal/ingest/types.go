package ingest

import (
	"context"
	"errors"
)

// ErrNoPort reports that the allocator answered but did not provide a usable
// port.
var ErrNoPort = errors.New("allocator returned no usable port")

// Coordinator performs the external side effects of a session.
//
// Implementations must be safe for concurrent use; one Coordinator is shared
// by every connection.
type Coordinator interface {
	// AnnounceStart tells the stream authority that streamKey is going live
	// and waits for one acknowledgment.
	AnnounceStart(ctx context.Context, streamKey string) error

	// AnnounceEnd tells the stream authority that streamKey has ended. It
	// does not wait for a reply.
	AnnounceEnd(ctx context.Context, streamKey string) error

	// AllocatePort requests a media port. Any failure returns an error and
	// the caller decides the fallback.
	AllocatePort(ctx context.Context) (uint16, error)

	// ReleasePort returns a previously allocated port.
	ReleasePort(ctx context.Context, port uint16) error
}

// NoopCoordinator performs no external calls. AllocatePort always fails with
// ErrNoPort so callers exercise their fallback path.
type NoopCoordinator struct{}

// AnnounceStart implements Coordinator.
func (NoopCoordinator) AnnounceStart(context.Context, string) error { return nil }

// AnnounceEnd implements Coordinator.
func (NoopCoordinator) AnnounceEnd(context.Context, string) error { return nil }

// AllocatePort implements Coordinator.
func (NoopCoordinator) AllocatePort(context.Context) (uint16, error) { return 0, ErrNoPort }

// ReleasePort implements Coordinator.
func (NoopCoordinator) ReleasePort(context.Context, uint16) error { return nil }
