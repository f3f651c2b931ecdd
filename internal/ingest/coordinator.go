package ingest

import (
	"context"
	"time"
)

// HTTPCoordinator implements Coordinator against the allocator HTTP API and
// the authority WebSocket endpoint.
type HTTPCoordinator struct {
	allocator portAllocator
	authority streamAuthority
	timeout   time.Duration
}

var _ Coordinator = (*HTTPCoordinator)(nil)

// AnnounceStart implements Coordinator.
func (c *HTTPCoordinator) AnnounceStart(ctx context.Context, streamKey string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.authority.Announce(ctx, authorityMessage{StreamKey: streamKey}, true)
}

// AnnounceEnd implements Coordinator.
func (c *HTTPCoordinator) AnnounceEnd(ctx context.Context, streamKey string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.authority.Announce(ctx, authorityMessage{StreamKey: streamKey, Status: statusEnded}, false)
}

// AllocatePort implements Coordinator.
func (c *HTTPCoordinator) AllocatePort(ctx context.Context) (uint16, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.allocator.Allocate(ctx)
}

// ReleasePort implements Coordinator.
func (c *HTTPCoordinator) ReleasePort(ctx context.Context, port uint16) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.allocator.Release(ctx, port)
}

func (c *HTTPCoordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
