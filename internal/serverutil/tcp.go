package serverutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// ConnHandler serves one accepted connection. The connection is closed after
// the handler returns.
type ConnHandler func(ctx context.Context, conn net.Conn)

// TCPConfig controls the raw TCP accept loop.
type TCPConfig struct {
	Addr string
	// Listener is used instead of listening on Addr when set.
	Listener net.Listener
	Handler  ConnHandler
	// MaxConns caps concurrent connections. Connections over the cap are
	// closed immediately. Zero means unlimited.
	MaxConns int64
	// RateLimit throttles new connections per source host.
	RateLimit RateLimitConfig
	// Ready receives the bound address once the server accepts connections.
	Ready  chan<- net.Addr
	Logger *slog.Logger
}

// TCPStats is a point-in-time view of the accept loop counters.
type TCPStats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Active   int64 `json:"active"`
}

// TCPServer accepts connections and runs a handler for each one.
type TCPServer struct {
	cfg      TCPConfig
	logger   *slog.Logger
	slots    *semaphore.Weighted
	limiter  *connRateLimiter
	accepted atomic.Int64
	rejected atomic.Int64
	active   atomic.Int64
}

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// NewTCPServer validates cfg and returns a server ready to Serve.
func NewTCPServer(cfg TCPConfig) (*TCPServer, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("connection handler is required")
	}
	if cfg.Listener == nil && cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.MaxConns < 0 {
		return nil, fmt.Errorf("max connections must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimit.Limit < 0 || cfg.RateLimit.Window < 0 {
		return nil, fmt.Errorf("rate limit must not be negative")
	}
	srv := &TCPServer{cfg: cfg, logger: logger, limiter: newConnRateLimiter(cfg.RateLimit)}
	if cfg.MaxConns > 0 {
		srv.slots = semaphore.NewWeighted(cfg.MaxConns)
	}
	return srv, nil
}

// ServeTCP is shorthand for NewTCPServer followed by Serve.
func ServeTCP(ctx context.Context, cfg TCPConfig) error {
	srv, err := NewTCPServer(cfg)
	if err != nil {
		return err
	}
	return srv.Serve(ctx)
}

// Stats reports the accept loop counters.
func (s *TCPServer) Stats() TCPStats {
	return TCPStats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Active:   s.active.Load(),
	}
}

// Serve accepts connections until ctx is cancelled, then closes the listener
// and waits for running handlers. Handlers receive ctx and are expected to
// return once it is cancelled.
func (s *TCPServer) Serve(ctx context.Context) error {
	ln := s.cfg.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	if s.cfg.Ready != nil {
		select {
		case s.cfg.Ready <- ln.Addr():
		case <-ctx.Done():
		}
	}
	s.logger.Info("accepting connections", "addr", ln.Addr().String(), "max_conns", s.cfg.MaxConns)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			//nolint:staticcheck // Temporary is still the signal net/http uses for accept errors.
			if errors.As(err, &netErr) && netErr.Temporary() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("temporary accept failure", "error", err, "retry_in", backoff)
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			_ = ln.Close()
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if !s.limiter.Allow(conn.RemoteAddr()) {
			s.rejected.Inc()
			s.logger.Warn("connection rate exceeded, closing connection", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		if s.slots != nil && !s.slots.TryAcquire(1) {
			s.rejected.Inc()
			s.logger.Warn("connection limit reached, closing connection", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.accepted.Inc()
		s.active.Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.active.Dec()
			if s.slots != nil {
				defer s.slots.Release(1)
			}
			defer conn.Close()
			s.cfg.Handler(ctx, conn)
		}()
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	current *= 2
	if current > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return current
}
