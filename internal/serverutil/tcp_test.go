package serverutil

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTCP(t *testing.T, cfg TCPConfig) (*TCPServer, net.Addr, context.CancelFunc, <-chan error) {
	t.Helper()
	ready := make(chan net.Addr, 1)
	cfg.Addr = "127.0.0.1:0"
	cfg.Ready = ready
	cfg.Logger = quietLogger()
	srv, err := NewTCPServer(cfg)
	if err != nil {
		t.Fatalf("NewTCPServer: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()

	select {
	case addr := <-ready:
		return srv, addr, cancel, done
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(time.Second):
		t.Fatal("server did not start")
	}
	return nil, nil, cancel, done
}

func echoLine(ctx context.Context, conn net.Conn) {
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	_, _ = conn.Write([]byte(line))
}

func TestServeTCPRunsHandler(t *testing.T) {
	srv, addr, cancel, done := startTCP(t, TCPConfig{Handler: echoLine})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Fatalf("expected echo, got %q, %v", line, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	if stats := srv.Stats(); stats.Accepted != 1 || stats.Active != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestServeTCPRejectsOverLimit(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, conn net.Conn) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}
	srv, addr, cancel, done := startTCP(t, TCPConfig{Handler: handler, MaxConns: 1})

	first, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	<-started

	second, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected rejected connection to be closed, got %v", err)
	}

	close(release)
	cancel()
	<-done
	if stats := srv.Stats(); stats.Accepted != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestServeTCPCancelsHandlers(t *testing.T) {
	started := make(chan struct{}, 1)
	handler := func(ctx context.Context, conn net.Conn) {
		started <- struct{}{}
		<-ctx.Done()
	}
	_, addr, cancel, done := startTCP(t, TCPConfig{Handler: handler})

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-started

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not wait for handlers and return")
	}
}

func TestNewTCPServerValidates(t *testing.T) {
	if _, err := NewTCPServer(TCPConfig{Addr: ":0"}); err == nil {
		t.Fatal("expected error without handler")
	}
	if _, err := NewTCPServer(TCPConfig{Handler: echoLine}); err == nil {
		t.Fatal("expected error without address")
	}
	if _, err := NewTCPServer(TCPConfig{Addr: ":0", Handler: echoLine, MaxConns: -1}); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestNextBackoff(t *testing.T) {
	if got := nextBackoff(0); got != minAcceptBackoff {
		t.Fatalf("expected %v, got %v", minAcceptBackoff, got)
	}
	if got := nextBackoff(maxAcceptBackoff); got != maxAcceptBackoff {
		t.Fatalf("expected cap %v, got %v", maxAcceptBackoff, got)
	}
}

func TestServeTCPRateLimitsSource(t *testing.T) {
	srv, addr, cancel, done := startTCP(t, TCPConfig{
		Handler:   echoLine,
		RateLimit: RateLimitConfig{Limit: 1, Window: time.Hour},
	})

	first, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("one\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = first.SetReadDeadline(time.Now().Add(time.Second))
	if line, err := bufio.NewReader(first).ReadString('\n'); err != nil || line != "one\n" {
		t.Fatalf("expected echo, got %q, %v", line, err)
	}

	second, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected throttled connection to be closed, got %v", err)
	}

	cancel()
	<-done
	if stats := srv.Stats(); stats.Accepted != 1 || stats.Rejected != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
