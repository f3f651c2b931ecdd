package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/ingest"
	"ftl-ingest/internal/journal"
	"ftl-ingest/internal/observability/metrics"
	"ftl-ingest/internal/testsupport/ingeststub"
)

type client struct {
	conn   net.Conn
	reader *bufio.Reader
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	if err := c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set write deadline: %v", err)
	}
	if _, err := c.conn.Write([]byte(frame + "\r\n\r\n")); err != nil {
		t.Fatalf("write %q: %v", frame, err)
	}
}

func (c *client) read(t *testing.T) string {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return line
}

// expectClosed waits for the server to close its end. net.Pipe refuses
// deadlines once either end is closed, and reads then report io.EOF at once.
func (c *client) expectClosed(t *testing.T) {
	t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("set read deadline: %v", err)
	}
	if line, err := c.reader.ReadString('\n'); err != io.EOF {
		t.Fatalf("expected connection to close, got %q, %v", line, err)
	}
}

// serve starts a supervised session over an in-memory pipe and returns the
// client end plus a channel that yields the journal entry.
func serve(t *testing.T, ctx context.Context, supervisor *Supervisor) (*client, <-chan journal.Entry) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })

	done := make(chan journal.Entry, 1)
	go func() {
		done <- supervisor.Serve(ctx, serverConn)
	}()
	return &client{conn: clientConn, reader: bufio.NewReader(clientConn)}, done
}

func awaitEntry(t *testing.T, done <-chan journal.Entry) journal.Entry {
	t.Helper()
	select {
	case entry := <-done:
		return entry
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
	}
	return journal.Entry{}
}

func stubCoordinator(t *testing.T, opts ingeststub.Options) (*ingest.HTTPCoordinator, *ingeststub.Services) {
	t.Helper()
	services := ingeststub.Start(opts)
	t.Cleanup(services.Close)

	cfg := ingest.DefaultConfig()
	cfg.AllocatorURL = services.BaseURL()
	cfg.AuthorityURL = services.AuthorityURL()
	cfg.Timeout = 2 * time.Second
	cfg.Logger = discardLogger()
	coordinator, err := cfg.NewHTTPCoordinator()
	if err != nil {
		t.Fatalf("NewHTTPCoordinator: %v", err)
	}
	return coordinator, services
}

var challengeLine = regexp.MustCompile(`^200 [0-9a-f]{256}\n$`)

func TestSupervisorNegotiatesSession(t *testing.T) {
	coordinator, services := stubCoordinator(t, ingeststub.Options{Ports: []uint16{5000}})
	registry := NewRegistry()
	recorder := metrics.New()
	publisher := events.NewMemoryPublisher(16)
	store := journal.NewMemoryJournal(8)

	opts := testOptions(coordinator)
	opts.Registry = registry
	opts.Metrics = recorder
	opts.Events = publisher
	supervisor := NewSupervisor(opts, store)
	c, done := serve(t, context.Background(), supervisor)

	c.send(t, "HMAC")
	if line := c.read(t); !challengeLine.MatchString(line) {
		t.Fatalf("unexpected challenge reply %q", line)
	}

	c.send(t, "CONNECT 7 $abc123")
	if line := c.read(t); line != "200\n" {
		t.Fatalf("unexpected connect reply %q", line)
	}
	starts := services.WaitFor(ingeststub.KindAnnounce, 1, 2*time.Second)
	if len(starts) != 1 || starts[0].Message != `{"stream_key":"abc123"}` {
		t.Fatalf("unexpected start announcement %+v", starts)
	}

	// The attribute acknowledgment is an empty line, so nothing reaches the
	// wire and the next read sees the port reply.
	c.send(t, "Video: true")
	c.send(t, ".")
	if line := c.read(t); line != "200 hi. Use UDP port 5000\n" {
		t.Fatalf("unexpected port reply %q", line)
	}
	if registry.Len() != 1 || recorder.ActiveSessions() != 1 {
		t.Fatalf("expected one live session, registry=%d active=%d", registry.Len(), recorder.ActiveSessions())
	}

	c.send(t, "DISCONNECT")
	c.expectClosed(t)
	entry := awaitEntry(t, done)

	announcements := services.WaitFor(ingeststub.KindAnnounce, 2, 2*time.Second)
	if len(announcements) != 2 || announcements[1].Message != `{"stream_key":"abc123","status":"ended"}` {
		t.Fatalf("unexpected end announcement %+v", announcements)
	}
	releases := services.WaitFor(ingeststub.KindRelease, 1, 2*time.Second)
	if len(releases) != 1 || releases[0].Port != 5000 {
		t.Fatalf("expected release of port 5000, got %+v", releases)
	}

	if entry.EndReason != EndDisconnect {
		t.Fatalf("unexpected end reason %q", entry.EndReason)
	}
	if entry.StreamID != Fingerprint("abc123") || entry.ChannelID != "7" || !entry.Video {
		t.Fatalf("unexpected journal entry %+v", entry)
	}
	if entry.Port == nil || *entry.Port != 5000 {
		t.Fatalf("expected port 5000 in journal, got %v", entry.Port)
	}
	recent, err := store.Recent(context.Background(), 10)
	if err != nil || len(recent) != 1 || recent[0].SessionID != entry.SessionID {
		t.Fatalf("expected entry in journal, got %+v, %v", recent, err)
	}
	if registry.Len() != 0 || recorder.ActiveSessions() != 0 {
		t.Fatalf("session not cleaned up, registry=%d active=%d", registry.Len(), recorder.ActiveSessions())
	}

	var types []events.Type
	for _, event := range publisher.Recent() {
		types = append(types, event.Type)
	}
	want := []events.Type{events.TypeIdentified, events.TypePortAssigned, events.TypeEnded}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
}

func TestSupervisorFallsBackWhenAllocatorUnreachable(t *testing.T) {
	unreachable := httptest.NewServer(nil)
	allocatorURL := unreachable.URL
	unreachable.Close()

	cfg := ingest.DefaultConfig()
	cfg.AllocatorURL = allocatorURL
	cfg.Timeout = time.Second
	cfg.Logger = discardLogger()
	coordinator, err := cfg.NewHTTPCoordinator()
	if err != nil {
		t.Fatalf("NewHTTPCoordinator: %v", err)
	}

	supervisor := NewSupervisor(testOptions(coordinator), nil)
	c, done := serve(t, context.Background(), supervisor)

	c.send(t, ".")
	if line := c.read(t); line != "200 hi. Use UDP port 65535\n" {
		t.Fatalf("unexpected port reply %q", line)
	}
	c.send(t, "DISCONNECT")
	c.expectClosed(t)
	if entry := awaitEntry(t, done); entry.Port != nil {
		t.Fatalf("fallback port recorded as allocated: %d", *entry.Port)
	}
}

func TestSupervisorRepliesInOrder(t *testing.T) {
	supervisor := NewSupervisor(testOptions(&fakeCoordinator{ports: []uint16{7000}}), nil)
	c, done := serve(t, context.Background(), supervisor)

	go func() {
		_, _ = c.conn.Write([]byte("PING 7\r\n\r\nHMAC\r\n\r\n.\r\n\r\nPING 7\r\n\r\n"))
	}()

	if line := c.read(t); line != "201\n" {
		t.Fatalf("expected keepalive first, got %q", line)
	}
	if line := c.read(t); !challengeLine.MatchString(line) {
		t.Fatalf("expected challenge second, got %q", line)
	}
	if line := c.read(t); line != "200 hi. Use UDP port 7000\n" {
		t.Fatalf("expected port third, got %q", line)
	}
	if line := c.read(t); line != "201\n" {
		t.Fatalf("expected keepalive last, got %q", line)
	}

	c.send(t, "DISCONNECT")
	c.expectClosed(t)
	awaitEntry(t, done)
}

func TestSupervisorPeerClose(t *testing.T) {
	coordinator := &fakeCoordinator{ports: []uint16{5000}}
	registry := NewRegistry()
	opts := testOptions(coordinator)
	opts.Registry = registry
	supervisor := NewSupervisor(opts, nil)
	c, done := serve(t, context.Background(), supervisor)

	c.send(t, "CONNECT 7 $abc123")
	c.read(t)
	c.send(t, ".")
	c.read(t)
	_ = c.conn.Close()

	entry := awaitEntry(t, done)
	if entry.EndReason != EndPeerClosed {
		t.Fatalf("unexpected end reason %q", entry.EndReason)
	}
	got := coordinator.snapshot()
	if len(got.ends) != 1 || len(got.releases) != 1 || got.releases[0] != 5000 {
		t.Fatalf("expected cleanup once, got ends=%q releases=%v", got.ends, got.releases)
	}
	if registry.Len() != 0 {
		t.Fatal("session left in registry")
	}
}

func TestSupervisorIdleTimeout(t *testing.T) {
	opts := testOptions(&fakeCoordinator{})
	opts.ReadTimeout = 50 * time.Millisecond
	supervisor := NewSupervisor(opts, nil)
	c, done := serve(t, context.Background(), supervisor)

	entry := awaitEntry(t, done)
	if entry.EndReason != EndIdleTimeout {
		t.Fatalf("unexpected end reason %q", entry.EndReason)
	}
	c.expectClosed(t)
}

func TestSupervisorShutdown(t *testing.T) {
	coordinator := &fakeCoordinator{}
	supervisor := NewSupervisor(testOptions(coordinator), nil)
	ctx, cancel := context.WithCancel(context.Background())
	c, done := serve(t, ctx, supervisor)

	c.send(t, "CONNECT 7 $abc123")
	c.read(t)
	cancel()

	entry := awaitEntry(t, done)
	if entry.EndReason != EndShutdown {
		t.Fatalf("unexpected end reason %q", entry.EndReason)
	}
	got := coordinator.snapshot()
	if len(got.ends) != 1 || got.endCtxErr != nil {
		t.Fatalf("expected end announcement on a live context, got ends=%q err=%v", got.ends, got.endCtxErr)
	}
}
