package admin

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/journal"
	"ftl-ingest/internal/observability/metrics"
	"ftl-ingest/internal/serverutil"
	"ftl-ingest/internal/session"
)

type fixture struct {
	registry  *session.Registry
	journal   *journal.MemoryJournal
	publisher *events.MemoryPublisher
	recorder  *metrics.Recorder
	handler   http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry:  session.NewRegistry(),
		journal:   journal.NewMemoryJournal(16),
		publisher: events.NewMemoryPublisher(16),
		recorder:  metrics.New(),
	}
	t.Cleanup(func() { _ = f.publisher.Close() })
	f.handler = NewHandler(Config{
		Registry: f.registry,
		Journal:  f.journal,
		Events:   f.publisher,
		Metrics:  f.recorder,
		Listener: func() serverutil.TCPStats {
			return serverutil.TCPStats{Accepted: 3, Rejected: 1, Active: 2}
		},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		requestID: func() string { return "req-1" },
	})
	return f
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.recorder.SessionStarted()

	rec := f.get(t, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-Id") != "req-1" {
		t.Fatalf("expected request id header, got %q", rec.Header().Get("X-Request-Id"))
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveSessions != 1 {
		t.Fatalf("unexpected health %+v", body)
	}
	if body.Listener == nil || body.Listener.Accepted != 3 || body.Listener.Rejected != 1 {
		t.Fatalf("unexpected listener stats %+v", body.Listener)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/healthz")

	rec := f.get(t, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `ftl_admin_http_requests_total{method="GET",path="/healthz",status="200"} 1`) {
		t.Fatalf("expected admin request metric, got:\n%s", rec.Body.String())
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.registry.Add("s-1", "203.0.113.5:40000", started)
	f.registry.Update("s-1", session.Snapshot{Phase: "identified", StreamID: session.Fingerprint("abc123"), ChannelID: "7"})

	rec := f.get(t, "/sessions")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "abc123") {
		t.Fatalf("stream key leaked: %s", rec.Body.String())
	}
	var list []session.Info
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "s-1" || list[0].State.ChannelID != "7" {
		t.Fatalf("unexpected sessions %+v", list)
	}

	if rec := f.get(t, "/sessions/s-1"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for known session, got %d", rec.Code)
	}
	if rec := f.get(t, "/sessions/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		entry := journal.Entry{
			SessionID: id,
			StartedAt: base,
			EndedAt:   base.Add(time.Duration(i+1) * time.Minute),
			EndReason: "disconnect",
		}
		if err := f.journal.Record(ctx, entry); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	rec := f.get(t, "/sessions/history?limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 2 || entries[0].SessionID != "c" || entries[1].SessionID != "b" {
		t.Fatalf("unexpected history %+v", entries)
	}

	if rec := f.get(t, "/sessions/history?limit=zero"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", rec.Code)
	}
}

func TestDisabledRoutes(t *testing.T) {
	handler := NewHandler(Config{Metrics: metrics.New(), Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	for path, want := range map[string]int{
		"/sessions":         http.StatusOK,
		"/sessions/history": http.StatusServiceUnavailable,
		"/events":           http.StatusServiceUnavailable,
		"/unknown":          http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	server := httptest.NewServer(f.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("expected connected comment, got %q, %v", line, err)
	}

	event := events.Event{
		Type:       events.TypePortAssigned,
		SessionID:  "s-1",
		Port:       5000,
		OccurredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := f.publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if eventLine != string(events.TypePortAssigned) {
		t.Fatalf("unexpected event name %q", eventLine)
	}
	var decoded events.Event
	if err := json.Unmarshal([]byte(dataLine), &decoded); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if decoded.SessionID != "s-1" || decoded.Port != 5000 {
		t.Fatalf("unexpected event %+v", decoded)
	}
}
