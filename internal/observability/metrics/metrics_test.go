package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRecorderSessionLifecycle(t *testing.T) {
	recorder := New()
	recorder.SessionStarted()
	recorder.SessionStarted()
	recorder.SessionEnded(2 * time.Second)

	if got := recorder.ActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}

	body := scrape(t, recorder)
	for _, expected := range []string{
		"ftl_sessions_active 1",
		"ftl_sessions_total 2",
		"ftl_session_duration_seconds_count 1",
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in output, got %q", expected, body)
		}
	}
}

func TestRecorderActiveSessionsNeverNegative(t *testing.T) {
	recorder := New()
	recorder.SessionEnded(time.Second)
	recorder.SessionEnded(time.Second)

	if got := recorder.ActiveSessions(); got != 0 {
		t.Fatalf("expected 0 active sessions, got %d", got)
	}
	if body := scrape(t, recorder); !strings.Contains(body, "ftl_sessions_active 0") {
		t.Fatalf("expected active gauge to stay at zero, got %q", body)
	}
}

func TestRecorderProtocolCounters(t *testing.T) {
	recorder := New()
	recorder.ObserveCommand("keepalive")
	recorder.ObserveCommand("Keepalive")
	recorder.ObserveViolation("invalid_flag")
	recorder.ObservePortAllocation("fallback")
	recorder.ObservePortRelease("")
	recorder.ObserveAnnouncement("start", "ok")
	recorder.ObserveEventPublish("session.ended", "error")

	body := scrape(t, recorder)
	for _, expected := range []string{
		`ftl_commands_total{command="keepalive"} 2`,
		`ftl_protocol_violations_total{reason="invalid_flag"} 1`,
		`ftl_port_allocations_total{outcome="fallback"} 1`,
		`ftl_port_releases_total{outcome="unknown"} 1`,
		`ftl_announcements_total{kind="start",outcome="ok"} 1`,
		`ftl_lifecycle_events_total{outcome="error",type="session.ended"} 1`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected %q in output, got %q", expected, body)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"":                 "/",
		"/":                "/",
		"/healthz":         "/healthz",
		"/sessions/":       "/sessions",
		"/sessions/abc123": "/sessions/:id",
		"sessions":         "/sessions",
		"/metrics":         "/metrics",
	}
	for input, expected := range tests {
		if got := normalizePath(input); got != expected {
			t.Fatalf("normalizePath(%q) = %q, want %q", input, got, expected)
		}
	}
}
