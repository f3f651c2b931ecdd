package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a Prometheus registry with the counters and gauges exported by
// the ingest server: session lifecycle, decoded commands, protocol violations,
// media port allocation and authority announcements. A private registry keeps
// recorders independent so tests can assert on exact values.
type Recorder struct {
	registry *prometheus.Registry

	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram
	commands        *prometheus.CounterVec
	violations      *prometheus.CounterVec
	portAllocations *prometheus.CounterVec
	portReleases    *prometheus.CounterVec
	announcements   *prometheus.CounterVec
	eventPublishes  *prometheus.CounterVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	active atomic.Int64
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ftl_sessions_active",
			Help: "Current number of connected FTL sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ftl_sessions_total",
			Help: "Total number of FTL sessions accepted",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ftl_session_duration_seconds",
			Help:    "Lifetime of FTL control sessions",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 4 * 3600, 12 * 3600},
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_commands_total",
			Help: "Decoded FTL commands by kind",
		}, []string{"command"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_protocol_violations_total",
			Help: "Rejected FTL commands by reason",
		}, []string{"reason"}),
		portAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_port_allocations_total",
			Help: "Media port assignments by outcome",
		}, []string{"outcome"}),
		portReleases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_port_releases_total",
			Help: "Media port releases by outcome",
		}, []string{"outcome"}),
		announcements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_announcements_total",
			Help: "Stream authority announcements by kind and outcome",
		}, []string{"kind", "outcome"}),
		eventPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_lifecycle_events_total",
			Help: "Session lifecycle events published by type and outcome",
		}, []string{"type", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ftl_admin_http_requests_total",
			Help: "Admin HTTP requests by method, path and status",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ftl_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	r.registry.MustRegister(
		r.sessionsActive,
		r.sessionsTotal,
		r.sessionDuration,
		r.commands,
		r.violations,
		r.portAllocations,
		r.portReleases,
		r.announcements,
		r.eventPublishes,
		r.requests,
		r.requestDuration,
	)
	return r
}

// Default returns the process-wide recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry so callers can add collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SessionStarted counts a new session and raises the active gauge.
func (r *Recorder) SessionStarted() {
	r.sessionsTotal.Inc()
	r.active.Add(1)
	r.sessionsActive.Inc()
}

// SessionEnded lowers the active gauge, never below zero, and observes the
// session lifetime.
func (r *Recorder) SessionEnded(lifetime time.Duration) {
	for {
		current := r.active.Load()
		if current <= 0 {
			break
		}
		if r.active.CompareAndSwap(current, current-1) {
			r.sessionsActive.Dec()
			break
		}
	}
	r.sessionDuration.Observe(lifetime.Seconds())
}

// ActiveSessions reports the current active session count.
func (r *Recorder) ActiveSessions() int64 {
	return r.active.Load()
}

// ObserveCommand counts one decoded command.
func (r *Recorder) ObserveCommand(kind string) {
	r.commands.WithLabelValues(normalizeName(kind)).Inc()
}

// ObserveViolation counts one rejected command.
func (r *Recorder) ObserveViolation(reason string) {
	r.violations.WithLabelValues(normalizeName(reason)).Inc()
}

// ObservePortAllocation counts a port hand-out; outcome is "allocated" or
// "fallback".
func (r *Recorder) ObservePortAllocation(outcome string) {
	r.portAllocations.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObservePortRelease counts a port release attempt.
func (r *Recorder) ObservePortRelease(outcome string) {
	r.portReleases.WithLabelValues(normalizeName(outcome)).Inc()
}

// ObserveAnnouncement counts a start or end announcement.
func (r *Recorder) ObserveAnnouncement(kind, outcome string) {
	r.announcements.WithLabelValues(normalizeName(kind), normalizeName(outcome)).Inc()
}

// ObserveEventPublish counts a lifecycle event publication.
func (r *Recorder) ObserveEventPublish(eventType, outcome string) {
	r.eventPublishes.WithLabelValues(normalizeName(eventType), normalizeName(outcome)).Inc()
}

// ObserveRequest records an admin HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	normalized := normalizePath(path)
	method = strings.ToUpper(method)
	r.requests.WithLabelValues(method, normalized, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, normalized).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
