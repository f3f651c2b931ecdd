// Package admin serves the operator HTTP API: health, Prometheus metrics,
// live sessions, finished-session history and a server-sent stream of
// lifecycle events.
package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/journal"
	"ftl-ingest/internal/observability/logging"
	"ftl-ingest/internal/observability/metrics"
	"ftl-ingest/internal/serverutil"
	"ftl-ingest/internal/session"
)

const defaultHistoryLimit = 50

// Config wires the admin API to the running server. Nil dependencies disable
// the routes that need them.
type Config struct {
	Registry *session.Registry
	Journal  journal.Journal
	Events   events.Publisher
	Metrics  *metrics.Recorder
	// Listener reports the FTL accept loop counters on /healthz.
	Listener func() serverutil.TCPStats
	Logger   *slog.Logger

	requestID idGenerator
}

type handler struct {
	cfg    Config
	logger *slog.Logger
}

// NewHandler builds the admin router.
func NewHandler(cfg Config) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "admin")
	h := &handler{cfg: cfg, logger: logger}

	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/healthz").HandlerFunc(h.health)
	router.Methods(http.MethodGet).Path("/metrics").Handler(cfg.Metrics.Handler())
	router.Methods(http.MethodGet).Path("/sessions").HandlerFunc(h.sessions)
	router.Methods(http.MethodGet).Path("/sessions/history").HandlerFunc(h.history)
	router.Methods(http.MethodGet).Path("/sessions/{id}").HandlerFunc(h.sessionByID)
	router.Methods(http.MethodGet).Path("/events").HandlerFunc(h.stream)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("not found"))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	chain := metrics.HTTPMiddleware(cfg.Metrics, securityHeadersMiddleware(router))
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:     logger,
		QuietPaths: []string{"/healthz", "/metrics"},
	})(chain)
	return requestIDMiddleware(logger, cfg.requestID, chain)
}

type healthResponse struct {
	Status         string               `json:"status"`
	ActiveSessions int64                `json:"activeSessions"`
	Listener       *serverutil.TCPStats `json:"listener,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", ActiveSessions: h.cfg.Metrics.ActiveSessions()}
	if h.cfg.Listener != nil {
		stats := h.cfg.Listener()
		resp.Listener = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) sessions(w http.ResponseWriter, _ *http.Request) {
	if h.cfg.Registry == nil {
		writeJSON(w, http.StatusOK, []session.Info{})
		return
	}
	writeJSON(w, http.StatusOK, h.cfg.Registry.List())
}

func (h *handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if h.cfg.Registry == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	info, ok := h.cfg.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("session journal disabled"))
		return
	}
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	entries, err := h.cfg.Journal.Recent(r.Context(), limit)
	if err != nil {
		requestLogger(r, h.logger).Error("load session history", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to load session history"))
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// stream relays lifecycle events as server-sent events until the client goes
// away or the publisher closes.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Events == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	sub := h.cfg.Events.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				requestLogger(r, h.logger).Warn("encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
