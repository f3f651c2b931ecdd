package ingeststub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Operation kinds recorded by the stub.
const (
	KindAllocate = "allocate"
	KindRelease  = "release"
	KindAnnounce = "announce"
)

// Options describes how the fake services should behave.
type Options struct {
	// Ports are handed out by the allocate endpoint in order. When the list
	// is exhausted the stub continues from the last port plus one. The
	// default first port is 5000.
	Ports []uint16

	// FailAllocations causes the first N allocate requests to return HTTP
	// 503. Subsequent attempts succeed.
	FailAllocations int

	// MalformedAllocation makes the allocate endpoint answer 200 with a body
	// that has no port field.
	MalformedAllocation bool

	// AuthorityReply is sent back after every start announcement. Defaults
	// to {"status":"ok"}.
	AuthorityReply string

	// RejectAuthority makes the authority endpoint refuse the upgrade with
	// HTTP 403.
	RejectAuthority bool
}

// Operation represents a recorded interaction.
type Operation struct {
	Kind      string
	Port      uint16
	StreamKey string
	Status    string
	Message   string
	Attempt   int
	Code      int
	Timestamp time.Time
}

// Services hosts a single httptest.Server that serves the allocator and the
// authority endpoints.
type Services struct {
	server   *httptest.Server
	opts     Options
	upgrader websocket.Upgrader

	mu         sync.Mutex
	cond       *sync.Cond
	operations []Operation
	allocated  int
	nextPort   uint16
}

// Start spins up new fake services using the provided options.
func Start(opts Options) *Services {
	s := &Services{opts: opts, nextPort: 5000}
	s.cond = sync.NewCond(&s.mu)
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Services) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// BaseURL returns the allocator base address.
func (s *Services) BaseURL() string {
	return s.server.URL
}

// AuthorityURL returns the WebSocket address of the authority endpoint.
func (s *Services) AuthorityURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/stream/auth"
}

// Operations returns a copy of all recorded operations in the order they occurred.
func (s *Services) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// WaitFor blocks until at least count operations of kind have been recorded
// or the timeout elapses, and returns the matching operations seen so far.
// Announcements that expect no reply are recorded after the client has
// already returned, so tests use this instead of Operations.
func (s *Services) WaitFor(kind string, count int, timeout time.Duration) []Operation {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		matched := s.filterLocked(kind)
		if len(matched) >= count || !time.Now().Before(deadline) {
			return matched
		}
		s.cond.Wait()
	}
}

func (s *Services) filterLocked(kind string) []Operation {
	var out []Operation
	for _, op := range s.operations {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func (s *Services) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/stream":
		s.handleAllocate(w)
	case r.Method == http.MethodDelete && r.URL.Path == "/stream":
		s.handleRelease(w, r)
	case r.URL.Path == "/stream/auth":
		s.handleAuthority(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (s *Services) handleAllocate(w http.ResponseWriter) {
	s.mu.Lock()
	s.allocated++
	attempt := s.allocated
	op := Operation{Kind: KindAllocate, Attempt: attempt, Code: http.StatusOK, Timestamp: time.Now()}
	if attempt <= s.opts.FailAllocations {
		op.Code = http.StatusServiceUnavailable
		s.recordLocked(op)
		s.mu.Unlock()
		http.Error(w, "allocator unavailable", http.StatusServiceUnavailable)
		return
	}
	if s.opts.MalformedAllocation {
		s.recordLocked(op)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"no ports"}`))
		return
	}
	op.Port = s.takePortLocked()
	s.recordLocked(op)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint16{"port": op.Port})
}

func (s *Services) takePortLocked() uint16 {
	if len(s.opts.Ports) > 0 {
		port := s.opts.Ports[0]
		s.opts.Ports = s.opts.Ports[1:]
		s.nextPort = port + 1
		return port
	}
	port := s.nextPort
	s.nextPort++
	return port
}

func (s *Services) handleRelease(w http.ResponseWriter, r *http.Request) {
	parsed, err := strconv.ParseUint(r.URL.Query().Get("port"), 10, 16)
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	s.record(Operation{Kind: KindRelease, Port: uint16(parsed), Code: http.StatusNoContent, Timestamp: time.Now()})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Services) handleAuthority(w http.ResponseWriter, r *http.Request) {
	if s.opts.RejectAuthority {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	var msg struct {
		StreamKey string `json:"stream_key"`
		Status    string `json:"status"`
	}
	_ = json.Unmarshal(data, &msg)
	s.record(Operation{
		Kind:      KindAnnounce,
		StreamKey: msg.StreamKey,
		Status:    msg.Status,
		Message:   string(data),
		Timestamp: time.Now(),
	})
	if msg.Status != "" {
		return
	}
	reply := s.opts.AuthorityReply
	if reply == "" {
		reply = `{"status":"ok"}`
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
	// Wait for the client's close frame so the reply is not cut off.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()
}

func (s *Services) record(op Operation) {
	s.mu.Lock()
	s.recordLocked(op)
	s.mu.Unlock()
}

func (s *Services) recordLocked(op Operation) {
	s.operations = append(s.operations, op)
	s.cond.Broadcast()
}
