// Package redisstub is an in-process RESP2 server that understands the
// stream commands used by the lifecycle event publisher. It tolerates the
// connection handshake sent by go-redis v9 (HELLO, CLIENT SETINFO) so a real
// client can be pointed at it.
package redisstub

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Options configures the stub.
type Options struct {
	Password  string
	EnableTLS bool
}

// Entry is a stream record as stored by the stub.
type Entry struct {
	ID     string
	Values map[string]string
}

// Server is a running stub instance.
type Server struct {
	opts     Options
	listener net.Listener
	certPEM  []byte

	mu       sync.Mutex
	changed  *sync.Cond
	streams  map[string]*stream
	commands []string
	closed   bool
}

type stream struct {
	entries []Entry
	seq     int64
	groups  map[string]*group
}

type group struct {
	next    int
	pending map[string]struct{}
}

// RESP reply values. A nil reply is encoded as a null bulk string.
type (
	status  string
	failure string
)

type session struct {
	authenticated bool
}

type commandFunc func(s *Server, args []string) any

var streamCommands = map[string]commandFunc{
	"XADD":       (*Server).xadd,
	"XLEN":       (*Server).xlen,
	"XGROUP":     (*Server).xgroup,
	"XREADGROUP": (*Server).xreadgroup,
	"XACK":       (*Server).xack,
}

// Start listens on a random loopback port and serves until Close.
func Start(opts Options) (*Server, error) {
	s := &Server{opts: opts, streams: make(map[string]*stream)}
	s.changed = sync.NewCond(&s.mu)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.EnableTLS {
		cert, certPEM, err := selfSignedCert()
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		s.certPEM = certPEM
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.listener = ln
	go s.serve()
	return s, nil
}

// Addr returns the host:port the stub listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// CertPEM returns the self-signed certificate served when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Entries returns a copy of the records currently held in name.
func (s *Server) Entries(name string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]Entry, len(st.entries))
	for i, entry := range st.entries {
		values := make(map[string]string, len(entry.Values))
		for k, v := range entry.Values {
			values[k] = v
		}
		out[i] = Entry{ID: entry.ID, Values: values}
	}
	return out
}

// Groups returns the consumer groups on name with the number of entries each
// has read but not acknowledged.
func (s *Server) Groups(name string) map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	if st, ok := s.streams[name]; ok {
		for groupName, g := range st.groups {
			out[groupName] = len(g.pending)
		}
	}
	return out
}

// Commands returns the upper-cased command names received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting connections and wakes blocked readers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.changed.Broadcast()
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	sess := &session{authenticated: s.opts.Password == ""}
	for {
		args, err := readCommand(reader)
		if err != nil {
			return
		}
		encode(writer, s.exec(sess, args))
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) exec(sess *session, args []string) any {
	if len(args) == 0 {
		return failure("ERR empty command")
	}
	name := strings.ToUpper(args[0])
	s.mu.Lock()
	s.commands = append(s.commands, name)
	s.mu.Unlock()

	switch name {
	case "HELLO":
		// Without RESP3 support go-redis falls back to AUTH and SELECT.
		return failure("ERR unknown command 'HELLO'")
	case "CLIENT", "SELECT":
		return status("OK")
	case "PING":
		return status("PONG")
	case "AUTH":
		return s.auth(sess, args[1:])
	}
	if !sess.authenticated {
		return failure("NOAUTH Authentication required.")
	}
	fn, ok := streamCommands[name]
	if !ok {
		return failure(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}
	return fn(s, args)
}

// auth accepts AUTH password and AUTH username password. The username is
// ignored.
func (s *Server) auth(sess *session, args []string) any {
	if len(args) == 0 || len(args) > 2 {
		return failure("ERR wrong number of arguments for 'auth'")
	}
	if s.opts.Password != "" && args[len(args)-1] != s.opts.Password {
		return failure("WRONGPASS invalid username-password pair")
	}
	sess.authenticated = true
	return status("OK")
}

// streamLocked returns the named stream, creating it when absent.
func (s *Server) streamLocked(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}
	return st
}

// xadd handles XADD key [NOMKSTREAM] [MAXLEN|MINID [=|~] threshold
// [LIMIT count]] id field value [field value ...]. MAXLEN always trims
// exactly. MINID is parsed and ignored.
func (s *Server) xadd(args []string) any {
	if len(args) < 5 {
		return failure("ERR wrong number of arguments for 'xadd'")
	}
	maxLen := -1
	i := 2
options:
	for i < len(args) {
		switch option := strings.ToUpper(args[i]); option {
		case "NOMKSTREAM":
			i++
		case "MAXLEN", "MINID":
			i++
			if i < len(args) && (args[i] == "~" || args[i] == "=") {
				i++
			}
			if i >= len(args) {
				return failure("ERR syntax error")
			}
			if option == "MAXLEN" {
				n, err := strconv.Atoi(args[i])
				if err != nil || n < 0 {
					return failure("ERR value is not an integer or out of range")
				}
				maxLen = n
			}
			i++
			if i+1 < len(args) && strings.ToUpper(args[i]) == "LIMIT" {
				i += 2
			}
		default:
			break options
		}
	}
	fields := args[min(i+1, len(args)):]
	if i >= len(args) || len(fields) == 0 || len(fields)%2 != 0 {
		return failure("ERR wrong number of arguments for 'xadd'")
	}
	values := make(map[string]string, len(fields)/2)
	for j := 0; j < len(fields); j += 2 {
		values[fields[j]] = fields[j+1]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streamLocked(args[1])
	id := args[i]
	if id == "*" {
		st.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), st.seq)
	}
	st.entries = append(st.entries, Entry{ID: id, Values: values})
	if maxLen >= 0 && len(st.entries) > maxLen {
		drop := len(st.entries) - maxLen
		st.entries = append([]Entry(nil), st.entries[drop:]...)
		for _, g := range st.groups {
			g.next = max(g.next-drop, 0)
		}
	}
	s.changed.Broadcast()
	return id
}

func (s *Server) xlen(args []string) any {
	if len(args) != 2 {
		return failure("ERR wrong number of arguments for 'xlen'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.streams[args[1]]; ok {
		return int64(len(st.entries))
	}
	return int64(0)
}

// xgroup supports XGROUP CREATE key group id [MKSTREAM] and XGROUP DESTROY
// key group.
func (s *Server) xgroup(args []string) any {
	if len(args) < 4 {
		return failure("ERR wrong number of arguments for 'xgroup'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch strings.ToUpper(args[1]) {
	case "CREATE":
		if len(args) < 5 {
			return failure("ERR wrong number of arguments for 'xgroup'")
		}
	case "DESTROY":
		st, ok := s.streams[args[2]]
		if !ok {
			return int64(0)
		}
		if _, exists := st.groups[args[3]]; !exists {
			return int64(0)
		}
		delete(st.groups, args[3])
		return int64(1)
	default:
		return failure("ERR only CREATE and DESTROY supported")
	}
	st := s.streamLocked(args[2])
	if _, exists := st.groups[args[3]]; exists {
		return failure("BUSYGROUP Consumer Group name already exists")
	}
	g := &group{pending: make(map[string]struct{})}
	if args[4] == "$" {
		g.next = len(st.entries)
	}
	st.groups[args[3]] = g
	return status("OK")
}

// xreadgroup supports GROUP, COUNT, BLOCK and a single stream read from ">".
// BLOCK 0 returns immediately instead of waiting forever.
func (s *Server) xreadgroup(args []string) any {
	var groupName, streamName string
	count, block := 1, 0
	for i := 1; i < len(args); i++ {
		keyword := strings.ToUpper(args[i])
		switch {
		case keyword == "GROUP" && i+2 < len(args):
			groupName = args[i+1]
			i += 2
		case (keyword == "COUNT" || keyword == "BLOCK") && i+1 < len(args):
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return failure("ERR invalid " + keyword)
			}
			if keyword == "COUNT" {
				count = n
			} else {
				block = n
			}
			i++
		case keyword == "STREAMS" && i+2 < len(args):
			streamName = args[i+1]
			i = len(args)
		case keyword == "NOACK":
		default:
			return failure("ERR syntax error")
		}
	}
	if groupName == "" || streamName == "" {
		return failure("ERR missing stream or group")
	}

	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	if block > 0 {
		wake := time.AfterFunc(time.Duration(block)*time.Millisecond, func() {
			s.mu.Lock()
			s.changed.Broadcast()
			s.mu.Unlock()
		})
		defer wake.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if records := s.claimLocked(streamName, groupName, count); len(records) > 0 {
			return []any{[]any{streamName, records}}
		}
		if block <= 0 || s.closed || !time.Now().Before(deadline) {
			return nil
		}
		s.changed.Wait()
	}
}

// claimLocked moves up to count undelivered entries into the pending set of
// the group and returns them in RESP form.
func (s *Server) claimLocked(streamName, groupName string, count int) []any {
	st := s.streamLocked(streamName)
	g, ok := st.groups[groupName]
	if !ok {
		g = &group{pending: make(map[string]struct{})}
		st.groups[groupName] = g
	}
	end := min(g.next+count, len(st.entries))
	var records []any
	for _, entry := range st.entries[min(g.next, end):end] {
		g.pending[entry.ID] = struct{}{}
		fields := make([]any, 0, len(entry.Values)*2)
		for k, v := range entry.Values {
			fields = append(fields, k, v)
		}
		records = append(records, []any{entry.ID, fields})
	}
	g.next = max(g.next, end)
	return records
}

func (s *Server) xack(args []string) any {
	if len(args) < 4 {
		return failure("ERR wrong number of arguments for 'xack'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[args[1]]
	if !ok {
		return int64(0)
	}
	g, ok := st.groups[args[2]]
	if !ok {
		return int64(0)
	}
	var acked int64
	for _, id := range args[3:] {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, prefix byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 || line[0] != prefix {
		return 0, fmt.Errorf("expected %q header, got %q", prefix, line)
	}
	return strconv.Atoi(line[1:])
}

func encode(w *bufio.Writer, reply any) {
	switch v := reply.(type) {
	case nil:
		_, _ = w.WriteString("$-1\r\n")
	case status:
		_, _ = fmt.Fprintf(w, "+%s\r\n", v)
	case failure:
		_, _ = fmt.Fprintf(w, "-%s\r\n", v)
	case int64:
		_, _ = fmt.Fprintf(w, ":%d\r\n", v)
	case string:
		_, _ = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
	case []any:
		_, _ = fmt.Fprintf(w, "*%d\r\n", len(v))
		for _, item := range v {
			encode(w, item)
		}
	default:
		encode(w, fmt.Sprint(v))
	}
}

func selfSignedCert() (tls.Certificate, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, certPEM, nil
}
