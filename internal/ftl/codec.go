package ftl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxCommandSize bounds a single decoded frame, terminator included.
const MaxCommandSize = 4096

// ErrCommandTooLong is returned when a peer sends a frame larger than
// MaxCommandSize without a terminator.
var ErrCommandTooLong = errors.New("ftl command exceeds maximum size")

var (
	crlfTerminator = []byte("\r\n\r\n")
	lfTerminator   = []byte("\n\n")
)

// Decoder reads FTL commands from a byte stream.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 512), MaxCommandSize)
	scanner.Split(splitFrames)
	return &Decoder{scanner: scanner}
}

// Decode blocks until the next command is available. It returns io.EOF when
// the peer closes the stream cleanly between frames.
func (d *Decoder) Decode() (Command, error) {
	for d.scanner.Scan() {
		frame := strings.TrimSpace(d.scanner.Text())
		if frame == "" {
			continue
		}
		return Parse(frame), nil
	}
	if err := d.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrCommandTooLong
		}
		return nil, fmt.Errorf("read ftl command: %w", err)
	}
	return nil, io.EOF
}

func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	index, width := -1, 0
	if i := bytes.Index(data, crlfTerminator); i >= 0 {
		index, width = i, len(crlfTerminator)
	}
	if i := bytes.Index(data, lfTerminator); i >= 0 && (index < 0 || i < index) {
		index, width = i, len(lfTerminator)
	}
	if index >= 0 {
		return index + width, data[:index], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Parse classifies a single frame with its terminator removed.
func Parse(frame string) Command {
	line := strings.TrimSpace(frame)
	switch {
	case line == "HMAC":
		return Authenticate{}
	case line == ".":
		return FinalizeNegotiation{}
	case line == "DISCONNECT":
		return Disconnect{}
	case line == "PING" || strings.HasPrefix(line, "PING "):
		return Keepalive{ChannelID: strings.TrimSpace(strings.TrimPrefix(line, "PING"))}
	case line == "CONNECT" || strings.HasPrefix(line, "CONNECT "):
		return parseConnect(strings.TrimPrefix(line, "CONNECT"))
	}
	if key, value, ok := strings.Cut(line, ":"); ok && !strings.ContainsAny(key, " \t") {
		return SetAttribute{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)}
	}
	return Unrecognized{Line: line}
}

func parseConnect(rest string) Connect {
	var cmd Connect
	fields := strings.Fields(rest)
	if len(fields) > 0 {
		cmd.ChannelID = fields[0]
	}
	if len(fields) > 1 {
		cmd.StreamKey = strings.TrimPrefix(fields[1], "$")
	}
	return cmd
}

// Encoder writes response lines to a byte stream.
type Encoder struct {
	writer *bufio.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: bufio.NewWriter(w)}
}

// Encode writes one response line verbatim and flushes it.
func (e *Encoder) Encode(line string) error {
	if _, err := e.writer.WriteString(line); err != nil {
		return fmt.Errorf("write ftl response: %w", err)
	}
	if err := e.writer.Flush(); err != nil {
		return fmt.Errorf("flush ftl response: %w", err)
	}
	return nil
}
