package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"ftl-ingest/internal/ftl"
)

// ErrDispatcherGone is returned by FrameIO when the dispatcher closed the
// reply channel, which it does after DISCONNECT or its own teardown.
var ErrDispatcherGone = errors.New("session dispatcher has finished")

// TransportError reports a socket failure. Op is "read" or "write".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ftl %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FrameIO owns the connection socket. It decodes commands, hands each one to
// the dispatcher and writes back the single Reply before decoding the next.
type FrameIO struct {
	conn         net.Conn
	decoder      *ftl.Decoder
	encoder      *ftl.Encoder
	readTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewFrameIO wraps conn. Zero timeouts disable the corresponding deadline.
func NewFrameIO(conn net.Conn, readTimeout, writeTimeout time.Duration, logger *slog.Logger) *FrameIO {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameIO{
		conn:         conn,
		decoder:      ftl.NewDecoder(conn),
		encoder:      ftl.NewEncoder(conn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Run drives the lockstep loop. It closes commands when it returns; the
// returned error says why the loop stopped and is never nil.
func (f *FrameIO) Run(commands chan<- ftl.Command, replies <-chan Reply) error {
	defer close(commands)

	for {
		cmd, err := f.next()
		if err != nil {
			f.logger.Debug("stopped reading commands", "error", err)
			return err
		}

		// The dispatcher only replies to commands it has received, so
		// anything arriving here means it closed the channel.
		select {
		case commands <- cmd:
		case <-replies:
			return ErrDispatcherGone
		}

		reply, ok := <-replies
		if !ok {
			return ErrDispatcherGone
		}
		for _, line := range reply.Lines {
			if err := f.write(line); err != nil {
				f.logger.Warn("write response failed", "error", err)
				return err
			}
		}
	}
}

func (f *FrameIO) next() (ftl.Command, error) {
	if f.readTimeout > 0 {
		if err := f.conn.SetReadDeadline(time.Now().Add(f.readTimeout)); err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
	}
	cmd, err := f.decoder.Decode()
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err}
	}
	return cmd, nil
}

func (f *FrameIO) write(line string) error {
	if f.writeTimeout > 0 {
		if err := f.conn.SetWriteDeadline(time.Now().Add(f.writeTimeout)); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
	}
	if err := f.encoder.Encode(line); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
