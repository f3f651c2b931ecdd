package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"ftl-ingest/internal/observability/logging"
)

const statusEnded = "ended"

type streamAuthority interface {
	Announce(ctx context.Context, msg authorityMessage, awaitReply bool) error
}

type authorityMessage struct {
	StreamKey string `json:"stream_key"`
	Status    string `json:"status,omitempty"`
}

type wsAuthority struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

func newWSAuthority(endpoint string, dialer *websocket.Dialer, logger *slog.Logger) *wsAuthority {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &wsAuthority{url: endpoint, dialer: dialer, logger: logger}
}

// Announce opens a connection per message. The authority is contacted at
// most twice per session, so there is nothing to pool.
func (a *wsAuthority) Announce(ctx context.Context, msg authorityMessage, awaitReply bool) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal authority message: %w", err)
	}

	conn, resp, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial authority: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial authority: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write authority message: %w", err)
	}

	logger := logging.WithContext(ctx, a.logger)
	if awaitReply {
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read authority reply: %w", err)
		}
		logger.Info("stream authority replied", "reply", string(reply))
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second)); err != nil {
		logger.Debug("authority close handshake failed", "error", err)
	}
	return nil
}
