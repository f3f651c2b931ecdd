package events

import "time"

// Type enumerates the session lifecycle events.
type Type string

const (
	// TypeIdentified is published when a Connect command is accepted.
	TypeIdentified Type = "session.identified"
	// TypePortAssigned is published when a media port is handed out,
	// including the compatibility fallback.
	TypePortAssigned Type = "session.port_assigned"
	// TypeEnded is published once per session after cleanup.
	TypeEnded Type = "session.ended"
)

// Event is the wire representation written to the event stream. Stream keys
// never appear here; StreamID carries their fingerprint.
type Event struct {
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId"`
	StreamID   string    `json:"streamId,omitempty"`
	ChannelID  string    `json:"channelId,omitempty"`
	Port       uint16    `json:"port,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
