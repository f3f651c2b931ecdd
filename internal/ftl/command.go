package ftl

// Command is a decoded client request. The set of implementations is closed;
// consumers switch on the concrete type.
type Command interface {
	// Kind returns a stable, lower-case name used for logs and metrics.
	Kind() string
	isCommand()
}

// Authenticate asks the server for a session challenge (wire: HMAC).
type Authenticate struct{}

// Connect identifies the broadcaster. Empty fields were absent on the wire.
type Connect struct {
	ChannelID string
	StreamKey string
}

// SetAttribute declares one negotiated stream parameter. The codec only
// produces it when the separator is present, so an empty Value was sent as
// empty and is distinct from an absent attribute. An empty Key was absent.
type SetAttribute struct {
	Key   string
	Value string
}

// FinalizeNegotiation ends attribute negotiation and requests a media port
// (wire: ".").
type FinalizeNegotiation struct{}

// Keepalive is the periodic client heartbeat.
type Keepalive struct {
	ChannelID string
}

// Disconnect ends the session.
type Disconnect struct{}

// Unrecognized carries a frame the codec could not classify.
type Unrecognized struct {
	Line string
}

func (Authenticate) Kind() string        { return "authenticate" }
func (Connect) Kind() string             { return "connect" }
func (SetAttribute) Kind() string        { return "attribute" }
func (FinalizeNegotiation) Kind() string { return "finalize" }
func (Keepalive) Kind() string           { return "keepalive" }
func (Disconnect) Kind() string          { return "disconnect" }
func (Unrecognized) Kind() string        { return "unrecognized" }

func (Authenticate) isCommand()        {}
func (Connect) isCommand()             {}
func (SetAttribute) isCommand()        {}
func (FinalizeNegotiation) isCommand() {}
func (Keepalive) isCommand()           {}
func (Disconnect) isCommand()          {}
func (Unrecognized) isCommand()        {}
