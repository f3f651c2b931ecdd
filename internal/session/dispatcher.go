package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ftl-ingest/internal/events"
	"ftl-ingest/internal/ftl"
	"ftl-ingest/internal/ingest"
	"ftl-ingest/internal/observability/logging"
	"ftl-ingest/internal/observability/metrics"
)

// FallbackPort is handed to the client when no port could be allocated.
// Clients in the field connect to 65535 regardless of the port they are
// told, so this value must not change. It is never stored in State and
// never released.
const FallbackPort uint16 = 65535

// DefaultCleanupTimeout bounds the announce-end and release calls made when
// a session ends.
const DefaultCleanupTimeout = 10 * time.Second

// Reply is the dispatcher's answer to exactly one command. A Reply with no
// lines tells FrameIO to write nothing and read the next command.
type Reply struct {
	Lines []string
}

func respond(lines ...string) Reply { return Reply{Lines: lines} }

// Options configures dispatchers and the supervisor that creates them.
// Zero values select the defaults.
type Options struct {
	Coordinator    ingest.Coordinator
	Challenge      ChallengeFunc
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Events         events.Publisher
	Registry       *Registry
	CleanupTimeout time.Duration
	// ReadTimeout closes connections that send nothing for this long.
	// Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Coordinator == nil {
		o.Coordinator = ingest.NoopCoordinator{}
	}
	if o.Challenge == nil {
		o.Challenge = GenerateChallenge
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default()
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	return o
}

// Outcome describes how a dispatcher finished.
type Outcome struct {
	// Disconnected is true when the client sent DISCONNECT, false when the
	// command channel closed first.
	Disconnected bool
	State        Snapshot
}

// Dispatcher owns the State of one session and is its only mutator.
type Dispatcher struct {
	id        string
	opts      Options
	logger    *slog.Logger
	state     State
	channelID string
}

// NewDispatcher returns a dispatcher for the session with the given ID.
func NewDispatcher(id string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		id:     id,
		opts:   opts,
		logger: logging.WithComponent(opts.Logger, "dispatcher"),
	}
}

// Run processes commands until DISCONNECT or until commands is closed. Every
// other command gets exactly one Reply. Run always closes replies before
// returning, and it performs session cleanup exactly once.
func (d *Dispatcher) Run(ctx context.Context, commands <-chan ftl.Command, replies chan<- Reply) Outcome {
	defer close(replies)
	ctx = logging.ContextWithSessionID(ctx, d.id)

	for {
		cmd, ok := <-commands
		if !ok {
			d.log(ctx).Info("command channel closed")
			d.cleanup(ctx)
			return Outcome{State: d.snapshot()}
		}
		d.opts.Metrics.ObserveCommand(cmd.Kind())

		if _, done := cmd.(ftl.Disconnect); done {
			d.log(ctx).Info("client disconnected")
			d.cleanup(ctx)
			return Outcome{Disconnected: true, State: d.snapshot()}
		}

		var reply Reply
		ctx, reply = d.handle(ctx, cmd)
		replies <- reply
	}
}

func (d *Dispatcher) handle(ctx context.Context, cmd ftl.Command) (context.Context, Reply) {
	switch c := cmd.(type) {
	case ftl.Authenticate:
		return ctx, d.authenticate(ctx)
	case ftl.Connect:
		return d.connect(ctx, c)
	case ftl.SetAttribute:
		return ctx, d.setAttribute(ctx, c)
	case ftl.FinalizeNegotiation:
		return ctx, d.finalize(ctx)
	case ftl.Keepalive:
		return ctx, respond(ftl.KeepaliveAck)
	case ftl.Unrecognized:
		d.opts.Metrics.ObserveViolation("unrecognized_command")
		d.log(ctx).Warn("unimplemented command", "line", c.Line)
		return ctx, Reply{}
	default:
		d.opts.Metrics.ObserveViolation("unrecognized_command")
		d.log(ctx).Warn("unimplemented command", "kind", cmd.Kind())
		return ctx, Reply{}
	}
}

func (d *Dispatcher) authenticate(ctx context.Context) Reply {
	if _, ok := d.state.Challenge(); !ok {
		payload, err := d.opts.Challenge()
		if err != nil {
			d.log(ctx).Error("challenge generation failed", "error", err)
			return Reply{}
		}
		d.state.setChallenge(payload)
		d.publishState()
	}
	payload, _ := d.state.Challenge()
	return respond(ftl.ChallengeReply(payload))
}

func (d *Dispatcher) connect(ctx context.Context, cmd ftl.Connect) (context.Context, Reply) {
	if cmd.StreamKey == "" || cmd.ChannelID == "" {
		d.opts.Metrics.ObserveViolation("connect_missing_fields")
		d.log(ctx).Error("connect rejected",
			"has_stream_key", cmd.StreamKey != "",
			"has_channel_id", cmd.ChannelID != "")
		return ctx, Reply{}
	}
	if !d.state.setStreamKey(cmd.StreamKey) {
		d.log(ctx).Info("stream key already set, ignoring repeated connect")
		return ctx, respond(ftl.OK)
	}
	d.channelID = cmd.ChannelID
	streamID := Fingerprint(cmd.StreamKey)
	ctx = logging.ContextWithStreamID(ctx, streamID)
	d.log(ctx).Info("stream identified", "channel_id", cmd.ChannelID)
	d.publishState()

	if err := d.opts.Coordinator.AnnounceStart(ctx, cmd.StreamKey); err != nil {
		d.opts.Metrics.ObserveAnnouncement("start", "failed")
		d.log(ctx).Warn("stream start announcement failed", "error", err)
	} else {
		d.opts.Metrics.ObserveAnnouncement("start", "ok")
	}
	d.publish(ctx, events.Event{Type: events.TypeIdentified, StreamID: streamID, ChannelID: cmd.ChannelID})
	return ctx, respond(ftl.OK)
}

func (d *Dispatcher) setAttribute(ctx context.Context, cmd ftl.SetAttribute) Reply {
	if cmd.Key == "" {
		d.opts.Metrics.ObserveViolation("attribute_missing_key")
		d.log(ctx).Error("attribute rejected", "value", cmd.Value, "reason", "missing key")
		return Reply{}
	}
	if err := d.state.applyAttribute(cmd.Key, cmd.Value); err != nil {
		reason := "invalid_attribute"
		if errors.Is(err, errUnknownAttribute) {
			reason = "unknown_attribute"
		}
		d.opts.Metrics.ObserveViolation(reason)
		d.log(ctx).Error("attribute rejected", "key", cmd.Key, "error", err)
		return Reply{}
	}
	d.log(ctx).Debug("attribute set", "key", cmd.Key, "value", cmd.Value)
	d.publishState()
	return respond(ftl.AttributeAck)
}

func (d *Dispatcher) finalize(ctx context.Context) Reply {
	if port, ok := d.state.TransportPort(); ok {
		d.log(ctx).Debug("port already assigned", "port", port)
		return respond(ftl.PortReply(port))
	}

	port, err := d.opts.Coordinator.AllocatePort(ctx)
	fallback := err != nil
	if fallback {
		port = FallbackPort
		d.opts.Metrics.ObservePortAllocation("fallback")
		d.log(ctx).Warn("port allocation failed, using fallback port", "port", port, "error", err)
	} else {
		d.state.setTransportPort(port)
		d.opts.Metrics.ObservePortAllocation("allocated")
		d.log(ctx).Info("port allocated", "port", port)
		d.publishState()
	}
	d.state.LogSummary(d.log(ctx))
	d.publish(ctx, events.Event{
		Type:      events.TypePortAssigned,
		StreamID:  d.streamID(),
		ChannelID: d.channelID,
		Port:      port,
		Fallback:  fallback,
	})
	return respond(ftl.PortReply(port))
}

// cleanup releases everything the session acquired. The caller's context may
// already be cancelled during shutdown, so the calls run detached from it
// under their own timeout.
func (d *Dispatcher) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.CleanupTimeout)
	defer cancel()

	if key, ok := d.state.StreamKey(); ok {
		if err := d.opts.Coordinator.AnnounceEnd(ctx, key); err != nil {
			d.opts.Metrics.ObserveAnnouncement("end", "failed")
			d.log(ctx).Warn("stream end announcement failed", "error", err)
		} else {
			d.opts.Metrics.ObserveAnnouncement("end", "ok")
		}
	}
	if port, ok := d.state.TransportPort(); ok {
		if err := d.opts.Coordinator.ReleasePort(ctx, port); err != nil {
			d.opts.Metrics.ObservePortRelease("failed")
			d.log(ctx).Warn("port release failed", "port", port, "error", err)
		} else {
			d.opts.Metrics.ObservePortRelease("released")
			d.log(ctx).Info("port released", "port", port)
		}
	}
}

func (d *Dispatcher) publish(ctx context.Context, event events.Event) {
	publishEvent(ctx, d.opts, d.log(ctx), d.id, event)
}

func publishEvent(ctx context.Context, opts Options, logger *slog.Logger, sessionID string, event events.Event) {
	if opts.Events == nil {
		return
	}
	event.SessionID = sessionID
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := opts.Events.Publish(ctx, event); err != nil {
		opts.Metrics.ObserveEventPublish(string(event.Type), "failed")
		logger.Warn("publish lifecycle event failed", "type", event.Type, "error", err)
		return
	}
	opts.Metrics.ObserveEventPublish(string(event.Type), "ok")
}

func (d *Dispatcher) publishState() {
	if d.opts.Registry != nil {
		d.opts.Registry.Update(d.id, d.snapshot())
	}
}

func (d *Dispatcher) snapshot() Snapshot {
	snap := d.state.Snapshot()
	snap.ChannelID = d.channelID
	return snap
}

func (d *Dispatcher) streamID() string {
	if key, ok := d.state.StreamKey(); ok {
		return Fingerprint(key)
	}
	return ""
}

func (d *Dispatcher) log(ctx context.Context) *slog.Logger {
	return logging.WithContext(ctx, d.logger)
}
