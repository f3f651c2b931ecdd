package session

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	errUnknownAttribute = errors.New("unknown attribute")
	errInvalidFlag      = errors.New("flag attribute must be \"true\" or \"false\"")
)

// State is the negotiated state of one FTL session. It is owned by a single
// Dispatcher; readers outside that goroutine work on a Snapshot.
//
// Optional fields are pointers: nil means the client never sent the value,
// which is distinct from an empty string.
type State struct {
	challenge       *string
	protocolVersion *string
	vendorName      *string
	vendorVersion   *string

	videoEnabled     bool
	videoCodec       *string
	videoHeight      *string
	videoWidth       *string
	videoPayloadType *string
	videoIngestSSRC  *string

	audioEnabled     bool
	audioCodec       *string
	audioPayloadType *string
	audioIngestSSRC  *string

	streamKey     *string
	transportPort *uint16
}

func optional(p *string) (string, bool) {
	if p == nil {
		return "", false
	}
	return *p, true
}

// Challenge returns the session challenge once it has been issued.
func (s *State) Challenge() (string, bool) { return optional(s.challenge) }

// ProtocolVersion returns the client's declared protocol version.
func (s *State) ProtocolVersion() (string, bool) { return optional(s.protocolVersion) }

// VendorName returns the client software name.
func (s *State) VendorName() (string, bool) { return optional(s.vendorName) }

// VendorVersion returns the client software version.
func (s *State) VendorVersion() (string, bool) { return optional(s.vendorVersion) }

// VideoEnabled reports whether the client announced a video track.
func (s *State) VideoEnabled() bool { return s.videoEnabled }

// VideoCodec returns the negotiated video codec.
func (s *State) VideoCodec() (string, bool) { return optional(s.videoCodec) }

// VideoHeight returns the declared video height.
func (s *State) VideoHeight() (string, bool) { return optional(s.videoHeight) }

// VideoWidth returns the declared video width.
func (s *State) VideoWidth() (string, bool) { return optional(s.videoWidth) }

// VideoPayloadType returns the RTP payload type for video.
func (s *State) VideoPayloadType() (string, bool) { return optional(s.videoPayloadType) }

// VideoIngestSSRC returns the RTP SSRC for video.
func (s *State) VideoIngestSSRC() (string, bool) { return optional(s.videoIngestSSRC) }

// AudioEnabled reports whether the client announced an audio track.
func (s *State) AudioEnabled() bool { return s.audioEnabled }

// AudioCodec returns the negotiated audio codec.
func (s *State) AudioCodec() (string, bool) { return optional(s.audioCodec) }

// AudioPayloadType returns the RTP payload type for audio.
func (s *State) AudioPayloadType() (string, bool) { return optional(s.audioPayloadType) }

// AudioIngestSSRC returns the RTP SSRC for audio.
func (s *State) AudioIngestSSRC() (string, bool) { return optional(s.audioIngestSSRC) }

// StreamKey returns the key accepted from the first valid Connect.
func (s *State) StreamKey() (string, bool) { return optional(s.streamKey) }

// TransportPort returns the media port once one has been allocated.
func (s *State) TransportPort() (uint16, bool) {
	if s.transportPort == nil {
		return 0, false
	}
	return *s.transportPort, true
}

func (s *State) setChallenge(payload string) {
	if s.challenge == nil {
		s.challenge = &payload
	}
}

// setStreamKey stores key unless one is already set, and reports whether it
// did.
func (s *State) setStreamKey(key string) bool {
	if s.streamKey != nil {
		return false
	}
	s.streamKey = &key
	return true
}

func (s *State) setTransportPort(port uint16) {
	if s.transportPort == nil {
		s.transportPort = &port
	}
}

type attributeSetter func(s *State, value string) error

func text(field func(*State) **string) attributeSetter {
	return func(s *State, value string) error {
		*field(s) = &value
		return nil
	}
}

func flag(field func(*State) *bool) attributeSetter {
	return func(s *State, value string) error {
		switch value {
		case "true":
			*field(s) = true
		case "false":
			*field(s) = false
		default:
			return fmt.Errorf("%w, got %q", errInvalidFlag, value)
		}
		return nil
	}
}

var attributeSetters = map[string]attributeSetter{
	"ProtocolVersion":  text(func(s *State) **string { return &s.protocolVersion }),
	"VendorName":       text(func(s *State) **string { return &s.vendorName }),
	"VendorVersion":    text(func(s *State) **string { return &s.vendorVersion }),
	"Video":            flag(func(s *State) *bool { return &s.videoEnabled }),
	"VideoCodec":       text(func(s *State) **string { return &s.videoCodec }),
	"VideoHeight":      text(func(s *State) **string { return &s.videoHeight }),
	"VideoWidth":       text(func(s *State) **string { return &s.videoWidth }),
	"VideoPayloadType": text(func(s *State) **string { return &s.videoPayloadType }),
	"VideoIngestSSRC":  text(func(s *State) **string { return &s.videoIngestSSRC }),
	"Audio":            flag(func(s *State) *bool { return &s.audioEnabled }),
	"AudioCodec":       text(func(s *State) **string { return &s.audioCodec }),
	"AudioPayloadType": text(func(s *State) **string { return &s.audioPayloadType }),
	"AudioIngestSSRC":  text(func(s *State) **string { return &s.audioIngestSSRC }),
}

// applyAttribute updates the field named by key. On error the state is
// unchanged.
func (s *State) applyAttribute(key, value string) error {
	setter, ok := attributeSetters[key]
	if !ok {
		return fmt.Errorf("%w %q", errUnknownAttribute, key)
	}
	return setter(s, value)
}

// Phase names the furthest point the session has reached. Clients may send
// commands out of order, so this is descriptive only.
func (s *State) Phase() string {
	switch {
	case s.transportPort != nil:
		return "port_assigned"
	case s.negotiating():
		return "negotiating"
	case s.streamKey != nil:
		return "identified"
	case s.challenge != nil:
		return "authenticated"
	default:
		return "fresh"
	}
}

func (s *State) negotiating() bool {
	for _, p := range s.optionalAttributes() {
		if p.value != nil {
			return true
		}
	}
	return s.videoEnabled || s.audioEnabled
}

type namedField struct {
	name  string
	value *string
}

func (s *State) optionalAttributes() []namedField {
	return []namedField{
		{"protocol_version", s.protocolVersion},
		{"vendor_name", s.vendorName},
		{"vendor_version", s.vendorVersion},
		{"video_codec", s.videoCodec},
		{"video_height", s.videoHeight},
		{"video_width", s.videoWidth},
		{"video_payload_type", s.videoPayloadType},
		{"video_ingest_ssrc", s.videoIngestSSRC},
		{"audio_codec", s.audioCodec},
		{"audio_payload_type", s.audioPayloadType},
		{"audio_ingest_ssrc", s.audioIngestSSRC},
	}
}

// LogSummary reports every negotiated parameter: present ones at INFO and
// missing ones at WARN.
func (s *State) LogSummary(logger *slog.Logger) {
	if logger == nil {
		return
	}
	for _, field := range s.optionalAttributes() {
		if field.value == nil {
			logger.Warn("negotiated parameter missing", "parameter", field.name)
			continue
		}
		logger.Info("negotiated parameter", "parameter", field.name, "value", *field.value)
	}
	logger.Info("negotiated parameter", "parameter", "video", "value", s.videoEnabled)
	logger.Info("negotiated parameter", "parameter", "audio", "value", s.audioEnabled)
	if port, ok := s.TransportPort(); ok {
		logger.Info("negotiated parameter", "parameter", "transport_port", "value", port)
	} else {
		logger.Warn("negotiated parameter missing", "parameter", "transport_port")
	}
}

// Snapshot is a point-in-time copy of State safe to share across
// goroutines. The stream key is reduced to its fingerprint.
type Snapshot struct {
	Phase            string  `json:"phase"`
	ChallengeIssued  bool    `json:"challengeIssued"`
	StreamID         string  `json:"streamId,omitempty"`
	ChannelID        string  `json:"channelId,omitempty"`
	ProtocolVersion  *string `json:"protocolVersion,omitempty"`
	VendorName       *string `json:"vendorName,omitempty"`
	VendorVersion    *string `json:"vendorVersion,omitempty"`
	Video            bool    `json:"video"`
	VideoCodec       *string `json:"videoCodec,omitempty"`
	VideoHeight      *string `json:"videoHeight,omitempty"`
	VideoWidth       *string `json:"videoWidth,omitempty"`
	VideoPayloadType *string `json:"videoPayloadType,omitempty"`
	VideoIngestSSRC  *string `json:"videoIngestSsrc,omitempty"`
	Audio            bool    `json:"audio"`
	AudioCodec       *string `json:"audioCodec,omitempty"`
	AudioPayloadType *string `json:"audioPayloadType,omitempty"`
	AudioIngestSSRC  *string `json:"audioIngestSsrc,omitempty"`
	TransportPort    *uint16 `json:"transportPort,omitempty"`
}

// Snapshot copies the state. Pointers in the result never alias State.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Phase:            s.Phase(),
		ChallengeIssued:  s.challenge != nil,
		ProtocolVersion:  clone(s.protocolVersion),
		VendorName:       clone(s.vendorName),
		VendorVersion:    clone(s.vendorVersion),
		Video:            s.videoEnabled,
		VideoCodec:       clone(s.videoCodec),
		VideoHeight:      clone(s.videoHeight),
		VideoWidth:       clone(s.videoWidth),
		VideoPayloadType: clone(s.videoPayloadType),
		VideoIngestSSRC:  clone(s.videoIngestSSRC),
		Audio:            s.audioEnabled,
		AudioCodec:       clone(s.audioCodec),
		AudioPayloadType: clone(s.audioPayloadType),
		AudioIngestSSRC:  clone(s.audioIngestSSRC),
	}
	if s.streamKey != nil {
		snap.StreamID = Fingerprint(*s.streamKey)
	}
	if s.transportPort != nil {
		port := *s.transportPort
		snap.TransportPort = &port
	}
	return snap
}

func clone[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
