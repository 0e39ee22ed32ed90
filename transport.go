package p2p

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind selects the reliable back-end a session runs on its path.
type TransportKind int

const (
	// TransportPseudoTCP is ARQ gated by the AIMD congestion window (default)
	TransportPseudoTCP TransportKind = iota
	// TransportSimpleARQ is ARQ limited only by the 32-packet window
	TransportSimpleARQ
)

// String returns the configuration name of the transport.
func (k TransportKind) String() string {
	switch k {
	case TransportPseudoTCP:
		return "pseudotcp"
	case TransportSimpleARQ:
		return "simple"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsValid returns true if k names a known transport.
func (k TransportKind) IsValid() bool {
	return k == TransportPseudoTCP || k == TransportSimpleARQ
}

// MarshalText implements encoding.TextMarshaler.
func (k TransportKind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTransport, int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so the kind can be
// written by name in YAML config files.
func (k *TransportKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "pseudotcp", "pseudo-tcp", "":
		*k = TransportPseudoTCP
	case "simple", "simplearq", "arq":
		*k = TransportSimpleARQ
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, text)
	}
	return nil
}

// transportEnv is the session state a transport operates on.
type transportEnv struct {
	rel    *reliable
	stream *stream
	cc     *congestion
	// send writes one datagram to the active path
	send func(typ PacketType, seq uint16, payload []byte) error
	// relayed reports whether the active path goes through the relay
	relayed func() bool
}

// transport is the capability set every reliable back-end provides.
// The session picks one at construction and drives it from Update.
type transport interface {
	Name() string
	Init(env *transportEnv) error
	Send(p []byte) (int, error)
	Tick(now time.Time) error
	OnPacket(h header, payload []byte, now time.Time) error
	IsReady() bool
}

// newTransport returns the back-end for kind.
func newTransport(kind TransportKind) (transport, error) {
	switch kind {
	case TransportPseudoTCP:
		return &pseudoTCP{}, nil
	case TransportSimpleARQ:
		return &simpleARQ{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidTransport, int(kind))
	}
}

// arqTransport holds the behaviour shared by both ARQ back-ends.
// gate enables congestion-window limiting of in-flight packets.
type arqTransport struct {
	env  *transportEnv
	gate bool
}

func (t *arqTransport) Init(env *transportEnv) error {
	if env == nil || env.rel == nil || env.stream == nil || env.send == nil {
		return fmt.Errorf("transport init: incomplete environment")
	}
	t.env = env
	if t.gate && env.cc == nil {
		env.cc = newCongestion()
	}
	return nil
}

func (t *arqTransport) Send(p []byte) (int, error) {
	return t.env.stream.write(p), nil
}

func (t *arqTransport) cc() *congestion {
	if !t.gate {
		return nil
	}
	return t.env.cc
}

func (t *arqTransport) dataType() (PacketType, PacketType) {
	if t.env.relayed != nil && t.env.relayed() {
		return PktRelayData, PktRelayAck
	}
	return PktData, PktAck
}

// Tick flushes the stream, transmits due DATA and emits an owed ACK.
func (t *arqTransport) Tick(now time.Time) error {
	t.env.stream.flushToReliable(t.env.rel)

	dataType, ackType := t.dataType()
	err := t.env.rel.tick(now, t.cc(), func(seq uint16, payload []byte) error {
		return t.env.send(dataType, seq, payload)
	})
	if err != nil {
		return err
	}

	if t.env.rel.takeAck() {
		ack, sack := t.env.rel.buildAck()
		if err := t.env.send(ackType, 0, encodeAck(ack, sack)); err != nil {
			return fmt.Errorf("send ack: %w", err)
		}
	}
	return nil
}

// OnPacket routes DATA and ACK datagrams into the reliable layer.
func (t *arqTransport) OnPacket(h header, payload []byte, now time.Time) error {
	switch h.Type {
	case PktData, PktRelayData:
		t.env.rel.onData(h.Seq, payload)
	case PktAck, PktRelayAck:
		ack, sack, err := decodeAck(payload)
		if err != nil {
			return err
		}
		t.env.rel.onAck(ack, sack, now, t.cc())
	}
	return nil
}

func (t *arqTransport) IsReady() bool {
	return t.env != nil
}

// simpleARQ sends as fast as the reliable window allows.
type simpleARQ struct {
	arqTransport
}

// Name returns the transport name.
func (t *simpleARQ) Name() string { return "SimpleARQ" }

// pseudoTCP limits in-flight packets by the AIMD congestion window.
type pseudoTCP struct {
	arqTransport
}

// Name returns the transport name.
func (t *pseudoTCP) Name() string { return "PseudoTCP" }

// Init resets the congestion state and enables window gating.
func (t *pseudoTCP) Init(env *transportEnv) error {
	t.gate = true
	if err := t.arqTransport.Init(env); err != nil {
		return err
	}
	t.env.cc.reset()
	return nil
}
