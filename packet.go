package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Datagram sizing. Every datagram fits one MTU so no IP fragmentation occurs
// on the common 1280-byte IPv6 minimum path.
const (
	// MTU is the largest datagram the engine emits.
	MTU = 1200
	// HeaderSize is the fixed datagram header: type, flags, sequence.
	HeaderSize = 4
	// MaxPayload is the largest payload after the header.
	MaxPayload = MTU - HeaderSize
	// StreamHeaderSize is the stream sub-header inside DATA payloads.
	StreamHeaderSize = 5
	// StreamChunk is the most application bytes carried by one DATA packet.
	StreamChunk = MaxPayload - StreamHeaderSize
	// AckPayloadSize is the ACK payload: cumulative ack plus SACK bitmap.
	AckPayloadSize = 6
)

// PacketType identifies the datagram kind in the first header byte.
type PacketType uint8

// Packet types interpreted by the engine.
const (
	// PktPunch is a hole-punch probe
	PktPunch PacketType = 0x01
	// PktPunchAck answers a probe
	PktPunchAck PacketType = 0x02
	// PktAuth carries the session auth token
	PktAuth PacketType = 0x03
	// PktPing is a keepalive heartbeat
	PktPing PacketType = 0x10
	// PktPong answers a heartbeat
	PktPong PacketType = 0x11
	// PktData carries one reliable stream fragment
	PktData PacketType = 0x20
	// PktAck carries a cumulative ack and SACK bitmap
	PktAck PacketType = 0x21
	// PktFin terminates the connection (no payload)
	PktFin PacketType = 0x22
	// PktRouteProbe tests a same-subnet shortcut
	PktRouteProbe PacketType = 0x30
	// PktRouteProbeAck confirms a same-subnet shortcut
	PktRouteProbeAck PacketType = 0x31
	// PktRelayData is DATA forwarded by a relay
	PktRelayData PacketType = 0xA0
	// PktRelayAck is ACK forwarded by a relay
	PktRelayAck PacketType = 0xA1
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PktPunch:
		return "PUNCH"
	case PktPunchAck:
		return "PUNCH_ACK"
	case PktAuth:
		return "AUTH"
	case PktPing:
		return "PING"
	case PktPong:
		return "PONG"
	case PktData:
		return "DATA"
	case PktAck:
		return "ACK"
	case PktFin:
		return "FIN"
	case PktRouteProbe:
		return "ROUTE_PROBE"
	case PktRouteProbeAck:
		return "ROUTE_PROBE_ACK"
	case PktRelayData:
		return "RELAY_DATA"
	case PktRelayAck:
		return "RELAY_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// Stream fragment flags carried in the fifth sub-header byte.
const (
	// FragFirst marks the first fragment of a flush
	FragFirst uint8 = 1 << 0
	// FragLast marks the last fragment of a flush
	FragLast uint8 = 1 << 1
)

var (
	// ErrShortPacket is returned when a datagram is smaller than its header.
	ErrShortPacket = errors.New("packet too short")
	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram payload")
)

// header is the 4-byte datagram header in network byte order.
type header struct {
	Type  PacketType
	Flags uint8
	Seq   uint16
}

// appendPacket encodes a header followed by payload onto dst.
func appendPacket(dst []byte, h header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%s: %w (%d > %d)", h.Type, ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	dst = append(dst, byte(h.Type), h.Flags)
	dst = binary.BigEndian.AppendUint16(dst, h.Seq)
	return append(dst, payload...), nil
}

// parsePacket splits a datagram into header and payload. The payload aliases b.
func parsePacket(b []byte) (header, []byte, error) {
	if len(b) < HeaderSize {
		return header{}, nil, fmt.Errorf("parse header: %w (%d bytes)", ErrShortPacket, len(b))
	}
	h := header{
		Type:  PacketType(b[0]),
		Flags: b[1],
		Seq:   binary.BigEndian.Uint16(b[2:4]),
	}
	return h, b[HeaderSize:], nil
}

// encodeAck builds the 6-byte ACK payload. Bit i of sack acknowledges ack+i.
func encodeAck(ack uint16, sack uint32) []byte {
	b := make([]byte, AckPayloadSize)
	binary.BigEndian.PutUint16(b[0:2], ack)
	binary.BigEndian.PutUint32(b[2:6], sack)
	return b
}

// decodeAck reads an ACK payload.
func decodeAck(b []byte) (ack uint16, sack uint32, err error) {
	if len(b) < AckPayloadSize {
		return 0, 0, fmt.Errorf("parse ack: %w (%d bytes)", ErrShortPacket, len(b))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint32(b[2:6]), nil
}

// putStreamHeader writes the stream sub-header into b[:StreamHeaderSize].
func putStreamHeader(b []byte, offset uint32, flags uint8) {
	binary.BigEndian.PutUint32(b[0:4], offset)
	b[4] = flags
}

// parseStreamHeader reads the stream sub-header from a DATA payload.
func parseStreamHeader(b []byte) (offset uint32, flags uint8, body []byte, ok bool) {
	if len(b) < StreamHeaderSize {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(b[0:4]), b[4], b[StreamHeaderSize:], true
}
