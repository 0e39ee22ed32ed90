package p2p

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPacketConstants verifies the datagram sizing arithmetic.
func TestPacketConstants(t *testing.T) {
	tests := []struct {
		name string
		got  int
		want int
	}{
		{"MTU", MTU, 1200},
		{"HeaderSize", HeaderSize, 4},
		{"MaxPayload", MaxPayload, 1196},
		{"StreamHeaderSize", StreamHeaderSize, 5},
		{"StreamChunk", StreamChunk, 1191},
		{"AckPayloadSize", AckPayloadSize, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

// TestPacketTypeString verifies protocol names, including unknown values.
func TestPacketTypeString(t *testing.T) {
	tests := []struct {
		typ  PacketType
		want string
	}{
		{PktPunch, "PUNCH"},
		{PktPunchAck, "PUNCH_ACK"},
		{PktAuth, "AUTH"},
		{PktPing, "PING"},
		{PktPong, "PONG"},
		{PktData, "DATA"},
		{PktAck, "ACK"},
		{PktFin, "FIN"},
		{PktRouteProbe, "ROUTE_PROBE"},
		{PktRouteProbeAck, "ROUTE_PROBE_ACK"},
		{PktRelayData, "RELAY_DATA"},
		{PktRelayAck, "RELAY_ACK"},
		{PacketType(0x7f), "UNKNOWN(0x7f)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.String())
		})
	}
}

// TestHeaderWireLayout verifies the header is type, flags, then a big-endian
// sequence number.
func TestHeaderWireLayout(t *testing.T) {
	pkt, err := appendPacket(nil, header{Type: PktData, Flags: 0x5a, Seq: 0x1234}, []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x5a, 0x12, 0x34, 'h', 'i'}, pkt)

	h, payload, err := parsePacket(pkt)
	require.NoError(t, err)
	assert.Equal(t, header{Type: PktData, Flags: 0x5a, Seq: 0x1234}, h)
	assert.Equal(t, []byte("hi"), payload)
}

// TestParseShortPacket verifies datagrams under the header size are rejected.
func TestParseShortPacket(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, _, err := parsePacket(make([]byte, n))
		assert.ErrorIs(t, err, ErrShortPacket, "len %d", n)
	}

	h, payload, err := parsePacket([]byte{byte(PktFin), 0, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, PktFin, h.Type)
	assert.Empty(t, payload)
}

// TestAppendPacketPayloadLimit verifies the MTU is never exceeded.
func TestAppendPacketPayloadLimit(t *testing.T) {
	pkt, err := appendPacket(nil, header{Type: PktData}, make([]byte, MaxPayload))
	require.NoError(t, err)
	assert.Len(t, pkt, MTU)

	_, err = appendPacket(nil, header{Type: PktData}, make([]byte, MaxPayload+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

// TestAppendPacketReusesBuffer verifies encoding into a caller buffer.
func TestAppendPacketReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, MTU)
	pkt, err := appendPacket(buf, header{Type: PktPing}, nil)
	require.NoError(t, err)
	assert.Len(t, pkt, HeaderSize)
	assert.Equal(t, &buf[:1][0], &pkt[0], "no reallocation expected")
}

// TestAckPayload verifies the 6-byte ACK encoding.
func TestAckPayload(t *testing.T) {
	b := encodeAck(0xfffe, 0x80000005)
	assert.Equal(t, []byte{0xff, 0xfe, 0x80, 0x00, 0x00, 0x05}, b)

	ack, sack, err := decodeAck(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfffe), ack)
	assert.Equal(t, uint32(0x80000005), sack)

	_, _, err = decodeAck(b[:5])
	assert.ErrorIs(t, err, ErrShortPacket)
}

// TestStreamHeader verifies the offset and flag sub-header.
func TestStreamHeader(t *testing.T) {
	b := make([]byte, StreamHeaderSize+3)
	putStreamHeader(b, 0xdeadbeef, FragFirst|FragLast)
	copy(b[StreamHeaderSize:], "abc")

	offset, flags, body, ok := parseStreamHeader(b)
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), offset)
	assert.Equal(t, FragFirst|FragLast, flags)
	assert.True(t, bytes.Equal([]byte("abc"), body))

	_, _, _, ok = parseStreamHeader(b[:StreamHeaderSize-1])
	assert.False(t, ok)
}
