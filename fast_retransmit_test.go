package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFastRetransmitOnThirdDupAck verifies three duplicate acks resend the
// oldest entry ahead of its RTO.
func TestFastRetransmitOnThirdDupAck(t *testing.T) {
	r := newReliable()
	cc := newCongestion()
	cc.cwnd = 10 * MSS
	rec := &emitRecorder{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.sendPkt([]byte{byte(i)}))
	}
	require.NoError(t, r.tick(start, cc, rec.emit))
	require.Len(t, rec.take(), 4)

	at := start.Add(5 * time.Millisecond)
	r.onAck(0, 0, at, cc)
	r.onAck(0, 0, at, cc)
	require.NoError(t, r.tick(at, cc, rec.emit))
	assert.Empty(t, rec.take(), "two duplicates are not enough")

	r.onAck(0, 0, at, cc)
	assert.Equal(t, uint32(MinCwnd), cc.cwnd, "fast retransmit is a loss event")
	assert.Equal(t, uint32(5*MSS), cc.ssthresh)

	require.NoError(t, r.tick(at.Add(time.Millisecond), cc, rec.emit))
	assert.Equal(t, []uint16{0}, rec.take())
	assert.Equal(t, uint64(1), r.retransmits)
}

// TestFastRetransmitNotOnProgress verifies acks that advance the base never
// count as duplicates.
func TestFastRetransmitNotOnProgress(t *testing.T) {
	r := newReliable()
	cc := newCongestion()
	rec := &emitRecorder{}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, r.sendPkt([]byte{byte(i)}))
	}
	require.NoError(t, r.tick(start, nil, rec.emit))

	for ack := uint16(1); ack <= 3; ack++ {
		r.onAck(ack, 0, start.Add(time.Millisecond), cc)
	}
	assert.Equal(t, 0, cc.dupAcks)
	assert.Equal(t, uint64(0), r.retransmits)
}

// TestFastRetransmitIdle verifies duplicate acks with nothing outstanding
// are ignored.
func TestFastRetransmitIdle(t *testing.T) {
	r := newReliable()
	cc := newCongestion()
	for i := 0; i < 5; i++ {
		r.onAck(0, 0, time.Now(), cc)
	}
	assert.Equal(t, 0, cc.dupAcks)
	assert.Equal(t, uint32(MinCwnd), cc.cwnd)
}
