package p2p

import "github.com/rs/zerolog/log"

// Congestion control constants. Windows are measured in bytes.
const (
	// MSS is the segment size used for window arithmetic.
	MSS = 1200
	// MinCwnd is the congestion window floor and its initial value.
	MinCwnd = 2 * MSS
	// InitialSsthresh is the slow-start threshold of a fresh session.
	InitialSsthresh = 65535
	// DupAckThreshold duplicate acks trigger fast retransmit.
	DupAckThreshold = 3
)

// ccPhase is the congestion-control phase.
type ccPhase int

const (
	// phaseSlowStart grows cwnd by one MSS per ack
	phaseSlowStart ccPhase = iota
	// phaseAvoidance grows cwnd by roughly one MSS per round trip
	phaseAvoidance
)

// String returns a human-readable name for the phase.
func (p ccPhase) String() string {
	if p == phaseSlowStart {
		return "slow-start"
	}
	return "congestion-avoidance"
}

// congestion is an AIMD controller gating in-flight bytes.
type congestion struct {
	cwnd     uint32
	ssthresh uint32
	dupAcks  int
	phase    ccPhase
}

// newCongestion returns a controller in slow start at the window floor.
func newCongestion() *congestion {
	c := &congestion{}
	c.reset()
	return c
}

func (c *congestion) reset() {
	c.cwnd = MinCwnd
	c.ssthresh = InitialSsthresh
	c.dupAcks = 0
	c.phase = phaseSlowStart
}

// onAck grows the window for one newly acknowledged segment.
//
// Slow start adds one MSS but never overshoots ssthresh. Congestion
// avoidance adds MSS*MSS/cwnd with integer truncation, so growth flattens
// out at large windows.
func (c *congestion) onAck() {
	if c.cwnd < c.ssthresh {
		c.cwnd = min(c.cwnd+MSS, c.ssthresh)
	} else {
		c.cwnd += MSS * MSS / c.cwnd
	}
	if c.cwnd >= c.ssthresh {
		c.phase = phaseAvoidance
	} else {
		c.phase = phaseSlowStart
	}
	c.dupAcks = 0
}

// onLoss halves the window into ssthresh and restarts from the floor.
func (c *congestion) onLoss() {
	c.ssthresh = max(c.cwnd/2, MinCwnd)
	c.cwnd = MinCwnd
	c.dupAcks = 0
	c.phase = phaseSlowStart

	log.Warn().
		Uint32("ssthresh", c.ssthresh).
		Uint32("cwnd", c.cwnd).
		Msg("congestion detected, window reset")
}

// onDupAck counts a duplicate ack and reports whether fast retransmit fired.
func (c *congestion) onDupAck() bool {
	c.dupAcks++
	if c.dupAcks < DupAckThreshold {
		return false
	}
	c.onLoss()
	return true
}

// allows reports whether inFlight bytes still fit in the window.
func (c *congestion) allows(inFlight uint32) bool {
	return inFlight < c.cwnd
}
