package p2p

import (
	"fmt"
	"net"
	"time"
)

// NATState is the hole-punching state of a session.
type NATState int

const (
	// NATIdle means no punching is in progress
	NATIdle NATState = iota
	// NATPunching means probes are being sent to remote candidates
	NATPunching
	// NATConnected means a probe round-trip succeeded
	NATConnected
	// NATRelay means punching timed out and traffic goes through the relay
	NATRelay
)

// String returns a human-readable representation of the NAT state.
func (s NATState) String() string {
	switch s {
	case NATIdle:
		return "IDLE"
	case NATPunching:
		return "PUNCHING"
	case NATConnected:
		return "CONNECTED"
	case NATRelay:
		return "RELAY"
	default:
		return "UNKNOWN"
	}
}

// NATConfig holds the hole-punching and keepalive timers.
type NATConfig struct {
	// PunchInterval is how often an unanswered candidate is re-probed.
	// Default: 500ms
	PunchInterval time.Duration `yaml:"punch_interval"`

	// PunchTimeout is how long punching runs before falling back to relay.
	// Default: 5s
	PunchTimeout time.Duration `yaml:"punch_timeout"`

	// KeepaliveInterval is the send-idle time after which a PING goes out.
	// Default: 15s
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// HeartbeatTimeout is the receive-idle time after which the peer is dead.
	// Default: 30s
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// RelayRepunchInterval is how often candidates are re-probed while on
	// the relay path, so a late-opening NAT can still be punched.
	// Default: 2s
	RelayRepunchInterval time.Duration `yaml:"relay_repunch_interval"`
}

// DefaultNATConfig returns the default punch and keepalive timers.
func DefaultNATConfig() NATConfig {
	return NATConfig{
		PunchInterval:        500 * time.Millisecond,
		PunchTimeout:         5 * time.Second,
		KeepaliveInterval:    15 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		RelayRepunchInterval: 2 * time.Second,
	}
}

func (c NATConfig) validate() error {
	if c.PunchInterval <= 0 || c.PunchTimeout <= 0 || c.KeepaliveInterval <= 0 ||
		c.HeartbeatTimeout <= 0 || c.RelayRepunchInterval <= 0 {
		return fmt.Errorf("%w: NAT timers must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("%w: keepalive interval %s must be below heartbeat timeout %s",
			ErrInvalidConfig, c.KeepaliveInterval, c.HeartbeatTimeout)
	}
	return nil
}

// natEvent reports a NAT state change the session must react to.
type natEvent int

const (
	natNoEvent natEvent = iota
	natEventConnected
	natEventRelay
)

// natContext drives hole punching toward a set of remote candidates.
// It is owned by one Session and never shared.
type natContext struct {
	cfg   NATConfig
	state NATState

	punchStart time.Time
	lastRound  time.Time // last full probe round while on relay
	lastSend   time.Time
	lastRecv   time.Time
	peer       net.Addr

	// probes tracks the last probe time per candidate address
	probes map[string]time.Time

	remote func() []Candidate
	sendTo func(addr net.Addr, typ PacketType, payload []byte) error
	trace  *punchTrace
}

func newNATContext(cfg NATConfig, remote func() []Candidate,
	sendTo func(net.Addr, PacketType, []byte) error, trace *punchTrace) *natContext {
	return &natContext{
		cfg:    cfg,
		probes: make(map[string]time.Time),
		remote: remote,
		sendTo: sendTo,
		trace:  trace,
	}
}

// startPunch probes every remote candidate and enters Punching.
// With no candidates it fails and leaves the state unchanged.
func (n *natContext) startPunch(now time.Time) error {
	cands := n.remote()
	if len(cands) == 0 {
		return ErrNoCandidates
	}
	n.state = NATPunching
	n.punchStart = now
	clear(n.probes)
	n.probe(now, cands, true)
	return nil
}

// probe sends PUNCH to each candidate not probed within PunchInterval, or
// to all of them when force is set.
func (n *natContext) probe(now time.Time, cands []Candidate, force bool) {
	for _, c := range cands {
		key := c.Addr.String()
		if last, ok := n.probes[key]; ok && !force && now.Sub(last) < n.cfg.PunchInterval {
			continue
		}
		if err := n.sendTo(c.Addr, PktPunch, nil); err != nil {
			n.trace.record(now, "probe-error", c.Addr)
			continue
		}
		n.probes[key] = now
		n.lastSend = now
		n.trace.record(now, "probe", c.Addr)
	}
}

// onPacket handles PUNCH, PUNCH_ACK, PING and PONG from addr.
func (n *natContext) onPacket(typ PacketType, from net.Addr, now time.Time) natEvent {
	switch typ {
	case PktPunch:
		// Crossing probes: answer, and treat arrival itself as success.
		if err := n.sendTo(from, PktPunchAck, nil); err == nil {
			n.lastSend = now
		}
		n.lastRecv = now
		if n.state == NATConnected {
			n.trace.record(now, "late-probe", from)
			return natNoEvent
		}
		return n.connect(from, now)

	case PktPunchAck:
		n.lastRecv = now
		if n.state == NATPunching || n.state == NATRelay {
			return n.connect(from, now)
		}

	case PktPing:
		n.lastRecv = now
		if err := n.sendTo(from, PktPong, nil); err == nil {
			n.lastSend = now
		}

	case PktPong:
		n.lastRecv = now
	}
	return natNoEvent
}

func (n *natContext) connect(from net.Addr, now time.Time) natEvent {
	n.peer = from
	n.state = NATConnected
	n.lastRecv = now
	n.trace.record(now, "connected", from)
	return natEventConnected
}

// tick advances punching, relay re-probing and keepalive.
// ErrPeerTimeout is returned when a connected peer stays silent past
// HeartbeatTimeout; the state drops back to Idle.
func (n *natContext) tick(now time.Time) (natEvent, error) {
	switch n.state {
	case NATPunching:
		if now.Sub(n.punchStart) >= n.cfg.PunchTimeout {
			n.state = NATRelay
			n.lastRound = now
			n.trace.record(now, "timeout-relay", nil)
			return natEventRelay, nil
		}
		n.probe(now, n.remote(), false)

	case NATConnected:
		if now.Sub(n.lastRecv) >= n.cfg.HeartbeatTimeout {
			n.state = NATIdle
			n.trace.record(now, "heartbeat-timeout", n.peer)
			return natNoEvent, fmt.Errorf("no traffic from %s for %s: %w",
				addrString(n.peer), now.Sub(n.lastRecv), ErrPeerTimeout)
		}
		if now.Sub(n.lastSend) >= n.cfg.KeepaliveInterval {
			if err := n.sendTo(n.peer, PktPing, nil); err == nil {
				n.lastSend = now
			}
		}

	case NATRelay:
		if now.Sub(n.lastRound) >= n.cfg.RelayRepunchInterval {
			n.lastRound = now
			n.probe(now, n.remote(), true)
		}
	}
	return natNoEvent, nil
}

// candidatesChanged reacts to new or moved remote candidates. Punching
// simply picks them up on the next tick; on the relay path punching is
// restarted from scratch.
func (n *natContext) candidatesChanged(now time.Time) {
	switch n.state {
	case NATPunching:
		n.probe(now, n.remote(), false)
	case NATRelay:
		n.trace.record(now, "restart", nil)
		if err := n.startPunch(now); err != nil {
			n.trace.record(now, "restart-failed", nil)
		}
	}
}

// touchSend and touchRecv record traffic on the established path.
func (n *natContext) touchSend(now time.Time) { n.lastSend = now }
func (n *natContext) touchRecv(now time.Time) { n.lastRecv = now }
