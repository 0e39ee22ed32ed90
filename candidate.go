package p2p

import (
	"fmt"
	"net"
	"strings"
)

// CandidateType classifies how a candidate address was learned.
type CandidateType uint8

const (
	// CandidateHost is a local interface address
	CandidateHost CandidateType = iota
	// CandidateServerReflexive is the public mapping seen by a STUN server
	CandidateServerReflexive
	// CandidateRelay is an address allocated on a relay
	CandidateRelay
	// CandidatePeerReflexive is a mapping learned from an inbound probe
	CandidatePeerReflexive
)

// String returns the ICE abbreviation of the candidate type.
func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelay:
		return "relay"
	case CandidatePeerReflexive:
		return "prflx"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t CandidateType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *CandidateType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "host":
		*t = CandidateHost
	case "srflx":
		*t = CandidateServerReflexive
	case "relay":
		*t = CandidateRelay
	case "prflx":
		*t = CandidatePeerReflexive
	default:
		return fmt.Errorf("unknown candidate type %q", text)
	}
	return nil
}

// Candidate is one transport address a peer may be reachable at.
type Candidate struct {
	Type     CandidateType
	Addr     *net.UDPAddr
	Base     *net.UDPAddr // local address the candidate was derived from
	Priority uint32
}

// String returns "type addr" for logging.
func (c Candidate) String() string {
	return fmt.Sprintf("%s %s", c.Type, c.Addr)
}

// Candidate list growth parameters.
const (
	initialCandidates = 8
	// MaxCandidates is the capacity cap of each candidate list.
	MaxCandidates = 64
)

// candidateList is an append-only candidate array that grows by doubling
// up to MaxCandidates.
type candidateList struct {
	items []Candidate
	limit int
}

func newCandidateList() *candidateList {
	return &candidateList{
		items: make([]Candidate, 0, initialCandidates),
		limit: MaxCandidates,
	}
}

// add appends c. With dedupe set an existing entry with the same address is
// updated in place instead. Returns true if the list changed.
func (l *candidateList) add(c Candidate, dedupe bool) (bool, error) {
	if c.Addr == nil {
		return false, fmt.Errorf("candidate %s: missing address", c.Type)
	}
	if dedupe {
		if i := l.index(c.Addr); i >= 0 {
			if l.items[i].Type == c.Type && l.items[i].Priority == c.Priority {
				return false, nil
			}
			l.items[i] = c
			return true, nil
		}
	}
	if len(l.items) >= l.limit {
		return false, fmt.Errorf("add %s: %w (%d)", c, ErrCandidateLimit, l.limit)
	}
	if len(l.items) == cap(l.items) {
		grown := make([]Candidate, len(l.items), min(2*cap(l.items), l.limit))
		copy(grown, l.items)
		l.items = grown
	}
	l.items = append(l.items, c)
	return true, nil
}

// index returns the position of the candidate with addr, or -1.
func (l *candidateList) index(addr *net.UDPAddr) int {
	for i, c := range l.items {
		if sameUDPAddr(c.Addr, addr) {
			return i
		}
	}
	return -1
}

// snapshot returns a copy safe to hand to callers.
func (l *candidateList) snapshot() []Candidate {
	return append([]Candidate(nil), l.items...)
}

func (l *candidateList) len() int {
	return len(l.items)
}

// sameUDPAddr compares two UDP addresses by IP and port.
func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// sameAddr compares two net.Addr values, falling back to their string form
// for non-UDP addresses.
func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	ua, okA := a.(*net.UDPAddr)
	ub, okB := b.(*net.UDPAddr)
	if okA && okB {
		return sameUDPAddr(ua, ub)
	}
	return a.Network() == b.Network() && a.String() == b.String()
}
