// Package signaling is a websocket rendezvous for exchanging p2p candidates.
//
// Peers connect to a Hub, register under an ID and send their candidate
// lists addressed to another ID. The hub forwards each list to the target,
// queueing it until the target registers. Client implements p2p.Signaler.
package signaling

import (
	"fmt"
	"net"

	p2p "github.com/go-i2p/go-p2p"
)

// MessageType identifies a signaling message.
type MessageType string

const (
	// TypeRegister announces the sender's ID to the hub
	TypeRegister MessageType = "register"
	// TypeCandidates carries a candidate list addressed to another peer
	TypeCandidates MessageType = "candidates"
	// TypeError reports a hub-side failure
	TypeError MessageType = "error"
)

// Message is the JSON envelope exchanged over the websocket.
type Message struct {
	Type       MessageType     `json:"type"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	Candidates []CandidateInfo `json:"candidates,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CandidateInfo is the wire form of a p2p.Candidate.
type CandidateInfo struct {
	Type     string `json:"type"`
	Addr     string `json:"addr"`
	Base     string `json:"base,omitempty"`
	Priority uint32 `json:"priority"`
}

// FromCandidate converts a candidate to its wire form.
func FromCandidate(c p2p.Candidate) CandidateInfo {
	info := CandidateInfo{
		Type:     c.Type.String(),
		Addr:     c.Addr.String(),
		Priority: c.Priority,
	}
	if c.Base != nil {
		info.Base = c.Base.String()
	}
	return info
}

// Candidate parses the wire form back into a p2p.Candidate.
func (ci CandidateInfo) Candidate() (p2p.Candidate, error) {
	var c p2p.Candidate
	if err := c.Type.UnmarshalText([]byte(ci.Type)); err != nil {
		return c, err
	}
	addr, err := net.ResolveUDPAddr("udp", ci.Addr)
	if err != nil {
		return c, fmt.Errorf("candidate addr %q: %w", ci.Addr, err)
	}
	c.Addr = addr
	if ci.Base != "" {
		base, err := net.ResolveUDPAddr("udp", ci.Base)
		if err != nil {
			return c, fmt.Errorf("candidate base %q: %w", ci.Base, err)
		}
		c.Base = base
	}
	c.Priority = ci.Priority
	return c, nil
}

// NewErrorMessage builds an error reply.
func NewErrorMessage(text string) *Message {
	return &Message{Type: TypeError, Error: text}
}
