package p2p

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// route tracks the same-subnet shortcut. When the peer advertises a host
// candidate inside one of our local networks, a ROUTE_PROBE is sent to it
// directly; an answering ROUTE_PROBE_ACK confirms the LAN path.
type route struct {
	networks     []*net.IPNet
	probeTime    time.Time
	target       net.Addr
	lanPeer      net.Addr
	lanConfirmed bool
}

// detectLocalNetworks returns the IPv4 networks of every interface that is
// up and not loopback.
func detectLocalNetworks() ([]*net.IPNet, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var networks []*net.IPNet
	for _, iface := range ifaces {
		// Skip loopback and down interfaces
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil || ipnet.IP.IsLoopback() {
				continue
			}
			networks = append(networks, ipnet)
		}
	}
	return networks, nil
}

// sameSubnet reports whether ip lies in one of the local networks.
func (r *route) sameSubnet(ip net.IP) bool {
	for _, n := range r.networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// lanTarget picks the first remote host candidate on a shared subnet.
func (r *route) lanTarget(remote []Candidate) (*net.UDPAddr, bool) {
	for _, c := range remote {
		if c.Type != CandidateHost {
			continue
		}
		if r.sameSubnet(c.Addr.IP) {
			return c.Addr, true
		}
	}
	return nil, false
}

// probePayload carries our local port so the peer can see where we bound.
func probePayload(localPort int) []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(localPort))
}

// probeSent remembers the host the ROUTE_PROBE went to.
func (r *route) probeSent(target net.Addr, now time.Time) {
	r.target = target
	r.probeTime = now
}

// confirm records the LAN peer after a ROUTE_PROBE_ACK. Only an answer from
// the probed host inside a local network is accepted, and only once.
func (r *route) confirm(from net.Addr) bool {
	if r.probeTime.IsZero() || r.lanConfirmed || !sameAddr(from, r.target) {
		return false
	}
	ua, ok := from.(*net.UDPAddr)
	if !ok || !r.sameSubnet(ua.IP) {
		return false
	}
	r.lanPeer = from
	r.lanConfirmed = true
	return true
}

func (r *route) reset() {
	r.target = nil
	r.lanPeer = nil
	r.lanConfirmed = false
	r.probeTime = time.Time{}
}
