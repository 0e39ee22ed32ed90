package p2p

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

var errNoRoute = errors.New("no active address")

// readLoop moves datagrams from the socket into the inbox until the socket
// is closed. Update drains the inbox without blocking.
func (s *Session) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, MTU+64)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debug().Err(err).Msg("read datagram")
			continue
		}
		pkt := inbound{data: append([]byte(nil), buf[:n]...), from: from}
		select {
		case s.inbox <- pkt:
		case <-s.ctx.Done():
			return
		default:
			s.dropped.Add(1)
			log.Debug().Stringer("from", from).Msg("inbox full, datagram dropped")
		}
	}
}

// sendTo writes one datagram to addr.
func (s *Session) sendTo(addr net.Addr, typ PacketType, payload []byte) error {
	return s.sendSeq(addr, typ, 0, payload)
}

// sendActive writes one datagram to the active path and counts it as
// keepalive traffic.
func (s *Session) sendActive(typ PacketType, seq uint16, payload []byte) error {
	if err := s.sendSeq(s.activeAddr, typ, seq, payload); err != nil {
		return err
	}
	s.nat.touchSend(s.clock.Now())
	return nil
}

func (s *Session) sendSeq(addr net.Addr, typ PacketType, seq uint16, payload []byte) error {
	if addr == nil {
		return fmt.Errorf("send %s: %w", typ, errNoRoute)
	}
	pkt, err := appendPacket(s.txBuf[:0], header{Type: typ, Seq: seq}, payload)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteTo(pkt, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", typ, addr, err)
	}
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(pkt))
	return nil
}

// Update runs one round of the engine: drain inbound datagrams, advance
// the state machines, pump the stream and tick timers. It never blocks.
// A non-nil error reports a fatal condition; the state is then StateError.
func (s *Session) Update() error {
	cbs, err := s.updateLocked()
	runCallbacks(cbs)
	return err
}

// updateLocked runs one round under the lock and hands back the queued
// callbacks.
func (s *Session) updateLocked() ([]func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.update()
	return s.takeCallbacks(), err
}

func (s *Session) update() error {
	switch s.state {
	case StateIdle, StateClosed, StateError:
		return nil
	case StateClosing:
		s.state = StateClosed
		s.path = PathNone
		return nil
	}

	now := s.clock.Now()

	// 1. inbound
	if err := s.drain(now); err != nil {
		return err
	}
	if s.state == StateClosed || s.state == StateError {
		return nil
	}

	// 2. state advancement
	s.advance(now)

	// 3. outbound pump
	connected := s.state == StateConnected || s.state == StateRelay
	if connected {
		if err := s.trans.Tick(now); err != nil {
			log.Debug().Err(err).Msg("transport tick")
		}
	}

	// 4. deliver ordered bytes
	if n := s.stream.feedFromReliable(s.rel); n > 0 {
		s.queueData(n)
	}

	// 5. timers and peer silence
	ev, err := s.nat.tick(now)
	if err != nil {
		if connected {
			s.state = StateError
			log.Warn().Err(err).Str("remote", s.remoteID).Msg("peer timed out")
			return err
		}
		log.Debug().Err(err).Msg("NAT tick")
	}
	if ev != natNoEvent {
		s.advance(now)
	}
	return nil
}

// drain processes every queued datagram.
func (s *Session) drain(now time.Time) error {
	for {
		select {
		case pkt := <-s.inbox:
			if err := s.dispatch(pkt, now); err != nil {
				return err
			}
			if s.state == StateClosed || s.state == StateError {
				return nil
			}
		default:
			return nil
		}
	}
}

// dispatch routes one datagram by packet type.
func (s *Session) dispatch(pkt inbound, now time.Time) error {
	h, payload, err := parsePacket(pkt.data)
	if err != nil {
		log.Debug().Err(err).Stringer("from", pkt.from).Msg("dropping datagram")
		return nil
	}
	s.stats.PacketsRecv++
	s.stats.BytesRecv += uint64(len(pkt.data))

	connected := s.state == StateConnected || s.state == StateRelay
	if connected && s.nat.state == NATConnected {
		s.nat.touchRecv(now)
	}

	switch h.Type {
	case PktPunch, PktPunchAck, PktPing, PktPong:
		s.nat.onPacket(h.Type, pkt.from, now)

	case PktData, PktRelayData, PktAck, PktRelayAck:
		if !connected {
			log.Debug().Stringer("type", h.Type).Stringer("state", s.state).Msg("data before connect, dropped")
			return nil
		}
		if err := s.trans.OnPacket(h, payload, now); err != nil {
			log.Debug().Err(err).Stringer("from", pkt.from).Msg("malformed transport packet")
		}

	case PktFin:
		if !connected {
			return nil
		}
		log.Info().Str("remote", s.remoteID).Msg("peer closed the session")
		s.saveEstimate()
		s.state = StateClosed
		s.path = PathNone
		s.queueDisconnected()

	case PktRouteProbe:
		if s.cfg.DisableLANShortcut {
			return nil
		}
		s.trace.record(now, "route-probe", pkt.from)
		if err := s.sendTo(pkt.from, PktRouteProbeAck, nil); err != nil {
			log.Debug().Err(err).Msg("route probe ack")
		}

	case PktRouteProbeAck:
		if s.cfg.DisableLANShortcut {
			return nil
		}
		if s.state != StateConnected || !s.route.confirm(pkt.from) {
			s.trace.record(now, "route-ack-ignored", pkt.from)
			log.Debug().Stringer("from", pkt.from).Msg("unsolicited route probe ack")
			return nil
		}
		s.trace.record(now, "lan-confirmed", pkt.from)

	case PktAuth:
		return s.onAuth(payload, pkt.from)

	default:
		log.Debug().Stringer("type", h.Type).Stringer("from", pkt.from).Msg("unknown packet type")
	}
	return nil
}

// onAuth checks the peer's token. A mismatch is fatal.
func (s *Session) onAuth(token []byte, from net.Addr) error {
	if len(s.authToken) == 0 {
		return nil
	}
	if !verifyAuthToken(s.authToken, token) {
		s.state = StateError
		log.Warn().Stringer("from", from).Msg("AUTH token mismatch")
		return fmt.Errorf("token from %s: %w", from, ErrAuthFailed)
	}
	s.authenticated = true
	log.Info().Stringer("from", from).Msg("peer authenticated")
	return nil
}

// advance moves the session state to follow the NAT engine and route.
func (s *Session) advance(now time.Time) {
	if s.state == StateRegistering && s.nat.state == NATIdle {
		if s.remote.len() > 0 {
			if err := s.nat.startPunch(now); err != nil {
				log.Debug().Err(err).Msg("start punch")
			}
		} else if now.Sub(s.lastRegister) >= s.cfg.RegisterInterval {
			s.startRegister(now)
		}
	}

	if s.state == StateRegistering && s.nat.state == NATPunching {
		s.state = StatePunching
		log.Info().Int("candidates", s.remote.len()).Msg("punching")
	}

	switch s.state {
	case StateRegistering, StatePunching, StateRelay:
		if s.nat.state == NATConnected {
			s.onConnected(now)
		}
	}

	if s.state == StatePunching && s.nat.state == NATRelay {
		s.onRelay()
	}

	if s.route.lanConfirmed && s.path != PathLAN &&
		(s.state == StateConnected || s.state == StateRelay) {
		s.path = PathLAN
		s.activeAddr = s.route.lanPeer
		log.Info().Stringer("peer", s.activeAddr).Msg("switched to LAN path")
	}
}

// onConnected promotes the session after a successful probe.
func (s *Session) onConnected(now time.Time) {
	prev := s.state
	s.state = StateConnected
	s.path = PathPunch
	s.activeAddr = s.nat.peer
	s.route.reset()
	s.applyEstimate()
	s.queueConnected()

	log.Info().
		Str("remote", s.remoteID).
		Stringer("peer", s.activeAddr).
		Stringer("from", prev).
		Msg("connected")

	if len(s.authToken) > 0 {
		if err := s.sendActive(PktAuth, 0, s.authToken); err != nil {
			log.Debug().Err(err).Msg("send AUTH")
		}
	}

	target, ok := s.route.lanTarget(s.remote.snapshot())
	if !ok {
		return
	}
	if s.cfg.DisableLANShortcut {
		s.trace.record(now, "lan-shortcut-disabled", target)
		return
	}
	port := 0
	if laddr, ok := s.conn.LocalAddr().(*net.UDPAddr); ok {
		port = laddr.Port
	}
	s.route.probeSent(target, now)
	s.trace.record(now, "route-probe-sent", target)
	if err := s.sendTo(target, PktRouteProbe, probePayload(port)); err != nil {
		log.Debug().Err(err).Msg("send route probe")
	}
}

// onRelay falls back to the relay path after a punch timeout.
func (s *Session) onRelay() {
	s.state = StateRelay
	s.path = PathRelay

	switch {
	case s.relayAddr != nil:
		s.activeAddr = s.relayAddr
		log.Warn().Stringer("relay", s.relayAddr).Msg("punch timed out, using relay")
	case s.nat.peer != nil:
		s.activeAddr = s.nat.peer
		log.Warn().Msg("punch timed out, no relay configured, still trying direct")
	default:
		if cands := s.remote.snapshot(); len(cands) > 0 {
			s.activeAddr = cands[0].Addr
		}
		log.Warn().Msg("punch timed out, no relay configured, still trying direct")
	}
}
