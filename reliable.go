package p2p

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Reliable transport parameters.
const (
	// WindowSize is the number of unacknowledged packets the sender may hold
	// and the span of sequence numbers the receiver buffers ahead.
	WindowSize = 32
	// InitialRTO is the retransmission timeout before any RTT sample.
	InitialRTO = 200 * time.Millisecond
	// MinRTO is the lower RTO clamp.
	MinRTO = 50 * time.Millisecond
	// MaxRTO is the upper RTO clamp.
	MaxRTO = 2000 * time.Millisecond
)

// ErrWindowFull is returned by sendPkt when WindowSize packets are outstanding.
var ErrWindowFull = errors.New("send window full")

// seqLessThan compares two 16-bit sequence numbers with wrap-around handling.
// a < b iff (a - b) interpreted as int16 is negative, so 0xFFFF is before 0x0000.
// A plain < on the raw values breaks once a session passes 65536 packets.
func seqLessThan(a, b uint16) bool {
	return int16(a-b) < 0
}

// seqInWindow reports whether seq lies in [base, base+size).
func seqInWindow(seq, base uint16, size int) bool {
	d := int16(seq - base)
	return d >= 0 && int(d) < size
}

// retxEntry is one slot of the retransmission ring.
type retxEntry struct {
	data      []byte
	seq       uint16
	sendTime  time.Time // zero until first physical transmission
	retxCount int       // -1 while pending first send
	acked     bool
}

// reliable is a selective-repeat ARQ over 16-bit sequence numbers.
//
// The send side keeps up to WindowSize entries indexed by seq % WindowSize.
// The receive side stores out-of-order arrivals in the same kind of ring and
// releases them strictly in order.
type reliable struct {
	sendSeq   uint16
	sendBase  uint16
	sendCount int
	sendBuf   [WindowSize]retxEntry

	recvBase   uint16
	recvBitmap [WindowSize]bool
	recvData   [WindowSize][]byte
	ackPending bool

	srtt       time.Duration
	rttVar     time.Duration
	rto        time.Duration
	rttSampled bool

	retransmits uint64
}

// newReliable returns an empty ARQ state with the initial RTO.
func newReliable() *reliable {
	return &reliable{rto: InitialRTO}
}

// seedRTT preloads the estimator from a cached path measurement.
func (r *reliable) seedRTT(srtt, rttVar time.Duration) {
	if srtt <= 0 {
		return
	}
	r.srtt = srtt
	r.rttVar = rttVar
	r.rttSampled = true
	r.rto = calculateRTO(srtt, rttVar)
}

// sendPkt queues one payload for transmission on the next tick.
func (r *reliable) sendPkt(data []byte) error {
	if r.sendCount >= WindowSize || int(r.sendSeq-r.sendBase) >= WindowSize {
		return ErrWindowFull
	}
	if len(data) > MaxPayload {
		return fmt.Errorf("send %d bytes: %w", len(data), ErrPayloadTooLarge)
	}

	e := &r.sendBuf[r.sendSeq%WindowSize]
	*e = retxEntry{
		data:      append([]byte(nil), data...),
		seq:       r.sendSeq,
		retxCount: -1,
	}
	r.sendSeq++
	r.sendCount++
	return nil
}

// onData stores an inbound DATA payload. Returns true if the payload was new.
// Packets outside [recvBase, recvBase+WindowSize) are dropped; duplicates keep
// the first copy.
func (r *reliable) onData(seq uint16, payload []byte) bool {
	// Old duplicates still need an ack in case the previous one was lost.
	r.ackPending = true

	if !seqInWindow(seq, r.recvBase, WindowSize) {
		log.Debug().
			Uint16("seq", seq).
			Uint16("recvBase", r.recvBase).
			Msg("dropping DATA outside receive window")
		return false
	}
	idx := seq % WindowSize
	if r.recvBitmap[idx] {
		return false
	}
	r.recvData[idx] = append([]byte(nil), payload...)
	r.recvBitmap[idx] = true
	return true
}

// recvPkt returns the payload at recvBase if it has arrived.
// A gap at recvBase blocks delivery even when later packets are buffered.
func (r *reliable) recvPkt() ([]byte, bool) {
	idx := r.recvBase % WindowSize
	if !r.recvBitmap[idx] {
		return nil, false
	}
	data := r.recvData[idx]
	r.recvData[idx] = nil
	r.recvBitmap[idx] = false
	r.recvBase++
	return data, true
}

// buildAck returns the cumulative ack (recvBase) and a bitmap where bit i
// reports that recvBase+i is buffered.
func (r *reliable) buildAck() (uint16, uint32) {
	var sack uint32
	for i := 0; i < WindowSize; i++ {
		if r.recvBitmap[(r.recvBase+uint16(i))%WindowSize] {
			sack |= 1 << i
		}
	}
	return r.recvBase, sack
}

// onAck processes a cumulative ack plus SACK bitmap and returns the number of
// entries newly acknowledged. cc may be nil when no congestion control runs.
func (r *reliable) onAck(ack uint16, sack uint32, now time.Time, cc *congestion) int {
	newly := 0
	advanced := false

	// Everything strictly before ack is delivered.
	for seqLessThan(r.sendBase, ack) && seqLessThan(r.sendBase, r.sendSeq) {
		e := &r.sendBuf[r.sendBase%WindowSize]
		if !e.acked {
			r.ackEntry(e, now, cc)
			newly++
		}
		r.sendBase++
		advanced = true
	}

	for i := 0; i < WindowSize; i++ {
		if sack&(1<<i) == 0 {
			continue
		}
		seq := ack + uint16(i)
		if !seqInWindow(seq, r.sendBase, int(r.sendSeq-r.sendBase)) {
			continue
		}
		e := &r.sendBuf[seq%WindowSize]
		if e.seq == seq && !e.acked {
			r.ackEntry(e, now, cc)
			newly++
		}
	}

	// Slide past a fully selectively-acked prefix.
	for r.sendBase != r.sendSeq && r.sendBuf[r.sendBase%WindowSize].acked {
		r.sendBase++
		advanced = true
	}

	if !advanced && ack == r.sendBase && r.sendCount > 0 && cc != nil {
		if cc.onDupAck() {
			// Fast retransmit: resend the oldest entry on the next tick.
			oldest := &r.sendBuf[r.sendBase%WindowSize]
			if !oldest.acked {
				oldest.sendTime = time.Time{}
				r.retransmits++
			}
			log.Debug().
				Uint16("seq", r.sendBase).
				Msg("fast retransmit after duplicate acks")
		}
	}
	return newly
}

// ackEntry releases one outstanding entry and takes an RTT sample if the
// entry was transmitted exactly once.
func (r *reliable) ackEntry(e *retxEntry, now time.Time, cc *congestion) {
	e.acked = true
	e.data = nil
	r.sendCount--
	if cc != nil {
		cc.onAck()
	}
	if e.retxCount == 0 && !e.sendTime.IsZero() {
		r.updateRTTEstimate(now.Sub(e.sendTime))
	}
}

// updateRTTEstimate updates the smoothed RTT and RTT variance per RFC 6298.
// Uses alpha = 1/8 and beta = 1/4.
func (r *reliable) updateRTTEstimate(sample time.Duration) {
	if !r.rttSampled {
		r.srtt = sample
		r.rttVar = sample / 2
		r.rttSampled = true
	} else {
		delta := r.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		r.rttVar = (3*r.rttVar + delta) / 4
		r.srtt = (7*r.srtt + sample) / 8
	}
	r.rto = calculateRTO(r.srtt, r.rttVar)
}

// calculateRTO returns SRTT + 4*RTTVAR clamped to [MinRTO, MaxRTO].
func calculateRTO(srtt, rttVar time.Duration) time.Duration {
	return min(max(srtt+4*rttVar, MinRTO), MaxRTO)
}

// emitFunc physically sends one DATA packet.
type emitFunc func(seq uint16, payload []byte) error

// tick transmits entries never sent and retransmits entries whose RTO has
// elapsed, scanning the window oldest first. With cc set, only the leading
// entries whose in-flight byte total is under cwnd are considered.
func (r *reliable) tick(now time.Time, cc *congestion, emit emitFunc) error {
	var inFlight uint32
	for i := 0; i < WindowSize; i++ {
		seq := r.sendBase + uint16(i)
		if !seqLessThan(seq, r.sendSeq) {
			break
		}
		e := &r.sendBuf[seq%WindowSize]
		if e.acked {
			continue
		}
		if cc != nil && !cc.allows(inFlight) {
			break
		}
		inFlight += MSS

		if !e.sendTime.IsZero() && now.Sub(e.sendTime) < r.rto {
			continue
		}
		retransmit := !e.sendTime.IsZero()
		if err := emit(e.seq, e.data); err != nil {
			return fmt.Errorf("transmit seq %d: %w", e.seq, err)
		}
		if retransmit {
			r.retransmits++
			if cc != nil {
				cc.onLoss()
			}
			r.rto = min(r.rto*3/2, MaxRTO)
			log.Debug().
				Uint16("seq", e.seq).
				Int("retx", e.retxCount+1).
				Dur("rto", r.rto).
				Msg("retransmitted DATA")
		}
		e.sendTime = now
		e.retxCount++
	}
	return nil
}

// takeAck reports whether an ACK is owed and clears the flag.
func (r *reliable) takeAck() bool {
	if !r.ackPending {
		return false
	}
	r.ackPending = false
	return true
}

// outstanding returns the number of unacknowledged entries.
func (r *reliable) outstanding() int {
	return r.sendCount
}
