package p2p

import (
	"errors"

	"github.com/rs/zerolog/log"
)

// stream fragments an application byte stream into DATA payloads and
// reassembles in-order payloads back into bytes.
//
// Each payload starts with a 5-byte sub-header: the 32-bit stream offset of
// the first byte followed by FragFirst/FragLast flags.
type stream struct {
	sendRing *ringBuffer
	recvRing *ringBuffer

	sendOffset uint32 // stream offset of the next byte handed to reliable
	recvOffset uint32 // stream offset of the next byte expected
	pending    int    // bytes written but not yet handed to reliable
	nagle      bool

	scratch [MaxPayload]byte
}

// newStream allocates both rings with the given capacity.
func newStream(ringSize int, nagle bool) (*stream, error) {
	send, err := newRingBuffer(ringSize)
	if err != nil {
		return nil, err
	}
	recv, err := newRingBuffer(ringSize)
	if err != nil {
		return nil, err
	}
	return &stream{sendRing: send, recvRing: recv, nagle: nagle}, nil
}

// write queues application bytes and returns how many were accepted.
func (s *stream) write(p []byte) int {
	n := s.sendRing.Write(p)
	s.pending += n
	return n
}

// read drains ordered inbound bytes.
func (s *stream) read(p []byte) int {
	return s.recvRing.Read(p)
}

// flushToReliable moves queued bytes into rel as DATA payloads and returns
// the number of packets queued. With batching enabled it defers until at
// least one full chunk is waiting. A full send window stops the flush
// without error.
func (s *stream) flushToReliable(rel *reliable) int {
	if s.sendRing.Len() == 0 {
		return 0
	}
	if s.nagle && s.pending < StreamChunk {
		return 0
	}

	packets := 0
	first := true
	for s.sendRing.Len() > 0 {
		remaining := s.sendRing.Len()
		n := min(remaining, StreamChunk)

		var flags uint8
		if first {
			flags |= FragFirst
		}
		if remaining <= StreamChunk {
			flags |= FragLast
		}

		pkt := s.scratch[:StreamHeaderSize+n]
		putStreamHeader(pkt, s.sendOffset, flags)
		s.sendRing.Peek(pkt[StreamHeaderSize:])

		if err := rel.sendPkt(pkt); err != nil {
			if !errors.Is(err, ErrWindowFull) {
				log.Error().Err(err).Msg("stream flush rejected by reliable layer")
			}
			break
		}
		s.sendRing.Skip(n)
		s.sendOffset += uint32(n)
		s.pending -= n
		first = false
		packets++
	}
	return packets
}

// feedFromReliable appends every in-order payload from rel to the receive
// ring and returns the number of body bytes added. Payloads shorter than
// the sub-header are skipped.
func (s *stream) feedFromReliable(rel *reliable) int {
	total := 0
	for {
		if s.recvRing.Free() < StreamChunk {
			// Leave data in reliable until the application reads.
			return total
		}
		payload, ok := rel.recvPkt()
		if !ok {
			return total
		}
		offset, _, body, ok := parseStreamHeader(payload)
		if !ok {
			log.Debug().Int("len", len(payload)).Msg("skipping malformed stream payload")
			continue
		}
		if offset != s.recvOffset {
			log.Debug().
				Uint32("offset", offset).
				Uint32("expected", s.recvOffset).
				Msg("stream offset mismatch")
		}
		n := s.recvRing.Write(body)
		s.recvOffset += uint32(n)
		total += n
	}
}

// queued returns the number of bytes written but not yet flushed.
func (s *stream) queued() int {
	return s.pending
}
