package p2p

import "errors"

// DefaultRingSize is the capacity of the stream send and receive rings.
const DefaultRingSize = 64 * 1024

var errRingSize = errors.New("p2p/ring: capacity must be at least 2")

// ringBuffer is a fixed-capacity byte queue with wrap-around reads and writes.
//
// One slot is always left unused so that head==tail means empty and
// head+1==tail (mod capacity) means full. A ring of capacity N therefore
// holds at most N-1 live bytes.
type ringBuffer struct {
	buf  []byte
	head int // next write index
	tail int // next read index
}

// newRingBuffer allocates a ring with the given capacity.
func newRingBuffer(capacity int) (*ringBuffer, error) {
	if capacity < 2 {
		return nil, errRingSize
	}
	return &ringBuffer{buf: make([]byte, capacity)}, nil
}

// Len returns the number of buffered bytes.
func (r *ringBuffer) Len() int {
	if r.head >= r.tail {
		return r.head - r.tail
	}
	return len(r.buf) - r.tail + r.head
}

// Free returns how many bytes can still be written.
func (r *ringBuffer) Free() int {
	return len(r.buf) - 1 - r.Len()
}

// Write copies as much of p as fits and returns the count written.
// A full ring yields a short write, never an error.
func (r *ringBuffer) Write(p []byte) int {
	n := min(len(p), r.Free())
	if n == 0 {
		return 0
	}
	// head ... end of buf, then wrap to start
	first := copy(r.buf[r.head:], p[:n])
	if first < n {
		copy(r.buf, p[first:n])
	}
	r.head = (r.head + n) % len(r.buf)
	return n
}

// Peek copies up to len(p) buffered bytes without consuming them.
func (r *ringBuffer) Peek(p []byte) int {
	n := min(len(p), r.Len())
	if n == 0 {
		return 0
	}
	first := copy(p[:n], r.buf[r.tail:])
	if first < n {
		copy(p[first:n], r.buf)
	}
	return n
}

// Skip discards up to n buffered bytes and returns how many were dropped.
func (r *ringBuffer) Skip(n int) int {
	n = max(0, min(n, r.Len()))
	r.tail = (r.tail + n) % len(r.buf)
	return n
}

// Read consumes up to len(p) bytes.
func (r *ringBuffer) Read(p []byte) int {
	return r.Skip(r.Peek(p))
}

// Reset drops all buffered data.
func (r *ringBuffer) Reset() {
	r.head, r.tail = 0, 0
}
