package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a TimeProvider advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memNetwork is an in-memory datagram network. Addresses are *net.UDPAddr
// so sessions see the same address types as on a real socket.
type memNetwork struct {
	mu    sync.Mutex
	conns map[string]*memConn
	drop  func(from, to net.Addr, data []byte) bool
}

type memPacket struct {
	data []byte
	from net.Addr
}

func newMemNetwork() *memNetwork {
	return &memNetwork{conns: make(map[string]*memConn)}
}

// listen binds a connection at addr, e.g. "10.0.0.1:4000".
func (n *memNetwork) listen(t *testing.T, addr string) *memConn {
	t.Helper()
	udp, err := net.ResolveUDPAddr("udp", addr)
	require.NoError(t, err)

	c := &memConn{
		net:  n,
		addr: udp,
		in:   make(chan memPacket, 1024),
		done: make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[udp.String()] = c
	n.mu.Unlock()
	return c
}

// setDrop installs a filter; returning true discards the datagram.
func (n *memNetwork) setDrop(f func(from, to net.Addr, data []byte) bool) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

func (n *memNetwork) deliver(from, to net.Addr, data []byte) {
	n.mu.Lock()
	dst := n.conns[to.String()]
	drop := n.drop
	n.mu.Unlock()

	if dst == nil || (drop != nil && drop(from, to, data)) {
		return
	}
	select {
	case dst.in <- memPacket{data: append([]byte(nil), data...), from: from}:
	default:
	}
}

// dropTypes returns a filter discarding the given packet types.
func dropTypes(types ...PacketType) func(from, to net.Addr, data []byte) bool {
	return func(_, _ net.Addr, data []byte) bool {
		if len(data) == 0 {
			return false
		}
		for _, t := range types {
			if PacketType(data[0]) == t {
				return true
			}
		}
		return false
	}
}

func dropAll(_, _ net.Addr, _ []byte) bool { return true }

// memConn implements net.PacketConn on a memNetwork.
type memConn struct {
	net       *memNetwork
	addr      *net.UDPAddr
	in        chan memPacket
	done      chan struct{}
	closeOnce sync.Once
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.in:
		return copy(p, pkt.data), pkt.from, nil
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	c.net.deliver(c.addr, addr, p)
	return len(p), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.net.mu.Lock()
		delete(c.net.conns, c.addr.String())
		c.net.mu.Unlock()
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }
func (c *memConn) SetDeadline(time.Time) error { return nil }
func (c *memConn) SetReadDeadline(time.Time) error { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

// testConfig returns a config bound to conn with interface detection off.
func testConfig(conn net.PacketConn, clock TimeProvider) *Config {
	cfg := DefaultConfig()
	cfg.PacketConn = conn
	cfg.Clock = clock
	cfg.LocalNetworks = []*net.IPNet{}
	return cfg
}

// newTestSession creates a session and destroys it at cleanup.
func newTestSession(t *testing.T, cfg *Config) *Session {
	t.Helper()
	s, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s
}

// testPair is two sessions on one memNetwork sharing a fake clock.
type testPair struct {
	t     *testing.T
	net   *memNetwork
	clock *fakeClock
	a, b  *Session
}

// newTestPair builds sessions at addrA and addrB, each knowing the other's
// host candidate. tweak may adjust both configs before creation.
func newTestPair(t *testing.T, addrA, addrB string, tweak func(a, b *Config)) *testPair {
	t.Helper()
	p := &testPair{t: t, net: newMemNetwork(), clock: newFakeClock()}

	cfgA := testConfig(p.net.listen(t, addrA), p.clock)
	cfgB := testConfig(p.net.listen(t, addrB), p.clock)
	if tweak != nil {
		tweak(cfgA, cfgB)
	}
	p.a = newTestSession(t, cfgA)
	p.b = newTestSession(t, cfgB)

	for _, c := range p.b.LocalCandidates() {
		require.NoError(t, p.a.AddRemoteCandidate(c))
	}
	for _, c := range p.a.LocalCandidates() {
		require.NoError(t, p.b.AddRemoteCandidate(c))
	}
	return p
}

func (p *testPair) connect() {
	p.t.Helper()
	require.NoError(p.t, p.a.Connect(context.Background(), "b"))
	require.NoError(p.t, p.b.Connect(context.Background(), "a"))
}

// step runs one Update on both sessions and advances the clock.
func (p *testPair) step(d time.Duration) {
	_ = p.a.Update()
	_ = p.b.Update()
	p.clock.Advance(d)
}

// pumpUntil steps the pair in 5ms increments until cond holds or the wait
// expires.
func (p *testPair) pumpUntil(cond func() bool, msgAndArgs ...any) {
	p.t.Helper()
	p.pump(5*time.Millisecond, cond, msgAndArgs...)
}

// pump steps the pair by d per round until cond holds.
func (p *testPair) pump(d time.Duration, cond func() bool, msgAndArgs ...any) {
	p.t.Helper()
	require.Eventually(p.t, func() bool {
		p.step(d)
		return cond()
	}, 10*time.Second, time.Millisecond, msgAndArgs...)
}

func (p *testPair) waitConnected() {
	p.t.Helper()
	p.pumpUntil(func() bool {
		return p.a.State() == StateConnected && p.b.State() == StateConnected
	}, "sessions never connected")
}
