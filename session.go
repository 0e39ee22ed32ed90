// Package p2p establishes direct peer-to-peer data channels between two
// endpoints behind independent NATs and keeps them alive and reliable.
//
// A Session sequences UDP hole punching toward the candidate addresses a
// signaling collaborator delivers, promotes the first working path to
// connected, and then moves an application byte stream over it with
// selective-repeat ARQ and AIMD congestion control.
//
// Architecture:
//   - Every datagram is at most MTU (1200) bytes with a 4-byte header
//   - Sequence numbers are 16 bits and compared by signed difference
//   - All sub-state machines advance synchronously inside Update
//   - Update never blocks; inbound datagrams are queued by a reader goroutine
package p2p

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionState is the connection lifecycle state of a Session.
type SessionState int

const (
	// StateIdle is the state before Connect
	StateIdle SessionState = iota
	// StateRegistering means candidates are being exchanged
	StateRegistering
	// StatePunching means probes are in flight
	StatePunching
	// StateConnected means a direct path is established
	StateConnected
	// StateRelay means punching timed out and data goes through the relay
	StateRelay
	// StateClosing means Close was called; the next Update finishes it
	StateClosing
	// StateClosed is terminal
	StateClosed
	// StateError is terminal after a fatal failure
	StateError
)

// String returns a human-readable representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRegistering:
		return "REGISTERING"
	case StatePunching:
		return "PUNCHING"
	case StateConnected:
		return "CONNECTED"
	case StateRelay:
		return "RELAY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// PathKind is the kind of path data currently takes.
type PathKind int

const (
	// PathNone means no data path yet
	PathNone PathKind = iota
	// PathPunch is a direct hole-punched path
	PathPunch
	// PathRelay goes through the relay address
	PathRelay
	// PathLAN is a direct path inside a shared subnet
	PathLAN
)

// String returns a human-readable representation of the path kind.
func (p PathKind) String() string {
	switch p {
	case PathNone:
		return "none"
	case PathPunch:
		return "punch"
	case PathRelay:
		return "relay"
	case PathLAN:
		return "lan"
	default:
		return "unknown"
	}
}

// Signaler is the candidate-exchange collaborator. Register publishes the
// local candidates toward remoteID; the collaborator later delivers the
// peer's candidates through Session.AddRemoteCandidate.
type Signaler interface {
	Register(ctx context.Context, localID, remoteID string, candidates []Candidate) error
}

// Stats is a snapshot of session counters and estimator state.
type Stats struct {
	PacketsSent uint64
	PacketsRecv uint64
	BytesSent   uint64
	BytesRecv   uint64
	Dropped     uint64 // inbound datagrams dropped on a full queue
	Retransmits uint64
	InFlight    int // unacknowledged DATA packets
	Unsent      int // bytes written but not yet packetised
	SRTT        time.Duration
	RTO         time.Duration
	Cwnd        uint32
	Ssthresh    uint32
}

// inbound is one datagram queued by the reader goroutine.
type inbound struct {
	data []byte
	from net.Addr
}

// inboxSize bounds datagrams queued between Update calls.
const inboxSize = 256

// Session is one peer-to-peer connection.
//
// All methods are safe for concurrent use. Callbacks run after the session
// lock is released, so they may call back into the session, Destroy
// included. In worker mode they run on the worker's dispatch goroutine.
type Session struct {
	mu    sync.Mutex
	cfg   Config
	clock TimeProvider

	conn  net.PacketConn
	inbox chan inbound

	state      SessionState
	path       PathKind
	remoteID   string
	activeAddr net.Addr
	relayAddr  net.Addr

	local  *candidateList
	remote *candidateList

	nat    *natContext
	rel    *reliable
	stream *stream
	cc     *congestion
	trans  transport
	route  route
	trace  *punchTrace

	authToken     []byte
	authenticated bool

	connectCtx   context.Context
	lastRegister time.Time
	registering  atomic.Bool

	stats   Stats
	dropped atomic.Uint64
	txBuf   []byte

	callbacks []func()

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// NewSession creates a session bound to a UDP socket (or cfg.PacketConn),
// gathers host candidates and starts the datagram reader. A nil cfg means
// DefaultConfig.
func NewSession(cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       *cfg,
		clock:     cfg.Clock,
		inbox:     make(chan inbound, inboxSize),
		local:     newCandidateList(),
		remote:    newCandidateList(),
		authToken: authToken(cfg.AuthKey),
		txBuf:     make([]byte, 0, MTU),
	}
	if s.clock == nil {
		s.clock = DefaultTimeProvider{}
	}

	trace, err := newPunchTrace(cfg.PunchVerbose, cfg.TraceSize)
	if err != nil {
		return nil, err
	}
	s.trace = trace

	if err := s.initTransport(); err != nil {
		return nil, err
	}
	s.nat = newNATContext(cfg.NAT, s.remote.snapshot, s.sendTo, s.trace)

	if cfg.RelayAddr != "" {
		relay, err := net.ResolveUDPAddr("udp", cfg.RelayAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve relay %s: %w", cfg.RelayAddr, err)
		}
		s.relayAddr = relay
	}

	s.route.networks = cfg.LocalNetworks
	if s.route.networks == nil {
		networks, err := detectLocalNetworks()
		if err != nil {
			log.Warn().Err(err).Msg("local network detection failed, LAN shortcut unavailable")
		}
		s.route.networks = networks
	}

	s.conn = cfg.PacketConn
	if s.conn == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.BindPort})
		if err != nil {
			return nil, fmt.Errorf("bind udp port %d: %w", cfg.BindPort, err)
		}
		s.conn = conn
	}
	s.gatherHostCandidates()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.readLoop()

	log.Info().
		Str("local", s.conn.LocalAddr().String()).
		Str("transport", s.trans.Name()).
		Int("hostCandidates", s.local.len()).
		Msg("session created")
	return s, nil
}

// initTransport builds fresh reliable, stream and congestion state and
// binds the configured transport to them.
func (s *Session) initTransport() error {
	st, err := newStream(s.cfg.RingSize, s.cfg.Nagle)
	if err != nil {
		return fmt.Errorf("allocate stream: %w", err)
	}
	s.rel = newReliable()
	s.stream = st
	s.cc = newCongestion()

	trans, err := newTransport(s.cfg.Transport)
	if err != nil {
		return err
	}
	env := &transportEnv{
		rel:     s.rel,
		stream:  s.stream,
		cc:      s.cc,
		send:    s.sendActive,
		relayed: func() bool { return s.path == PathRelay },
	}
	if err := trans.Init(env); err != nil {
		return fmt.Errorf("init %s: %w", trans.Name(), err)
	}
	s.trans = trans
	return nil
}

// gatherHostCandidates adds one host candidate per local address.
func (s *Session) gatherHostCandidates() {
	laddr, ok := s.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return
	}
	if laddr.IP != nil && !laddr.IP.IsUnspecified() {
		s.addHost(laddr.IP, laddr.Port)
		return
	}
	for _, n := range s.route.networks {
		s.addHost(n.IP, laddr.Port)
	}
}

func (s *Session) addHost(ip net.IP, port int) {
	addr := &net.UDPAddr{IP: ip, Port: port}
	c := Candidate{
		Type:     CandidateHost,
		Addr:     addr,
		Base:     addr,
		Priority: CandidatePriority(CandidateHost, uint16(65535-s.local.len())),
	}
	if _, err := s.local.add(c, true); err != nil {
		log.Debug().Err(err).Msg("host candidate not added")
	}
}

// CandidatePriority computes the RFC 8445 priority for a single-component
// candidate of type t with the given local preference.
func CandidatePriority(t CandidateType, localPref uint16) uint32 {
	var typePref uint32
	switch t {
	case CandidateHost:
		typePref = 126
	case CandidatePeerReflexive:
		typePref = 110
	case CandidateServerReflexive:
		typePref = 100
	}
	return typePref<<24 | uint32(localPref)<<8 | (256 - 1)
}

// Connect starts connecting to remoteID. It fails with ErrInvalidState
// unless the session is idle. Configuration problems move the session to
// StateError. Candidate publication runs in the background, bounded by
// ctx, and is retried every RegisterInterval until remote candidates arrive.
func (s *Session) Connect(ctx context.Context, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("connect from %s: %w", s.state, ErrInvalidState)
	}
	if remoteID == "" {
		s.state = StateError
		return fmt.Errorf("%w: empty remote id", ErrInvalidConfig)
	}
	if s.cfg.Signaler == nil && s.remote.len() == 0 {
		s.state = StateError
		return ErrNoSignaler
	}
	if s.cfg.Signaler != nil && s.cfg.LocalID == "" {
		s.state = StateError
		return fmt.Errorf("%w: signaling requires a local id", ErrInvalidConfig)
	}

	s.remoteID = remoteID
	s.connectCtx = ctx
	s.state = StateRegistering
	s.startRegister(s.clock.Now())

	log.Info().
		Str("remote", remoteID).
		Int("localCandidates", s.local.len()).
		Int("remoteCandidates", s.remote.len()).
		Msg("connecting")
	return nil
}

// startRegister publishes local candidates in the background unless a
// publication is already running.
func (s *Session) startRegister(now time.Time) {
	if s.cfg.Signaler == nil {
		return
	}
	if !s.registering.CompareAndSwap(false, true) {
		return
	}
	s.lastRegister = now

	ctx := s.connectCtx
	if ctx == nil {
		ctx = s.ctx
	}
	signaler := s.cfg.Signaler
	localID, remoteID := s.cfg.LocalID, s.remoteID
	cands := s.local.snapshot()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.registering.Store(false)

		rctx, cancel := context.WithTimeout(ctx, 5*s.cfg.RegisterInterval)
		defer cancel()
		if err := signaler.Register(rctx, localID, remoteID, cands); err != nil {
			log.Warn().Err(err).Str("remote", remoteID).Msg("candidate registration failed, will retry")
			return
		}
		log.Debug().Str("remote", remoteID).Int("candidates", len(cands)).Msg("candidates registered")
	}()
}

// Send queues p on the stream and returns how many bytes were accepted.
// A full send ring yields a short count and no error.
func (s *Session) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnected, StateRelay:
		return s.trans.Send(p)
	case StateClosing, StateClosed:
		return 0, ErrClosed
	default:
		return 0, fmt.Errorf("send in %s: %w", s.state, ErrNotConnected)
	}
}

// Recv copies ordered received bytes into p. It returns 0 when nothing is
// available yet, and io.EOF once the session is finished and drained.
func (s *Session) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.stream.read(p)
	if n == 0 && (s.state == StateClosed || s.state == StateError) {
		return 0, io.EOF
	}
	return n, nil
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the kind of path data currently takes.
func (s *Session) Path() PathKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// IsReady reports whether the session can carry data now.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateRelay {
		return false
	}
	return s.trans.IsReady()
}

// Authenticated reports whether the peer presented a valid AUTH token.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// LocalAddr returns the bound socket address.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ActiveAddr returns the address data is currently sent to.
func (s *Session) ActiveAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAddr
}

// AddLocalCandidate appends a local candidate, for example a server
// reflexive address found by STUN.
func (s *Session) AddLocalCandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.local.add(c, true)
	return err
}

// LocalCandidates returns a copy of the local candidate list.
func (s *Session) LocalCandidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local.snapshot()
}

// AddRemoteCandidate records a peer candidate, deduplicated by address.
// New candidates arriving while punching are probed immediately.
func (s *Session) AddRemoteCandidate(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.remote.add(c, true)
	if err != nil || !changed {
		return err
	}
	log.Debug().Stringer("candidate", c).Msg("remote candidate added")
	if s.state == StatePunching || s.state == StateRelay {
		s.nat.candidatesChanged(s.clock.Now())
	}
	return nil
}

// RemoteCandidates returns a copy of the remote candidate list.
func (s *Session) RemoteCandidates() []Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote.snapshot()
}

// PunchTrace returns the retained verbose punch trace.
func (s *Session) PunchTrace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace.String()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Dropped = s.dropped.Load()
	st.Retransmits = s.rel.retransmits
	st.InFlight = s.rel.outstanding()
	st.Unsent = s.stream.queued()
	st.SRTT = s.rel.srtt
	st.RTO = s.rel.rto
	st.Cwnd = s.cc.cwnd
	st.Ssthresh = s.cc.ssthresh
	return st
}

// Close sends a best-effort FIN, fires OnDisconnected if the session was
// connected and moves to StateClosing. The next Update completes the close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}

	wasConnected := s.state == StateConnected || s.state == StateRelay
	if wasConnected {
		if err := s.sendActive(PktFin, 0, nil); err != nil {
			log.Debug().Err(err).Msg("FIN not sent")
		}
		s.saveEstimate()
		s.queueDisconnected()
	}
	prev, remote := s.state, s.remoteID
	s.state = StateClosing
	cbs := s.takeCallbacks()
	s.mu.Unlock()

	log.Info().Str("remote", remote).Stringer("from", prev).Msg("session closing")
	runCallbacks(cbs)
	return nil
}

// Destroy closes the session if needed, stops the worker, closes the
// socket (including one supplied through Config.PacketConn) and waits for
// background goroutines.
func (s *Session) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	s.Stop()

	s.mu.Lock()
	s.state = StateClosed
	s.path = PathNone
	s.mu.Unlock()

	s.cancel()
	err := s.conn.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// saveEstimate stores the path estimate in the shared cache.
func (s *Session) saveEstimate() {
	if !s.rel.rttSampled {
		return
	}
	s.cfg.PathCache.Put(s.remoteID, PathEstimate{
		SRTT:   s.rel.srtt,
		RTTVar: s.rel.rttVar,
		Cwnd:   s.cc.cwnd,
	})
}

// applyEstimate seeds RTT and window from the shared cache.
func (s *Session) applyEstimate() {
	est, ok := s.cfg.PathCache.Get(s.remoteID)
	if !ok || s.rel.rttSampled {
		return
	}
	s.rel.seedRTT(est.SRTT, est.RTTVar)
	if est.Cwnd > s.cc.cwnd {
		s.cc.cwnd = est.Cwnd
		s.cc.ssthresh = max(s.cc.ssthresh, 2*est.Cwnd)
	}
}

func (s *Session) queueDisconnected() {
	if cb := s.cfg.OnDisconnected; cb != nil {
		s.callbacks = append(s.callbacks, func() { cb(s, s.cfg.UserData) })
	}
}

func (s *Session) queueConnected() {
	if cb := s.cfg.OnConnected; cb != nil {
		s.callbacks = append(s.callbacks, func() { cb(s, s.cfg.UserData) })
	}
}

func (s *Session) queueData(n int) {
	if cb := s.cfg.OnData; cb != nil {
		s.callbacks = append(s.callbacks, func() { cb(s, n, s.cfg.UserData) })
	}
}

func (s *Session) takeCallbacks() []func() {
	cbs := s.callbacks
	s.callbacks = nil
	return cbs
}

func runCallbacks(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
