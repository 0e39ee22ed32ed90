package p2p

import "errors"

// Errors returned by the session engine. Callers match them with errors.Is.
var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// current session state, such as Connect outside Idle.
	ErrInvalidState = errors.New("invalid session state")
	// ErrNotConnected is returned by Send outside Connected and Relay.
	ErrNotConnected = errors.New("session not connected")
	// ErrClosed is returned after Close or Destroy.
	ErrClosed = errors.New("session closed")
	// ErrNoCandidates is returned when punching starts with no remote candidates.
	ErrNoCandidates = errors.New("no remote candidates")
	// ErrCandidateLimit is returned when a candidate list is at capacity.
	ErrCandidateLimit = errors.New("candidate list full")
	// ErrPeerTimeout reports that a connected peer went silent.
	ErrPeerTimeout = errors.New("peer heartbeat timeout")
	// ErrAuthFailed reports an AUTH token mismatch.
	ErrAuthFailed = errors.New("peer authentication failed")
	// ErrInvalidConfig wraps configuration validation failures.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrNoSignaler is returned by Connect when no signaling collaborator is configured.
	ErrNoSignaler = errors.New("no signaler configured")
	// ErrInvalidTransport is returned for an unknown TransportKind.
	ErrInvalidTransport = errors.New("invalid transport kind")
)
