package p2p

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the options recognised by NewSession.
// Fields tagged yaml can be loaded from a file with LoadConfig; the rest are
// runtime hooks that must be set in code.
type Config struct {
	// LocalID is this peer's identity on the signaling channel.
	LocalID string `yaml:"local_id"`

	// BindPort is the local UDP port. 0 picks an ephemeral port.
	// Ignored when PacketConn is set.
	BindPort int `yaml:"bind_port"`

	// UpdateInterval is the worker-mode tick period.
	// Default: 10ms
	UpdateInterval time.Duration `yaml:"update_interval"`

	// RegisterInterval is how often candidates are re-published while no
	// remote candidates have arrived.
	// Default: 1s
	RegisterInterval time.Duration `yaml:"register_interval"`

	// PunchVerbose logs punch events at info level and keeps a bounded
	// trace readable through Session.PunchTrace.
	PunchVerbose bool `yaml:"punch_verbose"`

	// TraceSize bounds the verbose punch trace in bytes.
	// Default: 8KiB
	TraceSize int64 `yaml:"trace_size"`

	// DisableLANShortcut keeps traffic on the punched path even when the
	// peer shares a local subnet.
	DisableLANShortcut bool `yaml:"disable_lan_shortcut"`

	// Transport selects the reliable back-end.
	// Default: TransportPseudoTCP
	Transport TransportKind `yaml:"transport"`

	// Nagle batches small writes until one full DATA chunk is queued.
	Nagle bool `yaml:"nagle"`

	// RingSize is the capacity of each stream ring buffer.
	// Default: 64KiB
	RingSize int `yaml:"ring_size"`

	// RelayAddr is the host:port used as the data path when punching times
	// out. Empty means keep sending to the last known peer address.
	RelayAddr string `yaml:"relay_addr"`

	// AuthKey, when set, is used to derive the token exchanged in AUTH
	// packets. Both peers must share it.
	AuthKey string `yaml:"auth_key"`

	// NAT holds the punch and keepalive timers.
	NAT NATConfig `yaml:"nat"`

	// Signaler publishes local candidates to the remote peer. Optional when
	// remote candidates are added directly.
	Signaler Signaler `yaml:"-"`

	// PacketConn replaces the UDP socket NewSession would bind.
	PacketConn net.PacketConn `yaml:"-"`

	// LocalNetworks replaces interface detection for the LAN shortcut.
	LocalNetworks []*net.IPNet `yaml:"-"`

	// Clock replaces the wall clock.
	Clock TimeProvider `yaml:"-"`

	// PathCache shares RTT and window estimates between sessions.
	PathCache *PathCache `yaml:"-"`

	// OnConnected fires once per transition into StateConnected.
	OnConnected func(s *Session, userData any) `yaml:"-"`

	// OnDisconnected fires when a connected session is closed locally or
	// by the peer.
	OnDisconnected func(s *Session, userData any) `yaml:"-"`

	// OnData fires after Update appended n new bytes to the receive ring.
	OnData func(s *Session, n int, userData any) `yaml:"-"`

	// UserData is passed to every callback.
	UserData any `yaml:"-"`
}

// DefaultConfig returns a configuration with every timer at its default.
func DefaultConfig() *Config {
	return &Config{
		UpdateInterval:   10 * time.Millisecond,
		RegisterInterval: time.Second,
		TraceSize:        DefaultTraceSize,
		Transport:        TransportPseudoTCP,
		RingSize:         DefaultRingSize,
		NAT:              DefaultNATConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("%w: bind port %d out of range", ErrInvalidConfig, c.BindPort)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("%w: update interval must be positive", ErrInvalidConfig)
	}
	if c.RegisterInterval <= 0 {
		return fmt.Errorf("%w: register interval must be positive", ErrInvalidConfig)
	}
	if c.RingSize < StreamChunk+1 {
		return fmt.Errorf("%w: ring size %d below one chunk (%d)", ErrInvalidConfig, c.RingSize, StreamChunk+1)
	}
	if c.PunchVerbose && c.TraceSize <= 0 {
		return fmt.Errorf("%w: trace size must be positive", ErrInvalidConfig)
	}
	if !c.Transport.IsValid() {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrInvalidTransport)
	}
	if c.RelayAddr != "" {
		if _, err := net.ResolveUDPAddr("udp", c.RelayAddr); err != nil {
			return fmt.Errorf("%w: relay address: %w", ErrInvalidConfig, err)
		}
	}
	return c.NAT.validate()
}

// UnmarshalYAML decodes a transport name such as "pseudotcp" or "simple".
func (k *TransportKind) UnmarshalYAML(value *yaml.Node) error {
	return k.UnmarshalText([]byte(value.Value))
}

// MarshalYAML encodes the transport by name.
func (k TransportKind) MarshalYAML() (any, error) {
	return k.String(), nil
}
