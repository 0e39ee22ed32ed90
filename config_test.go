package p2p

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestDefaultConfig verifies the documented defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Millisecond, cfg.UpdateInterval)
	assert.Equal(t, time.Second, cfg.RegisterInterval)
	assert.Equal(t, TransportPseudoTCP, cfg.Transport)
	assert.Equal(t, DefaultRingSize, cfg.RingSize)
	assert.False(t, cfg.Nagle)
	assert.Equal(t, 500*time.Millisecond, cfg.NAT.PunchInterval)
	assert.Equal(t, 5*time.Second, cfg.NAT.PunchTimeout)
	assert.Equal(t, 15*time.Second, cfg.NAT.KeepaliveInterval)
	assert.Equal(t, 30*time.Second, cfg.NAT.HeartbeatTimeout)
}

// TestConfigValidate verifies out-of-range options are rejected.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative port", func(c *Config) { c.BindPort = -1 }},
		{"port too large", func(c *Config) { c.BindPort = 70000 }},
		{"zero update interval", func(c *Config) { c.UpdateInterval = 0 }},
		{"zero register interval", func(c *Config) { c.RegisterInterval = 0 }},
		{"ring below one chunk", func(c *Config) { c.RingSize = StreamChunk }},
		{"verbose without trace", func(c *Config) { c.PunchVerbose, c.TraceSize = true, 0 }},
		{"unknown transport", func(c *Config) { c.Transport = TransportKind(7) }},
		{"bad relay", func(c *Config) { c.RelayAddr = "not an address" }},
		{"bad NAT timers", func(c *Config) { c.NAT.HeartbeatTimeout = time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

// TestLoadConfig verifies YAML values override defaults and unset fields
// keep them.
func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2p.yaml")
	data := `
local_id: alice
bind_port: 40000
transport: simple
nagle: true
relay_addr: 127.0.0.1:3478
auth_key: shared
nat:
  punch_timeout: 3s
  keepalive_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.LocalID)
	assert.Equal(t, 40000, cfg.BindPort)
	assert.Equal(t, TransportSimpleARQ, cfg.Transport)
	assert.True(t, cfg.Nagle)
	assert.Equal(t, "127.0.0.1:3478", cfg.RelayAddr)
	assert.Equal(t, "shared", cfg.AuthKey)
	assert.Equal(t, 3*time.Second, cfg.NAT.PunchTimeout)
	assert.Equal(t, 10*time.Second, cfg.NAT.KeepaliveInterval)

	assert.Equal(t, 500*time.Millisecond, cfg.NAT.PunchInterval, "default kept")
	assert.Equal(t, DefaultRingSize, cfg.RingSize, "default kept")
}

// TestLoadConfigErrors verifies missing files, bad YAML and invalid values.
func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("transport: carrier-pigeon\n"), 0o600))
	_, err = LoadConfig(bad)
	assert.ErrorIs(t, err, ErrInvalidTransport)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("ring_size: 10\n"), 0o600))
	_, err = LoadConfig(invalid)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestTransportKindYAML verifies the transport is written by name.
func TestTransportKindYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Transport TransportKind `yaml:"transport"`
	}{TransportSimpleARQ})
	require.NoError(t, err)
	assert.Equal(t, "transport: simple\n", string(out))
}
