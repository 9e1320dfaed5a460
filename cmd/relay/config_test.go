package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/relay"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":1373", cfg.StreamAddr)
	assert.Equal(t, ":1234", cfg.DatagramAddr)
	assert.Equal(t, relay.DefaultLivenessInterval, cfg.LivenessInterval)
	assert.Equal(t, relay.DefaultMaxMissed, cfg.MaxMissed)
	assert.Equal(t, relay.DefaultAckTimeout, cfg.AckTimeout)
	assert.Equal(t, uint32(relay.DefaultMaxFrameSize), cfg.MaxFrameSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := LoadConfig("", "")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := writeFile(t, "relay.yaml", `
stream_addr: 127.0.0.1:7000
datagram_addr: ""
max_sessions: 50
liveness_interval: 5s
log_format: json
`)

		cfg, err := LoadConfig(path, "")
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:7000", cfg.StreamAddr)
		assert.Empty(t, cfg.DatagramAddr)
		assert.Equal(t, 50, cfg.MaxSessions)
		assert.Equal(t, 5*time.Second, cfg.LivenessInterval)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.Equal(t, relay.DefaultMaxMissed, cfg.MaxMissed)
	})

	t.Run("environment overrides yaml", func(t *testing.T) {
		path := writeFile(t, "relay.yaml", "max_sessions: 50\n")
		t.Setenv("RELAY_MAX_SESSIONS", "7")
		t.Setenv("RELAY_ACK_TIMEOUT", "3s")

		cfg, err := LoadConfig(path, "")
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.MaxSessions)
		assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	})

	t.Run("env file", func(t *testing.T) {
		// godotenv sets variables directly, so register cleanup first
		t.Setenv("RELAY_MAX_MISSED", "")
		os.Unsetenv("RELAY_MAX_MISSED")

		envFile := writeFile(t, ".env", "RELAY_MAX_MISSED=9\n")

		cfg, err := LoadConfig("", envFile)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.MaxMissed)
	})

	t.Run("missing env file is ignored", func(t *testing.T) {
		cfg, err := LoadConfig("", filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeFile(t, "relay.yaml", "max_sessions: [1, 2")
		_, err := LoadConfig(path, "")
		assert.Error(t, err)
	})

	t.Run("invalid environment value", func(t *testing.T) {
		t.Setenv("RELAY_MAX_SESSIONS", "many")
		_, err := LoadConfig("", "")
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"datagram only", func(c *Config) { c.StreamAddr = "" }, true},
		{"no listeners", func(c *Config) { c.StreamAddr, c.DatagramAddr = "", "" }, false},
		{"quic without cert", func(c *Config) { c.QUICAddr = ":4433" }, false},
		{"tls with cert", func(c *Config) { c.TLSAddr, c.TLSCert, c.TLSKey = ":8883", "c.pem", "k.pem" }, true},
		{"zero liveness interval", func(c *Config) { c.LivenessInterval = 0 }, false},
		{"zero max missed", func(c *Config) { c.MaxMissed = 0 }, false},
		{"negative max sessions", func(c *Config) { c.MaxSessions = -1 }, false},
		{"zero frame size", func(c *Config) { c.MaxFrameSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}

func TestConfigServerOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	cfg.StreamAddr = "127.0.0.1:0"
	cfg.DatagramAddr = ""

	l, err := openListeners(cfg)
	require.NoError(t, err)

	srv := relay.NewServer(append(cfg.ServerOptions(), l.opts...)...)
	defer srv.Close()

	require.Len(t, srv.Addrs(), 1)
	assert.Equal(t, "tcp", srv.Addrs()[0].Network())
}
