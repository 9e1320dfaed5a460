package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vitalvas/relay"
)

// envPrefix namespaces every environment variable read by the CLI.
const envPrefix = "RELAY_"

// Config is the broker configuration. Values are layered: defaults, then the
// YAML file, then the environment (including a .env file), then flags.
type Config struct {
	StreamAddr    string `yaml:"stream_addr" env:"STREAM_ADDR"`
	DatagramAddr  string `yaml:"datagram_addr" env:"DATAGRAM_ADDR"`
	TLSAddr       string `yaml:"tls_addr" env:"TLS_ADDR"`
	QUICAddr      string `yaml:"quic_addr" env:"QUIC_ADDR"`
	UnixSocket    string `yaml:"unix_socket" env:"UNIX_SOCKET"`
	WebSocketAddr string `yaml:"websocket_addr" env:"WEBSOCKET_ADDR"`
	WebSocketPath string `yaml:"websocket_path" env:"WEBSOCKET_PATH"`

	TLSCert string `yaml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `yaml:"tls_key" env:"TLS_KEY"`

	MaxSessions      int           `yaml:"max_sessions" env:"MAX_SESSIONS"`
	MaxFrameSize     uint32        `yaml:"max_frame_size" env:"MAX_FRAME_SIZE"`
	LivenessInterval time.Duration `yaml:"liveness_interval" env:"LIVENESS_INTERVAL"`
	MaxMissed        int           `yaml:"max_missed" env:"MAX_MISSED"`
	AckTimeout       time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// DatagramRate limits datagrams per second per peer IP; 0 disables it.
	DatagramRate  float64 `yaml:"datagram_rate" env:"DATAGRAM_RATE"`
	DatagramBurst int     `yaml:"datagram_burst" env:"DATAGRAM_BURST"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() *Config {
	return &Config{
		StreamAddr:       net.JoinHostPort("", strconv.Itoa(relay.DefaultStreamPort)),
		DatagramAddr:     net.JoinHostPort("", strconv.Itoa(relay.DefaultDatagramPort)),
		WebSocketPath:    "/relay",
		MaxFrameSize:     relay.DefaultMaxFrameSize,
		LivenessInterval: relay.DefaultLivenessInterval,
		MaxMissed:        relay.DefaultMaxMissed,
		AckTimeout:       relay.DefaultAckTimeout,
		WriteTimeout:     relay.DefaultWriteTimeout,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

// LoadConfig builds the configuration from the optional YAML file at path and
// the environment. A missing envFile is ignored; a missing config file is not.
func LoadConfig(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

// Validate reports settings the broker cannot run with.
func (c *Config) Validate() error {
	if c.StreamAddr == "" && c.DatagramAddr == "" && c.TLSAddr == "" &&
		c.QUICAddr == "" && c.UnixSocket == "" && c.WebSocketAddr == "" {
		return errors.New("no listener configured")
	}
	if (c.TLSAddr != "" || c.QUICAddr != "") && (c.TLSCert == "" || c.TLSKey == "") {
		return errors.New("tls_cert and tls_key are required for TLS and QUIC listeners")
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("liveness_interval must be positive, got %s", c.LivenessInterval)
	}
	if c.MaxMissed <= 0 {
		return fmt.Errorf("max_missed must be positive, got %d", c.MaxMissed)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative, got %d", c.MaxSessions)
	}
	if c.MaxFrameSize == 0 {
		return errors.New("max_frame_size must be positive")
	}
	return nil
}

// ServerOptions translates the configuration into broker options. Listeners
// are opened separately by the serve command.
func (c *Config) ServerOptions() []relay.ServerOption {
	return []relay.ServerOption{
		relay.WithMaxSessions(c.MaxSessions),
		relay.WithServerMaxFrameSize(c.MaxFrameSize),
		relay.WithLivenessInterval(c.LivenessInterval),
		relay.WithMaxMissed(c.MaxMissed),
		relay.WithServerAckTimeout(c.AckTimeout),
		relay.WithServerWriteTimeout(c.WriteTimeout),
		relay.WithDatagramRateLimit(c.DatagramRate, c.DatagramBurst),
	}
}
