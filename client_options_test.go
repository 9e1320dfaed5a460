package relay

import (
	"bytes"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := defaultOptions()

	assert.Equal(t, DefaultDialTimeout, opts.dialTimeout)
	assert.Equal(t, DefaultWriteTimeout, opts.writeTimeout)
	assert.Equal(t, DefaultAckTimeout, opts.ackTimeout)
	assert.Equal(t, DefaultLivenessInterval, opts.pingInterval)
	assert.Equal(t, uint32(DefaultMaxFrameSize), opts.maxFrameSize)
	assert.True(t, opts.autoAck)
	assert.Nil(t, opts.tlsConfig)
	assert.Nil(t, opts.proxyConfig)
	assert.False(t, opts.proxyFromEnv)
	assert.NotNil(t, opts.logger)
}

func TestWithDialTimeout(t *testing.T) {
	opts := applyOptions(WithDialTimeout(3 * time.Second))
	assert.Equal(t, 3*time.Second, opts.dialTimeout)
}

func TestWithWriteTimeout(t *testing.T) {
	opts := applyOptions(WithWriteTimeout(0))
	assert.Zero(t, opts.writeTimeout)
}

func TestWithAckTimeout(t *testing.T) {
	t.Run("set value", func(t *testing.T) {
		opts := applyOptions(WithAckTimeout(time.Second))
		assert.Equal(t, time.Second, opts.ackTimeout)
	})

	t.Run("non-positive keeps default", func(t *testing.T) {
		opts := applyOptions(WithAckTimeout(0), WithAckTimeout(-time.Second))
		assert.Equal(t, DefaultAckTimeout, opts.ackTimeout)
	})
}

func TestWithPingInterval(t *testing.T) {
	t.Run("set value", func(t *testing.T) {
		opts := applyOptions(WithPingInterval(5 * time.Second))
		assert.Equal(t, 5*time.Second, opts.pingInterval)
	})

	t.Run("disabled (0)", func(t *testing.T) {
		opts := applyOptions(WithPingInterval(0))
		assert.Zero(t, opts.pingInterval)
	})
}

func TestWithMaxFrameSize(t *testing.T) {
	opts := applyOptions(WithMaxFrameSize(4096))
	assert.Equal(t, uint32(4096), opts.maxFrameSize)
}

func TestWithTLS(t *testing.T) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}
	opts := applyOptions(WithTLS(cfg))
	assert.Same(t, cfg, opts.tlsConfig)
}

func TestWithProxy(t *testing.T) {
	opts := applyOptions(WithProxy(ProxyConfig{URL: "socks5://proxy:1080", Username: "u", Password: "p"}))
	if assert.NotNil(t, opts.proxyConfig) {
		assert.Equal(t, "socks5://proxy:1080", opts.proxyConfig.URL)
		assert.Equal(t, "u", opts.proxyConfig.Username)
	}

	opts = applyOptions(WithProxyFromEnvironment())
	assert.True(t, opts.proxyFromEnv)
}

func TestWithAutoAck(t *testing.T) {
	opts := applyOptions(WithAutoAck(false))
	assert.False(t, opts.autoAck)
}

func TestWithLogger(t *testing.T) {
	t.Run("custom logger", func(t *testing.T) {
		logger := NewStdLogger(&bytes.Buffer{}, LogLevelDebug)
		opts := applyOptions(WithLogger(logger))
		assert.Same(t, logger, opts.logger)
	})

	t.Run("nil keeps default", func(t *testing.T) {
		opts := applyOptions(WithLogger(nil))
		assert.NotNil(t, opts.logger)
	})
}

func TestOnConnectionLost(t *testing.T) {
	called := false
	opts := applyOptions(OnConnectionLost(func(_ *Client, _ error) {
		called = true
	}))
	assert.NotNil(t, opts.onConnectionLost)

	opts.onConnectionLost(nil, nil)
	assert.True(t, called)
}

func TestOptionsOverride(t *testing.T) {
	opts := applyOptions(
		WithAckTimeout(time.Second),
		WithAckTimeout(2*time.Second),
	)
	assert.Equal(t, 2*time.Second, opts.ackTimeout)
}
