package main

import (
	"bytes"
	"net"
	"strconv"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/relay"
)

func TestBrokerAddress(t *testing.T) {
	tests := []struct {
		transport string
		want      string
		wantErr   bool
	}{
		{"stream", "tcp://localhost:1373", false},
		{"tcp", "tcp://localhost:1373", false},
		{"datagram", "udp://localhost:1373", false},
		{"udp", "udp://localhost:1373", false},
		{"carrier-pigeon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			got, err := brokerAddress(tt.transport, "localhost", "1373")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func startBroker(t *testing.T) (host, streamPort, datagramPort string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := relay.NewServer(relay.WithListener(ln), relay.WithPacketConn(pc))
	go srv.ListenAndServe()
	t.Cleanup(func() { srv.Close() })

	return "127.0.0.1",
		strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		strconv.Itoa(pc.LocalAddr().(*net.UDPAddr).Port)
}

func TestPublishCommand(t *testing.T) {
	color.NoColor = true

	host, streamPort, datagramPort := startBroker(t)

	t.Run("stream", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"publish", host, streamPort, "news", "hello"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "Message published to topic 'news'")
	})

	t.Run("datagram", func(t *testing.T) {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetArgs([]string{"publish", "--transport", "datagram", host, datagramPort, "news", "hello"})

		require.NoError(t, cmd.Execute())
		assert.Contains(t, out.String(), "Message published to topic 'news'")
	})

	t.Run("wrong argument count", func(t *testing.T) {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs([]string{"publish", host, streamPort, "news"})

		assert.Error(t, cmd.Execute())
	})

	t.Run("connection refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := strconv.Itoa(ln.Addr().(*net.TCPAddr).Port)
		ln.Close()

		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"publish", host, port, "news", "hello"})

		err = cmd.Execute()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "could not connect")
	})
}

func TestPrinterMetrics(t *testing.T) {
	color.NoColor = true

	var out bytes.Buffer
	newPrinter(&out).Metrics(map[string]float64{
		"relay_sessions_total": 2,
		"relay_frames_received_total{frame_type=PING}": 1,
	})

	assert.Equal(t, "metrics:\n  relay_frames_received_total{frame_type=PING} 1\n  relay_sessions_total 2\n", out.String())
}
