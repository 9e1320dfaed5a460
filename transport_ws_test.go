package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWSBroker serves a test broker over WebSocket and returns its ws:// URL.
func startWSBroker(t *testing.T, opts ...ServerOption) (*testBroker, string) {
	t.Helper()

	b := startTestServer(t, opts...)
	httpServer := httptest.NewServer(NewWSHandler(b.srv))
	t.Cleanup(httpServer.Close)

	return b, "ws" + strings.TrimPrefix(httpServer.URL, "http")
}

func TestWSConnReadWrite(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := newWSConn(conn)
		defer wc.Close()

		buf := make([]byte, 1024)
		for {
			n, err := wc.Read(buf)
			if err != nil {
				return
			}
			if _, err := wc.Write(buf[:n]); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	conn, err := NewWSDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	assert.NotNil(t, conn.LocalAddr())
	assert.NotNil(t, conn.RemoteAddr())
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	n, err := conn.Write([]byte("hello relay"))
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	buf := make([]byte, 1024)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello relay", string(buf[:n]))
}

func TestWSConnPartialReads(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.BinaryMessage, []byte("abcdef"))
		conn.WriteMessage(websocket.TextMessage, []byte("text"))
		conn.ReadMessage()
	}))
	defer server.Close()

	conn, err := NewWSDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))

	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestWSDialerSubprotocol(t *testing.T) {
	subprotocolCh := make(chan string, 1)

	upgrader := websocket.Upgrader{
		Subprotocols: []string{WebSocketSubprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		subprotocolCh <- conn.Subprotocol()
		conn.Close()
	}))
	defer server.Close()

	conn, err := NewWSDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(t, err)
	conn.Close()

	select {
	case subprotocol := <-subprotocolCh:
		assert.Equal(t, WebSocketSubprotocol, subprotocol)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for subprotocol")
	}
}

func TestWSHandlerCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		host    string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "broker:8080", "", true},
		{"same host", nil, "broker:8080", "http://broker:8080", true},
		{"cross origin", nil, "broker:8080", "http://evil.example", false},
		{"malformed origin", nil, "broker:8080", "::", false},
		{"allow list match", []string{"https://app.example"}, "broker:8080", "https://app.example", true},
		{"allow list miss", []string{"https://app.example"}, "broker:8080", "http://broker:8080", false},
		{"wildcard", []string{"*"}, "broker:8080", "http://anything.example", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewWSHandler(nil)
			h.AllowedOrigins = tt.allowed

			r := httptest.NewRequest(http.MethodGet, "http://"+tt.host+"/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			assert.Equal(t, tt.want, h.checkOrigin(r))
		})
	}
}

func TestWSHandlerServesSessions(t *testing.T) {
	t.Run("publish and subscribe", func(t *testing.T) {
		b, wsURL := startWSBroker(t)

		sub := dialTestClient(t, wsURL)
		pub := dialTestClient(t, wsURL)
		assert.Equal(t, TransportStream, sub.Transport())

		messages := make(chan *Message, 1)
		require.NoError(t, sub.Subscribe(context.Background(), collect(messages), "ws"))

		id, err := pub.Publish(context.Background(), "ws", []byte("over websocket"))
		require.NoError(t, err)

		msg := receive(t, messages)
		assert.Equal(t, id, msg.DeliveryID)
		assert.Equal(t, []byte("over websocket"), msg.Payload)
		assert.Eventually(t, func() bool { return b.srv.PendingFor("ws") == nil }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("frame split across messages", func(t *testing.T) {
		_, wsURL := startWSBroker(t)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		data := mustEncode(t, &Frame{Type: FrameSubscribe, Topics: []string{"split"}})
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data[:2]))
		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data[2:]))

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, reply, err := conn.ReadMessage()
		require.NoError(t, err)

		frame, err := DecodeFrame(reply, DefaultMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, FrameSubAck, frame.Type)
		assert.Equal(t, "split", frame.Topic)
	})

	t.Run("text message closes the session", func(t *testing.T) {
		reasons, onClose := closeReasons()
		_, wsURL := startWSBroker(t, onClose)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

		select {
		case reason := <-reasons:
			assert.Equal(t, ReasonProtocolError, reason)
		case <-time.After(2 * time.Second):
			t.Fatal("session not closed")
		}
	})

	t.Run("upgrade failure", func(t *testing.T) {
		_, wsURL := startWSBroker(t)

		resp, err := http.Get("http" + strings.TrimPrefix(wsURL, "ws"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("server closed", func(t *testing.T) {
		b, wsURL := startWSBroker(t)
		require.NoError(t, b.srv.Close())

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = conn.ReadMessage()
		require.Error(t, err)

		var netErr net.Error
		if errors.As(err, &netErr) {
			assert.False(t, netErr.Timeout())
		}
	})
}

func BenchmarkWSRoundTrip(b *testing.B) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		wc := newWSConn(conn)
		defer wc.Close()

		for {
			frame, _, err := ReadFrame(wc, 0)
			if err != nil {
				return
			}
			if frame.Type == FramePing {
				WriteFrame(wc, &Frame{Type: FramePong}, 0)
			}
		}
	}))
	defer server.Close()

	conn, err := NewWSDialer().Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"))
	require.NoError(b, err)
	defer conn.Close()

	ping := &Frame{Type: FramePing}

	b.ReportAllocs()

	for b.Loop() {
		if _, err := WriteFrame(conn, ping, 0); err != nil {
			b.Fatal(err)
		}
		if _, _, err := ReadFrame(conn, 0); err != nil {
			b.Fatal(err)
		}
	}
}
