// Package relay implements a topic relay broker and client.
//
// Clients publish to named topics or subscribe to them; the broker forwards
// every published payload to the current subscribers of its topic. Sessions
// run over a reliable stream (TCP, TLS, Unix sockets, WebSocket, QUIC) or over
// connectionless datagrams (UDP), where the peer address identifies the
// session.
//
// # Wire Format
//
// Every frame is a one byte type, a variable-length remaining length, and a
// body:
//
//	Publish   topic, payload
//	Subscribe count, topic...
//	Ping      (empty)
//	Pong      (empty)
//	Message   delivery id, topic, payload
//	SubAck    topic
//	PubAck    delivery id, topic
//
// Strings and payloads carry a varint length prefix; the delivery id is a
// big-endian uint64. Use ReadFrame and WriteFrame on streams, EncodeFrame and
// DecodeFrame on datagrams:
//
//	frame, n, err := relay.ReadFrame(conn, relay.DefaultMaxFrameSize)
//	n, err := relay.WriteFrame(conn, frame, relay.DefaultMaxFrameSize)
//
// # Delivery
//
// Each topic keeps at most one pending message. Publishing replaces it, and
// subscribers that had not acknowledged the previous message are reported as
// a DroppedDelivery. Subscribers acknowledge a Message with a PubAck carrying
// its delivery id; once every target acknowledged, the message is retired.
//
// # Server
//
//	tcp, _ := net.Listen("tcp", ":1373")
//	udp, _ := net.ListenPacket("udp", ":1234")
//	srv := relay.NewServer(
//	    relay.WithListener(tcp),
//	    relay.WithPacketConn(udp),
//	    relay.OnPublish(func(s *relay.Session, topic string, payload []byte) { ... }),
//	)
//	go srv.ListenAndServe()
//	defer srv.Close()
//
// Unix, QUIC and TLS listeners are passed with WithListener as well. For
// WebSocket, mount a WSHandler:
//
//	http.Handle("/relay", relay.NewWSHandler(srv))
//
// Sessions that stop responding are closed by the liveness monitor after
// WithMaxMissed consecutive periods of WithLivenessInterval.
//
// # Client
//
//	client, err := relay.Dial(ctx, "tcp://localhost:1373")
//	defer client.Close()
//
//	err = client.Subscribe(ctx, func(msg *relay.Message) {
//	    fmt.Printf("[%s] %s\n", msg.Topic, msg.Payload)
//	}, "news")
//
//	id, err := client.Publish(ctx, "news", []byte("hello"))
//
// Use udp:// for a datagram session; the client then pings the broker every
// liveness period to keep its session alive.
//
// # Errors
//
// Failures match sentinel errors with errors.Is (ErrProtocol, ErrAckTimeout,
// ErrResourceExhausted, ...) and carry details in typed errors extracted with
// errors.As (FrameError, PublishError, SubscribeError, DroppedDelivery).
//
// # Logging and Metrics
//
//	logger := relay.NewSlogLogger(os.Stderr, relay.LogLevelInfo, relay.LogFormatText)
//	metrics := relay.NewMemoryMetrics()
//
//	srv := relay.NewServer(
//	    relay.WithServerLogger(logger),
//	    relay.WithServerMetrics(metrics),
//	)
package relay
