package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrServerRunning is returned by ListenAndServe on a server that is already serving.
var ErrServerRunning = errors.New("server already running")

// ErrUnexpectedFrame is returned for a frame type the receiver never accepts.
var ErrUnexpectedFrame = errors.New("unexpected frame type")

// Server is a topic relay broker serving stream and datagram transports.
type Server struct {
	config   *serverConfig
	logger   Logger
	metrics  *BrokerMetrics
	registry *TopicRegistry
	pending  *PendingQueue
	sessions *SessionManager
	liveness *LivenessMonitor
	limiter  *peerLimiterStore

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a new broker.
func NewServer(opts ...ServerOption) *Server {
	config := defaultServerConfig()
	for _, opt := range opts {
		opt(config)
	}

	registry := NewTopicRegistry()
	pending := NewPendingQueue(registry)
	sessions := NewSessionManager(registry, pending, config.maxSessions)

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		logger:   config.logger,
		metrics:  NewBrokerMetrics(config.metrics),
		registry: registry,
		pending:  pending,
		sessions: sessions,
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.liveness = NewLivenessMonitor(sessions, config.livenessInterval, config.maxMissed)
	s.liveness.SetLogger(s.logger)
	s.liveness.SetMetrics(s.metrics)
	s.liveness.OnEvict(config.onLivenessEvict)
	s.liveness.OnSendFailed(s.sendFailed)

	if config.datagramRate > 0 {
		s.limiter = newPeerLimiterStore(config.datagramRate, config.datagramBurst)
	}

	sessions.OnClose(s.sessionClosed)

	return s
}

// ListenAndServe serves every configured listener and datagram socket and
// blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.liveness.Run(s.ctx)
	}()
	go s.ackSweepLoop()

	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.run(s.done)
		}()
	}

	for _, l := range s.config.listeners {
		s.logger.Info("listening", LogFields{
			LogFieldTransport: TransportStream.String(),
			LogFieldAddr:      l.Addr().String(),
		})
		s.wg.Add(1)
		go s.acceptLoop(l)
	}

	for _, pc := range s.config.packetConns {
		s.logger.Info("listening", LogFields{
			LogFieldTransport: TransportDatagram.String(),
			LogFieldAddr:      pc.LocalAddr().String(),
		})
		s.wg.Add(1)
		go s.servePacketConn(pc)
	}

	<-s.done
	return ErrServerClosed
}

// Close stops the server, closing every listener and session.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(s.done)
	s.cancel()

	for _, l := range s.config.listeners {
		l.Close()
	}
	for _, pc := range s.config.packetConns {
		pc.Close()
	}

	for _, sess := range s.sessions.Sessions() {
		s.sessions.CloseSession(sess.ID(), ReasonServerShutdown)
	}

	s.wg.Wait()

	return nil
}

// Publish injects a message on topic as if a client had published it.
// It returns the delivery id assigned to the message.
func (s *Server) Publish(topic string, payload []byte) (uint64, error) {
	if s.closed.Load() {
		return 0, ErrServerClosed
	}
	if topic == "" {
		return 0, ErrEmptyTopic
	}

	res := s.publish(topic, payload)
	s.dispatch(topic)

	return res.DeliveryID, nil
}

// Addrs returns the addresses of every listener and datagram socket.
func (s *Server) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.config.listeners)+len(s.config.packetConns))
	for _, l := range s.config.listeners {
		addrs = append(addrs, l.Addr())
	}
	for _, pc := range s.config.packetConns {
		addrs = append(addrs, pc.LocalAddr())
	}
	return addrs
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	return s.sessions.Sessions()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

// Topics returns every topic seen so far.
func (s *Server) Topics() []string {
	return s.registry.Topics()
}

// PendingFor returns the latest unacknowledged message on topic, or nil.
func (s *Server) PendingFor(topic string) *PendingMessage {
	return s.pending.PendingFor(topic)
}

func (s *Server) sessionOpened(sess *Session) {
	s.metrics.SessionOpened(sess.Kind())
	s.logger.Info("session opened", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldTransport:  sess.Kind().String(),
		LogFieldRemoteAddr: sess.RemoteAddr().String(),
	})

	if s.config.onSessionOpen != nil {
		s.config.onSessionOpen(sess)
	}
}

func (s *Server) sessionClosed(sess *Session, reason CloseReason) {
	s.metrics.SessionClosed(sess.Kind(), reason)
	if n := len(sess.Topics()); n > 0 {
		s.metrics.SubscriptionsRemoved(n)
	}

	s.logger.Info("session closed", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldTransport:  sess.Kind().String(),
		LogFieldRemoteAddr: sess.RemoteAddr().String(),
		LogFieldReason:     reason.String(),
	})

	if s.config.onSessionClose != nil {
		s.config.onSessionClose(sess, reason)
	}
}

// handleFrame processes one inbound frame. Errors matching ErrProtocol are
// frame-level violations; other errors come from writing to the session.
func (s *Server) handleFrame(sess *Session, frame *Frame) error {
	s.metrics.FrameReceived(frame.Type)
	s.sessions.RecordActivity(sess.ID(), frame.Type)

	if !frame.Type.FromClient() {
		return &FrameError{Type: frame.Type, Err: ErrUnexpectedFrame}
	}

	switch frame.Type {
	case FramePublish:
		return s.handlePublish(sess, frame)
	case FrameSubscribe:
		return s.handleSubscribe(sess, frame)
	case FramePing:
		return s.send(sess, &Frame{Type: FramePong})
	case FramePong:
		return nil
	case FramePubAck:
		s.handleDeliveryAck(sess, frame)
		return nil
	}

	return &FrameError{Type: frame.Type, Err: ErrUnexpectedFrame}
}

func (s *Server) handlePublish(sess *Session, frame *Frame) error {
	start := time.Now()

	res := s.publish(frame.Topic, frame.Payload)

	s.logger.Debug("publish", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldTopic:      frame.Topic,
		LogFieldDeliveryID: res.DeliveryID,
		LogFieldTargets:    res.Targets,
		LogFieldBytes:      len(frame.Payload),
	})

	if s.config.onPublish != nil {
		s.config.onPublish(sess, frame.Topic, frame.Payload)
	}

	// The publisher learns about acceptance before any subscriber sees the message.
	err := s.send(sess, &Frame{Type: FramePubAck, DeliveryID: res.DeliveryID, Topic: frame.Topic})

	s.dispatch(frame.Topic)
	s.metrics.PublishLatency(time.Since(start))

	return err
}

func (s *Server) publish(topic string, payload []byte) PublishResult {
	res := s.pending.Publish(topic, payload)
	s.metrics.MessagePublished()

	if res.Dropped != nil {
		s.deliveryDropped(res.Dropped)
	}
	return res
}

func (s *Server) handleSubscribe(sess *Session, frame *Frame) error {
	for _, topic := range frame.Topics {
		added, err := s.sessions.Subscribe(sess.ID(), topic)
		if err != nil {
			return err
		}
		if added {
			s.metrics.SubscriptionAdded()
		}

		if err := s.send(sess, &Frame{Type: FrameSubAck, Topic: topic}); err != nil {
			return err
		}
	}

	s.logger.Debug("subscribe", LogFields{
		LogFieldSessionID: sess.ID(),
		LogFieldTopics:    frame.Topics,
	})

	if s.config.onSubscribe != nil {
		s.config.onSubscribe(sess, frame.Topics)
	}

	return nil
}

func (s *Server) handleDeliveryAck(sess *Session, frame *Frame) {
	if s.pending.OnDeliveryAcked(frame.Topic, frame.DeliveryID, sess.ID()) {
		s.metrics.DeliveryAcked()
		return
	}

	s.logger.Debug("ignoring stale delivery ack", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldTopic:      frame.Topic,
		LogFieldDeliveryID: frame.DeliveryID,
	})
}

// dispatch hands the pending message of topic to every subscriber. Writes
// run on their own goroutines and the caller does not wait for them, so a
// stalled subscriber never holds up a read loop. At most one delivery per
// session and topic waits for the write lock.
func (s *Server) dispatch(topic string) {
	s.sessions.ForEachSubscriber(topic, func(sub *Session) {
		if !sub.queueDelivery(topic) {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.deliver(sub, topic)
		}()
	})
}

// deliver writes the latest pending message of topic to sub. The message is
// claimed under the session write lock, so a superseded payload can never be
// written after its replacement.
func (s *Server) deliver(sub *Session, topic string) {
	var msg *PendingMessage

	sent, err := sub.SendFunc(func() *Frame {
		sub.dequeueDelivery(topic)

		msg = s.pending.Claim(topic, sub.ID())
		if msg == nil {
			return nil
		}
		return &Frame{
			Type:       FrameMessage,
			DeliveryID: msg.DeliveryID,
			Topic:      msg.Topic,
			Payload:    msg.Payload,
		}
	})

	if errors.Is(err, ErrFrameTooLarge) {
		s.deliveryTooLarge(sub, msg)
		return
	}
	if err != nil {
		s.sendFailed(sub, FrameMessage, err)
		return
	}

	if sent {
		s.metrics.FrameSent(FrameMessage)
		s.metrics.MessageDelivered(len(msg.Payload))
	}
}

// deliveryTooLarge releases sub from a message its transport cannot carry.
// Nothing was written, so the session stays open.
func (s *Server) deliveryTooLarge(sub *Session, msg *PendingMessage) {
	s.pending.OnDeliveryAcked(msg.Topic, msg.DeliveryID, sub.ID())
	s.metrics.DeliveriesDropped(1)
	s.logger.Warn("delivery exceeds transport frame limit", LogFields{
		LogFieldSessionID:  sub.ID(),
		LogFieldTransport:  sub.Kind().String(),
		LogFieldTopic:      msg.Topic,
		LogFieldDeliveryID: msg.DeliveryID,
		LogFieldBytes:      len(msg.Payload),
	})
}

func (s *Server) deliveryDropped(d *DroppedDelivery) {
	s.metrics.DeliveriesDropped(len(d.SessionIDs))
	s.logger.Debug("pending delivery superseded", LogFields{
		LogFieldTopic:      d.Topic,
		LogFieldDeliveryID: d.DeliveryID,
		LogFieldTargets:    len(d.SessionIDs),
	})

	if s.config.onDeliveryDropped != nil {
		s.config.onDeliveryDropped(d)
	}
}

// send writes f to sess and records the outcome.
func (s *Server) send(sess *Session, f *Frame) error {
	if err := sess.Send(f); err != nil {
		s.sendFailed(sess, f.Type, err)
		return err
	}
	s.metrics.FrameSent(f.Type)
	return nil
}

// sendFailed closes stream sessions whose writes fail. Datagram sends are
// fire-and-forget, so their errors are only logged.
func (s *Server) sendFailed(sess *Session, frameType FrameType, err error) {
	if errors.Is(err, ErrSessionClosed) {
		return
	}

	s.logger.Debug("send failed", LogFields{
		LogFieldSessionID: sess.ID(),
		LogFieldFrameType: frameType.String(),
		LogFieldError:     err.Error(),
	})

	if sess.Kind() == TransportStream {
		s.sessions.CloseSession(sess.ID(), ReasonWriteFailed)
	}
}

// ackSweepLoop reports deliveries that stayed unacknowledged past the ack timeout.
func (s *Server) ackSweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ackTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, stale := range s.pending.Stale(s.config.ackTimeout) {
				s.metrics.DeliveryStale()
				s.logger.Warn("delivery not acknowledged", LogFields{
					LogFieldTopic:      stale.Topic,
					LogFieldDeliveryID: stale.DeliveryID,
					LogFieldTargets:    len(stale.SessionIDs),
					LogFieldDuration:   stale.Age.String(),
				})
			}
		}
	}
}

func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
