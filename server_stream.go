package relay

import (
	"bufio"
	"errors"
	"net"
	"time"
)

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn("accept failed", LogFields{
				LogFieldAddr:  l.Addr().String(),
				LogFieldError: err.Error(),
			})
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs a stream session on conn until the peer disconnects, sends
// a malformed frame, or the session is closed. Listeners that are not
// net.Listener based, such as the WebSocket handler, hand connections here.
func (s *Server) ServeConn(conn net.Conn) error {
	if s.closed.Load() {
		conn.Close()
		return ErrServerClosed
	}

	transport := newStreamTransport(conn, s.config.maxFrameSize, s.config.writeTimeout)

	sess, err := s.sessions.CreateSession(TransportStream, transport)
	if err != nil {
		s.metrics.SessionRejected(TransportStream)
		s.logger.Warn("session rejected", LogFields{
			LogFieldTransport:  TransportStream.String(),
			LogFieldRemoteAddr: conn.RemoteAddr().String(),
			LogFieldError:      err.Error(),
		})
		conn.Close()
		return err
	}

	s.sessionOpened(sess)

	reason := ReasonTransportClosed
	defer func() {
		s.sessions.CloseSession(sess.ID(), reason)
	}()

	// Close raced with session creation.
	if s.closed.Load() {
		reason = ReasonServerShutdown
		return ErrServerClosed
	}

	reader := bufio.NewReader(conn)

	for {
		frame, _, err := ReadFrame(reader, s.config.maxFrameSize)
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				reason = ReasonProtocolError
				s.protocolError(sess, err)
				return err
			}

			if !isClosedConnError(err) && !sess.IsClosed() {
				s.logger.Debug("read failed", LogFields{
					LogFieldSessionID: sess.ID(),
					LogFieldError:     err.Error(),
				})
			}
			return nil
		}

		if err := s.handleFrame(sess, frame); err != nil {
			if errors.Is(err, ErrProtocol) {
				reason = ReasonProtocolError
				s.protocolError(sess, err)
				return err
			}
			// write failures already closed the session
			return nil
		}
	}
}

func (s *Server) protocolError(sess *Session, err error) {
	s.metrics.ProtocolError(sess.Kind())
	s.logger.Warn("protocol error", LogFields{
		LogFieldSessionID:  sess.ID(),
		LogFieldTransport:  sess.Kind().String(),
		LogFieldRemoteAddr: sess.RemoteAddr().String(),
		LogFieldError:      err.Error(),
	})
}
