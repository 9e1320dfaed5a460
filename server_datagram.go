package relay

import (
	"errors"
	"net"
	"time"
)

// Reasons for discarding a datagram before it reaches a session.
const (
	datagramRateLimited = "rate_limited"
	datagramMalformed   = "malformed"
	datagramNoCapacity  = "no_capacity"
)

// servePacketConn reads datagrams from the shared socket until it is closed.
// Every datagram carries exactly one frame.
func (s *Server) servePacketConn(pc net.PacketConn) {
	defer s.wg.Done()

	bufp := getDatagramBuffer()
	defer putDatagramBuffer(bufp)
	buf := *bufp

	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn("datagram read failed", LogFields{
				LogFieldAddr:  pc.LocalAddr().String(),
				LogFieldError: err.Error(),
			})
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.handleDatagram(pc, addr, buf[:n])
	}
}

// handleDatagram decodes one datagram and routes it to the session bound to
// its source address. Malformed datagrams are dropped without touching any
// session state.
func (s *Server) handleDatagram(pc net.PacketConn, addr net.Addr, data []byte) {
	if s.limiter != nil && !s.limiter.Allow(addr) {
		s.metrics.DatagramRejected(datagramRateLimited)
		return
	}

	frame, err := DecodeFrame(data, s.config.maxFrameSize)
	if err != nil {
		s.metrics.DatagramRejected(datagramMalformed)
		s.metrics.ProtocolError(TransportDatagram)
		s.logger.Debug("discarding malformed datagram", LogFields{
			LogFieldRemoteAddr: addr.String(),
			LogFieldBytes:      len(data),
			LogFieldError:      err.Error(),
		})
		return
	}

	err = s.datagramFrame(pc, addr, frame)
	if errors.Is(err, ErrSessionClosed) && frame.Type != FramePublish {
		// The session closed between lookup and handling. A publish has
		// already been applied, anything else is retried on a fresh session.
		err = s.datagramFrame(pc, addr, frame)
	}
	if errors.Is(err, ErrResourceExhausted) {
		s.metrics.DatagramRejected(datagramNoCapacity)
		s.metrics.SessionRejected(TransportDatagram)
		s.logger.Warn("session rejected", LogFields{
			LogFieldTransport:  TransportDatagram.String(),
			LogFieldRemoteAddr: addr.String(),
			LogFieldError:      err.Error(),
		})
		return
	}
}

// datagramFrame routes frame to the session bound to addr, opening one when
// the address is new.
func (s *Server) datagramFrame(pc net.PacketConn, addr net.Addr, frame *Frame) error {
	sess, created, err := s.sessions.DatagramSession(addr, func() Transport {
		return newDatagramTransport(pc, addr, s.config.maxFrameSize)
	})
	if err != nil {
		return err
	}

	if created {
		s.sessionOpened(sess)
	}

	err = s.handleFrame(sess, frame)
	if errors.Is(err, ErrProtocol) {
		s.protocolError(sess, err)
		return nil
	}
	return err
}
