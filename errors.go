package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for broker conditions - check with errors.Is().
var (
	// ErrProtocol is matched by every malformed or unexpected frame error.
	ErrProtocol = errors.New("protocol error")

	// ErrResourceExhausted is returned when a new session cannot be admitted.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrAckTimeout is returned when an acknowledgement does not arrive in time.
	ErrAckTimeout = errors.New("acknowledgement timeout")

	// ErrDeliveryDropped reports a pending delivery superseded by a newer publish.
	ErrDeliveryDropped = errors.New("delivery dropped")

	// ErrLivenessTimeout is the close cause of a session that missed too many liveness periods.
	ErrLivenessTimeout = errors.New("liveness timeout")

	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrServerClosed is returned by a server that has been shut down.
	ErrServerClosed = errors.New("server closed")
)

// Sentinel errors for client operations - check with errors.Is().
var (
	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("subscribe failed")

	// ErrClientClosed is returned when an operation is attempted on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrConnectionLost is the cause recorded when the broker connection drops.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnsupportedScheme is returned by Dial for an unknown URL scheme.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
)

// FrameError describes a frame that could not be encoded or decoded.
// It matches ErrProtocol with errors.Is().
type FrameError struct {
	Type FrameType
	Err  error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: %s frame: %v", ErrProtocol, e.Type, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func (e *FrameError) Is(target error) bool { return target == ErrProtocol }

// PublishError contains details about a failed publish.
// Extract with errors.As().
type PublishError struct {
	err   error
	Topic string
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s: topic %q: %v", e.err, e.Topic, e.Cause)
}

func (e *PublishError) Unwrap() []error { return []error{e.err, e.Cause} }

// NewPublishError creates a PublishError that matches ErrPublishFailed and cause.
func NewPublishError(topic string, cause error) *PublishError {
	return &PublishError{err: ErrPublishFailed, Topic: topic, Cause: cause}
}

// SubscribeError contains details about a failed subscribe.
// Extract with errors.As().
type SubscribeError struct {
	err    error
	Topics []string
	Cause  error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("%s: topics %v: %v", e.err, e.Topics, e.Cause)
}

func (e *SubscribeError) Unwrap() []error { return []error{e.err, e.Cause} }

// NewSubscribeError creates a SubscribeError that matches ErrSubscribeFailed and cause.
func NewSubscribeError(topics []string, cause error) *SubscribeError {
	return &SubscribeError{err: ErrSubscribeFailed, Topics: topics, Cause: cause}
}

// DroppedDelivery reports subscribers that never acknowledged a pending
// message before it was superseded.
type DroppedDelivery struct {
	Topic      string
	DeliveryID uint64
	SessionIDs []string
}

func (d *DroppedDelivery) Error() string {
	return fmt.Sprintf("%s: topic %q delivery %d: %d subscribers", ErrDeliveryDropped, d.Topic, d.DeliveryID, len(d.SessionIDs))
}

func (d *DroppedDelivery) Unwrap() error { return ErrDeliveryDropped }

// CloseReason explains why a session was closed.
type CloseReason int

const (
	// ReasonTransportClosed means the peer went away or the read failed.
	ReasonTransportClosed CloseReason = iota
	// ReasonProtocolError means the peer sent a malformed or unexpected frame.
	ReasonProtocolError
	// ReasonLivenessTimeout means the peer missed too many liveness periods.
	ReasonLivenessTimeout
	// ReasonWriteFailed means a write to the peer failed or timed out.
	ReasonWriteFailed
	// ReasonServerShutdown means the server is closing.
	ReasonServerShutdown
)

// String returns the string representation of the close reason.
func (r CloseReason) String() string {
	switch r {
	case ReasonTransportClosed:
		return "transport closed"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonLivenessTimeout:
		return "liveness timeout"
	case ReasonWriteFailed:
		return "write failed"
	case ReasonServerShutdown:
		return "server shutdown"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error associated with the reason, if any.
func (r CloseReason) Err() error {
	switch r {
	case ReasonProtocolError:
		return ErrProtocol
	case ReasonLivenessTimeout:
		return ErrLivenessTimeout
	case ReasonServerShutdown:
		return ErrServerClosed
	default:
		return ErrSessionClosed
	}
}
