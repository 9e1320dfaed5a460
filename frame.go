package relay

import (
	"fmt"
	"io"
)

// FrameType identifies the kind of a protocol frame.
type FrameType byte

// Frame types.
const (
	FramePublish   FrameType = 1
	FrameSubscribe FrameType = 2
	FramePing      FrameType = 3
	FramePong      FrameType = 4
	FrameMessage   FrameType = 5
	FrameSubAck    FrameType = 6
	FramePubAck    FrameType = 7
)

// String returns the string representation of the frame type.
func (t FrameType) String() string {
	switch t {
	case FramePublish:
		return "PUBLISH"
	case FrameSubscribe:
		return "SUBSCRIBE"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameMessage:
		return "MESSAGE"
	case FrameSubAck:
		return "SUBACK"
	case FramePubAck:
		return "PUBACK"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return t >= FramePublish && t <= FramePubAck
}

// FromClient reports whether a client is allowed to send frames of this type.
// MESSAGE and SUBACK are only ever produced by the server.
func (t FrameType) FromClient() bool {
	switch t {
	case FramePublish, FrameSubscribe, FramePing, FramePong, FramePubAck:
		return true
	default:
		return false
	}
}

// Frame is a single protocol unit.
//
// Field usage by type:
//
//	PUBLISH    Topic, Payload
//	SUBSCRIBE  Topics
//	PING/PONG  (none)
//	MESSAGE    DeliveryID, Topic, Payload
//	SUBACK     Topic
//	PUBACK     DeliveryID, Topic
type Frame struct {
	Type       FrameType
	Topic      string
	Topics     []string
	Payload    []byte
	DeliveryID uint64
}

// Validate checks the frame for encoding.
func (f *Frame) Validate() error {
	if !f.Type.Valid() {
		return &FrameError{Type: f.Type, Err: ErrUnknownFrameType}
	}

	switch f.Type {
	case FramePublish, FrameMessage, FrameSubAck, FramePubAck:
		if f.Topic == "" {
			return &FrameError{Type: f.Type, Err: ErrEmptyTopic}
		}
	case FrameSubscribe:
		if len(f.Topics) == 0 {
			return &FrameError{Type: f.Type, Err: ErrNoTopics}
		}
		for _, topic := range f.Topics {
			if topic == "" {
				return &FrameError{Type: f.Type, Err: ErrEmptyTopic}
			}
		}
	}

	return nil
}

func (f *Frame) encodeBody(w io.Writer) error {
	var err error

	switch f.Type {
	case FramePublish:
		if _, err = encodeTopic(w, f.Topic); err != nil {
			return err
		}
		_, err = encodeBytes(w, f.Payload)

	case FrameSubscribe:
		if _, err = encodeVarint(w, uint32(len(f.Topics))); err != nil {
			return err
		}
		for _, topic := range f.Topics {
			if _, err = encodeTopic(w, topic); err != nil {
				return err
			}
		}

	case FramePing, FramePong:

	case FrameMessage:
		if _, err = encodeUint64(w, f.DeliveryID); err != nil {
			return err
		}
		if _, err = encodeTopic(w, f.Topic); err != nil {
			return err
		}
		_, err = encodeBytes(w, f.Payload)

	case FrameSubAck:
		_, err = encodeTopic(w, f.Topic)

	case FramePubAck:
		if _, err = encodeUint64(w, f.DeliveryID); err != nil {
			return err
		}
		_, err = encodeTopic(w, f.Topic)

	default:
		return ErrUnknownFrameType
	}

	return err
}

func (f *Frame) decodeBody(r *bytesReader) error {
	var err error

	switch f.Type {
	case FramePublish:
		if f.Topic, _, err = decodeTopic(r); err != nil {
			return err
		}
		f.Payload, _, err = decodeBytes(r)

	case FrameSubscribe:
		var count uint32
		if count, _, err = decodeVarint(r); err != nil {
			return err
		}
		if count == 0 {
			return ErrNoTopics
		}
		// every topic needs at least two bytes on the wire
		if int(count) > r.Len()/2 {
			return fmt.Errorf("%w: %d topics announced, %d bytes left", io.ErrUnexpectedEOF, count, r.Len())
		}
		f.Topics = make([]string, 0, count)
		for range count {
			var topic string
			if topic, _, err = decodeTopic(r); err != nil {
				return err
			}
			f.Topics = append(f.Topics, topic)
		}

	case FramePing, FramePong:

	case FrameMessage:
		if f.DeliveryID, _, err = decodeUint64(r); err != nil {
			return err
		}
		if f.Topic, _, err = decodeTopic(r); err != nil {
			return err
		}
		f.Payload, _, err = decodeBytes(r)

	case FrameSubAck:
		f.Topic, _, err = decodeTopic(r)

	case FramePubAck:
		if f.DeliveryID, _, err = decodeUint64(r); err != nil {
			return err
		}
		f.Topic, _, err = decodeTopic(r)

	default:
		return ErrUnknownFrameType
	}

	if err != nil {
		return err
	}

	if r.Len() > 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.Len())
	}

	return nil
}
