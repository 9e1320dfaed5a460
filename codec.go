package relay

import (
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize is the default limit for the remaining length of a frame.
const DefaultMaxFrameSize = 1 << 20

var (
	ErrFrameTooLarge    = errors.New("relay: frame exceeds maximum size")
	ErrUnknownFrameType = errors.New("relay: unknown frame type")
	ErrTrailingBytes    = errors.New("relay: trailing bytes after frame body")
	ErrNoTopics         = errors.New("relay: subscribe requires at least one topic")
)

// ReadFrame reads a complete frame from a stream.
// If maxSize is greater than 0, frames with a larger body return ErrFrameTooLarge.
//
// Errors from the underlying reader are returned as is, so io.EOF marks a
// clean close between frames. Malformed input yields a *FrameError that
// matches ErrProtocol.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, int, error) {
	var typeBuf [1]byte
	n, err := io.ReadFull(r, typeBuf[:])
	if err != nil {
		return nil, n, err
	}

	frameType := FrameType(typeBuf[0])
	if !frameType.Valid() {
		return nil, n, &FrameError{Type: frameType, Err: ErrUnknownFrameType}
	}

	length, vn, err := decodeVarint(r)
	n += vn
	if err != nil {
		if errors.Is(err, ErrVarintTooLarge) || errors.Is(err, ErrVarintMalformed) {
			return nil, n, &FrameError{Type: frameType, Err: err}
		}
		return nil, n, err
	}

	if maxSize > 0 && length > maxSize {
		return nil, n, &FrameError{Type: frameType, Err: ErrFrameTooLarge}
	}

	body := make([]byte, length)
	if length > 0 {
		bn, err := io.ReadFull(r, body)
		n += bn
		if err != nil {
			return nil, n, err
		}
	}

	frame, err := decodeFrameBody(frameType, body)
	if err != nil {
		return nil, n, err
	}

	return frame, n, nil
}

// WriteFrame encodes f and writes it with a single Write call.
// If maxSize is greater than 0, frames with a larger body return ErrFrameTooLarge.
func WriteFrame(w io.Writer, f *Frame, maxSize uint32) (int, error) {
	buf := getBytesBuffer()
	defer putBytesBuffer(buf)

	if err := appendFrame(buf, f, maxSize); err != nil {
		return 0, err
	}

	return w.Write(buf.Bytes())
}

// EncodeFrame returns the wire form of f. It is used for datagram
// transports where one datagram carries exactly one frame.
func EncodeFrame(f *Frame, maxSize uint32) ([]byte, error) {
	var buf bytesBuffer
	if err := appendFrame(&buf, f, maxSize); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses exactly one frame from data. Truncated input and
// bytes following the frame are protocol errors.
func DecodeFrame(data []byte, maxSize uint32) (*Frame, error) {
	r := getBytesReader(data)
	defer putBytesReader(r)

	frame, _, err := ReadFrame(r, maxSize)
	if err != nil {
		var fe *FrameError
		if errors.As(err, &fe) {
			return nil, err
		}
		var frameType FrameType
		if len(data) > 0 {
			frameType = FrameType(data[0])
		}
		return nil, &FrameError{Type: frameType, Err: fmt.Errorf("truncated datagram: %w", err)}
	}

	if r.Len() > 0 {
		return nil, &FrameError{Type: frame.Type, Err: fmt.Errorf("%w: %d bytes", ErrTrailingBytes, r.Len())}
	}

	return frame, nil
}

func appendFrame(buf *bytesBuffer, f *Frame, maxSize uint32) error {
	if err := f.Validate(); err != nil {
		return err
	}

	body := getBytesBuffer()
	defer putBytesBuffer(body)

	if err := f.encodeBody(body); err != nil {
		return &FrameError{Type: f.Type, Err: err}
	}

	length := len(body.Bytes())
	if length > maxVarint || (maxSize > 0 && uint32(length) > maxSize) {
		return &FrameError{Type: f.Type, Err: ErrFrameTooLarge}
	}

	buf.Grow(1 + varintSize(uint32(length)) + length)
	buf.WriteByte(byte(f.Type))
	if _, err := encodeVarint(buf, uint32(length)); err != nil {
		return &FrameError{Type: f.Type, Err: err}
	}
	_, _ = buf.Write(body.Bytes())

	return nil
}

func decodeFrameBody(frameType FrameType, body []byte) (*Frame, error) {
	r := getBytesReader(body)
	defer putBytesReader(r)

	frame := &Frame{Type: frameType}
	if err := frame.decodeBody(r); err != nil {
		return nil, &FrameError{Type: frameType, Err: err}
	}

	return frame, nil
}

// bytesReader wraps a byte slice for io.Reader interface.
type bytesReader struct {
	data []byte
	pos  int
}

func (r *bytesReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

// Len returns the number of unread bytes.
func (r *bytesReader) Len() int {
	return len(r.data) - r.pos
}

// bytesBuffer is a simple append-only buffer for encoding.
type bytesBuffer struct {
	data []byte
}

func (b *bytesBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *bytesBuffer) WriteByte(c byte) error {
	b.data = append(b.data, c)
	return nil
}

func (b *bytesBuffer) Grow(n int) {
	if cap(b.data)-len(b.data) < n {
		grown := make([]byte, len(b.data), len(b.data)+n)
		copy(grown, b.data)
		b.data = grown
	}
}

func (b *bytesBuffer) Bytes() []byte {
	return b.data
}
