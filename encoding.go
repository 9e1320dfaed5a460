package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrInvalidUTF8     = errors.New("invalid UTF-8 string")
	ErrVarintTooLarge  = errors.New("variable length integer exceeds maximum value")
	ErrVarintMalformed = errors.New("malformed variable length integer")
	ErrEmptyTopic      = errors.New("topic must not be empty")
)

const (
	maxVarint         = 268435455 // 0x0FFFFFFF
	varintContinueBit = 0x80
	varintValueMask   = 0x7F
)

// encodeString writes a UTF-8 string prefixed with its varint length.
func encodeString(w io.Writer, s string) (int, error) {
	if !utf8.ValidString(s) {
		return 0, ErrInvalidUTF8
	}

	n, err := encodeVarint(w, uint32(len(s)))
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeString reads a varint length-prefixed UTF-8 string.
func decodeString(r io.Reader) (string, int, error) {
	buf, n, err := decodeBytes(r)
	if err != nil {
		return "", n, err
	}

	if !utf8.Valid(buf) {
		return "", n, ErrInvalidUTF8
	}

	return string(buf), n, nil
}

// encodeBytes writes opaque bytes prefixed with their varint length.
func encodeBytes(w io.Writer, data []byte) (int, error) {
	n, err := encodeVarint(w, uint32(len(data)))
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBytes reads varint length-prefixed opaque bytes.
func decodeBytes(r io.Reader) ([]byte, int, error) {
	length, n, err := decodeVarint(r)
	if err != nil {
		return nil, n, err
	}

	if length == 0 {
		return []byte{}, n, nil
	}

	if br, ok := r.(*bytesReader); ok && uint32(br.Len()) < length {
		return nil, n, fmt.Errorf("%w: need %d bytes, have %d", io.ErrUnexpectedEOF, length, br.Len())
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}

	return buf, n, nil
}

// encodeTopic writes a topic name, rejecting the empty topic.
func encodeTopic(w io.Writer, topic string) (int, error) {
	if topic == "" {
		return 0, ErrEmptyTopic
	}
	return encodeString(w, topic)
}

// decodeTopic reads a topic name, rejecting the empty topic.
func decodeTopic(r io.Reader) (string, int, error) {
	topic, n, err := decodeString(r)
	if err != nil {
		return "", n, err
	}
	if topic == "" {
		return "", n, ErrEmptyTopic
	}
	return topic, n, nil
}

func encodeUint64(w io.Writer, v uint64) (int, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return w.Write(buf[:])
}

func decodeUint64(r io.Reader) (uint64, int, error) {
	var buf [8]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint64(buf[:]), n, nil
}

// encodeVarint writes a variable length integer to w.
// Returns the number of bytes written.
func encodeVarint(w io.Writer, value uint32) (int, error) {
	if value > maxVarint {
		return 0, ErrVarintTooLarge
	}

	var buf [4]byte
	n := 0

	for {
		encodedByte := byte(value & varintValueMask)
		value >>= 7

		if value > 0 {
			encodedByte |= varintContinueBit
		}

		buf[n] = encodedByte
		n++

		if value == 0 {
			break
		}
	}

	return w.Write(buf[:n])
}

// decodeVarint reads a variable length integer from r.
// Returns the value, number of bytes read, and any error.
func decodeVarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var multiplier uint32 = 1
	var buf [1]byte
	bytesRead := 0

	for {
		n, err := io.ReadFull(r, buf[:])
		bytesRead += n
		if err != nil {
			return 0, bytesRead, err
		}

		encodedByte := buf[0]
		value += uint32(encodedByte&varintValueMask) * multiplier

		if value > maxVarint {
			return 0, bytesRead, ErrVarintTooLarge
		}

		if encodedByte&varintContinueBit == 0 {
			break
		}

		multiplier *= 128
		if multiplier > 128*128*128 {
			return 0, bytesRead, ErrVarintMalformed
		}
	}

	return value, bytesRead, nil
}

// varintSize returns the number of bytes needed to encode a variable length integer.
func varintSize(value uint32) int {
	switch {
	case value < 128:
		return 1
	case value < 16384:
		return 2
	case value < 2097152:
		return 3
	default:
		return 4
	}
}
