package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix of a Frame.
	FrameHeaderSize = 4

	// MessageHeaderSize is the size of the little-endian length prefix of a
	// handshake message.
	MessageHeaderSize = 8

	// MaxFrameSize caps both frame and handshake message lengths.
	MaxFrameSize = 128 * 1024 * 1024
)

var (
	ErrInvalidLength = errors.New("protocol: invalid frame length")
	ErrShortHeader   = errors.New("protocol: short length header")
)

// EncodeFrame serializes pkt and prefixes it with its 4-byte big-endian length.
func EncodeFrame(pkt Packet) ([]byte, error) {
	n := pkt.Len()
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	buf := make([]byte, FrameHeaderSize+n)
	binary.BigEndian.PutUint32(buf[:FrameHeaderSize], uint32(n))
	if pkt.Encrypted {
		buf[FrameHeaderSize] = 1
	}
	buf[FrameHeaderSize+1] = pkt.Kind
	copy(buf[FrameHeaderSize+HeaderSize:], pkt.Payload)
	return buf, nil
}

// FrameLength validates a frame header and returns the body length.
// Zero and anything above MaxFrameSize are rejected.
func FrameLength(header []byte) (int, error) {
	if len(header) < FrameHeaderSize {
		return 0, ErrShortHeader
	}
	n := binary.BigEndian.Uint32(header[:FrameHeaderSize])
	if n == 0 || n > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

// EncodeMessageHeader returns the 8-byte little-endian length prefix used for
// handshake messages.
func EncodeMessageHeader(n int) []byte {
	buf := make([]byte, MessageHeaderSize)
	binary.LittleEndian.PutUint64(buf, uint64(n))
	return buf
}

// MessageLength validates a handshake message header. Zero is allowed and
// means the message carries its zero value.
func MessageLength(header []byte) (int, error) {
	if len(header) < MessageHeaderSize {
		return 0, ErrShortHeader
	}
	n := int64(binary.LittleEndian.Uint64(header[:MessageHeaderSize]))
	if n < 0 || n > MaxFrameSize {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	return int(n), nil
}

// Marshal encodes a structured message for a packet payload or a handshake
// message body.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %T: %w", v, err)
	}
	return data, nil
}

// Unmarshal decodes a structured message. An empty body leaves v untouched.
func Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal %T: %w", v, err)
	}
	return nil
}

// NewMessagePacket marshals v into an unencrypted packet of the given kind.
func NewMessagePacket(kind uint8, v any) (Packet, error) {
	data, err := Marshal(v)
	if err != nil {
		return Packet{}, err
	}
	return New(kind, data), nil
}
