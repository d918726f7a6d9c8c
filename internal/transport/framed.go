package transport

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Microck/UndyingTerminal/internal/protocol"
)

const (
	// HandshakeTimeout bounds inactivity while reading handshake messages.
	HandshakeTimeout = 30 * time.Second

	pollInterval = 5 * time.Millisecond
)

// ReadAll fills buf from h, polling until every byte has arrived. A positive
// timeout bounds the time spent without receiving any byte; zero waits
// forever.
func ReadAll(tr Transport, h Handle, buf []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	pos := 0
	for pos < len(buf) {
		n, err := tr.Read(h, buf[pos:])
		switch {
		case err == nil:
			pos += n
			if timeout > 0 && n > 0 {
				deadline = time.Now().Add(timeout)
			}
		case errors.Is(err, ErrWouldBlock):
			if timeout > 0 && time.Now().After(deadline) {
				return ErrTimeout
			}
			time.Sleep(pollInterval)
		case errors.Is(err, io.EOF):
			return ErrPeerClosed
		default:
			return err
		}
	}
	return nil
}

// WriteAll writes buf to h in full.
func WriteAll(tr Transport, h Handle, buf []byte) error {
	for len(buf) > 0 {
		n, err := tr.Write(h, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return nil
}

// ReadMessage reads one length-prefixed handshake message into v.
func ReadMessage(tr Transport, h Handle, v any, timeout time.Duration) error {
	header := make([]byte, protocol.MessageHeaderSize)
	if err := ReadAll(tr, h, header, timeout); err != nil {
		return fmt.Errorf("read message header: %w", err)
	}
	n, err := protocol.MessageLength(header)
	if err != nil {
		return err
	}
	body := make([]byte, n)
	if err := ReadAll(tr, h, body, timeout); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	return protocol.Unmarshal(body, v)
}

// WriteMessage writes v as one length-prefixed handshake message.
func WriteMessage(tr Transport, h Handle, v any) error {
	body, err := protocol.Marshal(v)
	if err != nil {
		return err
	}
	buf := append(protocol.EncodeMessageHeader(len(body)), body...)
	if err := WriteAll(tr, h, buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadPacket reads one unencrypted frame. It is used on the local pipe,
// where no sequence tracking applies.
func ReadPacket(tr Transport, h Handle, timeout time.Duration) (protocol.Packet, error) {
	header := make([]byte, protocol.FrameHeaderSize)
	if err := ReadAll(tr, h, header, timeout); err != nil {
		return protocol.Packet{}, err
	}
	n, err := protocol.FrameLength(header)
	if err != nil {
		return protocol.Packet{}, err
	}
	body := make([]byte, n)
	if err := ReadAll(tr, h, body, timeout); err != nil {
		return protocol.Packet{}, err
	}
	return protocol.Parse(body), nil
}

// FrameReader reassembles frames from h without blocking. Bytes of a frame
// still in flight are kept between calls.
type FrameReader struct {
	tr      Transport
	h       Handle
	partial []byte // header and body bytes of the frame in progress
	want    int    // body length once the header is complete, else 0
}

func NewFrameReader(tr Transport, h Handle) *FrameReader {
	return &FrameReader{tr: tr, h: h}
}

// Reset drops any partial frame and rebinds the reader to h.
func (f *FrameReader) Reset(h Handle) {
	f.h = h
	f.partial = nil
	f.want = 0
}

// Next returns the body of the next complete frame. ok is false with a nil
// error when the frame is not complete yet. ErrPeerClosed reports EOF.
func (f *FrameReader) Next() (body []byte, ok bool, err error) {
	if f.h == InvalidHandle {
		return nil, false, nil
	}
	for {
		need := protocol.FrameHeaderSize - len(f.partial)
		if f.want > 0 {
			need = protocol.FrameHeaderSize + f.want - len(f.partial)
		}
		if need == 0 {
			body = f.partial[protocol.FrameHeaderSize:]
			f.partial = nil
			f.want = 0
			return body, true, nil
		}

		buf := make([]byte, need)
		n, err := f.tr.Read(f.h, buf)
		switch {
		case errors.Is(err, ErrWouldBlock):
			return nil, false, nil
		case errors.Is(err, io.EOF):
			return nil, false, ErrPeerClosed
		case err != nil:
			return nil, false, err
		case n == 0:
			return nil, false, ErrPeerClosed
		}
		f.partial = append(f.partial, buf[:n]...)

		if f.want == 0 && len(f.partial) == protocol.FrameHeaderSize {
			length, err := protocol.FrameLength(f.partial)
			if err != nil {
				return nil, false, err
			}
			f.want = length
		}
	}
}

// NextPacket is Next for unencrypted packets.
func (f *FrameReader) NextPacket() (protocol.Packet, bool, error) {
	body, ok, err := f.Next()
	if !ok {
		return protocol.Packet{}, false, err
	}
	return protocol.Parse(body), true, nil
}

// WritePacket writes one unencrypted frame.
func WritePacket(tr Transport, h Handle, pkt protocol.Packet) error {
	frame, err := protocol.EncodeFrame(pkt)
	if err != nil {
		return err
	}
	return WriteAll(tr, h, frame)
}
