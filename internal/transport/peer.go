package transport

import (
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	maxMessageSize = 16 * 1024  // DataChannel messages are kept SCTP friendly
	drainRecheck   = 50 * time.Millisecond
)

// newPeerConnection creates a PeerConnection with the given ICE servers.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates a pre-negotiated DataChannel (ID 0) so both sides
// can create it independently without OnDataChannel. The channel is ordered
// and reliable: it carries a byte stream.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("session", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// ---------------------------------------------------------------------------
// channel
// ---------------------------------------------------------------------------

// channel adapts a PeerConnection + DataChannel pair to io.ReadWriteCloser.
// Inbound messages are handed to the reader through an io.Pipe, which stalls
// the SCTP reader while the stream buffer is full.
type channel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	open  chan struct{}
	dead  chan struct{}
	done  chan struct{}
	drain chan struct{}

	pr *io.PipeReader
	pw *io.PipeWriter

	closeOnce sync.Once
}

func newChannel(iceServers []string) (*channel, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	pr, pw := io.Pipe()
	c := &channel{
		pc:    pc,
		dc:    dc,
		open:  make(chan struct{}),
		dead:  make(chan struct{}),
		done:  make(chan struct{}),
		drain: make(chan struct{}, 1),
		pr:    pr,
		pw:    pw,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.open) })
	})

	dc.OnClose(func() {
		pw.CloseWithError(io.EOF)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if _, err := pw.Write(msg.Data); err != nil {
			return
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drain <- struct{}{}:
		default:
		}
	})

	var deadOnce sync.Once
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			deadOnce.Do(func() { close(c.dead) })
			pw.CloseWithError(io.EOF)
		}
	})

	return c, nil
}

// Ready is closed once the DataChannel is open.
func (c *channel) Ready() <-chan struct{} {
	return c.open
}

// Dead is closed when the peer connection fails or closes.
func (c *channel) Dead() <-chan struct{} {
	return c.dead
}

func (c *channel) Read(p []byte) (int, error) {
	return c.pr.Read(p)
}

// Write splits p into DataChannel messages, waiting for the send buffer to
// drain whenever it exceeds highWaterMark.
func (c *channel) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		for c.dc.BufferedAmount() > uint64(highWaterMark) {
			select {
			case <-c.drain:
			case <-time.After(drainRecheck):
			case <-c.done:
				return written, io.ErrClosedPipe
			}
		}

		n := min(len(p), maxMessageSize)
		if err := c.dc.Send(p[:n]); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.pw.CloseWithError(io.EOF)
		c.dc.Close()
		err = c.pc.Close()
	})
	return err
}
