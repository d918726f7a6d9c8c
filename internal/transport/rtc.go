package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/Microck/UndyingTerminal/internal/util"
)

// signalTimeout bounds a full SDP/ICE exchange.
const signalTimeout = 30 * time.Second

// signalType identifies the kind of signaling message.
type signalType string

const (
	signalOffer     signalType = "offer"
	signalAnswer    signalType = "answer"
	signalCandidate signalType = "candidate"
	signalReady     signalType = "ready" // sender's DataChannel is open
)

// signal is the JSON structure exchanged over the WebSocket during signaling.
type signal struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

// WebRTC carries session bytes over an ordered DataChannel. Streams are
// negotiated through a WebSocket signaling exchange: the dialer offers, the
// listener answers. The signaling socket is closed once both sides have
// reported their channel open.
type WebRTC struct {
	*Streams
	iceServers []string
	dialer     *websocket.Dialer
	log        *pterm.Logger
}

// NewWebRTC returns a WebRTC transport. Nil iceServers uses
// DefaultSTUNServers; an empty non-nil slice disables STUN.
func NewWebRTC(iceServers []string, logger *pterm.Logger) *WebRTC {
	if iceServers == nil {
		iceServers = DefaultSTUNServers
	}
	return &WebRTC{
		Streams:    NewStreams(),
		iceServers: iceServers,
		dialer:     websocket.DefaultDialer,
		log:        util.OrNop(logger),
	}
}

// Connect negotiates a DataChannel through the signaling endpoint at addr.
func (t *WebRTC) Connect(ctx context.Context, addr string) (Handle, error) {
	wsURL, err := normalizeWSURL(addr)
	if err != nil {
		return InvalidHandle, err
	}

	ctx, cancel := context.WithTimeout(ctx, signalTimeout)
	defer cancel()

	ws, _, err := t.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return InvalidHandle, fmt.Errorf("webrtc signaling connect %s: %w", wsURL, err)
	}
	defer ws.Close()

	ch, err := newChannel(t.iceServers)
	if err != nil {
		return InvalidHandle, err
	}
	if err := t.exchange(ctx, ws, ch, true); err != nil {
		ch.Close()
		return InvalidHandle, err
	}
	return t.Attach(ch), nil
}

// Listen serves the signaling endpoint on addr ("host:port") at /ws. Each
// completed exchange yields one inbound stream.
func (t *WebRTC) Listen(addr string) (Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return InvalidHandle, fmt.Errorf("webrtc signaling listen %s: %w", addr, err)
	}

	srv := &http.Server{ReadHeaderTimeout: 10 * time.Second}
	l := newListener(srv, ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		ch, err := newChannel(t.iceServers)
		if err != nil {
			t.log.Warn("webrtc peer setup failed", t.log.Args("error", err))
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if err := t.exchange(ctx, ws, ch, false); err != nil {
			t.log.Warn("webrtc signaling failed", t.log.Args("remote", r.RemoteAddr, "error", err))
			ch.Close()
			return
		}
		l.push(ch)
	})
	srv.Handler = mux

	go func() {
		_ = srv.Serve(ln)
		l.close()
	}()

	return t.attachListener(l), nil
}

// exchange performs the SDP/ICE exchange over ws and blocks until the
// DataChannel is open on both ends, the peer connection fails or ctx expires.
// The offerer creates the offer; the other side answers.
func (t *WebRTC) exchange(ctx context.Context, ws *websocket.Conn, ch *channel, offerer bool) error {
	var wsMu sync.Mutex
	wsSend := func(msg signal) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := ws.WriteJSON(msg); err != nil {
			t.log.Debug("signaling send failed", t.log.Args("type", msg.Type, "error", err))
		}
	}

	// Trickle ICE candidates.
	ch.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(signal{Type: signalCandidate, Candidate: string(data)})
	})

	if offerer {
		offer, err := ch.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := ch.pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		wsSend(signal{Type: signalOffer, SDP: offer.SDP})
	}

	go func() {
		select {
		case <-ch.Ready():
			wsSend(signal{Type: signalReady})
		case <-ctx.Done():
		}
	}()

	// Read loop: offer/answer, ICE candidates and the peer's ready notice.
	peerReady := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		for {
			var msg signal
			if err := ws.ReadJSON(&msg); err != nil {
				errCh <- err
				return
			}
			switch msg.Type {
			case signalOffer:
				if offerer {
					continue
				}
				if err := t.answer(ch, msg.SDP, wsSend); err != nil {
					errCh <- err
					return
				}
			case signalAnswer:
				if !offerer {
					continue
				}
				if err := ch.pc.SetRemoteDescription(webrtc.SessionDescription{
					Type: webrtc.SDPTypeAnswer,
					SDP:  msg.SDP,
				}); err != nil {
					errCh <- fmt.Errorf("SetRemoteDescription: %w", err)
					return
				}
			case signalCandidate:
				var cand webrtc.ICECandidateInit
				if err := json.Unmarshal([]byte(msg.Candidate), &cand); err == nil {
					if err := ch.pc.AddICECandidate(cand); err != nil {
						t.log.Debug("AddICECandidate failed", t.log.Args("error", err))
					}
				}
			case signalReady:
				close(peerReady)
				// The peer may close the socket now; nothing else is expected.
				return
			}
		}
	}()

	// Both channels must be open before either side drops the socket.
	select {
	case <-peerReady:
	case err := <-errCh:
		if !socketClosed(err) {
			return fmt.Errorf("signaling: %w", err)
		}
		// Without signaling the exchange can still finish if ICE already
		// connected, so keep waiting for the local channel.
		t.log.Debug("signaling socket closed early", t.log.Args("error", err))
		return waitOpen(ctx, ch, err)
	case <-ch.Dead():
		return fmt.Errorf("signaling: peer connection failed")
	case <-ctx.Done():
		return fmt.Errorf("signaling: %w", ctx.Err())
	}
	return waitOpen(ctx, ch, nil)
}

func socketClosed(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

// waitOpen blocks until ch opens. cause explains a failure if it never does.
func waitOpen(ctx context.Context, ch *channel, cause error) error {
	select {
	case <-ch.Ready():
		return nil
	case <-ch.Dead():
		if cause != nil {
			return fmt.Errorf("signaling: peer connection failed: %w", cause)
		}
		return fmt.Errorf("signaling: peer connection failed")
	case <-ctx.Done():
		if cause != nil {
			return fmt.Errorf("signaling: %w", cause)
		}
		return fmt.Errorf("signaling: %w", ctx.Err())
	}
}

func (t *WebRTC) answer(ch *channel, sdp string, send func(signal)) error {
	if err := ch.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := ch.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := ch.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription: %w", err)
	}
	send(signal{Type: signalAnswer, SDP: answer.SDP})
	return nil
}
