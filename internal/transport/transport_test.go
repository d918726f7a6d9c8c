package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Microck/UndyingTerminal/internal/protocol"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// pipePair attaches both ends of a net.Pipe to one handle table.
func pipePair(t *testing.T) (*Streams, Handle, Handle) {
	t.Helper()
	s := NewStreams()
	a, b := net.Pipe()
	ha, hb := s.Attach(a), s.Attach(b)
	t.Cleanup(s.CloseAll)
	return s, ha, hb
}

func TestStreamsReadWouldBlock(t *testing.T) {
	s, ha, _ := pipePair(t)

	if s.HasData(ha) {
		t.Fatal("HasData on idle stream")
	}
	if _, err := s.Read(ha, make([]byte, 4)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Read on idle stream error = %v, want ErrWouldBlock", err)
	}
}

func TestStreamsRoundTrip(t *testing.T) {
	s, ha, hb := pipePair(t)

	if err := WriteAll(s, ha, []byte("hello")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	waitFor(t, "data", func() bool { return s.HasData(hb) })

	buf := make([]byte, 5)
	if err := ReadAll(s, hb, buf, time.Second); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

// TestStreamsPeerClosed checks that an orderly close surfaces as io.EOF and
// that HasData reports it so pollers notice.
func TestStreamsPeerClosed(t *testing.T) {
	s, ha, hb := pipePair(t)

	s.Close(ha)
	waitFor(t, "EOF", func() bool { return s.HasData(hb) })

	if _, err := s.Read(hb, make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("Read after peer close error = %v, want io.EOF", err)
	}
	if err := ReadAll(s, hb, make([]byte, 1), time.Second); !errors.Is(err, ErrPeerClosed) {
		t.Fatalf("ReadAll after peer close error = %v, want ErrPeerClosed", err)
	}
}

func TestStreamsInvalidHandle(t *testing.T) {
	s := NewStreams()
	if _, err := s.Read(42, make([]byte, 1)); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Read error = %v, want ErrInvalidHandle", err)
	}
	if _, err := s.Write(InvalidHandle, []byte{1}); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("Write error = %v, want ErrInvalidHandle", err)
	}
	s.Close(42)
}

func TestReadAllTimeout(t *testing.T) {
	s, ha, _ := pipePair(t)
	start := time.Now()
	err := ReadAll(s, ha, make([]byte, 1), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("ReadAll error = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("ReadAll returned before the timeout")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s, ha, hb := pipePair(t)

	want := protocol.ConnectRequest{ClientID: "client-1", Version: protocol.Version}
	if err := WriteMessage(s, ha, want); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got protocol.ConnectRequest
	if err := ReadMessage(s, hb, &got, time.Second); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestReadMessageRejectsOversized(t *testing.T) {
	s, ha, hb := pipePair(t)

	if err := WriteAll(s, ha, protocol.EncodeMessageHeader(protocol.MaxFrameSize+1)); err != nil {
		t.Fatal(err)
	}
	var v protocol.SequenceHeader
	if err := ReadMessage(s, hb, &v, time.Second); !errors.Is(err, protocol.ErrInvalidLength) {
		t.Fatalf("ReadMessage error = %v, want ErrInvalidLength", err)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	s, ha, hb := pipePair(t)

	want := protocol.New(protocol.KindTerminalBuffer, []byte("echo hi\r"))
	if err := WritePacket(s, ha, want); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got, err := ReadPacket(s, hb, time.Second)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

// exerciseNetwork runs a listen/connect/accept/echo cycle on any Network.
func exerciseNetwork(t *testing.T, n Network, listenAddr string, dialAddr func(string) string) {
	t.Helper()

	lh, err := n.Listen(listenAddr)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer n.Close(lh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := n.Connect(ctx, dialAddr(n.ListenAddr(lh)))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer n.Close(ch)

	waitFor(t, "pending accept", func() bool { return n.HasData(lh) })
	sh := n.Accept(lh)
	if sh == InvalidHandle {
		t.Fatal("Accept returned InvalidHandle with a pending stream")
	}
	defer n.Close(sh)

	if n.Accept(lh) != InvalidHandle {
		t.Fatal("second Accept should find nothing pending")
	}

	if err := WritePacket(n, ch, protocol.New(protocol.KindKeepAlive, nil)); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	pkt, err := ReadPacket(n, sh, 5*time.Second)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if pkt.Kind != protocol.KindKeepAlive {
		t.Fatalf("kind = %d, want keepalive", pkt.Kind)
	}

	n.Close(sh)
	waitFor(t, "peer close", func() bool { return n.HasData(ch) })
	if _, err := n.Read(ch, make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("Read after server close error = %v, want io.EOF", err)
	}
}

func TestTCPNetwork(t *testing.T) {
	tcp := NewTCP(time.Second)
	exerciseNetwork(t, tcp, "127.0.0.1:0", func(addr string) string { return addr })
}

func TestTCPBoundPort(t *testing.T) {
	tcp := NewTCP(0)
	lh, err := tcp.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer tcp.Close(lh)
	if tcp.BoundPort(lh) == 0 {
		t.Fatal("BoundPort returned 0")
	}
	if tcp.BoundPort(InvalidHandle) != 0 {
		t.Fatal("BoundPort on invalid handle should be 0")
	}
}

func TestPipeNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "undying.sock")
	exerciseNetwork(t, NewPipe(), path, func(addr string) string { return addr })
}

func TestWebSocketNetwork(t *testing.T) {
	ws := NewWebSocket(time.Second)
	exerciseNetwork(t, ws, "127.0.0.1:0", func(addr string) string { return "ws://" + addr })
}

func TestFrameReaderPartialFrame(t *testing.T) {
	s := NewStreams()
	defer s.CloseAll()
	a, b := net.Pipe()
	ha, hb := s.Attach(a), s.Attach(b)

	frame, err := protocol.EncodeFrame(protocol.New(protocol.KindTerminalBuffer, []byte("split")))
	if err != nil {
		t.Fatal(err)
	}
	fr := NewFrameReader(s, hb)

	if err := WriteAll(s, ha, frame[:6]); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first half", func() bool { return s.HasData(hb) })
	if _, ok, err := fr.NextPacket(); ok || err != nil {
		t.Fatalf("NextPacket on half a frame = (ok=%v, err=%v)", ok, err)
	}

	if err := WriteAll(s, ha, frame[6:]); err != nil {
		t.Fatal(err)
	}
	var pkt protocol.Packet
	waitFor(t, "full frame", func() bool {
		p, ok, err := fr.NextPacket()
		if err != nil {
			t.Fatalf("NextPacket: %v", err)
		}
		pkt = p
		return ok
	})
	if pkt.Kind != protocol.KindTerminalBuffer || string(pkt.Payload) != "split" {
		t.Fatalf("packet = %+v", pkt)
	}

	s.Close(ha)
	waitFor(t, "peer close", func() bool {
		_, _, err := fr.NextPacket()
		return errors.Is(err, ErrPeerClosed)
	})
}

func TestWebRTCNetwork(t *testing.T) {
	// No STUN: loopback host candidates are enough.
	rtc := NewWebRTC([]string{}, nil)
	exerciseNetwork(t, rtc, "127.0.0.1:0", func(addr string) string { return "ws://" + addr })
}

func TestNormalizeWSURL(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{in: "127.0.0.1:2022", want: "ws://127.0.0.1:2022/ws"},
		{in: "ws://example.com/other", want: "ws://example.com/ws"},
		{in: "wss://example.com", want: "wss://example.com/ws"},
		{in: "https://example.com", want: "wss://example.com/ws"},
	}
	for _, tc := range testCases {
		got, err := normalizeWSURL(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("normalizeWSURL(%q) = (%q, %v), want %q", tc.in, got, err, tc.want)
		}
	}
}
