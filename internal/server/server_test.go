package server

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/terminal"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

const (
	testID      = "test-client"
	testPasskey = "0123456789abcdef0123456789abcdef"
)

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

// loopback is a terminal that echoes every byte written to it.
type loopback struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newLoopback() *loopback {
	r, w := io.Pipe()
	return &loopback{r: r, w: w}
}

func (l *loopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.w.Write(p) }
func (l *loopback) Close() error {
	l.w.Close()
	return l.r.Close()
}

type testServer struct {
	srv      *Server
	addr     string
	pipePath string
}

func startServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	tcp := transport.NewTCP(time.Second)
	pipe := transport.NewPipe()
	srv := New(tcp, pipe, NewRegistry(), opts)

	lh, err := tcp.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "terminal.sock")
	plh, err := pipe.Listen(path)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{}, 2)
	go func() { srv.Serve(ctx, lh); done <- struct{}{} }()
	go func() { srv.ServeTerminals(ctx, plh); done <- struct{}{} }()
	t.Cleanup(func() {
		cancel()
		<-done
		<-done
	})
	return &testServer{srv: srv, addr: tcp.ListenAddr(lh), pipePath: path}
}

// startTerminal registers a loopback terminal host for testID.
func startTerminal(t *testing.T, ts *testServer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	host, err := terminal.Register(ctx, transport.NewPipe(), ts.pipePath,
		protocol.TerminalUserInfo{ID: testID, Passkey: testPasskey}, terminal.Options{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(host.Close)
	waitFor(t, "terminal registration", func() bool { return ts.srv.Registry().HasSession(testID) })

	go func() {
		if _, err := host.WaitInit(ctx); err != nil {
			return
		}
		host.Serve(ctx, newLoopback(), nil)
	}()
}

func dialClient(t *testing.T, ts *testServer) *connection.ClientConnection {
	t.Helper()
	c, err := connection.NewClientConnection(transport.NewTCP(time.Second), ts.addr, testID, []byte(testPasskey),
		connection.ClientOptions{ReconnectInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func startSession(t *testing.T, c *connection.ClientConnection, payload protocol.InitialPayload) protocol.InitialResponse {
	t.Helper()
	if err := c.WriteMessage(protocol.KindInitialPayload, payload); err != nil {
		t.Fatal(err)
	}
	pkt := nextPacket(t, c)
	if pkt.Kind != protocol.KindInitialResponse {
		t.Fatalf("kind = %s, want initial response", protocol.KindName(pkt.Kind))
	}
	var resp protocol.InitialResponse
	if err := protocol.Unmarshal(pkt.Payload, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func nextPacket(t *testing.T, c *connection.ClientConnection) protocol.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pkt, err := c.NextPacket(ctx)
	if err != nil {
		t.Fatalf("NextPacket: %v", err)
	}
	return pkt
}

// expectEcho sends text as terminal input and waits for the loopback
// terminal to echo it back.
func expectEcho(t *testing.T, c *connection.ClientConnection, text string) {
	t.Helper()
	if err := c.WriteMessage(protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte(text)}); err != nil {
		t.Fatal(err)
	}
	var got []byte
	for len(got) < len(text) {
		pkt := nextPacket(t, c)
		if pkt.Kind != protocol.KindTerminalBuffer {
			continue
		}
		var tb protocol.TerminalBuffer
		if err := protocol.Unmarshal(pkt.Payload, &tb); err != nil {
			t.Fatal(err)
		}
		got = append(got, tb.Buffer...)
	}
	if string(got) != text {
		t.Fatalf("echo = %q, want %q", got, text)
	}
}

func TestTerminalSessionEcho(t *testing.T) {
	ts := startServer(t, Options{})
	startTerminal(t, ts)

	c := dialClient(t, ts)
	if c.IsReturningClient() {
		t.Fatal("first connect should be a new session")
	}
	if resp := startSession(t, c, protocol.InitialPayload{}); resp.Error != "" {
		t.Fatalf("initial response error: %s", resp.Error)
	}
	expectEcho(t, c, "echo hi\r")

	if !ts.srv.Registry().IsActive(testID) {
		t.Fatal("session should be active")
	}
}

func TestKeepAliveIsEchoed(t *testing.T) {
	ts := startServer(t, Options{})
	startTerminal(t, ts)
	c := dialClient(t, ts)
	startSession(t, c, protocol.InitialPayload{})

	c.WritePacket(protocol.New(protocol.KindKeepAlive, nil))
	if pkt := nextPacket(t, c); pkt.Kind != protocol.KindKeepAlive {
		t.Fatalf("kind = %s, want keepalive", protocol.KindName(pkt.Kind))
	}
}

// TestSessionSurvivesTransportLoss drops the client's transport mid-session
// and checks that the reconnect resumes the same session.
func TestSessionSurvivesTransportLoss(t *testing.T) {
	ts := startServer(t, Options{})
	startTerminal(t, ts)
	c := dialClient(t, ts)
	startSession(t, c, protocol.InitialPayload{})
	expectEcho(t, c, "before ")

	before := c.Handle()
	c.CloseSocketAndMaybeReconnect()
	waitFor(t, "reconnect", func() bool {
		h := c.Handle()
		return h != transport.InvalidHandle && h != before && c.State() == connection.StateConnected
	})

	expectEcho(t, c, "after")
	if err := c.Err(); err != nil {
		t.Fatalf("session error after reconnect: %v", err)
	}
}

func TestUnknownClientRejected(t *testing.T) {
	ts := startServer(t, Options{})

	c, err := connection.NewClientConnection(transport.NewTCP(time.Second), ts.addr, "nobody", []byte(testPasskey), connection.ClientOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Connect(context.Background()); !errors.Is(err, connection.ErrInvalidKey) {
		t.Fatalf("Connect error = %v, want ErrInvalidKey", err)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	ts := startServer(t, Options{})
	startTerminal(t, ts)

	tcp := transport.NewTCP(time.Second)
	h, err := tcp.Connect(context.Background(), ts.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer tcp.Close(h)

	if err := transport.WriteMessage(tcp, h, protocol.ConnectRequest{ClientID: testID, Version: protocol.Version - 1}); err != nil {
		t.Fatal(err)
	}
	var resp protocol.ConnectResponse
	if err := transport.ReadMessage(tcp, h, &resp, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	if resp.Status != protocol.StatusMismatchedProtocol {
		t.Fatalf("status = %q, want %q", resp.Status, protocol.StatusMismatchedProtocol)
	}
	if ts.srv.Registry().LookupConnection(testID) != nil {
		t.Fatal("rejected handshake must not create a session")
	}
}

func TestStaticClientTunnelOnly(t *testing.T) {
	ts := startServer(t, Options{})
	ts.srv.Registry().AddStatic(testID, testPasskey)

	c := dialClient(t, ts)
	if resp := startSession(t, c, protocol.InitialPayload{}); resp.Error != "" {
		t.Fatalf("initial response error: %s", resp.Error)
	}

	c.WritePacket(protocol.New(protocol.KindKeepAlive, nil))
	if pkt := nextPacket(t, c); pkt.Kind != protocol.KindKeepAlive {
		t.Fatalf("kind = %s, want keepalive", protocol.KindName(pkt.Kind))
	}
}

func TestJumphostWithoutTerminalRefused(t *testing.T) {
	ts := startServer(t, Options{})
	ts.srv.Registry().AddStatic(testID, testPasskey)

	c := dialClient(t, ts)
	resp := startSession(t, c, protocol.InitialPayload{Jumphost: true})
	if resp.Error == "" {
		t.Fatal("jumphost session without a terminal host should be refused")
	}
}

func TestReverseTunnelBindFailureReported(t *testing.T) {
	ts := startServer(t, Options{})
	ts.srv.Registry().AddStatic(testID, testPasskey)

	c := dialClient(t, ts)
	resp := startSession(t, c, protocol.InitialPayload{
		ReverseTunnels: []protocol.PortForwardSourceRequest{{EnvironmentVariable: "SSH_AUTH_SOCK"}},
	})
	if resp.Error == "" {
		t.Fatal("reverse tunnel without a source port should be reported")
	}
}

// TestPartialTerminalFrameKeepsSessionResponsive leaves half a frame from the
// terminal host on the pipe and checks that client traffic is still served.
func TestPartialTerminalFrameKeepsSessionResponsive(t *testing.T) {
	ts := startServer(t, Options{})

	pipe := transport.NewPipe()
	th, err := pipe.Connect(context.Background(), ts.pipePath)
	if err != nil {
		t.Fatal(err)
	}
	defer pipe.Close(th)
	reg, err := protocol.NewMessagePacket(protocol.KindTerminalUserInfo, protocol.TerminalUserInfo{ID: testID, Passkey: testPasskey})
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.WritePacket(pipe, th, reg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "terminal registration", func() bool { return ts.srv.Registry().HasSession(testID) })

	c := dialClient(t, ts)
	startSession(t, c, protocol.InitialPayload{})
	if pkt, err := transport.ReadPacket(pipe, th, 5*time.Second); err != nil || pkt.Kind != protocol.KindTerminalInit {
		t.Fatalf("terminal init = %s, %v", protocol.KindName(pkt.Kind), err)
	}

	out, err := protocol.NewMessagePacket(protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte("prompt$ ")})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := protocol.EncodeFrame(out)
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.WriteAll(pipe, th, frame[:3]); err != nil {
		t.Fatal(err)
	}

	c.WritePacket(protocol.New(protocol.KindKeepAlive, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pkt, err := c.NextPacket(ctx)
	if err != nil || pkt.Kind != protocol.KindKeepAlive {
		t.Fatalf("keepalive echo = %s, %v", protocol.KindName(pkt.Kind), err)
	}

	if err := transport.WriteAll(pipe, th, frame[3:]); err != nil {
		t.Fatal(err)
	}
	pkt = nextPacket(t, c)
	var tb protocol.TerminalBuffer
	if pkt.Kind != protocol.KindTerminalBuffer || protocol.Unmarshal(pkt.Payload, &tb) != nil || string(tb.Buffer) != "prompt$ " {
		t.Fatalf("terminal output = %s %q", protocol.KindName(pkt.Kind), tb.Buffer)
	}
}
