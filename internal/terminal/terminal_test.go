package terminal

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/protocol"
	"github.com/Microck/UndyingTerminal/internal/server"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

const testPasskey = "0123456789abcdef0123456789abcdef"

func TestParseCredentials(t *testing.T) {
	testCases := []struct {
		name    string
		line    string
		wantID  string
		wantKey string
		wantErr error
	}{
		{name: "plain", line: "laptop/" + testPasskey + "\n", wantID: "laptop", wantKey: testPasskey},
		{name: "crlf", line: "laptop/" + testPasskey + "\r\n", wantID: "laptop", wantKey: testPasskey},
		{name: "suffix ignored", line: "laptop/" + testPasskey + "_xterm-256color", wantID: "laptop", wantKey: testPasskey},
		{name: "no slash", line: "laptop", wantErr: ErrBadCredentials},
		{name: "empty id", line: "/" + testPasskey, wantErr: ErrBadCredentials},
		{name: "short passkey", line: "laptop/abc", wantErr: ErrBadCredentials},
	}

	for _, tc := range testCases {
		info, generated, err := ParseCredentials(tc.line)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("%s: error = %v, want %v", tc.name, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if generated || info.ID != tc.wantID || info.Passkey != tc.wantKey {
			t.Errorf("%s: got %+v generated=%v", tc.name, info, generated)
		}
	}
}

func TestParseCredentialsGenerates(t *testing.T) {
	info, generated, err := ParseCredentials("XXX/XXX\n")
	if err != nil {
		t.Fatal(err)
	}
	if !generated || info.ID == "" || len(info.Passkey) != 32 {
		t.Fatalf("got %+v generated=%v", info, generated)
	}

	again, _, err := ParseCredentials(Credentials(info))
	if err != nil || again != info {
		t.Fatalf("round trip = %+v, %v", again, err)
	}
}

// ---------------------------------------------------------------------------
// Host against a bare pipe listener
// ---------------------------------------------------------------------------

type fakeServer struct {
	pipe *transport.Pipe
	h    transport.Handle
}

func registerHost(t *testing.T, ctx context.Context) (*Host, *fakeServer) {
	t.Helper()
	srv := transport.NewPipe()
	path := filepath.Join(t.TempDir(), "t.sock")
	lh, err := srv.Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close(lh) })

	info := protocol.TerminalUserInfo{ID: "box", Passkey: testPasskey}
	host, err := Register(ctx, transport.NewPipe(), path, info, Options{Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Close)

	fs := &fakeServer{pipe: srv, h: transport.InvalidHandle}
	deadline := time.Now().Add(5 * time.Second)
	for fs.h == transport.InvalidHandle {
		if time.Now().After(deadline) {
			t.Fatal("host never connected")
		}
		fs.h = srv.Accept(lh)
		time.Sleep(5 * time.Millisecond)
	}

	pkt, err := transport.ReadPacket(srv, fs.h, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got protocol.TerminalUserInfo
	if pkt.Kind != protocol.KindTerminalUserInfo || protocol.Unmarshal(pkt.Payload, &got) != nil || got != info {
		t.Fatalf("registration = %s %+v", protocol.KindName(pkt.Kind), got)
	}
	return host, fs
}

func (fs *fakeServer) send(t *testing.T, kind uint8, v any) {
	t.Helper()
	pkt, err := protocol.NewMessagePacket(kind, v)
	if err != nil {
		t.Fatal(err)
	}
	if err := transport.WritePacket(fs.pipe, fs.h, pkt); err != nil {
		t.Fatal(err)
	}
}

type memTerminal struct {
	io.Reader
	w      *io.PipeWriter
	input  chan []byte
	closed chan struct{}
}

func (m *memTerminal) Write(p []byte) (int, error) {
	m.input <- append([]byte(nil), p...)
	return len(p), nil
}

func (m *memTerminal) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return m.w.Close()
}

func TestHostServeBridgesTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, fs := registerHost(t, ctx)

	fs.send(t, protocol.KindTerminalInit, struct{}{})
	in, err := host.WaitInit(ctx)
	if err != nil || in.Jumphost {
		t.Fatalf("WaitInit = %+v, %v", in, err)
	}

	r, w := io.Pipe()
	term := &memTerminal{Reader: r, w: w, input: make(chan []byte, 4), closed: make(chan struct{})}
	sizes := make(chan protocol.TerminalInfo, 1)
	done := make(chan error, 1)
	go func() {
		done <- host.Serve(ctx, term, func(info protocol.TerminalInfo) { sizes <- info })
	}()

	fs.send(t, protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte("ls\r")})
	select {
	case got := <-term.input:
		if string(got) != "ls\r" {
			t.Fatalf("terminal input = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("keystrokes never reached the terminal")
	}

	fs.send(t, protocol.KindTerminalInfo, protocol.TerminalInfo{ID: "box", Row: 24, Column: 80})
	select {
	case info := <-sizes:
		if info.Row != 24 || info.Column != 80 {
			t.Fatalf("size = %+v", info)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resize not delivered")
	}

	go w.Write([]byte("file.txt\n"))
	pkt, err := transport.ReadPacket(fs.pipe, fs.h, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var tb protocol.TerminalBuffer
	if pkt.Kind != protocol.KindTerminalBuffer || protocol.Unmarshal(pkt.Payload, &tb) != nil || string(tb.Buffer) != "file.txt\n" {
		t.Fatalf("output packet = %s %q", protocol.KindName(pkt.Kind), tb.Buffer)
	}

	fs.pipe.Close(fs.h)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the server hung up")
	}
	select {
	case <-term.closed:
	default:
		t.Fatal("terminal not closed")
	}
}

func TestHostWaitInitJumphost(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, fs := registerHost(t, ctx)

	fs.send(t, protocol.KindJumphostInit, protocol.InitialPayload{
		Jumphost:    true,
		Environment: map[string]string{"dsthost": "10.0.0.2", "dstport": "2022"},
	})
	in, err := host.WaitInit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !in.Jumphost || in.Payload.Environment["dsthost"] != "10.0.0.2" {
		t.Fatalf("init = %+v", in)
	}
}

func TestHostWaitInitRejectsOtherPackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, fs := registerHost(t, ctx)

	fs.send(t, protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte("early")})
	if _, err := host.WaitInit(ctx); !errors.Is(err, ErrUnexpectedInit) {
		t.Fatalf("error = %v, want ErrUnexpectedInit", err)
	}
}

func TestRelayWithoutDestination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host, _ := registerHost(t, ctx)

	err := host.Relay(ctx, transport.NewTCP(time.Second), Init{Jumphost: true}, connection.ClientOptions{})
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("error = %v, want ErrNoDestination", err)
	}
}

// echoTerminal writes back everything it receives.
type echoTerminal struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newEchoTerminal() *echoTerminal {
	r, w := io.Pipe()
	return &echoTerminal{r: r, w: w}
}

func (e *echoTerminal) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e *echoTerminal) Write(p []byte) (int, error) { return e.w.Write(p) }
func (e *echoTerminal) Close() error {
	e.w.Close()
	return e.r.Close()
}

// startDestination runs a server with an echoing terminal host registered
// under id and returns its client address.
func startDestination(t *testing.T, ctx context.Context, id string) string {
	t.Helper()
	tcp := transport.NewTCP(time.Second)
	pipe := transport.NewPipe()
	srv := server.New(tcp, pipe, server.NewRegistry(), server.Options{})

	lh, err := tcp.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "dst.sock")
	plh, err := pipe.Listen(path)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve(ctx, lh)
	go srv.ServeTerminals(ctx, plh)

	host, err := Register(ctx, transport.NewPipe(), path, protocol.TerminalUserInfo{ID: id, Passkey: testPasskey}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(host.Close)
	deadline := time.Now().Add(5 * time.Second)
	for !srv.Registry().HasSession(id) {
		if time.Now().After(deadline) {
			t.Fatal("destination terminal never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	go func() {
		if _, err := host.WaitInit(ctx); err != nil {
			return
		}
		host.Serve(ctx, newEchoTerminal(), nil)
	}()
	return tcp.ListenAddr(lh)
}

func TestRelayRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dst := startDestination(t, ctx, "box")
	dstHost, dstPort, err := net.SplitHostPort(dst)
	if err != nil {
		t.Fatal(err)
	}

	host, fs := registerHost(t, ctx)
	start := Init{Jumphost: true, Payload: protocol.InitialPayload{
		Jumphost:    true,
		Environment: map[string]string{"dsthost": dstHost, "dstport": dstPort},
	}}
	done := make(chan error, 1)
	go func() {
		done <- host.Relay(ctx, transport.NewTCP(time.Second), start, connection.ClientOptions{ReconnectInterval: 20 * time.Millisecond})
	}()

	fs.send(t, protocol.KindTerminalBuffer, protocol.TerminalBuffer{Buffer: []byte("whoami\r")})

	var got []byte
	for len(got) < len("whoami\r") {
		pkt, err := transport.ReadPacket(fs.pipe, fs.h, 5*time.Second)
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if pkt.Kind != protocol.KindTerminalBuffer {
			continue
		}
		var tb protocol.TerminalBuffer
		if err := protocol.Unmarshal(pkt.Payload, &tb); err != nil {
			t.Fatal(err)
		}
		got = append(got, tb.Buffer...)
	}
	if string(got) != "whoami\r" {
		t.Fatalf("relayed echo = %q", got)
	}

	fs.pipe.Close(fs.h)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Relay: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Relay did not return after the jumphost server hung up")
	}
}
