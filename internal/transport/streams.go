package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// Tuning constants.
const (
	readChunkSize = 32 * 1024
	maxBuffered   = 4 * 1024 * 1024 // reader goroutine pauses above this
	acceptBacklog = 64
)

// ---------------------------------------------------------------------------
// stream
// ---------------------------------------------------------------------------

// stream wraps one io.ReadWriteCloser with a background reader so that reads
// through the handle table never block.
type stream struct {
	conn io.ReadWriteCloser

	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	err    error // sticky read error, io.EOF on orderly close
	closed bool

	wmu sync.Mutex
}

func newStream(conn io.ReadWriteCloser) *stream {
	s := &stream{conn: conn}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	return s
}

func (s *stream) readLoop() {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := s.conn.Read(chunk)

		s.mu.Lock()
		if n > 0 {
			s.buf.Write(chunk[:n])
		}
		if err != nil {
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			return
		}
		for s.buf.Len() >= maxBuffered && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}
	}
}

func (s *stream) hasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len() > 0 || s.err != nil
}

func (s *stream) read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() > 0 {
		n, _ := s.buf.Read(p)
		s.cond.Signal()
		return n, nil
	}
	if s.err != nil {
		if errors.Is(s.err, io.EOF) {
			return 0, io.EOF
		}
		return 0, s.err
	}
	return 0, ErrWouldBlock
}

func (s *stream) write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.conn.Write(p)
}

func (s *stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.conn.Close()
}

// ---------------------------------------------------------------------------
// listener
// ---------------------------------------------------------------------------

// listener queues inbound streams produced by an accept goroutine.
type listener struct {
	conns  chan io.ReadWriteCloser
	done   chan struct{}
	once   sync.Once
	closer io.Closer
	addr   string
}

func newListener(closer io.Closer, addr string) *listener {
	return &listener{
		conns:  make(chan io.ReadWriteCloser, acceptBacklog),
		done:   make(chan struct{}),
		closer: closer,
		addr:   addr,
	}
}

// push queues conn for Accept. It returns false once the listener is closed.
func (l *listener) push(conn io.ReadWriteCloser) bool {
	select {
	case <-l.done:
		conn.Close()
		return false
	default:
	}
	select {
	case l.conns <- conn:
		return true
	case <-l.done:
		conn.Close()
		return false
	}
}

func (l *listener) close() {
	l.once.Do(func() {
		close(l.done)
		if l.closer != nil {
			l.closer.Close()
		}
		for {
			select {
			case c := <-l.conns:
				c.Close()
			default:
				return
			}
		}
	})
}

// serveNet runs the accept loop of a net.Listener into l.
func serveNet(ln net.Listener, l *listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.close()
			return
		}
		if !l.push(conn) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

// Streams is the handle table shared by every transport implementation. It
// can also be used directly: Attach binds any io.ReadWriteCloser, which makes
// net.Pipe pairs usable as in-memory links.
type Streams struct {
	mu        sync.RWMutex
	next      Handle
	streams   map[Handle]*stream
	listeners map[Handle]*listener
}

// NewStreams returns an empty handle table.
func NewStreams() *Streams {
	return &Streams{
		streams:   make(map[Handle]*stream),
		listeners: make(map[Handle]*listener),
	}
}

// Attach starts buffering conn and returns its handle. Handles are never
// reused.
func (s *Streams) Attach(conn io.ReadWriteCloser) Handle {
	st := newStream(conn)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.streams[s.next] = st
	return s.next
}

func (s *Streams) attachListener(l *listener) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.listeners[s.next] = l
	return s.next
}

func (s *Streams) stream(h Handle) *stream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.streams[h]
}

func (s *Streams) listener(h Handle) *listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listeners[h]
}

func (s *Streams) HasData(h Handle) bool {
	if st := s.stream(h); st != nil {
		return st.hasData()
	}
	if l := s.listener(h); l != nil {
		return len(l.conns) > 0
	}
	return false
}

func (s *Streams) Read(h Handle, p []byte) (int, error) {
	st := s.stream(h)
	if st == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return st.read(p)
}

func (s *Streams) Write(h Handle, p []byte) (int, error) {
	st := s.stream(h)
	if st == nil {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return st.write(p)
}

// Close releases a stream or listener handle. Unknown handles are ignored.
func (s *Streams) Close(h Handle) {
	s.mu.Lock()
	st := s.streams[h]
	l := s.listeners[h]
	delete(s.streams, h)
	delete(s.listeners, h)
	s.mu.Unlock()

	if st != nil {
		st.close()
	}
	if l != nil {
		l.close()
	}
}

// Accept returns the next pending inbound stream on a listener handle, or
// InvalidHandle when nothing is waiting.
func (s *Streams) Accept(h Handle) Handle {
	l := s.listener(h)
	if l == nil {
		return InvalidHandle
	}
	select {
	case conn := <-l.conns:
		return s.Attach(conn)
	default:
		return InvalidHandle
	}
}

// ListenAddr returns the bound address of a listener handle.
func (s *Streams) ListenAddr(h Handle) string {
	if l := s.listener(h); l != nil {
		return l.addr
	}
	return ""
}

// CloseAll releases every handle.
func (s *Streams) CloseAll() {
	s.mu.Lock()
	streams := s.streams
	listeners := s.listeners
	s.streams = make(map[Handle]*stream)
	s.listeners = make(map[Handle]*listener)
	s.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	for _, l := range listeners {
		l.close()
	}
}
