package server

import (
	"sync"
	"time"

	"github.com/Microck/UndyingTerminal/internal/connection"
	"github.com/Microck/UndyingTerminal/internal/transport"
)

type session struct {
	terminal transport.Handle
	passkey  string
	conn     *connection.ServerClientConnection
	lastSeen time.Time
	active   bool
	static   bool // provisioned from config, never expires
}

// Registry maps client ids to their credentials, terminal pipe and live
// session. It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// AddStatic provisions a client that may connect without a terminal host.
// Static clients survive UnregisterTerminal and CleanupStale.
func (r *Registry) AddStatic(id, passkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &session{
		terminal: transport.InvalidHandle,
		passkey:  passkey,
		lastSeen: r.now(),
		static:   true,
	}
}

// RegisterTerminal records the pipe handle of a terminal host serving id.
func (r *Registry) RegisterTerminal(id, passkey string, h transport.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		s = &session{}
		r.sessions[id] = s
	}
	s.terminal = h
	s.passkey = passkey
	s.lastSeen = r.now()
	s.active = true
}

// UnregisterTerminal forgets id. For a static client only the terminal and
// session are dropped; its credentials stay.
func (r *Registry) UnregisterTerminal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if !s.static {
		delete(r.sessions, id)
		return
	}
	s.terminal = transport.InvalidHandle
	s.conn = nil
	s.active = false
}

func (r *Registry) LookupTerminal(id string) transport.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.terminal
	}
	return transport.InvalidHandle
}

func (r *Registry) LookupPasskey(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.passkey
	}
	return ""
}

func (r *Registry) LookupConnection(id string) *connection.ServerClientConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.conn
	}
	return nil
}

// StoreConnection attaches c to an existing entry; unknown ids are ignored.
func (r *Registry) StoreConnection(id string, c *connection.ServerClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.conn = c
	}
}

func (r *Registry) HasSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *Registry) UpdateLastSeen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.lastSeen = r.now()
	}
}

func (r *Registry) MarkActive(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.active = active
	}
}

func (r *Registry) IsActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s.active
	}
	return false
}

// CleanupStale removes inactive, non-static entries not seen for longer than
// timeout and returns their ids.
func (r *Registry) CleanupStale(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed []string
	for id, s := range r.sessions {
		if s.static || s.active || now.Sub(s.lastSeen) <= timeout {
			continue
		}
		delete(r.sessions, id)
		removed = append(removed, id)
	}
	return removed
}
