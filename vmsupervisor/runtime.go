package vmsupervisor

import (
	"context"
	"net"
)

// active tracks the host-side resources for one running VM for the
// lifetime of this process (spec.md §4.6's "parent duties" — the vsock
// listener, the datagram tap socket, and the network-stack goroutine all
// live only as long as the supervisor that created them does; nothing
// here is persisted, which is why Console only works against the
// supervisor instance that called Start; Stop from another instance still
// terminates the helper through its PID file, with nothing here to close).
type active struct {
	listener   *net.UnixListener
	netConn    *net.UnixConn
	conn       net.Conn // accepted TTY connection, set on first Console
	cancelNet  context.CancelFunc
	netStopped chan struct{}
}

func (s *Supervisor) setActive(id string, a *active) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeVMs == nil {
		s.activeVMs = make(map[string]*active)
	}
	s.activeVMs[id] = a
}

func (s *Supervisor) getActive(id string) (*active, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activeVMs[id]
	return a, ok
}

func (s *Supervisor) dropActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeVMs, id)
}
