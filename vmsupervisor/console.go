package vmsupervisor

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/rossvm/ross/tty"
)

// Console attaches the calling process's stdin/stdout/stderr to VM ref's
// TTY stream, accepting the guest's pending vsock connection on first call
// and reusing it afterward (spec.md §4.7's local-terminal mode). Returns
// the guest's reported exit code once the command inside it finishes.
func (s *Supervisor) Console(ctx context.Context, ref string, stdin io.Reader, stdout, stderr io.Writer, isTTY bool, resize <-chan tty.WinSize) (int, error) {
	id, err := s.resolveSingle(ctx, ref)
	if err != nil {
		return 0, err
	}
	conn, err := s.acceptConn(id)
	if err != nil {
		return 0, err
	}
	return tty.RunHostLoop(ctx, conn, stdin, stdout, stderr, isTTY, resize)
}

// ConsoleChannel is Console's daemon-driven twin, for a caller that relays
// through channels instead of owning a local terminal directly.
func (s *Supervisor) ConsoleChannel(ctx context.Context, ref string, in <-chan tty.InputEvent, out chan<- tty.OutputEvent) error {
	id, err := s.resolveSingle(ctx, ref)
	if err != nil {
		return err
	}
	conn, err := s.acceptConn(id)
	if err != nil {
		return err
	}
	return tty.RunChannelLoop(ctx, conn, in, out)
}

func (s *Supervisor) acceptConn(id string) (net.Conn, error) {
	a, ok := s.getActive(id)
	if !ok {
		return nil, fmt.Errorf("VM %s: %w", id, ErrNotRunning)
	}
	if a.conn != nil {
		return a.conn, nil
	}
	conn, err := a.listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accept VM %s console: %w", id, err)
	}
	a.conn = conn
	return conn, nil
}
