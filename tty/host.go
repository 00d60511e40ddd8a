package tty

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/projecteru2/core/log"
)

func logger(op string) log.Logger { return log.WithFunc("tty." + op) }

// WinSize is a terminal size in columns/rows, the host loop's resize unit.
type WinSize struct {
	Cols uint16
	Rows uint16
}

// WatchResize exports watchResize for callers that drive RunHostLoop
// directly (rather than through AttachLocal) but still want SIGWINCH
// turned into WinSize values on a channel — notably a caller that reaches
// the host loop through Supervisor.Console instead of a bare net.Conn.
func WatchResize(fd int, out chan<- WinSize) func() {
	return watchResize(fd, out)
}

// AttachLocal drives the host loop against the calling process's own
// stdin/stdout/stderr: puts the terminal in raw mode (scoped — restored on
// every exit path), absorbs SIGINT/SIGTERM so they reach the guest instead
// of killing the relay, and watches SIGWINCH to push UPDATE_SIZE frames.
// Grounded on the donor's cmdConsole (raw-mode + signal-absorption shape).
func AttachLocal(ctx context.Context, conn net.Conn) (int, error) {
	fd := int(os.Stdin.Fd())
	isTTY := term.IsTerminal(fd)

	var restore func()
	if isTTY {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return 1, fmt.Errorf("set raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, oldState) }
		defer restore()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
		}
	}()

	resize := make(chan WinSize, 1)
	stopWinch := watchResize(fd, resize)
	defer stopWinch()

	return RunHostLoop(ctx, conn, os.Stdin, os.Stdout, os.Stderr, isTTY, resize)
}

// RunHostLoop implements spec.md §4.7's host loop: a goroutine relays
// stdin to the guest as WRITE_STDIN frames (and resize events as
// UPDATE_SIZE), while the calling goroutine decodes frames from conn and
// writes WRITE_STDOUT/STDERR payloads to the matching host fd — both
// routed to stdout when host is a TTY, matching the spec's literal rule.
// Returns the guest's reported exit code, or a non-nil error on a conn
// failure before EXIT arrived (HUP/ERR → exit 1 per spec.md §4.7).
func RunHostLoop(ctx context.Context, conn net.Conn, stdin io.Reader, stdout, stderr io.Writer, isTTY bool, resize <-chan WinSize) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inputErrCh := make(chan error, 1)
	go func() {
		inputErrCh <- relayInput(ctx, conn, stdin, resize)
	}()

	exitCode, readErr := relayOutput(ctx, conn, stdout, stderr, isTTY)
	cancel()
	<-inputErrCh

	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return 1, nil
		}
		return 1, readErr
	}
	return exitCode, nil
}

// relayInput forwards stdin reads and resize events to conn until ctx is
// canceled (the output side has returned) or stdin/conn errors.
func relayInput(ctx context.Context, conn net.Conn, stdin io.Reader, resize <-chan WinSize) error {
	type readResult struct {
		n   int
		err error
	}
	buf := make([]byte, 4096)
	reads := make(chan readResult, 1)
	go func() {
		for {
			n, err := stdin.Read(buf)
			reads <- readResult{n, err}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ws := <-resize:
			if _, err := conn.Write(EncodeUpdateSizeCmd(ws.Cols, ws.Rows)); err != nil {
				return err
			}
		case r := <-reads:
			if r.n > 0 {
				if err := WriteFragmented(conn, OpWriteStdin, buf[:r.n]); err != nil {
					return err
				}
			}
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return WriteFragmented(conn, OpWriteStdin, nil)
				}
				return r.err
			}
		}
	}
}

// relayOutput decodes frames from conn until EXIT or a read error.
func relayOutput(ctx context.Context, conn net.Conn, stdout, stderr io.Writer, isTTY bool) (int, error) {
	errOut := stderr
	if isTTY {
		errOut = stdout
	}
	for {
		msg, err := ReadMessage(conn, true)
		if err != nil {
			if errors.Is(err, ErrUnknownOpcode) {
				logger("relayOutput").Warnf(ctx, "skipping %v", err)
				continue
			}
			return 1, err
		}
		switch msg.Op {
		case OpWriteStdout:
			if _, err := stdout.Write(msg.Data); err != nil {
				return 1, err
			}
		case OpWriteStderr:
			if _, err := errOut.Write(msg.Data); err != nil {
				return 1, err
			}
		case OpExit:
			return int(msg.Code), nil
		}
	}
}
