package tty

import (
	"context"
	"errors"
	"io"
	"net"
)

// InputEvent is one item the daemon-driven host loop consumes in place of a
// local terminal's stdin/resize (spec.md §4.7's "alternate mode").
type InputEvent struct {
	Data   []byte   // non-nil: forwarded as WRITE_STDIN (empty Data signals EOF)
	Resize *WinSize // non-nil: forwarded as UPDATE_SIZE
}

// OutputEventKind distinguishes the three things RunChannelLoop emits.
type OutputEventKind int

const (
	OutputStdout OutputEventKind = iota
	OutputStderr
	OutputExit
)

// OutputEvent is one item the daemon-driven host loop produces.
type OutputEvent struct {
	Kind OutputEventKind
	Data []byte // valid for OutputStdout/OutputStderr
	Code int    // valid for OutputExit
}

// RunChannelLoop is RunHostLoop's channel-driven twin, used when a daemon
// (rather than a local terminal) is the other end of the relay: in replaces
// stdin reads and resize events, out replaces direct stdout/stderr writes.
// out is closed after the final OutputExit event or a conn failure.
func RunChannelLoop(ctx context.Context, conn net.Conn, in <-chan InputEvent, out chan<- OutputEvent) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(out)

	inputErrCh := make(chan error, 1)
	go func() {
		inputErrCh <- relayChannelInput(ctx, conn, in)
	}()

	err := relayChannelOutput(ctx, conn, out)
	cancel()
	<-inputErrCh
	return err
}

func relayChannelInput(ctx context.Context, conn net.Conn, in <-chan InputEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if ev.Resize != nil {
				if _, err := conn.Write(EncodeUpdateSizeCmd(ev.Resize.Cols, ev.Resize.Rows)); err != nil {
					return err
				}
				continue
			}
			if err := WriteFragmented(conn, OpWriteStdin, ev.Data); err != nil {
				return err
			}
		}
	}
}

func relayChannelOutput(ctx context.Context, conn net.Conn, out chan<- OutputEvent) error {
	for {
		msg, err := ReadMessage(conn, true)
		if err != nil {
			if errors.Is(err, ErrUnknownOpcode) {
				logger("relayChannelOutput").Warnf(ctx, "skipping %v", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				out <- OutputEvent{Kind: OutputExit, Code: 1}
				return nil
			}
			return err
		}
		switch msg.Op {
		case OpWriteStdout:
			out <- OutputEvent{Kind: OutputStdout, Data: msg.Data}
		case OpWriteStderr:
			out <- OutputEvent{Kind: OutputStderr, Data: msg.Data}
		case OpExit:
			out <- OutputEvent{Kind: OutputExit, Code: int(msg.Code)}
			return nil
		}
	}
}
