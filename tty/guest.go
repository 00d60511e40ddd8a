package tty

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/rossvm/ross/types"
)

// RunGuestLoop implements spec.md §4.7's guest-side loop: it runs inside
// the VM (the binary installed at /ross-init by package rootfs), already
// connected to the host over conn (a vsock-backed stream dialed to
// CID_HOST=2 by the caller), and execs cfg.Command under either a PTY or
// three plain pipes depending on cfg.TTY.
//
// Has no direct donor analog — Cloud Hypervisor's virtio-console already
// gives the donor a byte-stream PTY with no protocol of its own to drive,
// so there is nothing in the donor shaped like a guest-side command
// multiplexer. Grounded in spec.md's literal wording for the fork/exec and
// reap shape; github.com/creack/pty supplies PTY allocation, the one
// concern no example repo's stack covers (see DESIGN.md).
func RunGuestLoop(ctx context.Context, conn net.Conn, cfg types.GuestConfig) int {
	if cfg.TTY {
		return runGuestTTY(ctx, conn, cfg)
	}
	return runGuestPipes(ctx, conn, cfg)
}

func runGuestTTY(ctx context.Context, conn net.Conn, cfg types.GuestConfig) int {
	cmd := buildCmd(cfg)
	master, err := pty.Start(cmd)
	if err != nil {
		logger("runGuestTTY").Errorf(ctx, err, "start PTY command")
		return 1
	}
	defer master.Close() //nolint:errcheck

	outErrCh := make(chan error, 1)
	go func() {
		outErrCh <- copyStdoutFrames(conn, master)
	}()

	inErrCh := make(chan error, 1)
	go func() {
		inErrCh <- pumpGuestInput(conn, master, nil)
	}()

	waitErr := cmd.Wait()
	_ = master.Close()
	<-outErrCh
	<-inErrCh

	code := exitCodeFor(cmd, waitErr)
	sendExit(conn, code)
	return code
}

func runGuestPipes(ctx context.Context, conn net.Conn, cfg types.GuestConfig) int {
	cmd := buildCmd(cfg)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logger("runGuestPipes").Errorf(ctx, err, "stdout pipe")
		return 1
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logger("runGuestPipes").Errorf(ctx, err, "stderr pipe")
		return 1
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logger("runGuestPipes").Errorf(ctx, err, "stdin pipe")
		return 1
	}
	if err := cmd.Start(); err != nil {
		logger("runGuestPipes").Errorf(ctx, err, "start command")
		return 1
	}

	var doneCh []chan error
	outErrCh := make(chan error, 1)
	errErrCh := make(chan error, 1)
	doneCh = append(doneCh, outErrCh, errErrCh)
	go func() { outErrCh <- copyFramed(conn, stdout, OpWriteStdout) }()
	go func() { errErrCh <- copyFramed(conn, stderr, OpWriteStderr) }()

	inErrCh := make(chan error, 1)
	go func() { inErrCh <- pumpGuestInput(conn, stdin, stdin) }()

	waitErr := cmd.Wait()
	for _, ch := range doneCh {
		<-ch
	}
	<-inErrCh

	code := exitCodeFor(cmd, waitErr)
	sendExit(conn, code)
	return code
}

func buildCmd(cfg types.GuestConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...) //nolint:gosec // guest-supplied command is the container entrypoint
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Workdir
	return cmd
}

// copyStdoutFrames forwards PTY output as WRITE_STDOUT frames only — TTY
// mode has no stderr split (spec.md §4.7).
func copyStdoutFrames(conn net.Conn, r io.Reader) error {
	return copyFramed(conn, r, OpWriteStdout)
}

func copyFramed(conn net.Conn, r io.Reader, op Opcode) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := WriteFragmented(conn, op, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// pumpGuestInput applies WRITE_STDIN frames to master (writing data, or
// closing closer on a zero-length EOF frame; closer is nil in PTY mode and
// the command's stdin in pipes mode) and UPDATE_SIZE frames via TIOCSWINSZ
// when master is an *os.File (the PTY master).
func pumpGuestInput(conn net.Conn, master io.Writer, closer io.Closer) error {
	for {
		msg, err := ReadMessage(conn, false)
		if err != nil {
			if errors.Is(err, ErrUnknownOpcode) {
				continue
			}
			return err
		}
		switch msg.Op {
		case OpWriteStdin:
			if len(msg.Data) == 0 {
				if closer != nil {
					return closer.Close()
				}
				return nil
			}
			if _, werr := master.Write(msg.Data); werr != nil {
				return werr
			}
		case OpUpdateSize:
			if f, ok := master.(*os.File); ok {
				_ = pty.Setsize(f, &pty.Winsize{Cols: msg.Cols, Rows: msg.Rows})
			}
		}
	}
}

func sendExit(conn net.Conn, code int) {
	_, _ = conn.Write(EncodeExitCmd(uint8(code))) //nolint:gosec // code is clamped by exitCodeFor
}

// exitCodeFor translates a finished command's result to a process exit
// code, mapping a death-by-signal to 128+signo (spec.md §4.7).
func exitCodeFor(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
		return 1
	}
	return state.ExitCode()
}
