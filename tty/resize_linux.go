package tty

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// watchResize sends the initial terminal size then one more on every
// SIGWINCH, until the returned stop function is called. Grounded on
// console_linux.go's handleSIGWINCH, adapted to push WinSize values onto a
// channel instead of issuing a TIOCSWINSZ ioctl directly — the host loop
// turns each one into an UPDATE_SIZE frame instead of a local resize.
func watchResize(fd int, out chan<- WinSize) func() {
	send := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		select {
		case out <- WinSize{Cols: uint16(cols), Rows: uint16(rows)}: //nolint:gosec
		default:
		}
	}
	send()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			send()
		}
	}()
	return func() { signal.Stop(sigCh) }
}
