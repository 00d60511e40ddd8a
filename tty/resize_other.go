//go:build !linux

package tty

// watchResize is a no-op off Linux: SIGWINCH has no portable equivalent,
// matching the donor's console_darwin.go stub.
func watchResize(_ int, _ chan<- WinSize) func() {
	return func() {}
}
