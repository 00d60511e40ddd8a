package vmsupervisor

import (
	"context"
	"net"

	"github.com/rossvm/ross/netstack"
)

// runNetStack drives one VM's userspace network stack (spec.md §4.8) for
// as long as the VM runs; stopOne cancels ctx and waits on stopped to
// implement the "signal network thread shutdown" step of teardown.
func (s *Supervisor) runNetStack(ctx context.Context, id string, conn *net.UnixConn, stopped chan struct{}) {
	defer close(stopped)
	stack := netstack.New(conn)
	if err := stack.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger("runNetStack").Warnf(ctx, "VM %s network stack exited: %v", id, err)
	}
}
