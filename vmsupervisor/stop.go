package vmsupervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// Stop tears a running VM down in the order spec.md §4.6 names: close the
// TTY listener, signal the network thread to stop, waitpid (via
// TerminateProcess's SIGTERM/SIGKILL escalation, since Start released the
// child rather than keeping a *os.Process to Wait on), delete sockets, and
// persist Stopped. The helper's exit status is not observed, so the record's
// ExitCode is left nil.
func (s *Supervisor) Stop(ctx context.Context, ref string) (*types.VMRecord, error) {
	id, err := s.resolveSingle(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := s.stopOne(ctx, id); err != nil {
		return nil, err
	}
	return s.Inspect(ctx, id)
}

func (s *Supervisor) stopOne(ctx context.Context, id string) error {
	pid, _ := utils.ReadPIDFile(s.conf.VMPIDFile(id))
	if !utils.IsProcessAlive(pid) {
		return s.finalizeStopped(ctx, id, nil)
	}

	if a, ok := s.getActive(id); ok {
		if a.listener != nil {
			_ = a.listener.Close()
		}
		if a.cancelNet != nil {
			a.cancelNet()
		}
		if a.netStopped != nil {
			select {
			case <-a.netStopped:
			case <-time.After(2 * time.Second): //nolint:mnd
				s.logger("stopOne").Warnf(ctx, "VM %s: network thread shutdown timed out", id)
			}
		}
		if a.netConn != nil {
			_ = a.netConn.Close()
		}
	}

	grace := time.Duration(s.conf.StopTimeoutSeconds) * time.Second
	if err := utils.TerminateProcess(ctx, pid, grace); err != nil {
		return fmt.Errorf("terminate hypervisor helper: %w", err)
	}

	s.dropActive(id)
	_ = os.Remove(s.conf.VMVsockPath(id, defaultVsockPort))
	_ = os.Remove(s.conf.VMNetSockPath(id))
	_ = os.Remove(s.conf.VMPIDFile(id))

	return s.finalizeStopped(ctx, id, nil)
}

// finalizeStopped persists Stopped state with code as the exit code. Both
// stopOne paths pass nil, so no exit code is recorded rather than one
// fabricated as zero.
func (s *Supervisor) finalizeStopped(ctx context.Context, id string, code *int) error {
	now := time.Now()
	return s.db.Update(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return ErrNotFound
		}
		r.State = types.VMStateStopped
		r.ExitCode = code
		r.StoppedAt = &now
		r.UpdatedAt = now
		return nil
	})
}
