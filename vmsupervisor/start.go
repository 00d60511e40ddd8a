package vmsupervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// defaultVsockPort is the only port Ross's TTY protocol ever negotiates —
// one VM gets one console stream (spec.md §4.6/§4.7 name no multiplexing).
const defaultVsockPort = 1024

// startAliveGrace bounds how long Start waits for the helper process to
// either still be alive or have already failed, mirroring the donor's
// post-fork liveness probe in cloudhypervisor's start.go.
const startAliveGrace = 200 * time.Millisecond

// Start binds the VM's console and network sockets, writes its guest
// config, forks the hypervisor helper, and persists Running state. It does
// not block on the console — call Console separately to attach (spec.md
// §4.6's "parent duties" split between accepting the vsock connection and
// driving the TTY loop, versus everything that must happen before fork).
func (s *Supervisor) Start(ctx context.Context, ref string, guest types.GuestConfig) (*types.VMRecord, error) {
	id, err := s.resolveSingle(ctx, ref)
	if err != nil {
		return nil, err
	}

	if pid, _ := utils.ReadPIDFile(s.conf.VMPIDFile(id)); utils.IsProcessAlive(pid) {
		return nil, ErrAlreadyRunning
	}

	rec, err := s.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}

	vsockPath := s.conf.VMVsockPath(id, defaultVsockPort)
	netSockPath := s.conf.VMNetSockPath(id)
	_ = os.Remove(vsockPath)
	_ = os.Remove(netSockPath)

	listener, err := net.Listen("unix", vsockPath)
	if err != nil {
		return nil, fmt.Errorf("bind vsock listener: %w", err)
	}
	netConn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: netSockPath, Net: "unixgram"})
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("bind net datagram socket: %w", err)
	}

	guest.VsockCID = guestCID
	guest.Port = defaultVsockPort
	if _, err := writeGuestConfig(rec.RootfsPath, guest); err != nil {
		_ = listener.Close()
		_ = netConn.Close()
		return nil, err
	}

	cmd := exec.Command(s.conf.VMMHelperBinary, rootfsConfigPath(rec.RootfsPath)) //nolint:gosec // operator-configured helper path
	cmd.Env = append(os.Environ(),
		"ROSS_VM_ID="+id,
		"ROSS_VM_VSOCK_SOCK="+vsockPath,
		"ROSS_VM_NET_SOCK="+netSockPath,
		fmt.Sprintf("ROSS_VM_CPU=%d", rec.Config.CPU),
		fmt.Sprintf("ROSS_VM_MEMORY=%d", rec.Config.Memory),
	)
	if rec.BootConfig != nil {
		cmd.Env = append(cmd.Env,
			"ROSS_VM_KERNEL="+rec.BootConfig.KernelPath,
			"ROSS_VM_INITRD="+rec.BootConfig.InitrdPath,
			"ROSS_VM_CMDLINE="+rec.BootConfig.Cmdline,
		)
	}
	logPath := s.conf.VMProcessLog(id)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec,mnd
	if err != nil {
		_ = listener.Close()
		_ = netConn.Close()
		return nil, fmt.Errorf("open process log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = listener.Close()
		_ = netConn.Close()
		return nil, fmt.Errorf("fork hypervisor helper: %w", err)
	}
	_ = logFile.Close()
	pid := cmd.Process.Pid

	time.Sleep(startAliveGrace)
	if !utils.IsProcessAlive(pid) {
		_ = listener.Close()
		_ = netConn.Close()
		return nil, fmt.Errorf("hypervisor helper exited immediately (see %s)", logPath)
	}
	if err := utils.WritePIDFile(s.conf.VMPIDFile(id), pid); err != nil {
		s.logger("Start").Warnf(ctx, "write PID file for %s: %v", id, err)
	}
	if err := cmd.Process.Release(); err != nil {
		s.logger("Start").Warnf(ctx, "release helper process for %s: %v", id, err)
	}

	netCtx, cancelNet := context.WithCancel(context.Background())
	netStopped := make(chan struct{})
	if guest.Network != nil {
		go s.runNetStack(netCtx, id, netConn, netStopped)
	} else {
		close(netStopped)
	}
	s.setActive(id, &active{
		listener:   listener,
		netConn:    netConn,
		cancelNet:  cancelNet,
		netStopped: netStopped,
	})

	started := time.Now()
	var result *types.VMRecord
	if err := s.db.Update(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return ErrNotFound
		}
		r.State = types.VMStateRunning
		r.PID = pid
		r.VsockPath = vsockPath
		r.NetSockPath = netSockPath
		r.StartedAt = &started
		r.UpdatedAt = started
		result = r
		return nil
	}); err != nil {
		return nil, fmt.Errorf("persist running state: %w", err)
	}
	return result, nil
}

func (s *Supervisor) resolveSingle(ctx context.Context, ref string) (string, error) {
	var id string
	err := s.db.With(ctx, func(idx *Index) error {
		resolved, err := ResolveRef(idx, ref)
		if err != nil {
			return err
		}
		id = resolved
		return nil
	})
	return id, err
}
