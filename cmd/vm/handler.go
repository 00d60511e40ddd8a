package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cmdcore "github.com/rossvm/ross/cmd/core"
	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/netstack"
	"github.com/rossvm/ross/tty"
	"github.com/rossvm/ross/types"
)

// Handler implements Actions against a Collaborators bag rebuilt fresh on
// every invocation (cmd/core.InitCollaborators), mirroring the donor's
// per-command backend initialization rather than a long-lived daemon.
type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

// Create resolves the image, builds the rootfs, and registers a VM record
// in Created state without starting it (spec.md §4.6's create/start split).
func (h Handler) Create(cmd *cobra.Command, args []string) error {
	_, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	rec, err := createVM(cmd, conf, collab, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", rec.ID)
	return nil
}

// Run creates and immediately starts a VM, then attaches the console —
// the common interactive path, mirroring `docker run` rather than
// `docker create && docker start`.
func (h Handler) Run(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	rec, err := createVM(cmd, conf, collab, args[0])
	if err != nil {
		return err
	}

	guest, err := guestConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	if _, err := collab.Supervisor.Start(ctx, rec.ID, guest); err != nil {
		return fmt.Errorf("start VM %s: %w", rec.ID, err)
	}
	return attachConsole(ctx, collab, rec.ID)
}

// createVM resolves image against the store/snapshotter and registers the
// VM record; shared by Create and Run.
func createVM(cmd *cobra.Command, conf *config.Config, collab *cmdcore.Collaborators, image string) (*types.VMRecord, error) {
	vmCfg, err := cmdcore.VMConfigFromFlags(cmd, image)
	if err != nil {
		return nil, err
	}
	resolved, err := cmdcore.ResolveImage(collab.Resolver, image)
	if err != nil {
		return nil, fmt.Errorf("resolve image %q: %w", image, err)
	}
	initBinary, err := os.ReadFile(conf.InitBinaryPath) //nolint:gosec // operator-configured artifact path
	if err != nil {
		return nil, fmt.Errorf("read init binary %s: %w", conf.InitBinaryPath, err)
	}
	return collab.Supervisor.Create(
		context.Background(), *vmCfg, nil, nil, resolved.Mounts, initBinary, resolved.BlobIDs,
	)
}

// guestConfigFromFlags extends cmd/core's flag parsing with the netstack
// addressing --network implies, kept here rather than in cmd/core so that
// package stays free of a netstack dependency.
func guestConfigFromFlags(cmd *cobra.Command) (types.GuestConfig, error) {
	tty, _ := cmd.Flags().GetBool("tty")
	cfg, err := cmdcore.GuestConfigFromFlags(cmd, tty)
	if err != nil {
		return cfg, err
	}
	network, _ := cmd.Flags().GetBool("network")
	if network {
		cfg.Network = &types.GuestNetworkInfo{
			IP:      netstack.GuestIP.String(),
			Gateway: netstack.GatewayIP.String(),
			Netmask: netstack.SubnetMask.String(),
			Mac:     netstack.GuestMAC.String(),
		}
	}
	return cfg, nil
}

// Start boots one or more already-created VMs and reports each outcome; it
// does not attach a console (use `ross vm console` separately, matching
// `docker start` without `-a`).
func (h Handler) Start(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	guest, err := guestConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	var failed []string
	for _, ref := range args {
		if _, err := collab.Supervisor.Start(ctx, ref, guest); err != nil {
			fmt.Fprintf(os.Stderr, "start %s: %v\n", ref, err)
			failed = append(failed, ref)
			continue
		}
		fmt.Println(ref)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to start %d VM(s)", len(failed))
	}
	return nil
}

// Stop gracefully stops one or more running VMs.
func (h Handler) Stop(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	var failed []string
	for _, ref := range args {
		if _, err := collab.Supervisor.Stop(ctx, ref); err != nil {
			fmt.Fprintf(os.Stderr, "stop %s: %v\n", ref, err)
			failed = append(failed, ref)
			continue
		}
		fmt.Println(ref)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to stop %d VM(s)", len(failed))
	}
	return nil
}

// List prints a table of every known VM and its reconciled state.
func (h Handler) List(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	recs, err := collab.Supervisor.List(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-18s %-20s %-10s %-8s %s\n", "ID", "NAME", "STATE", "PID", "IMAGE")
	for _, r := range recs {
		state := cmdcore.ReconcileState(r, isProcessAlive)
		fmt.Printf("%-18s %-20s %-10s %-8d %s\n", r.ID, r.Config.Name, state, r.PID, r.Config.Image)
	}
	return nil
}

// Inspect prints one VM's full record as indented JSON.
func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	rec, err := collab.Supervisor.Inspect(ctx, args[0])
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Console attaches the calling terminal to a running VM's TTY stream.
func (h Handler) Console(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	return attachConsole(ctx, collab, args[0])
}

// RM deletes one or more VMs, stopping running ones first only if --force
// was given (mirrors `docker rm`/`docker rm -f`).
func (h Handler) RM(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")
	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}
	removed, err := collab.Supervisor.Delete(ctx, args, force)
	if err != nil {
		return err
	}
	for _, id := range removed {
		fmt.Println(id)
	}
	return nil
}

// attachConsole puts the calling terminal in raw mode (when it is one),
// absorbs SIGINT/SIGTERM so they reach the guest instead of killing the
// relay, watches SIGWINCH for resize frames, and drives the host loop via
// the supervisor's Console — grounded on tty.AttachLocal's shape, adapted
// to go through Supervisor.Console rather than a raw net.Conn since the
// supervisor alone knows how to locate and accept a VM's pending vsock
// connection.
func attachConsole(ctx context.Context, collab *cmdcore.Collaborators, ref string) error {
	fd := int(os.Stdin.Fd())
	isTTY := term.IsTerminal(fd)

	var restore func()
	if isTTY {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(fd, oldState) }
		defer restore()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh { //nolint:revive // absorb: let the guest see them instead
		}
	}()

	resize := make(chan tty.WinSize, 1)
	stopWinch := tty.WatchResize(fd, resize)
	defer stopWinch()

	code, err := collab.Supervisor.Console(ctx, ref, os.Stdin, os.Stdout, os.Stderr, isTTY, resize)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("guest command exited %d", code)
	}
	return nil
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
