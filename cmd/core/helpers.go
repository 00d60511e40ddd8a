package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/imagepipeline"
	"github.com/rossvm/ross/registry"
	"github.com/rossvm/ross/snapshotter"
	"github.com/rossvm/ross/store"
	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/vmsupervisor"
)

// pullTimeout bounds each registry HTTP request the puller issues; the
// pull as a whole has no deadline of its own (spec.md §4.4).
const pullTimeout = 30 * time.Second

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Collaborators bundles every long-lived component a command handler might
// need, constructed once per invocation (spec.md §9: explicitly
// constructed components, no process-wide singletons).
type Collaborators struct {
	Store      *store.Store
	Snapshot   *snapshotter.Snapshotter
	Puller     *imagepipeline.Puller
	Resolver   *imagepipeline.Resolver
	Supervisor *vmsupervisor.Supervisor
}

// InitCollaborators wires every package under this CLI's control against
// conf. Cheap enough to call once per command invocation — none of these
// constructors do I/O beyond loading the snapshot graph's metadata.json
// files and opening lock file handles.
func InitCollaborators(conf *config.Config) (*Collaborators, error) {
	st := store.New(conf)
	snap, err := snapshotter.New(conf)
	if err != nil {
		return nil, fmt.Errorf("init snapshotter: %w", err)
	}
	puller := imagepipeline.New(conf, st, pullTimeout)
	resolver := imagepipeline.NewResolver(st, snap)
	sup := vmsupervisor.New(conf)
	return &Collaborators{
		Store:      st,
		Snapshot:   snap,
		Puller:     puller,
		Resolver:   resolver,
		Supervisor: sup,
	}, nil
}

// VMConfigFromFlags builds VMConfig for create/run commands.
func VMConfigFromFlags(cmd *cobra.Command, image string) (*types.VMConfig, error) {
	vmName, _ := cmd.Flags().GetString("name")
	cpu, _ := cmd.Flags().GetInt("cpu")
	memStr, _ := cmd.Flags().GetString("memory")
	storStr, _ := cmd.Flags().GetString("storage")
	tty, _ := cmd.Flags().GetBool("tty")

	if vmName == "" {
		vmName = fmt.Sprintf("ross-%s", sanitizeName(image))
	}

	memBytes, err := units.RAMInBytes(memStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --memory %q: %w", memStr, err)
	}
	storBytes, err := units.RAMInBytes(storStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --storage %q: %w", storStr, err)
	}

	return &types.VMConfig{
		Name:    vmName,
		CPU:     cpu,
		Memory:  memBytes,
		Storage: storBytes,
		Image:   image,
		TTY:     tty,
	}, nil
}

// GuestConfigFromFlags builds the command/args/tty portion of the
// GuestConfig Start hands to the VM supervisor; callers that pass
// --network fill in cfg.Network themselves (netstack's fixed addressing
// lives outside this package to avoid a core->netstack dependency).
func GuestConfigFromFlags(cmd *cobra.Command, tty bool) (types.GuestConfig, error) {
	command, _ := cmd.Flags().GetString("command")
	args, _ := cmd.Flags().GetStringSlice("args")

	return types.GuestConfig{
		Command: command,
		Args:    args,
		Workdir: "/",
		TTY:     tty,
	}, nil
}

func sanitizeName(image string) string {
	r := strings.NewReplacer(":", "-", "/", "-", "@", "-")
	return r.Replace(image)
}

// ResolveImage resolves ref against the store/snapshotter, extracting any
// layer not already committed, and returns mounts plus the blob digests a
// VM record should pin for GC (spec.md §9's reference-counted blobs).
func ResolveImage(resolver *imagepipeline.Resolver, imageRef string) (*imagepipeline.Resolved, error) {
	ref, err := registry.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", imageRef, err)
	}
	tag := ref.Tag
	if tag == "" {
		tag = ref.Digest
	}
	return resolver.Resolve(ref.Repository, tag)
}

// ReconcileState checks actual process liveness to detect stale "running" records.
func ReconcileState(vm *types.VMRecord, alive func(pid int) bool) string {
	if vm.State == types.VMStateRunning && !alive(vm.PID) {
		return "stopped (stale)"
	}
	return string(vm.State)
}

func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
