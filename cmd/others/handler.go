package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/rossvm/ross/cmd/core"
	"github.com/rossvm/ross/gc"
)

// Populated at build time via -ldflags, mirroring the donor's own
// version.go var set (unset in a `go run`/plain `go build`).
var (
	GitCommit = "unknown"
	BuildTime = "unknown"
	Version   = "dev"
)

type Handler struct {
	cmdcore.BaseHandler
}

var _ Actions = Handler{}

// GC runs one orchestrated collection cycle: the VM supervisor's own
// housekeeping module (stale Creating records, orphan run/log dirs) plus
// the content store's reachability sweep, pinned against every blob a live
// VM's rootfs still depends on (spec.md §9's cross-module blob pinning).
func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	deleteUntagged, _ := cmd.Flags().GetBool("delete-untagged")

	collab, err := cmdcore.InitCollaborators(conf)
	if err != nil {
		return err
	}

	o := gc.New()
	collab.Supervisor.RegisterGC(o)
	if err := o.Run(ctx); err != nil {
		return fmt.Errorf("vm housekeeping: %w", err)
	}

	usedBlobs, err := collab.Supervisor.UsedImageBlobDigests(ctx)
	if err != nil {
		return fmt.Errorf("collect used blobs: %w", err)
	}
	report, err := collab.Store.GarbageCollect(ctx, dryRun, deleteUntagged, usedBlobs)
	if err != nil {
		return fmt.Errorf("store gc: %w", err)
	}

	logger := log.WithFunc("cmd.gc")
	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	logger.Infof(ctx, "%s %d manifest(s), %d blob(s), %d byte(s)", verb, report.ManifestsRemoved, report.BlobsRemoved, report.BytesFreed)
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Printf("ross %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	return nil
}
