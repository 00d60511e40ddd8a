package vmsupervisor

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rossvm/ross/gc"
	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// creatingStateGCGrace bounds how long a VM record may sit in Creating
// state before GC treats it as a crash remnant, mirroring the donor's
// same-named constant in hypervisor/cloudhypervisor/gc.go.
const creatingStateGCGrace = 24 * time.Hour

// vmSnapshot is vmsupervisor's GC input: the union of every VM's
// ImageBlobIDs plus orphan detection bookkeeping. The store's blob GC does
// not read this snapshot; `ross gc` pins image blobs through
// Supervisor.UsedImageBlobDigests instead. No netns-equivalent field exists here — Ross's
// userspace netstack has nothing analogous to the donor's netns orphans.
type vmSnapshot struct {
	blobIDs     map[string]struct{}
	vmIDs       map[string]struct{}
	staleCreate []string
	runDirs     []string
	logDirs     []string
}

// UsedBlobIDs returns the snapshot's union of VM ImageBlobIDs. Nothing in
// this repository calls it.
func (s vmSnapshot) UsedBlobIDs() map[string]struct{} { return s.blobIDs }

// GCModule returns the GC module for stale-placeholder and orphan run/log
// directory cleanup, grounded on the donor's chSnapshot/GCModule
// in hypervisor/cloudhypervisor/gc.go.
func (s *Supervisor) GCModule() gc.Module[vmSnapshot] {
	return gc.Module[vmSnapshot]{
		Name:   "vmsupervisor",
		Locker: s.locker,
		ReadDB: func(ctx context.Context) (vmSnapshot, error) {
			var snap vmSnapshot
			cutoff := time.Now().Add(-creatingStateGCGrace)
			if err := s.db.With(ctx, func(idx *Index) error {
				snap.blobIDs = make(map[string]struct{})
				snap.vmIDs = make(map[string]struct{})
				for id, rec := range idx.VMs {
					if rec == nil {
						continue
					}
					snap.vmIDs[id] = struct{}{}
					for hex := range rec.ImageBlobIDs {
						snap.blobIDs[hex] = struct{}{}
					}
					if rec.State == types.VMStateCreating && rec.UpdatedAt.Before(cutoff) {
						snap.staleCreate = append(snap.staleCreate, id)
					}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			var err error
			if snap.runDirs, err = scanSubdirsOrEmpty(s.conf.VMRunDir()); err != nil {
				return snap, err
			}
			if snap.logDirs, err = scanSubdirsOrEmpty(s.conf.VMLogDir()); err != nil {
				return snap, err
			}
			return snap, nil
		},
		Resolve: func(snap vmSnapshot, _ map[string]any) []string {
			reserved := map[string]struct{}{"db": {}}
			runOrphans := utils.FilterUnreferenced(snap.runDirs, snap.vmIDs, reserved)
			logOrphans := utils.FilterUnreferenced(snap.logDirs, snap.vmIDs, reserved)
			candidates := append(append(runOrphans, logOrphans...), snap.staleCreate...)
			seen := make(map[string]struct{}, len(candidates))
			var result []string
			for _, id := range candidates {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				result = append(result, id)
			}
			return result
		},
		Collect: func(ctx context.Context, ids []string) error {
			var errs []error
			for _, id := range ids {
				if err := s.removeVMDirs(id); err != nil {
					errs = append(errs, err)
				}
			}
			if err := s.cleanStalePlaceholders(ctx, ids); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the VM GC module with orch.
func (s *Supervisor) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, s.GCModule())
}

// UsedImageBlobDigests returns the union of every VM record's
// ImageBlobIDs, as full "sha256:<hex>" digests ready to pass as
// store.GarbageCollect's extraBlobs (spec.md §9's reference-counted
// blob-protection feature). Store's own GarbageCollect already implements
// the pure-Resolve/impure-Collect split spec.md §9 asks for directly
// (dryRun selects whether Collect's disk-mutating half runs), so this is
// a plain read rather than a gc.Module[S] — see DESIGN.md for why forcing
// it through the generic ids-shaped orchestrator would make Resolve
// either impure or redundant with logic store.go already owns.
func (s *Supervisor) UsedImageBlobDigests(ctx context.Context) (map[types.Digest]struct{}, error) {
	out := make(map[types.Digest]struct{})
	err := s.db.With(ctx, func(idx *Index) error {
		for _, rec := range idx.VMs {
			if rec == nil {
				continue
			}
			for hex := range rec.ImageBlobIDs {
				out[types.Digest("sha256:"+hex)] = struct{}{}
			}
		}
		return nil
	})
	return out, err
}

func scanSubdirsOrEmpty(dir string) ([]string, error) {
	return utils.ScanSubdirs(dir), nil
}

func (s *Supervisor) removeVMDirs(id string) error {
	var errs []error
	if err := os.RemoveAll(s.conf.VMRunSubdir(id)); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(s.conf.VMLogSubdir(id)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// cleanStalePlaceholders removes VM records stuck in stale Creating state,
// matching the donor's same-named helper.
func (s *Supervisor) cleanStalePlaceholders(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	targets := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		targets[id] = struct{}{}
	}
	cutoff := time.Now().Add(-creatingStateGCGrace)
	return s.db.Update(ctx, func(idx *Index) error {
		for id := range targets {
			rec := idx.VMs[id]
			if rec == nil {
				continue
			}
			if rec.State != types.VMStateCreating || rec.UpdatedAt.After(cutoff) {
				continue
			}
			if rec.Config.Name != "" {
				delete(idx.Names, rec.Config.Name)
			}
			delete(idx.VMs, id)
		}
		return nil
	})
}
