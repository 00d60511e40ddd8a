package vmsupervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/lock"
	"github.com/rossvm/ross/lock/flock"
	"github.com/rossvm/ross/rootfs"
	storagejson "github.com/rossvm/ross/storage/json"
	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// defaultVCPU and defaultMemoryMiB are the hypervisor context defaults
// spec.md §4.6 step 3 names for a VM whose VMConfig leaves them unset.
const (
	defaultVCPU      = 2
	defaultMemoryMiB = 1100
)

// Supervisor owns the VM index and the fork/exec lifecycle of the libkrun
// helper process for every VM in it — the Ross equivalent of the donor's
// per-backend CloudHypervisor, generalized to Ross's single backend.
type Supervisor struct {
	conf   *config.Config
	db     *storagejson.Store[Index]
	locker lock.Locker

	mu        sync.Mutex
	activeVMs map[string]*active
}

// New constructs a Supervisor over conf's VM index file.
func New(conf *config.Config) *Supervisor {
	l := flock.New(conf.VMIndexLock())
	return &Supervisor{
		conf:   conf,
		db:     storagejson.New[Index](conf.VMIndexLock(), conf.VMIndexFile()),
		locker: l,
	}
}

func (s *Supervisor) logger(op string) log.Logger { return log.WithFunc("vmsupervisor." + op) }

// Create registers a new VM record in Creating state, builds its rootfs from
// mounts, and finalizes the record to Created. The guest config is written
// later, by Start.
// Mirrors the donor's two-phase placeholder-then-finalize write so GC never
// races a half-built VM's run/log directories (spec.md §9).
func (s *Supervisor) Create(
	ctx context.Context,
	cfg types.VMConfig,
	boot *types.BootConfig,
	storageConfigs []*types.StorageConfig,
	mounts []types.Mount,
	initBinary []byte,
	imageBlobIDs map[string]struct{},
) (*types.VMRecord, error) {
	if cfg.CPU <= 0 {
		cfg.CPU = defaultVCPU
	}
	if cfg.Memory <= 0 {
		cfg.Memory = defaultMemoryMiB * 1024 * 1024
	}

	id := GenerateID()
	now := time.Now()

	if err := s.db.Update(ctx, func(idx *Index) error {
		if idx.VMs[id] != nil {
			return fmt.Errorf("ID collision %q (retry)", id)
		}
		if dup, ok := idx.Names[cfg.Name]; ok && cfg.Name != "" {
			return fmt.Errorf("VM name %q already exists (id: %s)", cfg.Name, dup)
		}
		idx.VMs[id] = &types.VMRecord{
			ID: id, State: types.VMStateCreating,
			Config: cfg, ImageBlobIDs: imageBlobIDs,
			CreatedAt: now, UpdatedAt: now,
		}
		if cfg.Name != "" {
			idx.Names[cfg.Name] = id
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("reserve VM record: %w", err)
	}

	if err := utils.EnsureDirs(s.conf.VMRunSubdir(id), s.conf.VMLogSubdir(id)); err != nil {
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}

	rootfsPath := s.conf.VMRootfsPath(id)
	if err := rootfs.Build(ctx, mounts, rootfsPath, initBinary); err != nil {
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("build rootfs: %w", err)
	}

	var rec *types.VMRecord
	if err := s.db.Update(ctx, func(idx *Index) error {
		r := idx.VMs[id]
		if r == nil {
			return fmt.Errorf("VM %s disappeared from index", id)
		}
		r.State = types.VMStateCreated
		r.BootConfig = boot
		r.StorageConfigs = storageConfigs
		r.RootfsPath = rootfsPath
		r.UpdatedAt = time.Now()
		rec = r
		return nil
	}); err != nil {
		s.rollbackCreate(ctx, id, cfg.Name)
		return nil, fmt.Errorf("finalize VM record: %w", err)
	}
	return rec, nil
}

func (s *Supervisor) rollbackCreate(ctx context.Context, id, name string) {
	if err := s.db.Update(ctx, func(idx *Index) error {
		delete(idx.VMs, id)
		if name != "" {
			delete(idx.Names, name)
		}
		return nil
	}); err != nil {
		s.logger("rollbackCreate").Warnf(ctx, "rollback VM %s: %v", id, err)
	}
}

// Inspect returns a copy of the VM record for ref (ID, name, or ID prefix).
func (s *Supervisor) Inspect(ctx context.Context, ref string) (*types.VMRecord, error) {
	var result types.VMRecord
	err := s.db.With(ctx, func(idx *Index) error {
		id, err := ResolveRef(idx, ref)
		if err != nil {
			return err
		}
		result = *idx.VMs[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// List returns a copy of every VM record in the index.
func (s *Supervisor) List(ctx context.Context) ([]*types.VMRecord, error) {
	var result []*types.VMRecord
	return result, s.db.With(ctx, func(idx *Index) error {
		for _, rec := range idx.VMs {
			if rec == nil {
				continue
			}
			r := *rec
			result = append(result, &r)
		}
		return nil
	})
}

// Delete removes VM records from the index, stopping running VMs first when
// force is true. Returns the IDs actually deleted.
func (s *Supervisor) Delete(ctx context.Context, refs []string, force bool) ([]string, error) {
	ids, err := s.resolveRefs(ctx, refs)
	if err != nil {
		return nil, err
	}
	return forEach(ctx, "Delete", ids, func(ctx context.Context, id string) error {
		pid, _ := utils.ReadPIDFile(s.conf.VMPIDFile(id))
		if utils.IsProcessAlive(pid) {
			if !force {
				return fmt.Errorf("running (force required)")
			}
			if err := s.stopOne(ctx, id); err != nil {
				return fmt.Errorf("stop before delete: %w", err)
			}
		}
		var name string
		if err := s.db.Update(ctx, func(idx *Index) error {
			rec := idx.VMs[id]
			if rec == nil {
				return ErrNotFound
			}
			name = rec.Config.Name
			delete(idx.VMs, id)
			if name != "" {
				delete(idx.Names, name)
			}
			return nil
		}); err != nil {
			return err
		}
		if err := os.RemoveAll(s.conf.VMRunSubdir(id)); err != nil {
			s.logger("Delete").Warnf(ctx, "cleanup run dir for %s: %v", id, err)
		}
		if err := os.RemoveAll(s.conf.VMLogSubdir(id)); err != nil {
			s.logger("Delete").Warnf(ctx, "cleanup log dir for %s: %v", id, err)
		}
		return nil
	})
}

func (s *Supervisor) resolveRefs(ctx context.Context, refs []string) ([]string, error) {
	var ids []string
	return ids, s.db.With(ctx, func(idx *Index) error {
		for _, ref := range refs {
			id, err := ResolveRef(idx, ref)
			if err != nil {
				return fmt.Errorf("resolve %q: %w", ref, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
}

// forEach runs fn for every id, best-effort: all IDs are attempted, failures
// are logged and joined into the returned error, successes are returned
// regardless (mirrors the donor's forEachVM).
func forEach(ctx context.Context, op string, ids []string, fn func(context.Context, string) error) ([]string, error) {
	logger := log.WithFunc("vmsupervisor." + op)
	var succeeded []string
	var errs []error
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			logger.Warnf(ctx, "%s VM %s: %v", op, id, err)
			errs = append(errs, fmt.Errorf("VM %s: %w", id, err))
			continue
		}
		succeeded = append(succeeded, id)
	}
	return succeeded, errors.Join(errs...)
}
