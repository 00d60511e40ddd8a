// Package snapshotter implements the overlay snapshot graph (spec.md §4.2):
// a key → SnapshotInfo map mirrored on disk, one metadata.json per snapshot
// directory, with View/Active/Committed lifecycle transitions and
// whiteout-aware tar.gz layer extraction.
//
// Grounded on hypervisor/db.go's in-memory-index-mirrored-on-disk pattern
// and storage/json.Store's atomic JSON persistence, generalized from a flat
// VM index to a parent-linked snapshot graph.
package snapshotter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/types"
)

// Sentinel errors, classified at the CLI/RPC boundary per spec.md §7.
var (
	ErrNotFound       = errors.New("snapshot not found")
	ErrAlreadyExists  = errors.New("snapshot already exists")
	ErrInvalidState   = errors.New("snapshot in wrong state for operation")
	ErrHasDependents  = errors.New("snapshot has dependent snapshots")
	ErrParentNotFound = errors.New("parent snapshot not found")
)

// Snapshotter owns the in-memory snapshot graph and its on-disk mirror. All
// state transitions are serialized through a single writer lock over both
// the map and the metadata files (spec.md §5: "all state transitions hold
// a single writer lock ... callers observe consistent snapshots of the
// graph").
type Snapshotter struct {
	conf *config.Config

	mu    sync.Mutex
	graph map[string]*types.SnapshotInfo
}

// New constructs a Snapshotter and loads any metadata.json files already
// present under conf.SnapshotsDir() (e.g. after a daemon restart).
func New(conf *config.Config) (*Snapshotter, error) {
	s := &Snapshotter{conf: conf, graph: map[string]*types.SnapshotInfo{}}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("load snapshot graph: %w", err)
	}
	return s, nil
}

func (s *Snapshotter) logger(op string) log.Logger { return log.WithFunc("snapshotter." + op) }

func (s *Snapshotter) loadAll() error {
	root := s.conf.SnapshotsDir()
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.readMetadata(e.Name())
		if err != nil {
			if os.IsNotExist(err) {
				continue // orphaned directory with no metadata.json; left for cleanup()
			}
			return fmt.Errorf("load snapshot %s: %w", e.Name(), err)
		}
		s.graph[info.Key] = info
	}
	return nil
}

func (s *Snapshotter) snapshotDir(key string) string { return s.conf.SnapshotDir(key) }
func (s *Snapshotter) fsDir(key string) string       { return filepath.Join(s.snapshotDir(key), "fs") }
func (s *Snapshotter) workDir(key string) string     { return filepath.Join(s.snapshotDir(key), "work") }
func (s *Snapshotter) metadataFile(key string) string {
	return filepath.Join(s.snapshotDir(key), "metadata.json")
}

func (s *Snapshotter) readMetadata(key string) (*types.SnapshotInfo, error) {
	data, err := os.ReadFile(s.metadataFile(key)) //nolint:gosec // key is store-managed
	if err != nil {
		return nil, err
	}
	var info types.SnapshotInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse metadata.json: %w", err)
	}
	return &info, nil
}

func (s *Snapshotter) writeMetadata(info *types.SnapshotInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return atomicWrite(s.metadataFile(info.Key), data)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec
		return err
	}
	return os.Rename(tmp, path)
}

// Prepare creates an Active snapshot. parent, if non-empty, must name a
// Committed snapshot (spec.md §4.2, property 4).
func (s *Snapshotter) Prepare(key, parent string, labels map[string]string) ([]types.Mount, error) {
	return s.create(key, parent, labels, types.SnapshotActive)
}

// View creates a read-only snapshot with the same parent rules as Prepare.
func (s *Snapshotter) View(key, parent string, labels map[string]string) ([]types.Mount, error) {
	return s.create(key, parent, labels, types.SnapshotView)
}

func (s *Snapshotter) create(key, parent string, labels map[string]string, kind types.SnapshotKind) ([]types.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.graph[key]; exists {
		return nil, fmt.Errorf("%s: %w", key, ErrAlreadyExists)
	}
	if parent != "" {
		p, ok := s.graph[parent]
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", parent, ErrParentNotFound)
		}
		if p.Kind != types.SnapshotCommitted {
			return nil, fmt.Errorf("parent %s: %w", parent, ErrInvalidState)
		}
	}

	if err := os.MkdirAll(s.fsDir(key), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("prepare %s: %w", key, err)
	}
	if kind == types.SnapshotActive {
		if err := os.MkdirAll(s.workDir(key), 0o755); err != nil { //nolint:gosec
			return nil, fmt.Errorf("prepare %s: %w", key, err)
		}
	}

	now := time.Now()
	info := &types.SnapshotInfo{
		Key: key, Parent: parent, Kind: kind, Labels: labels,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.writeMetadata(info); err != nil {
		return nil, fmt.Errorf("prepare %s: %w", key, err)
	}
	s.graph[key] = info

	return s.buildOverlayMounts(info)
}

// Commit renames activeKey's directory to newKey and promotes it to
// Committed, merging labels. activeKey must currently be Active.
func (s *Snapshotter) Commit(newKey, activeKey string, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, ok := s.graph[activeKey]
	if !ok {
		return fmt.Errorf("%s: %w", activeKey, ErrNotFound)
	}
	if active.Kind != types.SnapshotActive {
		return fmt.Errorf("%s: %w", activeKey, ErrInvalidState)
	}
	if _, exists := s.graph[newKey]; exists {
		return fmt.Errorf("%s: %w", newKey, ErrAlreadyExists)
	}

	if err := os.Rename(s.snapshotDir(activeKey), s.snapshotDir(newKey)); err != nil {
		return fmt.Errorf("commit %s: %w", newKey, err)
	}
	// Active's workdir has no place in a read-only Committed snapshot.
	_ = os.RemoveAll(filepath.Join(s.snapshotDir(newKey), "work"))
	_ = os.Remove(s.metadataFile(activeKey))

	merged := mergeLabels(active.Labels, labels)
	now := time.Now()
	committed := &types.SnapshotInfo{
		Key: newKey, Parent: active.Parent, Kind: types.SnapshotCommitted,
		Labels: merged, CreatedAt: active.CreatedAt, UpdatedAt: now,
	}
	if err := s.writeMetadata(committed); err != nil {
		return fmt.Errorf("commit %s: %w", newKey, err)
	}
	s.graph[newKey] = committed
	delete(s.graph, activeKey)
	return nil
}

func mergeLabels(a, b map[string]string) map[string]string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Remove deletes key's directory and graph entry. Fails with HasDependents
// if any snapshot's parent points at key (spec.md §8 property 5).
func (s *Snapshotter) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.graph[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	for _, info := range s.graph {
		if info.Parent == key {
			return fmt.Errorf("%s: %w", key, ErrHasDependents)
		}
	}
	if err := os.RemoveAll(s.snapshotDir(key)); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	delete(s.graph, key)
	return nil
}

// Mounts returns the mounts for an existing snapshot without mutating the graph.
func (s *Snapshotter) Mounts(key string) ([]types.Mount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.graph[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return s.buildOverlayMounts(info)
}

// Stat returns the current SnapshotInfo for key.
func (s *Snapshotter) Stat(key string) (*types.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.graph[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	cp := *info
	return &cp, nil
}

// List returns every root snapshot (Parent == "") when onlyRoots is set,
// and otherwise every snapshot whose Parent equals parentFilter.
func (s *Snapshotter) List(parentFilter string, onlyRoots bool) []*types.SnapshotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SnapshotInfo
	for _, info := range s.graph {
		if onlyRoots && info.Parent != "" {
			continue
		}
		if !onlyRoots && info.Parent != parentFilter {
			continue
		}
		cp := *info
		out = append(out, &cp)
	}
	return out
}

// Usage recursively sums size and inode count of everything under the
// snapshot's directory, its metadata files included.
func (s *Snapshotter) Usage(key string) (types.Usage, error) {
	s.mu.Lock()
	dir := s.snapshotDir(key)
	_, ok := s.graph[key]
	s.mu.Unlock()
	if !ok {
		return types.Usage{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return duDir(dir)
}

func duDir(root string) (types.Usage, error) {
	var u types.Usage
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		u.Inodes++
		if d.IsDir() {
			return nil
		}
		info, statErr := d.Info()
		if statErr != nil {
			return nil //nolint:nilerr // a file that vanished mid-walk just contributes 0 bytes
		}
		u.Size += info.Size()
		return nil
	})
	if err != nil {
		return types.Usage{}, fmt.Errorf("usage %s: %w", root, err)
	}
	return u, nil
}

// Cleanup removes on-disk snapshot directories that have no corresponding
// in-memory graph entry (e.g. a crash between MkdirAll and writeMetadata),
// returning the total bytes reclaimed.
func (s *Snapshotter) Cleanup(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.conf.SnapshotsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	var reclaimed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, tracked := s.graph[e.Name()]; tracked {
			continue
		}
		dir := filepath.Join(s.conf.SnapshotsDir(), e.Name())
		usage, _ := duDir(dir)
		if err := os.RemoveAll(dir); err != nil {
			s.logger("Cleanup").Warnf(ctx, "remove orphaned snapshot dir %s: %s", dir, err)
			continue
		}
		reclaimed += usage.Size
	}
	return reclaimed, nil
}
