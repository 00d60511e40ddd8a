package snapshotter

import (
	"fmt"
	"strings"

	"github.com/rossvm/ross/types"
)

// buildOverlayMounts synthesizes the Mount[] for info per spec.md §4.2:
// no parent → a single bind mount of fs/ (RW if Active, RO otherwise); with
// parents → one overlay mount with lowerdir walking the parent chain
// newest→oldest, plus upperdir/workdir when info itself is Active.
func (s *Snapshotter) buildOverlayMounts(info *types.SnapshotInfo) ([]types.Mount, error) {
	if info.Parent == "" {
		opts := []string{"ro"}
		if info.Kind == types.SnapshotActive {
			opts = []string{"rw"}
		}
		return []types.Mount{{
			Type:    "bind",
			Source:  s.fsDir(info.Key),
			Options: opts,
		}}, nil
	}

	chain, err := s.parentChain(info)
	if err != nil {
		return nil, err
	}

	lowers := make([]string, len(chain))
	for i, key := range chain {
		lowers[i] = s.fsDir(key)
	}
	options := []string{"lowerdir=" + strings.Join(lowers, ":")}
	if info.Kind == types.SnapshotActive {
		options = append(options, "upperdir="+s.fsDir(info.Key), "workdir="+s.workDir(info.Key))
	}

	return []types.Mount{{
		Type:    "overlay",
		Source:  "overlay",
		Options: options,
	}}, nil
}

// parentChain walks info.Parent pointers starting at info's own parent,
// requiring every link to be Committed, and returns keys ordered
// newest-first (the order build_overlay_mounts wants for lowerdir).
func (s *Snapshotter) parentChain(info *types.SnapshotInfo) ([]string, error) {
	var chain []string
	key := info.Parent
	for key != "" {
		node, ok := s.graph[key]
		if !ok {
			return nil, fmt.Errorf("parent %s: %w", key, ErrParentNotFound)
		}
		if node.Kind != types.SnapshotCommitted {
			return nil, fmt.Errorf("parent %s: %w", key, ErrInvalidState)
		}
		chain = append(chain, key)
		key = node.Parent
	}
	return chain, nil
}
