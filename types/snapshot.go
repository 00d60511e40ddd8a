package types

import "time"

// SnapshotKind is the lifecycle state of a snapshot (§3 state machine).
type SnapshotKind string

const (
	SnapshotView      SnapshotKind = "view"
	SnapshotActive    SnapshotKind = "active"
	SnapshotCommitted SnapshotKind = "committed"
)

// SnapshotInfo is the persisted record for one snapshot-graph node.
// Mirrored on disk as <snapshots-root>/<key>/metadata.json.
type SnapshotInfo struct {
	Key       string            `json:"key"`
	Parent    string            `json:"parent,omitempty"`
	Kind      SnapshotKind      `json:"kind"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Mount describes a kernel mount to perform; Target is assigned by the
// consumer (the rootfs builder or the container runtime), not the
// snapshotter (§3).
type Mount struct {
	Type    string   `json:"type"` // "bind" or "overlay"
	Source  string   `json:"source"`
	Target  string   `json:"target,omitempty"`
	Options []string `json:"options,omitempty"`
}

// Usage reports recursive directory size and inode count for one snapshot.
type Usage struct {
	Size   int64 `json:"size"`
	Inodes int64 `json:"inodes"`
}
