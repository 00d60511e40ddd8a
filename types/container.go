package types

import "time"

// ContainerState is the lifecycle state of a container (§3 collaborator shape).
type ContainerState string

const (
	ContainerCreated ContainerState = "created"
	ContainerRunning ContainerState = "running"
	ContainerPaused  ContainerState = "paused"
	ContainerStopped ContainerState = "stopped"
)

// Container is the collaborator shape referenced by §3; the gRPC/CLI layer
// that manipulates containers end to end is out of scope (§1), and no
// package in this repository constructs or populates a Container.
type Container struct {
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Image      string         `json:"image"`
	State      ContainerState `json:"state"`
	PID        int            `json:"pid,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	BundlePath string         `json:"bundle_path"`
	RootfsPath string         `json:"rootfs_path"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}
