package types

import "time"

// VMState is the lifecycle state of a VM from the supervisor's perspective.
// Creating exists so a placeholder record can be written before the rootfs
// and disks are fully prepared (avoids a GC race between "registered" and
// "has real backing files") — see vmsupervisor's GC module
// (creatingStateGCGrace) for stale Creating records.
type VMState string

const (
	VMStateCreating VMState = "creating"
	VMStateCreated  VMState = "created"
	VMStateRunning  VMState = "running"
	VMStateStopped  VMState = "stopped"
	VMStateError    VMState = "error"
)

// VMConfig describes the resources requested for a new VM (§4.6).
type VMConfig struct {
	Name    string `json:"name"`
	CPU     int    `json:"cpu"`
	Memory  int64  `json:"memory"`  // bytes
	Storage int64  `json:"storage"` // COW disk size, bytes
	Image   string `json:"image"`
	TTY     bool   `json:"tty"`
}

// BootConfig carries the rootfs/kernel wiring for one VM.
type BootConfig struct {
	KernelPath   string `json:"kernel_path,omitempty"`
	InitrdPath   string `json:"initrd_path,omitempty"`
	Cmdline      string `json:"cmdline,omitempty"`
	FirmwarePath string `json:"firmware_path,omitempty"`
}

// StorageConfig describes one disk attached to a VM.
type StorageConfig struct {
	Path   string `json:"path"`
	RO     bool   `json:"ro"`
	Serial string `json:"serial"`
}

// NetworkConfig describes one NIC attached to a VM, wired to the userspace
// netstack's fixed addressing (§4.8) rather than a host bridge.
type NetworkConfig struct {
	TapSocket string `json:"tap_socket"` // Unix datagram socket path
	Mac       string `json:"mac"`
}

// VMRecord is the persisted runtime record for one VM, analogous to the
// donor's hypervisor.VMRecord (db.go) but generalized to the libkrun-style
// supervisor instead of cloud-hypervisor's REST API.
type VMRecord struct {
	ID     string   `json:"id"`
	State  VMState  `json:"state"`
	Config VMConfig `json:"config"`

	BootConfig     *BootConfig      `json:"boot_config,omitempty"`
	StorageConfigs []*StorageConfig `json:"storage_configs,omitempty"`
	NetworkConfigs []*NetworkConfig `json:"network_configs,omitempty"`

	// ImageBlobIDs is the set of store blob digests (hex only) this VM's
	// rootfs depends on. The Store's GC consults this across all VM
	// records so a blob backing a running VM is never reclaimed even if no
	// tag references it anymore (§9 supplemented feature).
	ImageBlobIDs map[string]struct{} `json:"image_blob_ids,omitempty"`

	// Runtime — populated only while State == VMStateRunning.
	PID         int    `json:"pid,omitempty"`
	VsockPath   string `json:"vsock_path,omitempty"`
	NetSockPath string `json:"net_sock_path,omitempty"`
	RootfsPath  string `json:"rootfs_path,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// GuestConfig is serialized to <rootfs>/.ross-config.json and also passed as
// argv[1] to /ross-init (§4.6 step 2).
type GuestConfig struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args"`
	Env      []string          `json:"env"`
	Workdir  string            `json:"workdir"`
	TTY      bool              `json:"tty"`
	VsockCID uint32             `json:"vsock_cid"`
	Port     uint32            `json:"vsock_port"`
	Network  *GuestNetworkInfo `json:"network,omitempty"`
}

// GuestNetworkInfo carries the fixed addressing the guest should configure
// (§4.8); the guest has no DHCP client dependency because the host tells it
// directly, but the netstack also answers a DHCP DISCOVER for images that
// expect to self-configure.
type GuestNetworkInfo struct {
	IP      string `json:"ip"`
	Gateway string `json:"gateway"`
	Netmask string `json:"netmask"`
	Mac     string `json:"mac"`
}
