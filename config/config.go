package config

import (
	"fmt"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/rossvm/ross/utils"
)

// Config holds global Ross configuration, bound by cmd/root.go's
// cobra+viper layer (persistent flags, ROSS_ env prefix, optional config
// file). Library packages only ever read it — nothing outside cmd/ calls
// viper directly.
type Config struct {
	// RootDir is the base directory for persistent data (store, snapshots,
	// VM index). RunDir holds transient per-process state (sockets, PID
	// files) and defaults to /var/run/ross, outside RootDir.
	// LogDir holds per-VM serial/process logs.
	RootDir string `mapstructure:"root_dir"`
	RunDir  string `mapstructure:"run_dir"`
	LogDir  string `mapstructure:"log_dir"`

	// PoolSize bounds concurrent layer downloads in the image pipeline
	// (spec.md §4.4's max_concurrent_downloads). Defaults to NumCPU.
	PoolSize int `mapstructure:"pool_size"`

	// StopTimeoutSeconds bounds graceful VM shutdown before SIGKILL escalation.
	StopTimeoutSeconds int `mapstructure:"stop_timeout_seconds"`

	// DefaultRootPassword is bound from flags, config and env, but no package
	// in this repository reads it.
	DefaultRootPassword string `mapstructure:"default_root_password"`

	// VMMHelperBinary is the executable the VM supervisor forks to host one
	// libkrun VM context (§4.6 step 3): it receives the guest config path as
	// argv[1], enters the hypervisor context, and execs /ross-init inside
	// it. Kept external (rather than an in-process cgo call) so the
	// supervisor can write a PID file, check the process is still alive after
	// a short grace period, and release it exactly the way the donor treats
	// its VMM binary.
	VMMHelperBinary string `mapstructure:"vmm_helper_binary"`

	// InitBinaryPath is a Linux/<target-arch> build of cmd/ross-init,
	// installed into every VM's merged rootfs at /ross-init (§4.5, §4.6
	// step 2). Kept as a path to a prebuilt artifact rather than a
	// go:embed blob because it must be cross-compiled for the guest's
	// architecture independently of whatever host this CLI itself runs
	// on (notably the macOS path, where the CLI process is never Linux
	// at all).
	InitBinaryPath string `mapstructure:"init_binary_path"`

	// Log is the structured logging configuration, eru core's shape.
	Log coretypes.ServerLogConfig `mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults, mirroring the
// donor's DefaultConfig but generalized to Ross's three persistent roots.
func DefaultConfig() *Config {
	return &Config{
		RootDir:             "/var/lib/ross",
		RunDir:              "/var/run/ross",
		LogDir:              "/var/log/ross",
		PoolSize:            runtime.NumCPU(),
		StopTimeoutSeconds:  30,
		DefaultRootPassword: "",
		VMMHelperBinary:     "/usr/local/libexec/ross-vmm",
		InitBinaryPath:      "/usr/local/libexec/ross-init",
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// EnsureDirs normalizes zero-value fields and creates every static
// directory this repository's components need. Called once from the CLI's
// PersistentPreRunE after viper.Unmarshal, mirroring the donor's
// config.EnsureDirs(conf) call in cmd/root.go:initConfig.
func EnsureDirs(c *Config) (*Config, error) {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.StopTimeoutSeconds <= 0 {
		c.StopTimeoutSeconds = 30
	}
	if err := utils.EnsureDirs(
		c.StoreDBDir(),
		c.BlobsDir(),
		c.ManifestsDir(),
		c.IndexesDir(),
		c.TagsDir(),
		c.SnapshotsDir(),
		c.SnapshotsTempDir(),
		c.VMDBDir(),
		c.VMRunDir(),
		c.VMLogDir(),
	); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return c, nil
}

// --- Store layout (§4.1) ---

func (c *Config) storeDir() string    { return filepath.Join(c.RootDir, "store") }
func (c *Config) StoreDBDir() string  { return filepath.Join(c.storeDir(), "db") }
func (c *Config) BlobsDir() string    { return filepath.Join(c.storeDir(), "blobs") }
func (c *Config) ManifestsDir() string { return filepath.Join(c.storeDir(), "manifests") }
func (c *Config) IndexesDir() string  { return filepath.Join(c.storeDir(), "indexes") }
func (c *Config) TagsDir() string     { return filepath.Join(c.storeDir(), "tags") }

// --- Snapshotter layout (§4.2) ---

func (c *Config) SnapshotsDir() string     { return filepath.Join(c.RootDir, "snapshots") }
func (c *Config) SnapshotsTempDir() string { return filepath.Join(c.RootDir, "snapshots-temp") }

func (c *Config) SnapshotDir(key string) string {
	return filepath.Join(c.SnapshotsDir(), key)
}

// --- VM supervisor layout (§4.6) ---

func (c *Config) vmDir() string   { return filepath.Join(c.RootDir, "vm") }
func (c *Config) VMDBDir() string { return filepath.Join(c.vmDir(), "db") }

func (c *Config) VMIndexFile() string { return filepath.Join(c.VMDBDir(), "vms.json") }
func (c *Config) VMIndexLock() string { return filepath.Join(c.VMDBDir(), "vms.lock") }

func (c *Config) VMRunDir() string { return filepath.Join(c.RunDir, "vm") }
func (c *Config) VMLogDir() string { return filepath.Join(c.LogDir, "vm") }

func (c *Config) VMRunSubdir(vmID string) string { return filepath.Join(c.VMRunDir(), vmID) }
func (c *Config) VMLogSubdir(vmID string) string { return filepath.Join(c.VMLogDir(), vmID) }

func (c *Config) VMVsockPath(vmID string, port uint32) string {
	return filepath.Join(c.VMRunSubdir(vmID), fmt.Sprintf("vsock-%d.sock", port))
}

func (c *Config) VMNetSockPath(vmID string) string {
	return filepath.Join(c.VMRunSubdir(vmID), "net.sock")
}

func (c *Config) VMRootfsPath(vmID string) string {
	return filepath.Join(c.VMRunSubdir(vmID), "rootfs")
}

func (c *Config) VMSerialLog(vmID string) string {
	return filepath.Join(c.VMLogSubdir(vmID), "serial.log")
}

func (c *Config) VMPIDFile(vmID string) string {
	return filepath.Join(c.VMRunSubdir(vmID), "pid")
}

func (c *Config) VMProcessLog(vmID string) string {
	return filepath.Join(c.VMLogSubdir(vmID), "process.log")
}

// VMGuestConfigPath is where the serialized GuestConfig is written inside
// the merged rootfs before launch (§4.6 step 2).
func (c *Config) VMGuestConfigPath(vmID string) string {
	return filepath.Join(c.VMRootfsPath(vmID), ".ross-config.json")
}
