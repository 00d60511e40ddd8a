// Command ross-init is the binary package rootfs installs at /ross-init
// inside every VM's merged root (spec.md §4.6 step 2-3). It is the guest's
// PID 1 equivalent for the single-command case this engine targets: read
// the guest config the host wrote alongside it, dial the host back over
// vsock, and hand off to package tty's guest loop.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/rossvm/ross/tty"
	"github.com/rossvm/ross/types"
)

// guestConfigPath is where the VM supervisor's Start writes the serialized
// types.GuestConfig (config.Config.VMGuestConfigPath). argv[1] overrides it
// for environments where in-VM filesystem access precedes this code running
// (spec.md §4.6 step 2).
const guestConfigPath = "/.ross-config.json"

// vsockHostCID is the fixed context ID libkrun (and AF_VSOCK generally)
// reserves for the hypervisor host, not a value Ross chooses.
const vsockHostCID = 2

func main() {
	os.Exit(run())
}

func run() int {
	path := guestConfigPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	cfg, err := loadGuestConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ross-init: %v\n", err)
		return 1
	}

	conn, err := vsock.Dial(vsockHostCID, cfg.Port, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ross-init: dial host vsock port %d: %v\n", cfg.Port, err)
		return 1
	}
	defer conn.Close() //nolint:errcheck

	return tty.RunGuestLoop(context.Background(), conn, *cfg)
}

func loadGuestConfig(path string) (*types.GuestConfig, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is either the fixed guest location or an explicit argv[1]
	if err != nil {
		return nil, fmt.Errorf("read guest config %s: %w", path, err)
	}
	var cfg types.GuestConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse guest config %s: %w", path, err)
	}
	return &cfg, nil
}
