package vmsupervisor

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rossvm/ross/types"
)

// guestCID is the fixed vsock context ID assigned to every guest; only one
// VM's vsock traffic ever flows over a given host socket, so a single
// constant (distinct from CID_HOST=2) is enough (spec.md §4.6/§4.7).
const guestCID = 3

// writeGuestConfig serializes cfg to <rootfs>/.ross-config.json (spec.md
// §4.6 step 2) and returns that path, which is also passed as argv[1] to
// the hypervisor helper for environments where in-VM filesystem access
// precedes guest code running.
func writeGuestConfig(rootfsPath string, cfg types.GuestConfig) (string, error) {
	path := rootfsConfigPath(rootfsPath)
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal guest config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return "", fmt.Errorf("write guest config: %w", err)
	}
	return path, nil
}

func rootfsConfigPath(rootfsPath string) string {
	return rootfsPath + "/.ross-config.json"
}
