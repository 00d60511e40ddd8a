// Package vmsupervisor implements the macOS VM execution path's process
// lifecycle (spec.md §4.6): a persisted VM index, fork/exec of the
// hypervisor helper with vsock/net sockets wired up before the child
// execs, graceful-then-forced teardown, and console attachment.
//
// Grounded on the donor's hypervisor/db.go (VMIndex/VMRecord/GenerateID/
// ResolveVMRef — generalized here to Ross's single libkrun backend rather
// than the donor's per-backend VMIndex-per-file-path scheme) and
// hypervisor/cloudhypervisor/{start,stop,console}.go for the launch/
// teardown/attach shape. storage/json.Store[Index] replaces the donor's
// own storage.Store plumbing (same flock-protected read-modify-write
// contract, reused verbatim rather than re-implemented).
package vmsupervisor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rossvm/ross/types"
)

// Index is the top-level persisted structure: every VM record plus a
// name → ID lookup, mirroring the donor's VMIndex shape.
type Index struct {
	VMs   map[string]*types.VMRecord `json:"vms"`
	Names map[string]string          `json:"names"`
}

// Init implements storage.Initer.
func (idx *Index) Init() {
	if idx.VMs == nil {
		idx.VMs = make(map[string]*types.VMRecord)
	}
	if idx.Names == nil {
		idx.Names = make(map[string]string)
	}
}

// GenerateID returns a random 16-character hex VM ID (8 bytes of entropy).
func GenerateID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// ResolveRef resolves a user-supplied reference (exact ID, name, or ID
// prefix of at least 3 characters) to a full VM ID.
func ResolveRef(idx *Index, ref string) (string, error) {
	if idx.VMs[ref] != nil {
		return ref, nil
	}
	if id, ok := idx.Names[ref]; ok && idx.VMs[id] != nil {
		return id, nil
	}
	if len(ref) >= 3 {
		var match string
		for id := range idx.VMs {
			if strings.HasPrefix(id, ref) {
				if match != "" {
					return "", fmt.Errorf("ambiguous ref %q: multiple matches", ref)
				}
				match = id
			}
		}
		if match != "" {
			return match, nil
		}
	}
	return "", ErrNotFound
}
