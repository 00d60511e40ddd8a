// Package rootfs flattens the Snapshotter's ordered Mount[] for one Active
// snapshot into a single merged directory suitable for the hypervisor's
// root (spec.md §4.5). Unlike extract_layer (package snapshotter), which
// unpacks one layer's own tar stream, the rootfs builder copies already-
// extracted layer directories on top of each other, honoring whiteouts
// across that copy — the "merged view" property 7 and scenario S4
// describe.
//
// Grounded on snapshotter/mounts.go's lowerdir=/upperdir= option strings
// (parsed back apart here the way they were assembled there) and
// snapshotter/layer.go's whiteout constants and clearDir helper, adapted
// from per-tar-entry whiteout handling to per-directory-tree copy
// whiteout handling. The donor's nearest analog, hypervisor/cloudhypervisor
// /create.go's prepareOCI, builds a disk-image-backed COW root instead of a
// merged directory tree (cloud-hypervisor boots block devices, not a
// libkrun-style shared folder), so this package's copy algorithm is new
// code grounded in spec.md's own literal wording rather than adapted
// donor logic; utils.EnsureDirs (utils/file.go) is reused for directory
// scaffolding.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// ErrUnsupportedMountType is returned for a Mount whose Type is neither
// "overlay" nor "bind".
var ErrUnsupportedMountType = errors.New("unsupported mount type")

const (
	whiteoutPrefix = ".wh."
	opaqueWhiteout = ".wh..wh..opq"
)

func logger() log.Logger { return log.WithFunc("rootfs.Build") }

// requiredDirs is the minimal guest filesystem layout every rootfs needs
// regardless of image content (spec.md §4.5).
var requiredDirs = []string{"dev", "proc", "sys", "tmp", "run", "etc", "var", "var/log", "var/tmp"}

// Build merges mounts (in order) into dest, then scaffolds the required
// directories, installs a minimal /etc/resolv.conf if absent, and installs
// initBinary at dest/ross-init with mode 0755.
func Build(ctx context.Context, mounts []types.Mount, dest string, initBinary []byte) error {
	for _, m := range mounts {
		switch m.Type {
		case "overlay":
			if err := copyOverlay(m, dest); err != nil {
				return fmt.Errorf("merge overlay mount: %w", err)
			}
		case "bind":
			if err := copyTree(m.Source, dest); err != nil {
				return fmt.Errorf("merge bind mount %s: %w", m.Source, err)
			}
		default:
			return fmt.Errorf("%s: %w", m.Type, ErrUnsupportedMountType)
		}
	}

	for _, d := range requiredDirs {
		if err := utils.EnsureDirs(filepath.Join(dest, d)); err != nil {
			return fmt.Errorf("scaffold %s: %w", d, err)
		}
	}

	resolvConf := filepath.Join(dest, "etc", "resolv.conf")
	if _, err := os.Stat(resolvConf); os.IsNotExist(err) {
		if err := os.WriteFile(resolvConf, []byte("nameserver 8.8.8.8\n"), 0o644); err != nil { //nolint:gosec
			return fmt.Errorf("install resolv.conf: %w", err)
		}
	}

	initPath := filepath.Join(dest, "ross-init")
	if err := os.WriteFile(initPath, initBinary, 0o755); err != nil { //nolint:gosec // intentionally executable
		return fmt.Errorf("install ross-init: %w", err)
	}

	logger().Infof(ctx, "merged rootfs at %s from %d mounts", dest, len(mounts))
	return nil
}

// copyOverlay parses an overlay Mount's lowerdir=/upperdir= options and
// copies lower directories bottom-up (rightmost, i.e. oldest, first) then
// the upper, honoring whiteouts throughout (spec.md §4.5).
func copyOverlay(m types.Mount, dest string) error {
	var lowers []string
	var upper string
	for _, opt := range m.Options {
		switch {
		case strings.HasPrefix(opt, "lowerdir="):
			lowers = strings.Split(strings.TrimPrefix(opt, "lowerdir="), ":")
		case strings.HasPrefix(opt, "upperdir="):
			upper = strings.TrimPrefix(opt, "upperdir=")
		}
	}

	for i := len(lowers) - 1; i >= 0; i-- {
		if err := copyTreeWhiteoutAware(lowers[i], dest); err != nil {
			return fmt.Errorf("copy lowerdir %s: %w", lowers[i], err)
		}
	}
	if upper != "" {
		if err := copyTreeWhiteoutAware(upper, dest); err != nil {
			return fmt.Errorf("copy upperdir %s: %w", upper, err)
		}
	}
	return nil
}

// copyTree copies src onto dest with no whiteout handling, for plain bind
// mounts (a bind mount is never itself an overlay layer).
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		return copyEntry(path, filepath.Join(dest, rel), d)
	})
}

// copyTreeWhiteoutAware copies src onto dest, processing entries in
// directory-walk order: a ".wh..wh..opq" marker clears everything already
// copied into its directory before continuing; a ".wh.X" marker removes X
// from dest instead of being copied itself (spec.md §4.5).
func copyTreeWhiteoutAware(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return copyEntry(path, dest, d)
		}

		base := filepath.Base(rel)
		destDir := filepath.Join(dest, filepath.Dir(rel))

		if base == opaqueWhiteout {
			if err := clearDir(destDir); err != nil {
				return fmt.Errorf("clear opaque dir %s: %w", destDir, err)
			}
			return nil
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			removed := filepath.Join(destDir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(removed); err != nil {
				return fmt.Errorf("apply whiteout for %s: %w", removed, err)
			}
			return nil
		}

		return copyEntry(path, filepath.Join(dest, rel), d)
	})
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// copyEntry copies one filesystem entry: directories are created, regular
// files are byte-copied, symlinks recreated; existing destination entries
// are overwritten (spec.md §4.5's copy semantics).
func copyEntry(src, dest string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	switch {
	case d.IsDir():
		return os.MkdirAll(dest, info.Mode().Perm()|0o700)
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		_ = os.Remove(dest)
		return os.Symlink(target, dest)
	default:
		return copyFile(src, dest, info.Mode().Perm())
	}
}

func copyFile(src, dest string, mode fs.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // src walked from a trusted snapshot tree
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode) //nolint:gosec
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
