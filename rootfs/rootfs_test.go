package rootfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/rossvm/ross/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
}

func fileContent(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	assert.NilError(t, err)
	return string(data)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// S4 / property 7 — cross-layer merged-view whiteout correctness: a lower
// layer's file hidden by an upper layer's whiteout marker must not survive
// the merge, even though it never appeared in the upper layer's own tar
// stream (the thing extract_layer alone cannot exercise; see
// snapshotter_test.go's TestExtractLayerWhiteout doc comment).
func TestBuildOverlayHonorsCrossLayerWhiteout(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	dest := t.TempDir()

	writeFile(t, lower, "etc/hosts", "127.0.0.1 localhost\n")
	writeFile(t, lower, "etc/motd", "lower motd\n")
	writeFile(t, upper, "etc/.wh.hosts", "")

	mount := types.Mount{
		Type:    "overlay",
		Options: []string{"lowerdir=" + lower, "upperdir=" + upper},
	}

	err := Build(context.Background(), []types.Mount{mount}, dest, []byte("init"))
	assert.NilError(t, err)

	assert.Assert(t, !exists(filepath.Join(dest, "etc", "hosts")), "lower file hidden by upper whiteout must not survive the merge")
	assert.Equal(t, fileContent(t, filepath.Join(dest, "etc", "motd")), "lower motd\n")
}

// Opaque whiteout in the upper layer clears everything the lower layer(s)
// contributed to that directory before the upper's own entries are applied.
func TestBuildOverlayOpaqueWhiteoutClearsLowerDir(t *testing.T) {
	lower := t.TempDir()
	upper := t.TempDir()
	dest := t.TempDir()

	writeFile(t, lower, "etc/hosts", "stale\n")
	writeFile(t, lower, "etc/motd", "stale motd\n")
	writeFile(t, upper, "etc/.wh..wh..opq", "")
	writeFile(t, upper, "etc/resolv.conf", "nameserver 1.1.1.1\n")

	mount := types.Mount{
		Type:    "overlay",
		Options: []string{"lowerdir=" + lower, "upperdir=" + upper},
	}

	err := Build(context.Background(), []types.Mount{mount}, dest, []byte("init"))
	assert.NilError(t, err)

	assert.Assert(t, !exists(filepath.Join(dest, "etc", "hosts")))
	assert.Assert(t, !exists(filepath.Join(dest, "etc", "motd")))
	assert.Equal(t, fileContent(t, filepath.Join(dest, "etc", "resolv.conf")), "nameserver 1.1.1.1\n")
}

// Multi-level lowerdir chain merges bottom-up (rightmost/oldest first),
// so the nearer (leftmost) lower's version of a shared path wins.
func TestBuildOverlayLowerChainOrdersBottomUp(t *testing.T) {
	oldest := t.TempDir()
	newer := t.TempDir()
	dest := t.TempDir()

	writeFile(t, oldest, "app/version", "v1\n")
	writeFile(t, newer, "app/version", "v2\n")

	mount := types.Mount{
		Type:    "overlay",
		Options: []string{"lowerdir=" + newer + ":" + oldest},
	}

	err := Build(context.Background(), []types.Mount{mount}, dest, []byte("init"))
	assert.NilError(t, err)

	assert.Equal(t, fileContent(t, filepath.Join(dest, "app", "version")), "v2\n")
}

func TestBuildScaffoldsRequiredDirsAndInit(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, src, "bin/sh", "#!/bin/sh\n")

	mount := types.Mount{Type: "bind", Source: src}
	err := Build(context.Background(), []types.Mount{mount}, dest, []byte("#!/bin/sh\nexec ross-init\n"))
	assert.NilError(t, err)

	for _, d := range []string{"dev", "proc", "sys", "tmp", "run", "etc", "var", "var/log", "var/tmp"} {
		assert.Assert(t, exists(filepath.Join(dest, d)), d)
	}
	assert.Assert(t, exists(filepath.Join(dest, "etc", "resolv.conf")))

	initInfo, err := os.Stat(filepath.Join(dest, "ross-init"))
	assert.NilError(t, err)
	assert.Equal(t, initInfo.Mode().Perm(), os.FileMode(0o755))
}

func TestBuildDoesNotOverwriteExistingResolvConf(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	writeFile(t, src, "etc/resolv.conf", "nameserver 10.0.0.1\n")

	mount := types.Mount{Type: "bind", Source: src}
	err := Build(context.Background(), []types.Mount{mount}, dest, []byte("init"))
	assert.NilError(t, err)

	assert.Equal(t, fileContent(t, filepath.Join(dest, "etc", "resolv.conf")), "nameserver 10.0.0.1\n")
}
