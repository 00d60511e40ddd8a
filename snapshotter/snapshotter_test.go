package snapshotter

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"gotest.tools/v3/assert"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/types"
)

func newTestSnapshotter(t *testing.T) *Snapshotter {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.RunDir = t.TempDir()
	conf.LogDir = t.TempDir()
	conf, err := config.EnsureDirs(conf)
	assert.NilError(t, err)
	s, err := New(conf)
	assert.NilError(t, err)
	return s
}

// S3 — snapshot chain. prepare(a)->commit(A)->prepare(b,A)->commit(B)->
// prepare(c,B) yields one overlay mount lowerdir=fs(B):fs(A).
func TestSnapshotChain(t *testing.T) {
	s := newTestSnapshotter(t)

	_, err := s.Prepare("a", "", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit("A", "a", nil))

	infoA, err := s.Stat("A")
	assert.NilError(t, err)
	assert.Equal(t, infoA.Kind, types.SnapshotCommitted)

	_, err = s.Prepare("b", "A", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit("B", "b", nil))

	mounts, err := s.Prepare("c", "B", nil)
	assert.NilError(t, err)
	assert.Equal(t, len(mounts), 1)
	assert.Equal(t, mounts[0].Type, "overlay")

	lowerdir := findOption(mounts[0].Options, "lowerdir=")
	assert.Equal(t, lowerdir, "lowerdir="+s.fsDir("B")+":"+s.fsDir("A"))

	upperdir := findOption(mounts[0].Options, "upperdir=")
	assert.Equal(t, upperdir, "upperdir="+s.fsDir("c"))
}

func findOption(opts []string, prefix string) string {
	for _, o := range opts {
		if strings.HasPrefix(o, prefix) {
			return o
		}
	}
	return ""
}

// property 4 — after prepare(k, parent=p) succeeds, stat(p).kind == Committed;
// commit(c,a) requires stat(a).kind == Active; after success stat(c).kind ==
// Committed and stat(a) is NotFound.
func TestCommitRequiresActiveAndRemovesOldEntry(t *testing.T) {
	s := newTestSnapshotter(t)

	_, err := s.Prepare("active1", "", nil)
	assert.NilError(t, err)

	err = s.Commit("bad", "active1", nil)
	assert.NilError(t, err)

	// Committing again with the same (now-gone) active key fails NotFound.
	err = s.Commit("bad2", "active1", nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Stat("active1")
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := s.Stat("bad")
	assert.NilError(t, err)
	assert.Equal(t, info.Kind, types.SnapshotCommitted)

	// Committing a Committed (non-Active) snapshot is rejected.
	err = s.Commit("bad3", "bad", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCommitRejectsNonActiveSource(t *testing.T) {
	s := newTestSnapshotter(t)
	_, err := s.Prepare("a", "", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit("A", "a", nil))

	err = s.Commit("A2", "A", nil)
	assert.ErrorIs(t, err, ErrInvalidState)
}

// property 5 — remove with dependents fails with HasDependents and leaves
// stat(k) unchanged.
func TestRemoveWithDependentsFails(t *testing.T) {
	s := newTestSnapshotter(t)
	_, err := s.Prepare("a", "", nil)
	assert.NilError(t, err)
	assert.NilError(t, s.Commit("A", "a", nil))
	_, err = s.Prepare("b", "A", nil)
	assert.NilError(t, err)

	err = s.Remove("A")
	assert.ErrorIs(t, err, ErrHasDependents)

	_, err = s.Stat("A")
	assert.NilError(t, err, "A must remain after a failed remove")
}

func TestPrepareDuplicateKeyFailsAlreadyExists(t *testing.T) {
	s := newTestSnapshotter(t)
	_, err := s.Prepare("dup", "", nil)
	assert.NilError(t, err)
	_, err = s.Prepare("dup", "", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

type fakeBlobStore struct {
	blobs map[types.Digest][]byte
}

func (f fakeBlobStore) GetBlob(d types.Digest, _, _ int64) (io.ReadCloser, error) {
	data, ok := f.blobs[d]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Intra-layer whiteout: a single layer's own tarball lists a file and then
// (later in the same stream) a whiteout for it — the final extracted state
// must lack the file. Cross-layer merged-view whiteout correctness (S4, a
// lower layer's /etc/hosts hidden by an upper layer's etc/.wh.hosts) is the
// rootfs builder's concern (spec.md §4.5 copies lower dirs bottom-up
// honoring whiteouts) and is exercised in package rootfs's tests, not
// here — extract_layer only ever unpacks one layer's tar into its own
// fresh fs/.
func TestExtractLayerWhiteout(t *testing.T) {
	s := newTestSnapshotter(t)

	data, d := orderedGzippedTar(t, []tarEntry{
		{name: "etc/hosts", content: "127.0.0.1 localhost\n"},
		{name: "etc/.wh.hosts"},
	})
	store := fakeBlobStore{blobs: map[types.Digest][]byte{d: data}}

	committed, _, err := s.ExtractLayer(store, d, "", "layer", nil)
	assert.NilError(t, err)
	assert.Assert(t, !fileExists(filepath.Join(s.fsDir(committed), "etc", "hosts")))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Opaque whiteout within a single layer's own tar: an entry appearing
// before "etc/.wh..wh..opq" in the same stream is cleared once the opaque
// marker is read, before later entries in the stream are applied.
func TestExtractLayerOpaqueWhiteoutClearsDir(t *testing.T) {
	s := newTestSnapshotter(t)

	data, d := orderedGzippedTar(t, []tarEntry{
		{name: "etc/oldfile", content: "stale"},
		{name: "etc/.wh..wh..opq"},
		{name: "etc/resolv.conf", content: "nameserver 8.8.8.8\n"},
	})
	store := fakeBlobStore{blobs: map[types.Digest][]byte{d: data}}

	committed, _, err := s.ExtractLayer(store, d, "", "opaque", nil)
	assert.NilError(t, err)

	assert.Assert(t, !fileExists(filepath.Join(s.fsDir(committed), "etc", "oldfile")))
	assert.Assert(t, fileExists(filepath.Join(s.fsDir(committed), "etc", "resolv.conf")))
}

type tarEntry struct {
	name    string
	content string
}

// orderedGzippedTar writes entries in the given slice order (map iteration
// in Go is randomized, which would make opaque-whiteout ordering tests flaky).
func orderedGzippedTar(t *testing.T, entries []tarEntry) ([]byte, types.Digest) {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.content))}
		assert.NilError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(e.content))
		assert.NilError(t, err)
	}
	assert.NilError(t, tw.Close())

	var gzBuf bytes.Buffer
	gw := gzip.NewWriter(&gzBuf)
	_, err := gw.Write(tarBuf.Bytes())
	assert.NilError(t, err)
	assert.NilError(t, gw.Close())

	return gzBuf.Bytes(), "sha256:opaque-layer"
}

func TestCleanupRemovesOrphanedDirs(t *testing.T) {
	s := newTestSnapshotter(t)
	orphan := s.snapshotDir("orphan")
	assert.NilError(t, os.MkdirAll(filepath.Join(orphan, "fs"), 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(orphan, "fs", "f"), []byte("data"), 0o644))

	reclaimed, err := s.Cleanup(context.Background())
	assert.NilError(t, err)
	assert.Assert(t, reclaimed >= int64(len("data")))
	assert.Assert(t, !fileExists(orphan))
}
