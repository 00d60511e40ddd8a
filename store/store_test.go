package store

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.RunDir = t.TempDir()
	conf.LogDir = t.TempDir()
	conf, err := config.EnsureDirs(conf)
	assert.NilError(t, err)
	return New(conf)
}

// S1 — put/get, and property 1 (digest integrity).
func TestPutBlobGetBlob(t *testing.T) {
	s := newTestStore(t)

	d, size, err := s.PutBlob("application/octet-stream", strings.NewReader("hello"), "")
	assert.NilError(t, err)
	assert.Equal(t, string(d), "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	assert.Equal(t, size, int64(5))

	rc, err := s.GetBlob(d, 0, -1)
	assert.NilError(t, err)
	defer rc.Close() //nolint:errcheck
	full, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Equal(t, string(full), "hello")

	rc, err = s.GetBlob(d, 1, 3)
	assert.NilError(t, err)
	defer rc.Close() //nolint:errcheck
	part, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Equal(t, string(part), "ell")
}

// property 2 — put-with-expected succeeds only when the expected digest
// matches, and a mismatch leaves no observable state change.
func TestPutBlobExpectedDigest(t *testing.T) {
	s := newTestStore(t)

	correct, _, err := s.PutBlob("application/octet-stream", strings.NewReader("hello"), "")
	assert.NilError(t, err)

	_, _, err = s.PutBlob("application/octet-stream", strings.NewReader("hello"), correct)
	assert.NilError(t, err)

	wrong := types.Digest("sha256:" + strings.Repeat("0", 64))
	_, _, err = s.PutBlob("application/octet-stream", strings.NewReader("hello"), wrong)
	assert.ErrorIs(t, err, ErrDigestMismatch)

	// The mismatched write must not have displaced the already-committed blob.
	rc, err := s.GetBlob(correct, 0, -1)
	assert.NilError(t, err)
	defer rc.Close() //nolint:errcheck
	data, err := io.ReadAll(rc)
	assert.NilError(t, err)
	assert.Equal(t, string(data), "hello")
}

// Writing identical content twice is idempotent: same digest, same bytes.
func TestPutBlobIdempotent(t *testing.T) {
	s := newTestStore(t)

	d1, _, err := s.PutBlob("application/octet-stream", strings.NewReader("same content"), "")
	assert.NilError(t, err)
	d2, _, err := s.PutBlob("application/octet-stream", strings.NewReader("same content"), "")
	assert.NilError(t, err)
	assert.Equal(t, d1, d2)
}

func TestGetBlobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetBlob(types.Digest("sha256:"+strings.Repeat("0", 64)), 0, -1)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

// S2 — tag lifecycle, and property 3 (tag round-trip, prior digest returned).
func TestSetTagResolveTag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1, _, err := s.PutManifest([]byte(`{"a":1}`), types.MediaTypeOCIManifest)
	assert.NilError(t, err)
	d2, _, err := s.PutManifest([]byte(`{"a":2}`), types.MediaTypeOCIManifest)
	assert.NilError(t, err)

	prev, err := s.SetTag(ctx, "library/nginx", "latest", d1)
	assert.NilError(t, err)
	assert.Equal(t, prev, types.Digest(""))

	prev, err = s.SetTag(ctx, "library/nginx", "latest", d2)
	assert.NilError(t, err)
	assert.Equal(t, prev, d1)

	resolved, mediaType, err := s.ResolveTag("library/nginx", "latest")
	assert.NilError(t, err)
	assert.Equal(t, resolved, d2)
	assert.Equal(t, mediaType, types.MediaTypeOCIManifest)
}

func TestResolveTagNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.ResolveTag("library/nope", "latest")
	assert.ErrorIs(t, err, ErrTagNotFound)
}

func TestPutManifestRoutesIndexByMediaType(t *testing.T) {
	s := newTestStore(t)
	index := []byte(`{"schemaVersion":2,"manifests":[]}`)
	d, _, err := s.PutManifest(index, types.MediaTypeOCIIndex)
	assert.NilError(t, err)

	data, mt, err := s.GetManifest(d)
	assert.NilError(t, err)
	assert.Equal(t, mt, types.MediaTypeOCIIndex)
	assert.Assert(t, is.Equal(string(data), string(index)))
}

// GarbageCollect: an untagged manifest and its unique blobs are reclaimed
// when deleteUntagged is true; a tagged manifest's blobs survive.
func TestGarbageCollectReclaimsUntagged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keptBlob, _, err := s.PutBlob("application/octet-stream", bytes.NewReader([]byte("kept")), "")
	assert.NilError(t, err)
	orphanBlob, _, err := s.PutBlob("application/octet-stream", bytes.NewReader([]byte("orphan")), "")
	assert.NilError(t, err)

	keptManifest := manifestJSON(t, keptBlob)
	keptDigest, _, err := s.PutManifest(keptManifest, types.MediaTypeOCIManifest)
	assert.NilError(t, err)
	_, err = s.SetTag(ctx, "library/kept", "latest", keptDigest)
	assert.NilError(t, err)

	orphanManifest := manifestJSON(t, orphanBlob)
	orphanDigest, _, err := s.PutManifest(orphanManifest, types.MediaTypeOCIManifest)
	assert.NilError(t, err)

	// Dry run must report the same removal set as a real run, and must not
	// touch disk.
	dryReport, err := s.GarbageCollect(ctx, true, true, nil)
	assert.NilError(t, err)
	assert.Equal(t, dryReport.ManifestsRemoved, 1)
	assert.Equal(t, dryReport.BlobsRemoved, 1)

	_, _, err = s.GetManifest(orphanDigest)
	assert.NilError(t, err, "dry run must not have deleted anything")

	report, err := s.GarbageCollect(ctx, false, true, nil)
	assert.NilError(t, err)
	assert.Equal(t, report.ManifestsRemoved, 1)
	assert.Equal(t, report.BlobsRemoved, 1)

	_, _, err = s.GetManifest(orphanDigest)
	assert.ErrorIs(t, err, ErrManifestNotFound)
	_, err = s.GetBlob(orphanBlob, 0, -1)
	assert.ErrorIs(t, err, ErrBlobNotFound)

	// The tagged manifest and its blob must have survived.
	_, _, err = s.GetManifest(keptDigest)
	assert.NilError(t, err)
	rc, err := s.GetBlob(keptBlob, 0, -1)
	assert.NilError(t, err)
	rc.Close() //nolint:errcheck
}

// extraBlobs protects a blob from collection even when no surviving
// manifest references it — exercised the same way `ross gc` protects a VM's
// rootfs blobs via Supervisor.UsedImageBlobDigests.
func TestGarbageCollectExtraBlobsProtected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	protected, _, err := s.PutBlob("application/octet-stream", bytes.NewReader([]byte("protected")), "")
	assert.NilError(t, err)

	report, err := s.GarbageCollect(ctx, false, true, map[types.Digest]struct{}{protected: {}})
	assert.NilError(t, err)
	assert.Equal(t, report.BlobsRemoved, 0)

	rc, err := s.GetBlob(protected, 0, -1)
	assert.NilError(t, err)
	rc.Close() //nolint:errcheck
}

func manifestJSON(t *testing.T, configDigest types.Digest) []byte {
	t.Helper()
	return []byte(`{"schemaVersion":2,"config":{"mediaType":"application/vnd.oci.image.config.v1+json","digest":"` +
		string(configDigest) + `","size":0},"layers":[]}`)
}
