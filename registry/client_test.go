package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"

	"github.com/rossvm/ross/types"
)

func testRef(t *testing.T, ts *httptest.Server, repo, tag string) Reference {
	t.Helper()
	host := strings.TrimPrefix(ts.URL, "http://")
	return Reference{Registry: host, Repository: repo, Tag: tag}
}

func TestGetManifestNoAuth(t *testing.T) {
	manifest := v1.Manifest{
		Config: v1.Descriptor{MediaType: "application/vnd.oci.image.config.v1+json", Digest: "sha256:config"},
	}
	body, err := json.Marshal(manifest)
	assert.NilError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/v2/lib/img/manifests/latest")
		w.Header().Set("Content-Type", types.MediaTypeOCIManifest)
		w.Header().Set("Docker-Content-Digest", "sha256:deadbeef")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	ref := testRef(t, ts, "lib/img", "latest")
	result, err := c.GetManifest(context.Background(), ref)
	assert.NilError(t, err)
	assert.Assert(t, result.Manifest != nil)
	assert.Equal(t, result.Digest, types.Digest("sha256:deadbeef"))
	assert.Equal(t, result.Manifest.Config.Digest, digest.Digest("sha256:config"))
}

// TestGetManifestRetriesOnceAfterAuthChallenge exercises the retry-exactly-
// once-after-401 handshake (spec.md §4.3 / §7).
func TestGetManifestRetriesOnceAfterAuthChallenge(t *testing.T) {
	var tokenCalls, manifestCalls int

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		assert.Equal(t, r.URL.Query().Get("scope"), "repository:lib/img:pull")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok123"})
	}))
	defer tokenSrv.Close()

	manifest := v1.Manifest{}
	body, err := json.Marshal(manifest)
	assert.NilError(t, err)

	regSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		manifestCalls++
		if r.Header.Get("Authorization") != "Bearer tok123" {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q,service="registry"`, tokenSrv.URL))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", types.MediaTypeOCIManifest)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer regSrv.Close()

	c := New(5 * time.Second)
	ref := testRef(t, regSrv, "lib/img", "latest")
	result, err := c.GetManifest(context.Background(), ref)
	assert.NilError(t, err)
	assert.Assert(t, result.Manifest != nil)
	assert.Equal(t, tokenCalls, 1)
	assert.Equal(t, manifestCalls, 2)

	// Second call reuses the cached token: no further token handshake.
	_, err = c.GetManifest(context.Background(), ref)
	assert.NilError(t, err)
	assert.Equal(t, tokenCalls, 1)
}

func TestGetManifestNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	ref := testRef(t, ts, "lib/img", "missing")
	_, err := c.GetManifest(context.Background(), ref)
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

func TestGetManifestForPlatformSelectsChild(t *testing.T) {
	childDigest := types.Digest("sha256:child")
	idx := v1.Index{
		Manifests: []v1.Descriptor{
			{Digest: "sha256:other", Platform: &v1.Platform{OS: "linux", Architecture: "arm64"}},
			{Digest: childDigest, Platform: &v1.Platform{OS: "linux", Architecture: "amd64"}},
		},
	}
	idxBody, err := json.Marshal(idx)
	assert.NilError(t, err)
	childBody, err := json.Marshal(v1.Manifest{})
	assert.NilError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/lib/img/manifests/latest":
			w.Header().Set("Content-Type", types.MediaTypeOCIIndex)
			_, _ = w.Write(idxBody)
		case "/v2/lib/img/manifests/" + string(childDigest):
			w.Header().Set("Content-Type", types.MediaTypeOCIManifest)
			_, _ = w.Write(childBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	ref := testRef(t, ts, "lib/img", "latest")
	result, err := c.GetManifestForPlatform(context.Background(), ref, "linux", "amd64")
	assert.NilError(t, err)
	assert.Assert(t, result.Manifest != nil)
}

func TestGetBlobBytes(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, r.URL.Path, "/v2/lib/img/blobs/sha256:abc")
		_, _ = w.Write([]byte("blobdata"))
	}))
	defer ts.Close()

	c := New(5 * time.Second)
	ref := testRef(t, ts, "lib/img", "latest")
	data, err := c.GetBlobBytes(context.Background(), ref, "sha256:abc")
	assert.NilError(t, err)
	assert.Equal(t, string(data), "blobdata")
}
