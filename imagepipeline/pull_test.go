package imagepipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	digest "github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"gotest.tools/v3/assert"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/registry"
	"github.com/rossvm/ross/store"
	"github.com/rossvm/ross/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	conf := config.DefaultConfig()
	conf.RootDir = t.TempDir()
	conf.RunDir = t.TempDir()
	conf.LogDir = t.TempDir()
	conf, err := config.EnsureDirs(conf)
	assert.NilError(t, err)
	return store.New(conf)
}

func sha256Digest(data []byte) digest.Digest {
	sum := sha256.Sum256(data)
	return digest.NewDigestFromBytes(digest.SHA256, sum[:])
}

type recordingTracker struct {
	mu     sync.Mutex
	events []types.PullEvent
}

func (r *recordingTracker) OnEvent(e any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.(types.PullEvent))
}

func (r *recordingTracker) statuses(id string) []types.PullStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.PullStatus
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.Status)
		}
	}
	return out
}

// buildTestImage serves a single-layer manifest + config + layer blob from
// an httptest.Server and returns the registry.Reference pointing at it.
func buildTestImage(t *testing.T) (*httptest.Server, registry.Reference, []byte, []byte) {
	t.Helper()

	configBytes := []byte(`{"architecture":"amd64","os":"linux"}`)
	configDigest := sha256Digest(configBytes)

	layerBytes := []byte("layer-content")
	layerDigest := sha256Digest(layerBytes)

	manifest := v1.Manifest{
		SchemaVersion: 2,
		MediaType:     types.MediaTypeOCIManifest,
		Config: v1.Descriptor{
			MediaType: "application/vnd.oci.image.config.v1+json",
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers: []v1.Descriptor{
			{
				MediaType: "application/vnd.oci.image.layer.v1.tar",
				Digest:    layerDigest,
				Size:      int64(len(layerBytes)),
			},
		},
	}
	manifestBytes, err := json.Marshal(manifest)
	assert.NilError(t, err)

	var mux http.ServeMux
	mux.HandleFunc("/v2/lib/img/manifests/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", types.MediaTypeOCIManifest)
		w.Header().Set("Docker-Content-Digest", sha256Digest(manifestBytes).String())
		_, _ = w.Write(manifestBytes)
	})
	mux.HandleFunc(fmt.Sprintf("/v2/lib/img/blobs/%s", configDigest), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(configBytes)
	})
	mux.HandleFunc(fmt.Sprintf("/v2/lib/img/blobs/%s", layerDigest), func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(layerBytes)
	})

	ts := httptest.NewServer(&mux)
	t.Cleanup(ts.Close)

	ref := registry.Reference{
		Registry:   strings.TrimPrefix(ts.URL, "http://"),
		Repository: "lib/img",
		Tag:        "latest",
	}
	return ts, ref, configBytes, layerBytes
}

func TestPullStoresBlobsAndTagsManifest(t *testing.T) {
	ts, ref, configBytes, layerBytes := buildTestImage(t)
	_ = ts

	st := newTestStore(t)
	conf := config.DefaultConfig()
	conf.PoolSize = 2
	client := registry.New(5 * time.Second)
	puller := NewWithClient(conf, st, client)

	tracker := &recordingTracker{}
	imageRef := ref.Registry + "/" + ref.Repository + ":latest"
	err := puller.Pull(context.Background(), imageRef, tracker)
	assert.NilError(t, err)

	configDigest := sha256Digest(configBytes)
	_, err = st.StatBlob(types.Digest(configDigest.String()))
	assert.NilError(t, err)

	layerDigest := sha256Digest(layerBytes)
	_, err = st.StatBlob(types.Digest(layerDigest.String()))
	assert.NilError(t, err)

	_, _, err = st.ResolveTag("lib/img", "latest")
	assert.NilError(t, err)

	// Per-layer event order is monotonic: Downloading -> Downloaded -> Stored.
	layerStatuses := tracker.statuses(layerDigest.String())
	assert.DeepEqual(t, layerStatuses, []types.PullStatus{
		types.PullDownloading, types.PullDownloaded, types.PullStored,
	})

	terminal := tracker.statuses(imageRef)
	assert.Assert(t, len(terminal) >= 2)
	assert.Equal(t, terminal[len(terminal)-1], types.PullDownloadedNew)
}

func TestPullSecondTimeReportsExistsAndUpToDate(t *testing.T) {
	_, ref, _, layerBytes := buildTestImage(t)

	st := newTestStore(t)
	conf := config.DefaultConfig()
	client := registry.New(5 * time.Second)
	puller := NewWithClient(conf, st, client)

	imageRef := ref.Registry + "/" + ref.Repository + ":latest"
	assert.NilError(t, puller.Pull(context.Background(), imageRef, nil))

	tracker := &recordingTracker{}
	assert.NilError(t, puller.Pull(context.Background(), imageRef, tracker))

	assert.DeepEqual(t, tracker.statuses(sha256Digest(layerBytes).String()), []types.PullStatus{types.PullExists})

	terminal := tracker.statuses(imageRef)
	assert.Equal(t, terminal[len(terminal)-1], types.PullUpToDate)
}
