// Package imagepipeline implements the staged image pull described in
// spec.md §4.4: resolve -> config -> layer fan-out -> finalize, emitting a
// sequence of progress events as it goes.
//
// Grounded on the donor's images/oci/pull.go (fetchAndProcess's
// resolve-then-fan-out shape, errgroup.SetLimit bounded concurrency) and
// progress/progress.go's generic Tracker[E]; the donor fetches through
// github.com/google/go-containerregistry's remote.Image and converts each
// layer to EROFS, where this pipeline fetches through the registry
// package's hand-rolled client and stores layers verbatim as blobs for the
// snapshotter to later extract.
package imagepipeline

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/progress"
	"github.com/rossvm/ross/registry"
	"github.com/rossvm/ross/store"
	"github.com/rossvm/ross/types"
)

// Puller drives the pull pipeline against one registry client and one
// content store. Both are long-lived, explicitly constructed collaborators
// (spec.md §9): no package-level singletons.
type Puller struct {
	conf   *config.Config
	client *registry.Client
	store  *store.Store
}

// New constructs a Puller. timeout bounds the registry client's per-request
// deadline (spec.md §4.4: the overall pull itself has no deadline of its own).
func New(conf *config.Config, st *store.Store, timeout time.Duration) *Puller {
	return &Puller{conf: conf, client: registry.New(timeout), store: st}
}

func (p *Puller) logger(op string) log.Logger { return log.WithFunc("imagepipeline." + op) }

// NewWithClient builds a Puller around an already-constructed registry
// client, for tests and for callers that need a non-default client (proxy,
// custom TLS config, ...).
func NewWithClient(conf *config.Config, st *store.Store, client *registry.Client) *Puller {
	return &Puller{conf: conf, client: client, store: st}
}

// Pull implements spec.md §4.4's four stages, emitting types.PullEvent
// through tracker as it proceeds. A partially pulled manifest is never
// tagged: on any layer/config error the whole pull aborts before
// set_tag, leaving the image unobservable.
func (p *Puller) Pull(ctx context.Context, imageRef string, tracker progress.Tracker) error {
	logger := p.logger("Pull")

	ref, err := registry.ParseReference(imageRef)
	if err != nil {
		return fmt.Errorf("pull %s: %w", imageRef, err)
	}
	emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullResolving})

	result, err := p.client.GetManifestForPlatform(ctx, ref, runtime.GOOS, runtime.GOARCH)
	if err != nil {
		emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullError, Error: err.Error()})
		return fmt.Errorf("resolve %s: %w", ref, err)
	}
	manifest := result.Manifest
	if manifest == nil {
		err := fmt.Errorf("%s: manifest has no single-platform document", ref)
		emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullError, Error: err.Error()})
		return err
	}
	emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullResolved, Progress: string(result.Digest)})

	if err := p.pullConfig(ctx, ref, manifest, tracker); err != nil {
		emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullError, Error: err.Error()})
		return err
	}

	fetchedAny, err := p.pullLayers(ctx, ref, manifest, tracker)
	if err != nil {
		emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullError, Error: err.Error()})
		return err
	}

	storedDigest, _, err := p.store.PutManifest(result.Raw, result.ContentType)
	if err != nil {
		return fmt.Errorf("store manifest for %s: %w", ref, err)
	}
	tag := ref.Tag
	if tag == "" {
		tag = string(result.Digest)
	}
	if _, err := p.store.SetTag(ctx, ref.Repository, tag, storedDigest); err != nil {
		return fmt.Errorf("tag %s:%s: %w", ref.Repository, tag, err)
	}

	emit(tracker, types.PullEvent{ID: imageRef, Status: types.PullDigest, Progress: string(storedDigest)})
	finalStatus := types.PullUpToDate
	if fetchedAny {
		finalStatus = types.PullDownloadedNew
	}
	emit(tracker, types.PullEvent{ID: imageRef, Status: finalStatus})

	logger.Infof(ctx, "pulled %s (digest %s, layers %d)", ref, storedDigest, len(manifest.Layers))
	return nil
}

func (p *Puller) pullConfig(ctx context.Context, ref registry.Reference, manifest *types.Manifest, tracker progress.Tracker) error {
	id := "config"
	if _, err := p.store.StatBlob(types.Digest(manifest.Config.Digest)); err == nil {
		return nil
	}
	emit(tracker, types.PullEvent{ID: id, Status: types.PullPulling})
	data, err := p.client.GetBlobBytes(ctx, ref, types.Digest(manifest.Config.Digest))
	if err != nil {
		return fmt.Errorf("fetch config %s: %w", manifest.Config.Digest, err)
	}
	if _, _, err := p.store.PutBlob(manifest.Config.MediaType, bytes.NewReader(data), types.Digest(manifest.Config.Digest)); err != nil {
		return fmt.Errorf("store config %s: %w", manifest.Config.Digest, err)
	}
	emit(tracker, types.PullEvent{ID: id, Status: types.PullComplete})
	return nil
}

// pullLayers fans each layer descriptor out to a bounded pool of goroutines
// (spec.md §4.4 stage 3) and reports whether any layer was actually
// fetched rather than found already present.
func (p *Puller) pullLayers(ctx context.Context, ref registry.Reference, manifest *types.Manifest, tracker progress.Tracker) (bool, error) {
	total := len(manifest.Layers)
	limit := p.conf.PoolSize
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	fetched := make([]bool, total)
	for i, layer := range manifest.Layers {
		i, layer := i, layer
		g.Go(func() error {
			did, err := p.pullOneLayer(gctx, ref, layer, i, total, tracker)
			fetched[i] = did
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, fmt.Errorf("pull layers: %w", err)
	}

	var any bool
	for _, f := range fetched {
		if f {
			any = true
			break
		}
	}
	return any, nil
}

func (p *Puller) pullOneLayer(ctx context.Context, ref registry.Reference, layer types.Descriptor, index, total int, tracker progress.Tracker) (bool, error) {
	d := types.Digest(layer.Digest)
	id := string(d)

	if _, err := p.store.StatBlob(d); err == nil {
		emit(tracker, types.PullEvent{ID: id, Status: types.PullExists, Current: int64(index + 1), Total: int64(total)})
		return false, nil
	}

	emit(tracker, types.PullEvent{ID: id, Status: types.PullDownloading, Current: int64(index + 1), Total: int64(total)})
	rc, err := p.client.GetBlobStream(ctx, ref, d)
	if err != nil {
		return false, fmt.Errorf("fetch layer %s: %w", d, err)
	}
	defer rc.Close()

	if _, _, err := p.store.PutBlob(layer.MediaType, rc, d); err != nil {
		return false, fmt.Errorf("store layer %s: %w", d, err)
	}
	emit(tracker, types.PullEvent{ID: id, Status: types.PullDownloaded, Current: int64(index + 1), Total: int64(total)})
	emit(tracker, types.PullEvent{ID: id, Status: types.PullStored, Current: int64(index + 1), Total: int64(total)})
	return true, nil
}

func emit(tracker progress.Tracker, e types.PullEvent) {
	if tracker == nil {
		return
	}
	tracker.OnEvent(e)
}
