package imagepipeline

import (
	"encoding/json"
	"fmt"

	"github.com/rossvm/ross/snapshotter"
	"github.com/rossvm/ross/store"
	"github.com/rossvm/ross/types"
)

// Resolver turns a tagged (or untagged-by-digest) image in the store into
// the ordered chain of committed snapshots a VM's rootfs is built from,
// extracting any layer the snapshotter hasn't already committed. This is
// the missing link between Pull (which only deposits blobs and a manifest)
// and vmsupervisor.Create (which wants ready-to-mount types.Mount slices) —
// spec.md names both halves but never the glue between them, since the
// donor keeps the equivalent glue inline in its images/oci backend's
// Config method; here it's pulled out so any image backend can share it.
type Resolver struct {
	store *store.Store
	snap  *snapshotter.Snapshotter
}

// NewResolver builds a Resolver over an already-constructed store and
// snapshotter (both long-lived, explicitly wired — spec.md §9).
func NewResolver(st *store.Store, snap *snapshotter.Snapshotter) *Resolver {
	return &Resolver{store: st, snap: snap}
}

// Resolved is what a VM create flow needs out of an image reference.
type Resolved struct {
	Mounts       []types.Mount
	TopKey       string
	BlobIDs      map[string]struct{} // hex digests: config + every layer
	ManifestJSON []byte
}

// Resolve resolves repository:tag (or repository@digest, via ref's own
// "tag" field carrying the digest string for untagged pulls — see
// registry.ParseReference) to a ready rootfs: walks the manifest's layer
// list in order, extracting any layer whose snapshot key isn't already
// committed, and returns the final layer's mounts.
func (r *Resolver) Resolve(repository, tag string) (*Resolved, error) {
	manifestDigest, _, err := r.store.ResolveTag(repository, tag)
	if err != nil {
		return nil, fmt.Errorf("resolve %s:%s: %w", repository, tag, err)
	}

	raw, _, err := r.store.GetManifest(manifestDigest)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", manifestDigest, err)
	}
	var manifest types.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", manifestDigest, err)
	}

	blobIDs := map[string]struct{}{digestHex(types.Digest(manifest.Config.Digest)): {}}

	var parent string
	for i, layer := range manifest.Layers {
		d := types.Digest(layer.Digest)
		blobIDs[digestHex(d)] = struct{}{}

		key := snapshotKey(repository, manifestDigest, i)
		if _, statErr := r.snap.Stat(key); statErr == nil {
			parent = key
			continue
		}

		committed, _, extractErr := r.snap.ExtractLayer(r.store, d, parent, key, map[string]string{
			"image.repository": repository,
			"layer.digest":     string(d),
		})
		if extractErr != nil {
			return nil, fmt.Errorf("extract layer %d/%d (%s): %w", i+1, len(manifest.Layers), d, extractErr)
		}
		parent = committed
	}

	if parent == "" {
		return nil, fmt.Errorf("resolve %s:%s: manifest has no layers", repository, tag)
	}

	mounts, err := r.snap.Mounts(parent)
	if err != nil {
		return nil, fmt.Errorf("mounts for %s: %w", parent, err)
	}

	return &Resolved{Mounts: mounts, TopKey: parent, BlobIDs: blobIDs, ManifestJSON: raw}, nil
}

// snapshotKey is deterministic per (repository, manifest, layer index) so a
// repeated Resolve against the same manifest reuses already-extracted
// layers instead of re-extracting them every VM create.
func snapshotKey(repository string, manifestDigest types.Digest, index int) string {
	return fmt.Sprintf("%s@%s/%d", repository, digestHex(manifestDigest), index)
}

func digestHex(d types.Digest) string {
	return d.Encoded()
}
