package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rossvm/ross/types"
)

// reachability is the pure, disk-read-only result of walking every tag and
// its transitive closure of manifests/indexes/blobs. GarbageCollect's dry-run
// and real paths both compute this the same way, so a dry-run report can never
// diverge from what an actual collection would remove.
type reachability struct {
	// reachableManifests holds digests of manifests/indexes pointed to
	// (directly or, for indexes, via a child manifest) by a tag.
	reachableManifests map[types.Digest]struct{}
	// reachableBlobs holds digests of blobs referenced as a config or layer
	// by a reachable manifest (§9: transitive blob reachability, the
	// "obvious extension" of the literal manifest-only sweep — see
	// DESIGN.md's GC decision entry for why both are implemented).
	reachableBlobs map[types.Digest]struct{}
}

// computeReachability walks every tag (or, if deleteUntagged is false, every
// manifest/index on disk) to build the reachable set. extraBlobs are digests
// an external caller wants protected regardless of tag reachability — e.g.
// `ross gc` passing Supervisor.UsedImageBlobDigests (every VM record's
// ImageBlobIDs) for blobs a VM's rootfs is still built from, even if its
// image was untagged.
func (s *Store) computeReachability(ctx context.Context, deleteUntagged bool, extraBlobs map[types.Digest]struct{}) (*reachability, error) {
	r := &reachability{
		reachableManifests: map[types.Digest]struct{}{},
		reachableBlobs:     map[types.Digest]struct{}{},
	}
	for d := range extraBlobs {
		r.reachableBlobs[d] = struct{}{}
	}

	var roots []types.Digest
	if deleteUntagged {
		tags, err := s.allTags()
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			roots = append(roots, t.Digest)
		}
	} else {
		ds, err := s.allManifestDigests()
		if err != nil {
			return nil, err
		}
		roots = ds
	}

	for _, d := range roots {
		if err := s.walkManifest(d, r); err != nil {
			s.logger("computeReachability").Warnf(ctx, "skipping unreadable manifest %s: %s", d, err)
		}
	}
	return r, nil
}

// walkManifest marks d (and, transitively, everything it references) reachable.
func (s *Store) walkManifest(d types.Digest, r *reachability) error {
	if _, ok := r.reachableManifests[d]; ok {
		return nil
	}
	r.reachableManifests[d] = struct{}{}

	data, mediaType, err := s.GetManifest(d)
	if err != nil {
		return err
	}
	manifest, index, err := decodeManifestOrIndex(mediaType, data)
	if err != nil {
		return err
	}

	if index != nil {
		for _, m := range index.Manifests {
			if err := s.walkManifest(types.Digest(m.Digest), r); err != nil {
				return err
			}
		}
		return nil
	}

	r.reachableBlobs[types.Digest(manifest.Config.Digest)] = struct{}{}
	for _, l := range manifest.Layers {
		r.reachableBlobs[types.Digest(l.Digest)] = struct{}{}
	}
	return nil
}

// allManifestDigests lists every digest currently present in either the
// manifests or indexes namespace, used when deleteUntagged is false so GC
// only reclaims orphaned blobs, never manifests a tag might still resolve to
// later.
func (s *Store) allManifestDigests() ([]types.Digest, error) {
	var out []types.Digest
	for _, dir := range []string{s.conf.ManifestsDir(), s.conf.IndexesDir()} {
		if err := walkDigestDir(dir, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func walkDigestDir(root string, out *[]types.Digest) error {
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".meta" {
			return nil
		}
		alg := filepath.Base(filepath.Dir(path))
		*out = append(*out, types.Digest(alg+":"+filepath.Base(path)))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("walk %s: %w", root, err)
	}
	return nil
}

// GarbageCollect reclaims manifests/indexes and blobs unreachable from any
// tag (or, when deleteUntagged is false, unreachable from any manifest on
// disk regardless of tagging — only truly orphaned blobs are removed). When
// dryRun is true no filesystem mutation occurs; the returned report
// describes exactly what a non-dry-run call with identical arguments would
// remove, since both paths share computeReachability and differ only in
// whether the sweep actually calls os.Remove (spec.md §9: "the design keeps
// Resolve pure ... and Collect as the only phase that touches disk").
//
// extraBlobs protects additional blob digests from removal regardless of
// manifest reachability — `ross gc` passes Supervisor.UsedImageBlobDigests
// (every VM record's ImageBlobIDs) for every blob a VM's rootfs still
// depends on.
func (s *Store) GarbageCollect(ctx context.Context, dryRun, deleteUntagged bool, extraBlobs map[types.Digest]struct{}) (types.GCReport, error) {
	log := s.logger("GarbageCollect")

	r, err := s.computeReachability(ctx, deleteUntagged, extraBlobs)
	if err != nil {
		return types.GCReport{}, fmt.Errorf("garbage collect: %w", err)
	}

	report := types.GCReport{RemovedDigests: []types.Digest{}}

	manifestDigests, err := s.allManifestDigests()
	if err != nil {
		return types.GCReport{}, fmt.Errorf("garbage collect: %w", err)
	}
	for _, d := range manifestDigests {
		if _, keep := r.reachableManifests[d]; keep {
			continue
		}
		if !dryRun {
			if err := s.DeleteManifest(d); err != nil {
				log.Warnf(ctx, "delete manifest %s: %s", d, err)
				continue
			}
		}
		report.ManifestsRemoved++
		report.RemovedDigests = append(report.RemovedDigests, d)
	}

	blobDigests, err := s.allBlobDigests()
	if err != nil {
		return types.GCReport{}, fmt.Errorf("garbage collect: %w", err)
	}
	for _, d := range blobDigests {
		if _, keep := r.reachableBlobs[d]; keep {
			continue
		}
		info, statErr := s.StatBlob(d)
		if !dryRun {
			if err := s.deleteBlob(d); err != nil {
				log.Warnf(ctx, "delete blob %s: %s", d, err)
				continue
			}
		}
		report.BlobsRemoved++
		report.RemovedDigests = append(report.RemovedDigests, d)
		if statErr == nil && info != nil {
			report.BytesFreed += info.Size
		}
	}

	return report, nil
}

func (s *Store) allBlobDigests() ([]types.Digest, error) {
	var out []types.Digest
	if err := walkDigestDir(s.conf.BlobsDir(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) deleteBlob(d types.Digest) error {
	path := s.blobPath(d)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete blob %s: %w", d, err)
	}
	_ = os.Remove(metaPath(path))
	return nil
}
