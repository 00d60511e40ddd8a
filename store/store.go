// Package store implements the content-addressed blob/manifest/tag store
// (spec.md §4.1): an immutable, digest-keyed filesystem layout for blobs
// and manifests, plus a mutable repository/tag namespace and reachability
// based garbage collection.
//
// Grounded on the donor's images/oci/store.go (JSON-indexed metadata over a
// flat blob directory) and storage/json.Store's atomic-write-under-flock
// pattern, generalized from a single EROFS-blob namespace to the three
// namespaces (blobs, manifests/indexes, tags) spec.md §4.1 requires.
package store

import (
	"errors"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/config"
	"github.com/rossvm/ross/types"
)

// Sentinel errors, classified at the CLI/RPC boundary per spec.md §7.
var (
	ErrBlobNotFound     = errors.New("blob not found")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrTagNotFound      = errors.New("tag not found")
	ErrDigestMismatch   = errors.New("digest mismatch")
)

// Store is the content-addressed store described in spec.md §4.1. It is a
// long-lived component constructed once at daemon start (spec.md §9:
// "explicitly constructed components with clear lifecycles; no
// process-wide singletons") and is safe for concurrent use — writes are
// safe by content-addressing (same bytes, same path) and tag writes use
// write-temp-then-rename serialized per (repo, tag) path.
type Store struct {
	conf *config.Config
}

// New constructs a Store rooted at conf's store directories. Callers must
// have already called config.EnsureDirs.
func New(conf *config.Config) *Store {
	return &Store{conf: conf}
}

func (s *Store) logger(op string) log.Logger { return log.WithFunc("store." + op) }

// blobPath, manifestPath and indexPath return the content path for a digest
// within their respective namespace (§4.1's normative on-disk layout).
func (s *Store) blobPath(d types.Digest) string {
	return filepath.Join(s.conf.BlobsDir(), string(d.Algorithm()), d.Encoded())
}

func (s *Store) manifestPath(d types.Digest) string {
	return filepath.Join(s.conf.ManifestsDir(), string(d.Algorithm()), d.Encoded())
}

func (s *Store) indexPath(d types.Digest) string {
	return filepath.Join(s.conf.IndexesDir(), string(d.Algorithm()), d.Encoded())
}

func metaPath(contentPath string) string { return contentPath + ".meta" }

func isIndexMediaType(mt string) bool {
	return mt == types.MediaTypeOCIIndex || mt == types.MediaTypeDockerManifestList
}
