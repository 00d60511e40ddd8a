package types

import (
	"time"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor, Manifest and Index are exactly the OCI image-spec types; Ross
// does not redefine its own shapes for documents it merely stores and
// relays — the corpus (images/oci/image.go) does the same.
type (
	Descriptor = v1.Descriptor
	Manifest   = v1.Manifest
	Index      = v1.Index
)

// Canonical accepted media types for manifest/index fetch (§4.3).
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeOCIManifest        = v1.MediaTypeImageManifest
	MediaTypeOCIIndex           = v1.MediaTypeImageIndex
)

// AcceptedManifestMediaTypes is the Accept header value set sent with every
// GET /v2/<repo>/manifests/<ref> request.
var AcceptedManifestMediaTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	MediaTypeOCIManifest,
	MediaTypeOCIIndex,
}

// BlobInfo is the metadata sidecar persisted alongside every blob and
// manifest on disk (§4.1).
type BlobInfo struct {
	Digest     Digest    `json:"digest"`
	MediaType  string    `json:"media_type"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Tag names a manifest or index digest within a repository (§3).
type Tag struct {
	Repository string    `json:"repository"`
	Name       string    `json:"name"`
	Digest     Digest    `json:"digest"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GCReport summarizes the result of a Store.GarbageCollect call (§4.1).
type GCReport struct {
	BlobsRemoved     int      `json:"blobs_removed"`
	ManifestsRemoved int      `json:"manifests_removed"`
	BytesFreed       int64    `json:"bytes_freed"`
	RemovedDigests   []Digest `json:"removed_digests"`
}
