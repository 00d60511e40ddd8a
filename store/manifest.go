package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// PutManifest stores a manifest or index document, routing it to the
// manifests or indexes namespace based on its media type (§4.1's separate
// namespace rule — "stored in separate namespaces because their media
// types are distinct").
func (s *Store) PutManifest(data []byte, mediaType string) (types.Digest, int64, error) {
	dir := s.conf.ManifestsDir()
	if isIndexMediaType(mediaType) {
		dir = s.conf.IndexesDir()
	}
	return s.putContent(dir, mediaType, bytes.NewReader(data), "")
}

// GetManifest returns the raw bytes and media type for digest d, checking
// both namespaces since the caller need not know the document's kind ahead
// of time (only resolve_tag's inferred_media_type result tells them).
func (s *Store) GetManifest(d types.Digest) ([]byte, string, error) {
	for _, path := range []string{s.manifestPath(d), s.indexPath(d)} {
		if !utils.ValidFile(path) {
			continue
		}
		data, err := os.ReadFile(path) //nolint:gosec // content-addressed path
		if err != nil {
			return nil, "", fmt.Errorf("get manifest %s: %w", d, err)
		}
		info, err := readMeta(path)
		if err != nil {
			return nil, "", err
		}
		mt := ""
		if info != nil {
			mt = info.MediaType
		}
		return data, mt, nil
	}
	return nil, "", fmt.Errorf("get manifest %s: %w", d, ErrManifestNotFound)
}

// DeleteManifest removes a manifest/index and its metadata sidecar from
// whichever namespace holds it. Used only by GC — no other caller in this
// core deletes manifests directly.
func (s *Store) DeleteManifest(d types.Digest) error {
	removed := false
	for _, path := range []string{s.manifestPath(d), s.indexPath(d)} {
		if !utils.ValidFile(path) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("delete manifest %s: %w", d, err)
		}
		_ = os.Remove(metaPath(path))
		removed = true
	}
	if !removed {
		return fmt.Errorf("delete manifest %s: %w", d, ErrManifestNotFound)
	}
	return nil
}

// decodeManifestOrIndex parses data as whichever of Manifest/Index its
// declared kind implies, used by GC's transitive-blob-reachability sweep.
func decodeManifestOrIndex(mediaType string, data []byte) (manifest *types.Manifest, index *types.Index, err error) {
	if isIndexMediaType(mediaType) {
		var idx types.Index
		if err := json.NewDecoder(bytes.NewReader(data)).Decode(&idx); err != nil {
			return nil, nil, fmt.Errorf("decode index: %w", err)
		}
		return nil, &idx, nil
	}
	var m types.Manifest
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil, nil
}
