package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

// PutBlob streams r to the store, computing its digest as it writes.
// If expected is non-empty and its algorithm matches, a hash mismatch fails
// with ErrDigestMismatch and leaves no observable state change (spec.md
// §8 property 2). Writing the same content twice is a no-op beyond the
// second write's cost — the destination path is identical (property 1).
func (s *Store) PutBlob(mediaType string, r io.Reader, expected types.Digest) (types.Digest, int64, error) {
	return s.putContent(s.conf.BlobsDir(), mediaType, r, expected)
}

// putContent is shared by PutBlob and PutManifest/PutIndex — both
// namespaces have identical write-once, content-addressed semantics.
func (s *Store) putContent(dir, mediaType string, r io.Reader, expected types.Digest) (types.Digest, int64, error) {
	tmp, err := os.CreateTemp(s.conf.RootDir, ".store-tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("put: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	h := sha256.New()
	n, err := io.Copy(tmp, io.TeeReader(r, h))
	closeErr := tmp.Close()
	if err != nil {
		return "", 0, fmt.Errorf("put: write content: %w", err)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("put: close temp file: %w", closeErr)
	}

	d := digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil))
	if expected != "" && expected.Algorithm() == d.Algorithm() && expected != d {
		return "", 0, fmt.Errorf("put: expected %s, got %s: %w", expected, d, ErrDigestMismatch)
	}

	contentPath, err := contentPathFor(dir, d)
	if err != nil {
		return "", 0, err
	}
	if err := utils.EnsureDirs(dirOf(contentPath)); err != nil {
		return "", 0, err
	}

	// Idempotent: if the final path already exists, the bytes are
	// identical by content-addressing — just drop the temp copy.
	if !utils.ValidFile(contentPath) {
		if err := os.Rename(tmpPath, contentPath); err != nil {
			return "", 0, fmt.Errorf("put: commit content: %w", err)
		}
		if err := os.Chmod(contentPath, 0o444); err != nil { //nolint:gosec // content-addressed, read-only by design
			return "", 0, fmt.Errorf("put: chmod content: %w", err)
		}
	}

	now := time.Now()
	info := types.BlobInfo{
		Digest:     d,
		MediaType:  mediaType,
		Size:       n,
		CreatedAt:  now,
		AccessedAt: now,
	}
	if err := writeMeta(contentPath, &info); err != nil {
		return "", 0, err
	}
	return d, n, nil
}

// GetBlob reads length bytes starting at offset from the blob identified by
// d. length <= 0 means "to end" (spec.md §4.1).
func (s *Store) GetBlob(d types.Digest, offset, length int64) (io.ReadCloser, error) {
	rc, err := s.getContent(s.blobPath(d), offset, length)
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", d, ErrBlobNotFound)
	}
	s.touchMeta(s.blobPath(d))
	return rc, nil
}

func (s *Store) getContent(path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path) //nolint:gosec // content-addressed path
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close() //nolint:errcheck
			return nil, err
		}
	}
	if length <= 0 {
		return f, nil
	}
	return limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, nil
}

type limitedReadCloser struct {
	io.Reader
	io.Closer
}

// StatBlob returns the blob's metadata, or nil if it does not exist.
func (s *Store) StatBlob(d types.Digest) (*types.BlobInfo, error) {
	return readMeta(s.blobPath(d))
}

func contentPathFor(dir string, d types.Digest) (string, error) {
	return joinDigest(dir, d), nil
}

func dirOf(path string) string {
	i := lastSlash(path)
	return path[:i]
}

func lastSlash(path string) int {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return i
		}
	}
	return 0
}

func joinDigest(dir string, d types.Digest) string {
	return dir + "/" + string(d.Algorithm()) + "/" + d.Encoded()
}

func writeMeta(contentPath string, info *types.BlobInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return utils.AtomicWriteFile(metaPath(contentPath), data, 0o644)
}

func readMeta(contentPath string) (*types.BlobInfo, error) {
	data, err := os.ReadFile(metaPath(contentPath)) //nolint:gosec // content-addressed path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var info types.BlobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &info, nil
}

// touchMeta updates AccessedAt best-effort; a failure here must never fail
// the read it accompanies.
func (s *Store) touchMeta(contentPath string) {
	info, err := readMeta(contentPath)
	if err != nil || info == nil {
		return
	}
	info.AccessedAt = time.Now()
	_ = writeMeta(contentPath, info)
}
