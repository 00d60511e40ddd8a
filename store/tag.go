package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rossvm/ross/lock/flock"
	"github.com/rossvm/ross/types"
	"github.com/rossvm/ross/utils"
)

func (s *Store) tagPath(repository, tag string) string {
	return filepath.Join(s.conf.TagsDir(), repository, tag)
}

// SetTag atomically replaces repository:tag's digest and returns the
// previous digest, or "" if the tag was unset (§8 property 3). Tag writes
// are not content-addressed so they are serialized per (repository, tag)
// path via flock, and committed with write-temp-then-rename.
func (s *Store) SetTag(ctx context.Context, repository, tag string, d types.Digest) (types.Digest, error) {
	path := s.tagPath(repository, tag)
	if err := utils.EnsureDirs(filepath.Dir(path)); err != nil {
		return "", fmt.Errorf("set tag %s:%s: %w", repository, tag, err)
	}
	l := flock.New(path + ".lock")
	if err := l.Lock(ctx); err != nil {
		return "", fmt.Errorf("set tag %s:%s: %w", repository, tag, err)
	}
	defer l.Unlock(ctx) //nolint:errcheck

	prev, _ := s.readTag(path)

	entry := types.Tag{Repository: repository, Name: tag, Digest: d, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("set tag %s:%s: marshal: %w", repository, tag, err)
	}
	if err := utils.AtomicWriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("set tag %s:%s: %w", repository, tag, err)
	}

	var prevDigest types.Digest
	if prev != nil {
		prevDigest = prev.Digest
	}
	return prevDigest, nil
}

// RemoveTag unsets repository:tag, returning the digest it pointed to (or
// ErrTagNotFound if it was already unset). The manifest/blobs it pointed to
// are reclaimed only by a later garbage_collect(delete_untagged=true) call
// (§4.1) — untagging is a pure namespace edit, never an immediate delete.
func (s *Store) RemoveTag(ctx context.Context, repository, tag string) (types.Digest, error) {
	path := s.tagPath(repository, tag)
	l := flock.New(path + ".lock")
	if err := l.Lock(ctx); err != nil {
		return "", fmt.Errorf("remove tag %s:%s: %w", repository, tag, err)
	}
	defer l.Unlock(ctx) //nolint:errcheck

	entry, err := s.readTag(path)
	if err != nil {
		return "", fmt.Errorf("remove tag %s:%s: %w", repository, tag, err)
	}
	if entry == nil {
		return "", fmt.Errorf("remove tag %s:%s: %w", repository, tag, ErrTagNotFound)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove tag %s:%s: %w", repository, tag, err)
	}
	return entry.Digest, nil
}

// ResolveTag returns the digest a tag currently points to, plus the media
// type inferred from whichever namespace (manifests/indexes) holds it.
func (s *Store) ResolveTag(repository, tag string) (types.Digest, string, error) {
	entry, err := s.readTag(s.tagPath(repository, tag))
	if err != nil {
		return "", "", fmt.Errorf("resolve tag %s:%s: %w", repository, tag, err)
	}
	if entry == nil {
		return "", "", fmt.Errorf("resolve tag %s:%s: %w", repository, tag, ErrTagNotFound)
	}
	_, mediaType, err := s.GetManifest(entry.Digest)
	if err != nil {
		return entry.Digest, "", nil //nolint:nilerr // the tag resolves even if the pointed-at manifest was since GC'd
	}
	return entry.Digest, mediaType, nil
}

func (s *Store) readTag(path string) (*types.Tag, error) {
	data, err := os.ReadFile(path) //nolint:gosec // tag path derived from store-managed repo/tag names
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entry types.Tag
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("parse tag file %s: %w", path, err)
	}
	return &entry, nil
}

// ListTags returns every (repository, tag, digest) triple currently set,
// for `images list`-style callers.
func (s *Store) ListTags() ([]types.Tag, error) {
	return s.allTags()
}

// allTags walks the tags directory and returns every (repository, tag,
// digest) triple currently set. Used by GC to compute the reachable set.
func (s *Store) allTags() ([]types.Tag, error) {
	var out []types.Tag
	root := s.conf.TagsDir()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || filepath.Ext(path) == ".lock" {
			return nil
		}
		entry, readErr := s.readTag(path)
		if readErr != nil || entry == nil {
			return nil //nolint:nilerr // a corrupt/missing tag file is skipped, not fatal to GC
		}
		out = append(out, *entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk tags: %w", err)
	}
	return out, nil
}
