package snapshotter

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/vbatts/tar-split/tar/asm"
	tarstorage "github.com/vbatts/tar-split/tar/storage"

	"github.com/rossvm/ross/types"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// BlobFetcher is the subset of store.Store that ExtractLayer needs — kept
// narrow so the snapshotter does not import the store package directly.
type BlobFetcher interface {
	GetBlob(d types.Digest, offset, length int64) (io.ReadCloser, error)
}

// ExtractLayer implements spec.md §4.2's extract_layer: prepare a temporary
// Active snapshot against parentKey, stream the blob through a gzip
// decompressor into a whiteout-aware tar extractor targeting that
// snapshot's fs/, then commit it as newCommittedKey. Returns the committed
// key and the summed size of extracted entries.
func (s *Snapshotter) ExtractLayer(store BlobFetcher, d types.Digest, parentKey, newCommittedKey string, labels map[string]string) (string, int64, error) {
	tmpKey := newCommittedKey + "-extract"
	if _, err := s.Prepare(tmpKey, parentKey, labels); err != nil {
		return "", 0, fmt.Errorf("extract layer %s: %w", d, err)
	}

	size, err := s.extractInto(store, d, s.fsDir(tmpKey), tmpKey)
	if err != nil {
		_ = s.Remove(tmpKey)
		return "", 0, fmt.Errorf("extract layer %s: %w", d, err)
	}

	if err := s.Commit(newCommittedKey, tmpKey, labels); err != nil {
		_ = s.Remove(tmpKey)
		return "", 0, fmt.Errorf("extract layer %s: commit: %w", d, err)
	}
	return newCommittedKey, size, nil
}

// extractInto streams blob d from store, gzip-decompresses it, and unpacks
// it into target honoring OCI whiteout semantics. A tar-split packer
// records the stream's entry structure alongside the extraction (sidecar
// <snapshot>/tar-split.json), so a later diff/push path can reconstruct the
// exact tar byte stream without re-fetching the blob — extraction itself
// never depends on that sidecar.
func (s *Snapshotter) extractInto(store BlobFetcher, d types.Digest, target, snapshotKey string) (int64, error) {
	rc, err := store.GetBlob(d, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("fetch blob %s: %w", d, err)
	}
	defer rc.Close() //nolint:errcheck

	gz, err := gzip.NewReader(rc)
	if err != nil {
		return 0, fmt.Errorf("gzip %s: %w", d, err)
	}
	defer gz.Close() //nolint:errcheck

	sidecar, err := os.Create(filepath.Join(s.snapshotDir(snapshotKey), "tar-split.json")) //nolint:gosec
	if err != nil {
		return 0, fmt.Errorf("open tar-split sidecar: %w", err)
	}
	defer sidecar.Close() //nolint:errcheck

	packer := tarstorage.NewJSONPacker(sidecar)
	tarStream, err := asm.NewInputTarStream(gz, packer, tarstorage.NewDiscardFilePutter())
	if err != nil {
		return 0, fmt.Errorf("wrap tar stream: %w", err)
	}

	return unpackWhiteoutAware(tar.NewReader(tarStream), target)
}

// unpackWhiteoutAware walks tr's entries in order, applying OCI whiteout
// semantics as each header is read:
//   - "<dir>/.wh..wh..opq" clears <dir>'s prior contents before later
//     entries in this same layer are applied to it.
//   - "<dir>/.wh.<name>" deletes <name> from <dir> and is not itself
//     materialized.
//   - Regular entries are unpacked, overwriting existing files.
func unpackWhiteoutAware(tr *tar.Reader, target string) (int64, error) {
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, fmt.Errorf("read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		dir, base := filepath.Split(name)

		if base == whiteoutOpaque {
			if err := clearDir(filepath.Join(target, dir)); err != nil {
				return total, err
			}
			continue
		}
		if strings.HasPrefix(base, whiteoutPrefix) {
			victim := filepath.Join(target, dir, strings.TrimPrefix(base, whiteoutPrefix))
			if err := os.RemoveAll(victim); err != nil {
				return total, fmt.Errorf("apply whiteout %s: %w", hdr.Name, err)
			}
			continue
		}

		n, err := unpackEntry(tr, hdr, filepath.Join(target, name))
		if err != nil {
			return total, fmt.Errorf("unpack %s: %w", hdr.Name, err)
		}
		total += n
	}
	return total, nil
}

// clearDir removes dir's existing contents (but not dir itself) so this
// layer's entries start from an empty directory, per the opaque-whiteout rule.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755) //nolint:gosec
		}
		return fmt.Errorf("clear opaque dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("clear opaque dir %s: %w", dir, err)
		}
	}
	return nil
}

func unpackEntry(tr *tar.Reader, hdr *tar.Header, dest string) (int64, error) {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return 0, os.MkdirAll(dest, os.FileMode(hdr.Mode)&0o777) //nolint:gosec
	case tar.TypeSymlink:
		_ = os.Remove(dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { //nolint:gosec
			return 0, err
		}
		return 0, os.Symlink(hdr.Linkname, dest)
	case tar.TypeLink:
		target := filepath.Join(filepath.Dir(dest), filepath.Base(hdr.Linkname))
		_ = os.Remove(dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { //nolint:gosec
			return 0, err
		}
		return 0, os.Link(target, dest)
	case tar.TypeReg, tar.TypeRegA: //nolint:staticcheck // TypeRegA appears in older layer tarballs
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil { //nolint:gosec
			return 0, err
		}
		_ = os.Remove(dest)
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777) //nolint:gosec
		if err != nil {
			return 0, err
		}
		n, copyErr := io.Copy(f, tr) //nolint:gosec // layer size bounded by registry content-length upstream
		closeErr := f.Close()
		if copyErr != nil {
			return n, copyErr
		}
		return n, closeErr
	case tar.TypeChar, tar.TypeBlock:
		// Device nodes: created on Linux when permissions allow, skipped on
		// macOS (spec.md §4.2 step 3). mknod requires CAP_MKNOD/root in
		// practice, so a failure here is tolerated rather than fatal.
		return 0, createDeviceNodeBestEffort(dest, hdr)
	default:
		return 0, nil
	}
}
