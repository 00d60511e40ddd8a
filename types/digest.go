package types

import (
	"crypto/sha256"
	"fmt"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// Digest identifies a byte sequence by algorithm and hash. Only sha256 is
// normative; the canonical form is "<algorithm>:<hex>".
type Digest = digest.Digest

// ErrInvalidDigest is returned when a digest string cannot be parsed.
var ErrInvalidDigest = digest.ErrDigestInvalidFormat

// ParseDigest validates and returns d as a Digest, wrapping parse failures
// with ErrInvalidDigest so callers can classify them per the error table.
func ParseDigest(d string) (Digest, error) {
	parsed, err := digest.Parse(d)
	if err != nil {
		return "", fmt.Errorf("parse digest %q: %w", d, ErrInvalidDigest)
	}
	return parsed, nil
}

// SHA256 hashes r and returns the canonical digest and byte count.
func SHA256(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return digest.NewDigestFromBytes(digest.SHA256, h.Sum(nil)), n, nil
}

// SHA256Bytes hashes b directly.
func SHA256Bytes(b []byte) Digest {
	return digest.FromBytes(b)
}
