// Package registry implements a stateless OCI Distribution Spec v2 HTTP
// client (spec.md §4.3): reference parsing, manifest/blob fetch, and
// per-(registry,repository) bearer token caching.
//
// Grounded on images/oci/pull.go's resolve-then-fetch shape, hand-rolled on
// net/http rather than github.com/google/go-containerregistry/pkg/v1/remote
// because spec.md's reference-parsing rule (host inference via a literal
// "contains '.', ':' or equals localhost" test, not a full grammar) and its
// retry-exactly-once-after-401 bearer handshake are custom enough that
// wrapping remote.Get would hide, rather than implement, those exact
// semantics — see DESIGN.md for the full justification. Wire documents
// still decode into github.com/opencontainers/image-spec's types (via the
// types package's aliases), and media-type comparisons use the types
// package's own MediaType constants.
package registry

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors, classified at the CLI/RPC boundary per spec.md §7.
var (
	ErrInvalidReference    = errors.New("invalid image reference")
	ErrManifestNotFound    = errors.New("manifest not found")
	ErrUnsupportedMedia    = errors.New("unsupported manifest media type")
	ErrAuthenticationFailed = errors.New("registry authentication failed")
)

const (
	defaultRegistry  = "docker.io"
	defaultNamespace = "library"
	defaultTag       = "latest"
)

// Reference is a fully-resolved image reference (spec.md §4.3, testable
// property #11): Registry ("docker.io", "ghcr.io", ...), Repository
// ("library/nginx", "o/r", ...), and Tag (defaults to "latest" when the
// input names neither a tag nor a digest). Digest is set instead of Tag,
// and Tag is left empty, when the input named a reference by digest.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     string
}

// String renders back a reference suitable for display/logging.
func (r Reference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// ParseReference implements spec.md §4.3's reference grammar exactly:
//
//	split on the LAST '@' for a digest; then split on the LAST ':' for a
//	tag, but only if that suffix contains no '/' (so a registry port like
//	"localhost:5000/repo" is not mistaken for a tag); host inference: the
//	part before the first '/' is the registry iff it contains '.', ':', or
//	equals "localhost" — otherwise the whole thing is a Docker Hub
//	repository and gets the "library/" prefix when it has no slash of its
//	own (testable property #11's four literal cases).
func ParseReference(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("empty reference: %w", ErrInvalidReference)
	}

	rest := raw
	var digest string
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		digest = rest[i+1:]
		rest = rest[:i]
		if digest == "" {
			return Reference{}, fmt.Errorf("%q: empty digest: %w", raw, ErrInvalidReference)
		}
	}

	tag := ""
	if i := strings.LastIndex(rest, ":"); i >= 0 && !strings.Contains(rest[i+1:], "/") {
		tag = rest[i+1:]
		rest = rest[:i]
		if tag == "" {
			return Reference{}, fmt.Errorf("%q: empty tag: %w", raw, ErrInvalidReference)
		}
	}
	if tag == "" && digest == "" {
		tag = defaultTag
	}

	if rest == "" {
		return Reference{}, fmt.Errorf("%q: empty repository: %w", raw, ErrInvalidReference)
	}

	registryHost := defaultRegistry
	repo := rest
	firstSlash := strings.Index(rest, "/")
	candidate := rest
	if firstSlash >= 0 {
		candidate = rest[:firstSlash]
	}
	if looksLikeHost(candidate) {
		registryHost = candidate
		repo = rest[firstSlash+1:]
		if repo == "" {
			return Reference{}, fmt.Errorf("%q: empty repository: %w", raw, ErrInvalidReference)
		}
	} else if !strings.Contains(rest, "/") {
		repo = defaultNamespace + "/" + rest
	}

	return Reference{Registry: registryHost, Repository: repo, Tag: tag, Digest: digest}, nil
}

func looksLikeHost(s string) bool {
	return s == "localhost" || strings.ContainsAny(s, ".:")
}

// BaseURL implements spec.md §4.3's scheme rule: localhost or a 127.0.0.1
// substring uses plain HTTP; every other registry host uses HTTPS.
func BaseURL(registryHost string) string {
	if registryHost == "localhost" || strings.HasPrefix(registryHost, "localhost:") ||
		strings.Contains(registryHost, "127.0.0.1") {
		return "http://" + registryHost
	}
	return "https://" + registryHost
}
