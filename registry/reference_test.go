package registry

import (
	"testing"

	"gotest.tools/v3/assert"
)

// Testable property #11's four literal cases.
func TestParseReferenceCanonicalCases(t *testing.T) {
	cases := []struct {
		raw      string
		registry string
		repo     string
		tag      string
	}{
		{"nginx", "docker.io", "library/nginx", "latest"},
		{"nginx:alpine", "docker.io", "library/nginx", "alpine"},
		{"ghcr.io/o/r:v", "ghcr.io", "o/r", "v"},
		{"u/i:v", "docker.io", "u/i", "v"},
	}
	for _, c := range cases {
		ref, err := ParseReference(c.raw)
		assert.NilError(t, err, c.raw)
		assert.Equal(t, ref.Registry, c.registry, c.raw)
		assert.Equal(t, ref.Repository, c.repo, c.raw)
		assert.Equal(t, ref.Tag, c.tag, c.raw)
		assert.Equal(t, ref.Digest, "", c.raw)
	}
}

func TestParseReferenceDigest(t *testing.T) {
	ref, err := ParseReference("ghcr.io/o/r@sha256:deadbeef")
	assert.NilError(t, err)
	assert.Equal(t, ref.Registry, "ghcr.io")
	assert.Equal(t, ref.Repository, "o/r")
	assert.Equal(t, ref.Digest, "sha256:deadbeef")
	assert.Equal(t, ref.Tag, "")
}

func TestParseReferencePortedHostIsNotMistakenForTag(t *testing.T) {
	ref, err := ParseReference("localhost:5000/repo")
	assert.NilError(t, err)
	assert.Equal(t, ref.Registry, "localhost:5000")
	assert.Equal(t, ref.Repository, "repo")
	assert.Equal(t, ref.Tag, "latest")
}

func TestParseReferenceEmptyRejected(t *testing.T) {
	_, err := ParseReference("")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestParseReferenceTrailingColonRejected(t *testing.T) {
	_, err := ParseReference("nginx:")
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestBaseURLSchemeRule(t *testing.T) {
	assert.Equal(t, BaseURL("docker.io"), "https://docker.io")
	assert.Equal(t, BaseURL("ghcr.io"), "https://ghcr.io")
	assert.Equal(t, BaseURL("localhost"), "http://localhost")
	assert.Equal(t, BaseURL("localhost:5000"), "http://localhost:5000")
	assert.Equal(t, BaseURL("127.0.0.1:5000"), "http://127.0.0.1:5000")
}
