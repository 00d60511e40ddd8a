package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/types"
)

// Client is a stateless OCI Distribution Spec v2 client with a
// per-(registry,repository) bearer token cache (spec.md §4.3). The zero
// value is not usable — construct with New.
type Client struct {
	http *http.Client

	mu     sync.Mutex
	tokens map[string]string // "registry/repository" -> bearer token
}

// New constructs a Client. timeout bounds every individual HTTP round
// trip (not the overall pull, which has no deadline of its own per
// spec.md §4.4).
func New(timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		tokens: map[string]string{},
	}
}

func (c *Client) logger(op string) log.Logger { return log.WithFunc("registry." + op) }

// ManifestResult is the decoded response of GetManifest.
type ManifestResult struct {
	Manifest    *types.Manifest
	Index       *types.Index
	ContentType string
	Digest      types.Digest
	Raw         []byte
}

// GetManifest implements spec.md §4.3's get_manifest: GET
// /v2/<repo>/manifests/<tag|digest> with the four canonical Accept media
// types, parsing a 401 challenge and retrying once after a bearer token
// handshake.
func (c *Client) GetManifest(ctx context.Context, ref Reference) (ManifestResult, error) {
	target := ref.Tag
	if ref.Digest != "" {
		target = ref.Digest
	}
	u := fmt.Sprintf("%s/v2/%s/manifests/%s", BaseURL(ref.Registry), ref.Repository, target)

	data, contentType, digest, err := c.getWithAuth(ctx, ref, u, strings.Join(types.AcceptedManifestMediaTypes, ", "))
	if err != nil {
		return ManifestResult{}, err
	}

	result := ManifestResult{ContentType: contentType, Digest: digest, Raw: data}
	switch contentType {
	case types.MediaTypeOCIIndex, types.MediaTypeDockerManifestList:
		var idx types.Index
		if err := json.Unmarshal(data, &idx); err != nil {
			return ManifestResult{}, fmt.Errorf("decode index %s: %w", ref, err)
		}
		result.Index = &idx
	default:
		var m types.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return ManifestResult{}, fmt.Errorf("decode manifest %s: %w", ref, err)
		}
		result.Manifest = &m
	}
	return result, nil
}

// GetManifestForPlatform implements spec.md §4.3's
// get_manifest_for_platform: resolve ref's root document; if it is an
// index, select the child descriptor matching (os, arch) and follow its
// digest. Nested indexes are rejected as UnsupportedMediaType.
func (c *Client) GetManifestForPlatform(ctx context.Context, ref Reference, osName, arch string) (ManifestResult, error) {
	root, err := c.GetManifest(ctx, ref)
	if err != nil {
		return ManifestResult{}, err
	}
	if root.Manifest != nil {
		return root, nil
	}

	for _, desc := range root.Index.Manifests {
		if desc.Platform == nil {
			continue
		}
		if desc.Platform.OS == osName && desc.Platform.Architecture == arch {
			childRef := ref
			childRef.Tag = ""
			childRef.Digest = string(desc.Digest)
			child, err := c.GetManifest(ctx, childRef)
			if err != nil {
				return ManifestResult{}, err
			}
			if child.Index != nil {
				return ManifestResult{}, fmt.Errorf("%s: nested index: %w", ref, ErrUnsupportedMedia)
			}
			return child, nil
		}
	}
	return ManifestResult{}, fmt.Errorf("%s: no manifest for %s/%s: %w", ref, osName, arch, ErrManifestNotFound)
}

// GetBlobBytes implements spec.md §4.3's get_blob_bytes.
func (c *Client) GetBlobBytes(ctx context.Context, ref Reference, d types.Digest) ([]byte, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", BaseURL(ref.Registry), ref.Repository, d)
	data, _, _, err := c.getWithAuth(ctx, ref, u, "")
	return data, err
}

// GetBlobStream fetches a blob and returns a streaming reader instead of
// buffering it in memory, for use by the image pipeline's layer fan-out.
func (c *Client) GetBlobStream(ctx context.Context, ref Reference, d types.Digest) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/v2/%s/blobs/%s", BaseURL(ref.Registry), ref.Repository, d)
	resp, err := c.doAuthed(ctx, ref, u, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get blob %s %s: status %d", ref, d, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) getWithAuth(ctx context.Context, ref Reference, u, accept string) ([]byte, string, types.Digest, error) {
	resp, err := c.doAuthed(ctx, ref, u, accept)
	if err != nil {
		return nil, "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", "", fmt.Errorf("%s: %w", ref, ErrManifestNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("%s: unexpected status %d", ref, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", "", fmt.Errorf("read body for %s: %w", ref, err)
	}

	digestHeader := resp.Header.Get("Docker-Content-Digest")
	return data, resp.Header.Get("Content-Type"), types.Digest(digestHeader), nil
}

// doAuthed performs one HTTP GET, attaching a cached bearer token if one
// exists for ref's (registry, repository); on a 401 it parses the
// WWW-Authenticate challenge, fetches and caches a token, and retries
// exactly once (spec.md §4.3 / §7's "auth handshake once, retry" row).
func (c *Client) doAuthed(ctx context.Context, ref Reference, u, accept string) (*http.Response, error) {
	log := c.logger("doAuthed")
	key := ref.Registry + "/" + ref.Repository

	resp, err := c.doOnce(ctx, u, accept, c.cachedToken(key))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge := resp.Header.Get("WWW-Authenticate")
	resp.Body.Close()

	token, err := c.authenticate(ctx, challenge, ref.Repository)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", ref, err)
	}
	log.Infof(ctx, "authenticated against %s, retrying", ref.Registry)
	c.cacheToken(key, token)

	return c.doOnce(ctx, u, accept, token)
}

func (c *Client) cachedToken(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[key]
}

func (c *Client) cacheToken(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[key] = token
}

func (c *Client) doOnce(ctx context.Context, u, accept, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req) //nolint:bodyclose // caller closes or forwards resp.Body
}

// authChallenge is the parsed form of a WWW-Authenticate: Bearer header.
type authChallenge struct {
	realm   string
	service string
}

func parseBearerChallenge(header string) (authChallenge, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return authChallenge{}, fmt.Errorf("%q: %w", header, ErrAuthenticationFailed)
	}
	var ch authChallenge
	for _, part := range strings.Split(strings.TrimPrefix(header, "Bearer "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		val := strings.Trim(kv[1], `"`)
		switch kv[0] {
		case "realm":
			ch.realm = val
		case "service":
			ch.service = val
		}
	}
	if ch.realm == "" {
		return authChallenge{}, fmt.Errorf("%q: missing realm: %w", header, ErrAuthenticationFailed)
	}
	return ch, nil
}

// authenticate fetches a bearer token from the challenge's realm with
// scope "repository:<repo>:pull" (spec.md §4.3).
func (c *Client) authenticate(ctx context.Context, challengeHeader, repository string) (string, error) {
	ch, err := parseBearerChallenge(challengeHeader)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	if ch.service != "" {
		q.Set("service", ch.service)
	}
	q.Set("scope", fmt.Sprintf("repository:%s:pull", repository))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ch.realm+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint %s: status %d: %w", ch.realm, resp.StatusCode, ErrAuthenticationFailed)
	}

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token != "" {
		return body.Token, nil
	}
	if body.AccessToken != "" {
		return body.AccessToken, nil
	}
	return "", fmt.Errorf("token endpoint %s: empty token: %w", ch.realm, ErrAuthenticationFailed)
}
