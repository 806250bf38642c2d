// Package registryclient talks to an OCI distribution-spec registry:
// anonymous token acquisition, manifest fetch, and retrying blob
// download, per spec.md §4.1 and §6.
package registryclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"vmpuller/pkg/utils"
	"vmpuller/pkg/vmerr"
)

const (
	requestTimeout  = 60 * time.Second
	resourceTimeout = 3600 * time.Second
	defaultRetries  = 5
)

// Client is a registry HTTP client. A Client MUST NOT cache tokens
// across repositories: each AcquireToken call issues a fresh request
// scoped to the given repository, per spec.md §4.1.
type Client struct {
	registryHost string
	httpClient   *http.Client
	log          *utils.Logger

	// retryBackoffUnit is the multiplier base for DownloadBlob's retry
	// sleep (attempt * retryBackoffUnit); overridable in tests.
	retryBackoffUnit time.Duration

	// scheme is "https" in production; tests point it at "http" to talk
	// to an httptest.Server.
	scheme string
}

// New returns a Client for registryHost (e.g. "ghcr.io").
func New(registryHost string, log *utils.Logger) *Client {
	return &Client{
		registryHost: registryHost,
		httpClient: &http.Client{
			// No blanket timeout: per-request and per-resource timeouts
			// below are applied via context, since large blobs can take
			// far longer than any single reasonable client-wide timeout.
			Timeout: 0,
			Transport: &http.Transport{
				MaxConnsPerHost: 1,
			},
		},
		log:              log,
		retryBackoffUnit: 5 * time.Second,
		scheme:           "https",
	}
}

// NewForTest returns a Client pointed at scheme://registryHost with a
// millisecond retry backoff, for other packages' tests to drive against
// an httptest.Server without waiting out production backoff timers.
func NewForTest(registryHost, scheme string, log *utils.Logger) *Client {
	c := New(registryHost, log)
	c.scheme = scheme
	c.retryBackoffUnit = time.Millisecond
	return c
}

type tokenResponse struct {
	Token string `json:"token"`
}

// AcquireToken fetches an anonymous bearer token scoped to
// "repository:<repository>:pull".
func (c *Client) AcquireToken(ctx context.Context, repository string) (string, error) {
	url := fmt.Sprintf("%s://%s/token?service=%s&scope=repository:%s:pull", c.scheme, c.registryHost, c.registryHost, repository)

	c.log.WithFunc().WithField("repository", repository).Debug("acquiring registry token")

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &vmerr.TokenFetchFailedError{Repository: repository, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &vmerr.TokenFetchFailedError{Repository: repository, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &vmerr.TokenFetchFailedError{Repository: repository, Err: fmt.Errorf("upstream returned status %d", resp.StatusCode)}
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &vmerr.TokenFetchFailedError{Repository: repository, Err: err}
	}
	if parsed.Token == "" {
		return "", &vmerr.TokenFetchFailedError{Repository: repository, Err: fmt.Errorf("token field missing or empty")}
	}

	return parsed.Token, nil
}

// ManifestResult is the outcome of FetchManifest.
type ManifestResult struct {
	Body   []byte
	Digest string
}

// FetchManifest fetches the manifest for repository:tag and returns its
// raw body plus the server-reported Docker-Content-Digest, per
// spec.md §4.1.
func (c *Client) FetchManifest(ctx context.Context, repository, tag, token string) (*ManifestResult, error) {
	url := fmt.Sprintf("%s://%s/v2/%s/manifests/%s", c.scheme, c.registryHost, repository, tag)

	c.log.WithFunc().WithField("repository", repository).WithField("tag", tag).Debug("fetching manifest")

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &vmerr.ManifestFetchFailedError{Repository: repository, Tag: tag, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.oci.image.manifest.v1+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &vmerr.ManifestFetchFailedError{Repository: repository, Tag: tag, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &vmerr.ManifestFetchFailedError{Repository: repository, Tag: tag, Err: fmt.Errorf("upstream returned status %d", resp.StatusCode)}
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return nil, &vmerr.ManifestFetchFailedError{Repository: repository, Tag: tag, Err: fmt.Errorf("response missing Docker-Content-Digest header")}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &vmerr.ManifestFetchFailedError{Repository: repository, Tag: tag, Err: err}
	}

	return &ManifestResult{Body: body, Digest: digest}, nil
}

// DownloadBlob streams the blob identified by digest to destinationPath,
// retrying attempts 1..maxRetries with a sleep of attempt*5s between
// attempts, per spec.md §4.1. maxRetries<=0 defaults to 5.
func (c *Client) DownloadBlob(ctx context.Context, repository, digest, mediaType, token, destinationPath string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}

	ctx, cancel := context.WithTimeout(ctx, resourceTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := c.downloadBlobOnce(ctx, repository, digest, mediaType, token, destinationPath)
		if err == nil {
			return nil
		}
		lastErr = err

		c.log.WithFunc().WithError(err).WithField("digest", digest).WithField("attempt", attempt).Warn("blob download attempt failed")

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return &vmerr.LayerDownloadFailedError{Digest: digest, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * c.retryBackoffUnit):
			}
		}
	}

	return &vmerr.LayerDownloadFailedError{Digest: digest, Err: lastErr}
}

func (c *Client) downloadBlobOnce(ctx context.Context, repository, digest, mediaType, token, destinationPath string) error {
	url := fmt.Sprintf("%s://%s/v2/%s/blobs/%s", c.scheme, c.registryHost, repository, digest)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", mediaType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	tmp := destinationPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("stream blob body: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, destinationPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move into place: %w", err)
	}

	return nil
}
