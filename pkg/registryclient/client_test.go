package registryclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmpuller/pkg/utils"
	"vmpuller/pkg/vmerr"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	return NewForTest(server.Listener.Addr().String(), "http", utils.NewLogger(utils.Config{}))
}

func TestAcquireTokenSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		w.Write([]byte(`{"token":"deadbeef"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	token, err := c.AcquireToken(context.Background(), "acme/vmimg")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", token)
}

func TestAcquireTokenEmptyFieldFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":""}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.AcquireToken(context.Background(), "acme/vmimg")
	require.Error(t, err)
	var tokenErr *vmerr.TokenFetchFailedError
	assert.ErrorAs(t, err, &tokenErr)
}

func TestAcquireTokenNon200Fails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.AcquireToken(context.Background(), "acme/vmimg")
	var tokenErr *vmerr.TokenFetchFailedError
	assert.ErrorAs(t, err, &tokenErr)
}

func TestFetchManifestSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Docker-Content-Digest", "sha256:abc")
		w.Write([]byte(`{"schemaVersion":2}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	result, err := c.FetchManifest(context.Background(), "acme/vmimg", "latest", "tok")
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc", result.Digest)
	assert.Equal(t, `{"schemaVersion":2}`, string(result.Body))
}

func TestFetchManifestMissingDigestHeaderFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.FetchManifest(context.Background(), "acme/vmimg", "latest", "tok")
	var manifestErr *vmerr.ManifestFetchFailedError
	assert.ErrorAs(t, err, &manifestErr)
}

func TestFetchManifestNon200Fails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.FetchManifest(context.Background(), "acme/vmimg", "latest", "tok")
	var manifestErr *vmerr.ManifestFetchFailedError
	assert.ErrorAs(t, err, &manifestErr)
}

func TestDownloadBlobSucceedsOnFifthAttempt(t *testing.T) {
	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("blobdata"))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	dst := t.TempDir() + "/layer.bin"
	err := c.DownloadBlob(context.Background(), "acme/vmimg", "sha256:abc", "application/octet-stream", "tok", dst, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), atomic.LoadInt64(&attempts))
}

func TestDownloadBlobExhaustedRetriesFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server)
	dst := t.TempDir() + "/layer.bin"
	err := c.DownloadBlob(context.Background(), "acme/vmimg", "sha256:abc", "application/octet-stream", "tok", dst, 5)
	require.Error(t, err)
	var layerErr *vmerr.LayerDownloadFailedError
	assert.ErrorAs(t, err, &layerErr)
}
