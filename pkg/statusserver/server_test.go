package statusserver

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmpuller/pkg/utils"
)

type stubProvider struct {
	status Status
}

func (p stubProvider) Snapshot() Status {
	return p.status
}

func TestHandleStatusReturnsJSONSnapshot(t *testing.T) {
	provider := stubProvider{status: Status{
		Image:           "acme/vmimg:latest",
		BytesDownloaded: 512,
		TotalBytes:      2048,
		Phase:           "downloading",
	}}
	log := utils.NewLogger(utils.Config{})
	s := New(provider, "../../views/statusserver", log)

	req := httptest.NewRequest("GET", "/status", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var got Status
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, provider.status, got)
}

func TestHandleHomeRendersTemplate(t *testing.T) {
	provider := stubProvider{status: Status{
		Image:           "acme/vmimg:1.2.0",
		BytesDownloaded: 100,
		TotalBytes:      100,
		Phase:           "complete",
	}}
	log := utils.NewLogger(utils.Config{})
	s := New(provider, "../../views/statusserver", log)

	req := httptest.NewRequest("GET", "/", nil)
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "acme/vmimg:1.2.0")
	assert.Contains(t, string(body), "complete")
}
