package imageindex

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmpuller/pkg/models"
	"vmpuller/pkg/utils"
)

func writeMetadata(t *testing.T, orgDir, manifestID string, meta models.ImageMetadata) {
	t.Helper()
	dir := filepath.Join(orgDir, manifestID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644))
}

func TestListSkipsDirsWithoutMetadata(t *testing.T) {
	root := t.TempDir()
	orgDir := filepath.Join(root, "ghcr", "acme")
	require.NoError(t, os.MkdirAll(filepath.Join(orgDir, "sha256_nometa"), 0o755))
	writeMetadata(t, orgDir, "sha256_bbb", models.ImageMetadata{Image: "acme/vmimg", ManifestID: "sha256_bbb", Timestamp: time.Unix(0, 0)})

	idx := New(root, "acme", utils.NewLogger(utils.Config{}))
	images, err := idx.List(context.Background())
	require.NoError(t, err)

	require.Len(t, images, 1)
	assert.Equal(t, "acme/vmimg", images[0].Repository)
}

func TestListSortedByRepositoryThenShortID(t *testing.T) {
	root := t.TempDir()
	orgDir := filepath.Join(root, "ghcr", "acme")
	writeMetadata(t, orgDir, "sha256_zzz", models.ImageMetadata{Image: "acme/b", ManifestID: "sha256_zzz"})
	writeMetadata(t, orgDir, "sha256_aaa", models.ImageMetadata{Image: "acme/a", ManifestID: "sha256_aaa"})
	writeMetadata(t, orgDir, "sha256_bbb", models.ImageMetadata{Image: "acme/a", ManifestID: "sha256_bbb"})

	idx := New(root, "acme", utils.NewLogger(utils.Config{}))
	images, err := idx.List(context.Background())
	require.NoError(t, err)

	require.Len(t, images, 3)
	assert.Equal(t, "acme/a", images[0].Repository)
	assert.Equal(t, "acme/a", images[1].Repository)
	assert.Equal(t, "acme/b", images[2].Repository)
	assert.True(t, images[0].ShortID < images[1].ShortID)
}

func TestListEmptyOrgDirReturnsNil(t *testing.T) {
	idx := New(t.TempDir(), "acme", utils.NewLogger(utils.Config{}))
	images, err := idx.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestLatestByRepositoryPrefersHigherSemver(t *testing.T) {
	root := t.TempDir()
	orgDir := filepath.Join(root, "ghcr", "acme")
	writeMetadata(t, orgDir, "sha256_aaa", models.ImageMetadata{Image: "acme/vmimg", ManifestID: "sha256_aaa", Tag: "1.2.0"})
	writeMetadata(t, orgDir, "sha256_bbb", models.ImageMetadata{Image: "acme/vmimg", ManifestID: "sha256_bbb", Tag: "1.10.0"})

	idx := New(root, "acme", utils.NewLogger(utils.Config{}))
	latest, err := idx.LatestByRepository(context.Background())
	require.NoError(t, err)

	require.Contains(t, latest, "acme/vmimg")
	assert.Equal(t, "sha256_bbb", latest["acme/vmimg"].ManifestID)
}
