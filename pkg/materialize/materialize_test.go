package materialize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmpuller/pkg/utils"
)

func newTestMaterializer() *Materializer {
	return New(utils.NewLogger(utils.Config{}))
}

func TestInstallFreshDestination(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "disk.img"), []byte("diskdata"), 0o644))

	dest := filepath.Join(root, "vm", "myvm")
	m := newTestMaterializer()
	require.NoError(t, m.Install(staging, dest))

	data, err := os.ReadFile(filepath.Join(dest, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, "diskdata", string(data))

	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
}

func TestInstallReplacesPriorOccupant(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "vm", "myvm")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "old.img"), []byte("stale"), 0o644))

	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "disk.img"), []byte("fresh"), 0o644))

	m := newTestMaterializer()
	require.NoError(t, m.Install(staging, dest))

	_, err := os.Stat(filepath.Join(dest, "old.img"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dest, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
}

func TestInstallCrossDeviceFallbackCopiesTree(t *testing.T) {
	root := t.TempDir()
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(filepath.Join(staging, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "disk.img"), []byte("diskdata"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "sub", "nvram.bin"), []byte("nv"), 0o644))

	dest := filepath.Join(root, "vm", "myvm")
	m := newTestMaterializer()
	require.NoError(t, m.copyThenDelete(staging, dest))

	data, err := os.ReadFile(filepath.Join(dest, "disk.img"))
	require.NoError(t, err)
	assert.Equal(t, "diskdata", string(data))

	data, err = os.ReadFile(filepath.Join(dest, "sub", "nvram.bin"))
	require.NoError(t, err)
	assert.Equal(t, "nv", string(data))
}
