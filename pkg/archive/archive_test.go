package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarUntarRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "manifest.json"), []byte(`{"schemaVersion":2}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "metadata.json"), []byte(`{"image":"acme/vmimg"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sha256_deadbeef"), []byte("layerbytes"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, tarDirectory(src, &buf))

	dst := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, untarDirectory(&buf, dst))

	data, err := os.ReadFile(filepath.Join(dst, "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"schemaVersion":2}`, string(data))

	data, err = os.ReadFile(filepath.Join(dst, "sha256_deadbeef"))
	require.NoError(t, err)
	assert.Equal(t, "layerbytes", string(data))
}

func TestNewUnrecognizedProviderFails(t *testing.T) {
	_, err := New(Config{Provider: "unknown"}, Secrets{}, t.TempDir(), "acme", nil)
	require.Error(t, err)
}

func TestNewAWSMissingCredentialsFails(t *testing.T) {
	_, err := New(Config{Provider: ProviderAWS}, Secrets{}, t.TempDir(), "acme", nil)
	require.Error(t, err)
}
