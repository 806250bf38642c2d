package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmpuller/pkg/cachestore"
	"vmpuller/pkg/memprobe"
	"vmpuller/pkg/models"
	"vmpuller/pkg/registryclient"
	"vmpuller/pkg/singleflight"
	"vmpuller/pkg/utils"
)

func newTestScheduler(t *testing.T, blobHandler http.HandlerFunc) (*Scheduler, *cachestore.Store) {
	t.Helper()
	server := httptest.NewServer(blobHandler)
	t.Cleanup(server.Close)

	log := utils.NewLogger(utils.Config{})
	registry := registryclient.NewForTest(server.Listener.Addr().String(), "http", log)

	cache := cachestore.New(t.TempDir(), "acme", log)
	coord := singleflight.New()
	mem := memprobe.New()

	return New(registry, cache, coord, mem, log), cache
}

func TestScheduleFreshPullSingleFileDisk(t *testing.T) {
	var gets int64
	scheduler, cache := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&gets, 1)
		w.Write([]byte("blobbytes"))
	})

	manifest := &models.Manifest{
		Layers: []models.Layer{
			{MediaType: "application/vnd.oci.image.config.v1+json", Digest: "sha256:" + repeatChar("a", 64), Size: 9},
			{MediaType: "application/vnd.oci.image.layer.v1.tar", Digest: "sha256:" + repeatChar("b", 64), Size: 9},
			{MediaType: "application/octet-stream", Digest: "sha256:" + repeatChar("c", 64), Size: 9},
			{MediaType: "application/vnd.oci.empty.v1+json", Digest: "sha256:" + repeatChar("d", 64), Size: 0},
		},
	}

	manifestID := "sha256_deadbeef"
	require.NoError(t, cache.Prepare(manifestID))

	stagingDir := t.TempDir()
	result, err := scheduler.Schedule(context.Background(), "acme/vmimg", manifestID, "tok", manifest, stagingDir)
	require.NoError(t, err)

	assert.Equal(t, int64(3), atomic.LoadInt64(&gets))
	assert.NotEmpty(t, result.ConfigPath)
	assert.NotEmpty(t, result.DiskSinglePath)
	assert.NotEmpty(t, result.NVRAMPath)
	assert.Empty(t, result.Parts)
	assert.Equal(t, int64(27), result.TotalBytes)
}

func TestScheduleDiskParts(t *testing.T) {
	scheduler, cache := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part"))
	})

	manifest := &models.Manifest{
		Layers: []models.Layer{
			{MediaType: "application/vnd.oci.image.layer.v1.tar;part.number=1;part.total=3", Digest: "sha256:" + repeatChar("1", 64), Size: 10},
			{MediaType: "application/vnd.oci.image.layer.v1.tar;part.number=2;part.total=3", Digest: "sha256:" + repeatChar("2", 64), Size: 20},
			{MediaType: "application/vnd.oci.image.layer.v1.tar;part.number=3;part.total=3", Digest: "sha256:" + repeatChar("3", 64), Size: 30},
		},
	}

	manifestID := "sha256_partstest"
	require.NoError(t, cache.Prepare(manifestID))

	stagingDir := t.TempDir()
	result, err := scheduler.Schedule(context.Background(), "acme/vmimg", manifestID, "tok", manifest, stagingDir)
	require.NoError(t, err)

	require.Len(t, result.Parts, 3)
	seen := map[int]bool{}
	for _, p := range result.Parts {
		seen[p.PartNum] = true
		_, err := os.Stat(p.SourcePath)
		assert.NoError(t, err)
	}
	assert.True(t, seen[1] && seen[2] && seen[3])
}

func TestScheduleCacheHitSkipsDownload(t *testing.T) {
	var gets int64
	scheduler, cache := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&gets, 1)
		w.Write([]byte("blobbytes"))
	})

	digest := "sha256:" + repeatChar("e", 64)
	manifest := &models.Manifest{
		Layers: []models.Layer{
			{MediaType: "application/vnd.oci.image.config.v1+json", Digest: digest, Size: 9},
		},
	}

	manifestID := "sha256_cachehit"
	require.NoError(t, cache.Prepare(manifestID))
	require.NoError(t, os.WriteFile(cache.LayerPath(manifestID, digest), []byte("blobbytes"), 0o644))

	stagingDir := t.TempDir()
	result, err := scheduler.Schedule(context.Background(), "acme/vmimg", manifestID, "tok", manifest, stagingDir)
	require.NoError(t, err)

	assert.Equal(t, int64(0), atomic.LoadInt64(&gets))
	assert.FileExists(t, result.ConfigPath)
}

func TestScheduleLayerFailureReturnsError(t *testing.T) {
	scheduler, cache := newTestScheduler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	manifest := &models.Manifest{
		Layers: []models.Layer{
			{MediaType: "application/vnd.oci.image.config.v1+json", Digest: "sha256:" + repeatChar("f", 64), Size: 9},
		},
	}

	manifestID := "sha256_errtest"
	require.NoError(t, cache.Prepare(manifestID))

	stagingDir := t.TempDir()
	_, err := scheduler.Schedule(context.Background(), "acme/vmimg", manifestID, "tok", manifest, stagingDir)
	require.Error(t, err)
}

// TestScheduleConcurrentPullsDedupSharedBlob drives two concurrent
// Schedule calls against one Scheduler for a manifest that shares a
// single blob digest, confirming the singleflight coordinator collapses
// them to exactly one GET (spec.md §8 testable property #3).
func TestScheduleConcurrentPullsDedupSharedBlob(t *testing.T) {
	var gets int64
	release := make(chan struct{})
	var firstGETStarted sync.WaitGroup
	firstGETStarted.Add(1)
	var once sync.Once

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&gets, 1)
		once.Do(firstGETStarted.Done)
		<-release
		w.Write([]byte("blobbytes"))
	}))
	t.Cleanup(server.Close)

	log := utils.NewLogger(utils.Config{})
	registry := registryclient.NewForTest(server.Listener.Addr().String(), "http", log)
	cache := cachestore.New(t.TempDir(), "acme", log)
	coord := singleflight.NewWithPollInterval(time.Millisecond)
	mem := memprobe.New()
	scheduler := New(registry, cache, coord, mem, log)

	digest := "sha256:" + repeatChar("9", 64)
	manifest := &models.Manifest{
		Layers: []models.Layer{
			{MediaType: "application/vnd.oci.image.config.v1+json", Digest: digest, Size: 9},
		},
	}

	manifestID := "sha256_concurrenttest"
	require.NoError(t, cache.Prepare(manifestID))

	results := make([]*Result, 2)
	errs := make([]error, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			stagingDir := t.TempDir()
			results[i], errs[i] = scheduler.Schedule(context.Background(), "acme/vmimg", manifestID, "tok", manifest, stagingDir)
		}()
	}

	// Hold the winning GET open until the loser has had time to observe
	// the in-flight claim and enter WaitFor's polling loop, then release
	// both goroutines to complete.
	firstGETStarted.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int64(1), atomic.LoadInt64(&gets))
	assert.FileExists(t, results[0].ConfigPath)
	assert.FileExists(t, results[1].ConfigPath)
}

func repeatChar(s string, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = s[0]
	}
	return string(out)
}
