// Package engine wires the registry client, cache store, single-flight
// coordinator, download scheduler, reassembler, and materializer into
// the top-level Pull operation, per spec.md §4.9.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"

	"vmpuller/pkg/archive"
	"vmpuller/pkg/cachestore"
	"vmpuller/pkg/download"
	"vmpuller/pkg/imageindex"
	"vmpuller/pkg/materialize"
	"vmpuller/pkg/memprobe"
	"vmpuller/pkg/models"
	"vmpuller/pkg/reassemble"
	"vmpuller/pkg/registryclient"
	"vmpuller/pkg/singleflight"
	"vmpuller/pkg/statusserver"
	"vmpuller/pkg/utils"
	"vmpuller/pkg/vmerr"
)

// SettingsProvider is the external collaborator spec.md §6 calls the
// settings store, extended per SPEC_FULL.md §6's addendum with the
// archive/index collaborator methods.
type SettingsProvider interface {
	CacheDirectory() string
	RegistryHost() string
	ArchiveConfig() archive.Config
	RedisAddr() string
}

// VMDirectory is the destination of a materialized pull, or a scratch
// directory handed out by CreateTempVMDirectory.
type VMDirectory struct {
	Path string
}

// VMDirectoryProvider is the external collaborator spec.md §6 calls the
// VM-directory provider.
type VMDirectoryProvider interface {
	GetVMDirectory(name, locationName string) (VMDirectory, error)
	Initialized(name string) bool
	CreateTempVMDirectory() (VMDirectory, error)
}

// Engine owns every collaborator the pull algorithm needs and tracks
// per-image progress for the optional status server.
type Engine struct {
	registry     *registryclient.Client
	cache        *cachestore.Store
	coordinator  *singleflight.Coordinator
	scheduler    *download.Scheduler
	reassembler  *reassemble.Reassembler
	materializer *materialize.Materializer
	memory       *memprobe.Probe
	index        *imageindex.Index
	vmDirs       VMDirectoryProvider
	log          *utils.Logger

	progress Progress
}

// Progress is the last observed status of the most recent pull; it
// satisfies statusserver.ProgressProvider structurally so callers may
// mount an Engine's tracker under a status server without the core
// engine importing fiber.
type Progress struct {
	mu     sync.Mutex
	status statusserver.Status
}

// Snapshot implements statusserver.ProgressProvider.
func (p *Progress) Snapshot() statusserver.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Progress) set(image, phase string, done, total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = statusserver.Status{Image: image, Phase: phase, BytesDownloaded: done, TotalBytes: total}
}

// New wires every collaborator from cfg, organization (the registry
// namespace segment used to scope the on-disk cache and the image
// index), and vmDirs. It does not construct an archiver.
func New(cfg SettingsProvider, organization string, vmDirs VMDirectoryProvider, log *utils.Logger) *Engine {
	cacheRoot := utils.ExpandHome(cfg.CacheDirectory(), os.Getenv("HOME"))

	registry := registryclient.New(cfg.RegistryHost(), log)
	cache := cachestore.New(cacheRoot, organization, log)
	coordinator := singleflight.New()
	memory := memprobe.New()
	scheduler := download.New(registry, cache, coordinator, memory, log)
	reassembler := reassemble.New(memory, log)
	materializer := materialize.New(log)

	var indexOpts []imageindex.Option
	if addr := cfg.RedisAddr(); addr != "" {
		indexOpts = append(indexOpts, imageindex.WithRedis(redis.NewClient(&redis.Options{Addr: addr})))
	}
	index := imageindex.New(cacheRoot, organization, log, indexOpts...)
	cache.SetIndex(index)

	return &Engine{
		registry:     registry,
		cache:        cache,
		coordinator:  coordinator,
		scheduler:    scheduler,
		reassembler:  reassembler,
		materializer: materializer,
		memory:       memory,
		index:        index,
		vmDirs:       vmDirs,
		log:          log,
	}
}

// NewWithRegistryHost is New, but takes a ready registry client and
// cache store from the caller (tests point the client at an
// httptest.Server). The returned Engine has no image index.
func NewWithRegistryHost(registry *registryclient.Client, cache *cachestore.Store, vmDirs VMDirectoryProvider, log *utils.Logger) *Engine {
	coordinator := singleflight.New()
	memory := memprobe.New()
	return &Engine{
		registry:     registry,
		cache:        cache,
		coordinator:  coordinator,
		scheduler:    download.New(registry, cache, coordinator, memory, log),
		reassembler:  reassemble.New(memory, log),
		materializer: materialize.New(log),
		memory:       memory,
		vmDirs:       vmDirs,
		log:          log,
	}
}

// Progress returns the engine's live progress tracker, for mounting
// under an optional status server.
func (e *Engine) Progress() *Progress {
	return &e.progress
}

// Index returns the engine's image index, for callers that want to
// enumerate cached images independently of a pull.
func (e *Engine) Index() *imageindex.Index {
	return e.index
}

// Pull implements spec.md §4.9's top-level algorithm: resolve image
// format, acquire a token, fetch the manifest, validate the cache,
// rebuild on miss, then materialize into the destination VM directory.
func (e *Engine) Pull(ctx context.Context, image, name, location string) (string, error) {
	repo, tag, ok := utils.SplitImageReference(image)
	if !ok {
		return "", &vmerr.InvalidImageFormatError{Image: image}
	}
	if err := utils.ValidateRepoName(repo); err != nil {
		return "", &vmerr.InvalidImageFormatError{Image: image}
	}
	if err := utils.ValidateReference(tag); err != nil {
		return "", &vmerr.InvalidImageFormatError{Image: image}
	}

	vmName := name
	if vmName == "" {
		vmName = repo
	}

	vmDir, err := e.vmDirs.GetVMDirectory(vmName, location)
	if err != nil {
		return "", err
	}

	e.progress.set(image, "acquiring-token", 0, 0)
	token, err := e.registry.AcquireToken(ctx, repo)
	if err != nil {
		return "", err
	}

	e.progress.set(image, "fetching-manifest", 0, 0)
	manifestResult, err := e.registry.FetchManifest(ctx, repo, tag, token)
	if err != nil {
		return "", err
	}

	if err := utils.ValidateDigest(manifestResult.Digest); err != nil {
		return "", &vmerr.ManifestFetchFailedError{Repository: repo, Tag: tag, Err: err}
	}

	var manifest models.Manifest
	if err := unmarshalManifest(manifestResult.Body, &manifest); err != nil {
		return "", &vmerr.ManifestFetchFailedError{Repository: repo, Tag: tag, Err: err}
	}
	manifestID := utils.DigestToManifestID(manifestResult.Digest)

	stagingDir, err := os.MkdirTemp("", "vmpuller-staging-*")
	if err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	if e.cache.Validate(&manifest, manifestID) {
		e.progress.set(image, "reassembling-from-cache", 0, manifest.TotalLayerSize())
		if err := e.reassembleFromCache(manifestID, &manifest, stagingDir); err != nil {
			return "", err
		}
	} else {
		e.progress.set(image, "rebuilding-cache", 0, manifest.TotalLayerSize())
		if err := e.rebuildFromRegistry(ctx, repo, tag, manifestID, &manifest, token, stagingDir); err != nil {
			return "", err
		}
	}

	e.progress.set(image, "materializing", manifest.TotalLayerSize(), manifest.TotalLayerSize())
	if err := e.materializer.Install(stagingDir, vmDir.Path); err != nil {
		return "", err
	}

	e.progress.set(image, "complete", manifest.TotalLayerSize(), manifest.TotalLayerSize())
	return vmDir.Path, nil
}

// reassembleFromCache composes the staging tree directly from a valid
// cache hit, without touching the network.
func (e *Engine) reassembleFromCache(manifestID string, manifest *models.Manifest, stagingDir string) error {
	parts, diskSingle, configPath, nvramPath, err := e.cachedLayerPaths(manifestID, manifest, stagingDir)
	if err != nil {
		return err
	}
	return e.assembleAndCopy(parts, diskSingle, configPath, nvramPath, manifest, stagingDir)
}

// cachedLayerPaths classifies a manifest's layers the same way the
// download scheduler does, but resolves every source straight out of
// the cache instead of fetching.
func (e *Engine) cachedLayerPaths(manifestID string, manifest *models.Manifest, stagingDir string) ([]download.Part, string, string, string, error) {
	var parts []download.Part
	var diskSingle, configPath, nvramPath string

	for _, layer := range manifest.Layers {
		dest, partNum, isPart, err := e.scheduler.ClassifyLayer(layer, stagingDir)
		if err != nil {
			return nil, "", "", "", err
		}
		if dest == "" {
			continue
		}

		cached := e.cache.LayerPath(manifestID, layer.Digest)
		if isPart {
			parts = append(parts, download.Part{PartNum: partNum, SourcePath: cached})
			continue
		}

		switch filepath.Base(dest) {
		case "disk.img", "disk.img.gz":
			diskSingle = cached
		case "config.json":
			configPath = cached
		case "nvram.bin":
			nvramPath = cached
		}
	}

	return parts, diskSingle, configPath, nvramPath, nil
}

// rebuildFromRegistry implements the cache-miss branch of spec.md §4.9:
// cleanup, prepare, schedule downloads, then reassemble.
func (e *Engine) rebuildFromRegistry(ctx context.Context, repo, tag, manifestID string, manifest *models.Manifest, token, stagingDir string) error {
	if err := e.cache.CleanupOldVersions(manifestID, repo); err != nil {
		return err
	}
	if err := e.cache.EnsureCacheFromScratch(manifestID, repo, tag, manifest); err != nil {
		return err
	}

	result, err := e.scheduler.Schedule(ctx, repo, manifestID, token, manifest, stagingDir)
	if err != nil {
		return err
	}

	return e.assembleAndCopy(result.Parts, result.DiskSinglePath, result.ConfigPath, result.NVRAMPath, manifest, stagingDir)
}

// assembleAndCopy produces stagingDir/disk.img (from parts or a
// single-file source) and copies config/nvram alongside it, per
// spec.md §4.9.
func (e *Engine) assembleAndCopy(parts []download.Part, diskSingle, configPath, nvramPath string, manifest *models.Manifest, stagingDir string) error {
	diskOut := filepath.Join(stagingDir, "disk.img")

	if len(parts) > 0 {
		totalParts := 0
		var expectedSize int64
		for _, layer := range manifest.Layers {
			if total, ok := download.DiskPartTotal(layer.MediaType); ok {
				if total > totalParts {
					totalParts = total
				}
				expectedSize += layer.Size
			}
		}
		if err := e.reassembler.Assemble(parts, totalParts, diskOut, expectedSize); err != nil {
			return err
		}
	} else if diskSingle != "" && diskSingle != diskOut {
		if err := copyIfExists(diskSingle, diskOut); err != nil {
			return err
		}
	}

	if configPath != "" {
		if err := copyIfExists(configPath, filepath.Join(stagingDir, "config.json")); err != nil {
			return err
		}
	}
	if nvramPath != "" {
		if err := copyIfExists(nvramPath, filepath.Join(stagingDir, "nvram.bin")); err != nil {
			return err
		}
	}

	return nil
}

func copyIfExists(src, dst string) error {
	if src == dst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func unmarshalManifest(body []byte, manifest *models.Manifest) error {
	return json.Unmarshal(body, manifest)
}
