// Package download implements the bounded-concurrency per-layer fetch
// pipeline, per spec.md §4.4.
package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"vmpuller/pkg/cachestore"
	"vmpuller/pkg/memprobe"
	"vmpuller/pkg/models"
	"vmpuller/pkg/registryclient"
	"vmpuller/pkg/singleflight"
	"vmpuller/pkg/utils"
)

const maxConcurrentDownloads = 5

var diskPartPattern = regexp.MustCompile(`part\.number=(\d+);part\.total=(\d+)`)

const (
	mediaTypeEmpty      = "application/vnd.oci.empty.v1+json"
	mediaTypeDiskSingle = "application/vnd.oci.image.layer.v1.tar"
	mediaTypeConfig     = "application/vnd.oci.image.config.v1+json"
	mediaTypeNVRAM      = "application/octet-stream"
)

// Part is one numbered disk-image part, sourced either from the cache or
// from the staging directory; the reassembler must not mutate it.
type Part struct {
	PartNum    int
	SourcePath string
}

// Result is the outcome of scheduling all layers of a manifest.
type Result struct {
	// Parts is non-empty when the manifest carries disk-image parts,
	// ordered by discovery (not necessarily PartNum order).
	Parts []Part

	// DiskSinglePath is set when the manifest carries a whole-file disk
	// image instead of parts.
	DiskSinglePath string

	// ConfigPath and NVRAMPath are set when the corresponding layer was
	// present in the manifest.
	ConfigPath string
	NVRAMPath  string

	// TotalBytes sums the size of every scheduled (non-empty) layer.
	TotalBytes int64
}

// Scheduler downloads a manifest's layers into a staging directory,
// populating the cache store as it goes, per spec.md §4.4.
type Scheduler struct {
	registry    *registryclient.Client
	cache       *cachestore.Store
	coordinator *singleflight.Coordinator
	memory      *memprobe.Probe
	log         *utils.Logger

	progressMu sync.Mutex
	bytesDone  int64
}

// New returns a Scheduler wired to the given collaborators.
func New(registry *registryclient.Client, cache *cachestore.Store, coordinator *singleflight.Coordinator, memory *memprobe.Probe, log *utils.Logger) *Scheduler {
	return &Scheduler{
		registry:    registry,
		cache:       cache,
		coordinator: coordinator,
		memory:      memory,
		log:         log,
	}
}

// Schedule downloads every layer of manifest into stagingDir, caching
// fresh blobs under manifestID, and returns the assembled Result. The
// first task error cancels the remaining in-flight tasks.
func (s *Scheduler) Schedule(ctx context.Context, repository, manifestID, token string, manifest *models.Manifest, stagingDir string) (*Result, error) {
	result := &Result{}
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDownloads)

	for _, layer := range manifest.Layers {
		layer := layer

		if layer.MediaType == mediaTypeEmpty {
			continue
		}

		g.Go(func() error {
			dest, partNum, isPart, err := s.ClassifyLayer(layer, stagingDir)
			if err != nil {
				return err
			}
			if dest == "" {
				// Unrecognized media type: ignore, per spec.md §4.4.
				return nil
			}

			sourcePath, err := s.fetchLayer(gctx, repository, manifestID, token, layer, dest)
			if err != nil {
				return err
			}

			if layer.MediaType == mediaTypeDiskGzip {
				decompressed := filepath.Join(stagingDir, "disk.img")
				if err := gzipDecompress(sourcePath, decompressed); err != nil {
					return err
				}
				sourcePath = decompressed
			}

			resultMu.Lock()
			result.TotalBytes += layer.Size
			if isPart {
				result.Parts = append(result.Parts, Part{PartNum: partNum, SourcePath: sourcePath})
			} else {
				switch layer.MediaType {
				case mediaTypeDiskSingle, mediaTypeDiskGzip:
					result.DiskSinglePath = sourcePath
				case mediaTypeConfig:
					result.ConfigPath = sourcePath
				case mediaTypeNVRAM:
					result.NVRAMPath = sourcePath
				}
			}
			resultMu.Unlock()

			s.addProgress(layer.Size)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return result, nil
}

// ClassifyLayer returns the staging output path for layer, whether it is
// a disk part, and its part number if so. Exported so callers outside
// this package (the engine's cache-hit path) can classify a manifest's
// layers the same way Schedule does, without re-fetching anything.
func (s *Scheduler) ClassifyLayer(layer models.Layer, stagingDir string) (dest string, partNum int, isPart bool, err error) {
	if m := diskPartPattern.FindStringSubmatch(layer.MediaType); m != nil {
		partNum, err = strconv.Atoi(m[1])
		if err != nil {
			return "", 0, false, fmt.Errorf("parse part number from %q: %w", layer.MediaType, err)
		}
		return filepath.Join(stagingDir, utils.LayerFileName(layer.Digest)), partNum, true, nil
	}

	switch layer.MediaType {
	case mediaTypeDiskSingle:
		return filepath.Join(stagingDir, "disk.img"), 0, false, nil
	case mediaTypeDiskGzip:
		// Reserved: fetched to a .gz staging path, then decompressed to
		// disk.img by Schedule. See pkg/download/gzip.go.
		return filepath.Join(stagingDir, "disk.img.gz"), 0, false, nil
	case mediaTypeConfig:
		return filepath.Join(stagingDir, "config.json"), 0, false, nil
	case mediaTypeNVRAM:
		return filepath.Join(stagingDir, "nvram.bin"), 0, false, nil
	default:
		return "", 0, false, nil
	}
}

// DiskPartTotal reports whether mediaType names a disk-image part and,
// if so, the total part count it advertises. Exported so the
// reassembler's caller can compute totalParts and expectedSize straight
// from a manifest's layers, per spec.md §4.5.
func DiskPartTotal(mediaType string) (totalParts int, ok bool) {
	m := diskPartPattern.FindStringSubmatch(mediaType)
	if m == nil {
		return 0, false
	}
	total, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return total, true
}

// fetchLayer implements the four-step per-layer algorithm of spec.md
// §4.4, returning the path a caller should read the layer's bytes from.
func (s *Scheduler) fetchLayer(ctx context.Context, repository, manifestID, token string, layer models.Layer, dest string) (string, error) {
	cachedPath := s.cache.LayerPath(manifestID, layer.Digest)
	isPart := diskPartPattern.MatchString(layer.MediaType)

	if _, err := os.Stat(cachedPath); err == nil {
		constrained := s.memory.MemoryConstrained()
		if !constrained {
			if err := s.cache.CopyLayerFromCache(manifestID, layer.Digest, dest); err != nil {
				return "", err
			}
			return dest, nil
		}
		if isPart {
			return cachedPath, nil
		}
		if err := s.cache.CopyLayerFromCache(manifestID, layer.Digest, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	// MarkStartedIfAbsent atomically claims ownership of this digest's
	// download so two goroutines racing here can't both pass an
	// IsDownloading check and both call DownloadBlob, per spec.md §4.3's
	// exactly-one-GET guarantee.
	for {
		if s.coordinator.MarkStartedIfAbsent(layer.Digest) {
			err := func() error {
				defer s.coordinator.MarkComplete(layer.Digest)
				if err := s.registry.DownloadBlob(ctx, repository, layer.Digest, layer.MediaType, token, dest, 0); err != nil {
					return err
				}
				return s.cache.ReplaceLayer(manifestID, layer.Digest, dest)
			}()
			if err != nil {
				return "", err
			}
			return dest, nil
		}

		s.coordinator.WaitFor(layer.Digest, cachedPath)
		if _, err := os.Stat(cachedPath); err == nil {
			if err := s.cache.CopyLayerFromCache(manifestID, layer.Digest, dest); err != nil {
				return "", err
			}
			return dest, nil
		}
		// Owner failed before producing a cache file: loop and race to
		// claim the digest ourselves.
	}
}

func (s *Scheduler) addProgress(n int64) {
	s.progressMu.Lock()
	s.bytesDone += n
	s.progressMu.Unlock()
}

// BytesDownloaded returns the running total of bytes accounted for so
// far; advisory only, per spec.md §5.
func (s *Scheduler) BytesDownloaded() int64 {
	s.progressMu.Lock()
	defer s.progressMu.Unlock()
	return s.bytesDone
}
