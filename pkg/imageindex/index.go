// Package imageindex enumerates cached images per repository, per
// spec.md §4.7, with an optional redis-backed read-through cache and a
// semver-aware "latest" helper, per SPEC_FULL.md §10.2.
package imageindex

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"

	"vmpuller/pkg/models"
	"vmpuller/pkg/utils"
)

const snapshotTTL = 30 * time.Second

// Index enumerates the cache store for one organization.
type Index struct {
	cacheRoot    string
	organization string
	log          *utils.Logger

	// redisClient is optional; nil disables the read-through cache.
	redisClient *redis.Client
}

// Option configures an Index.
type Option func(*Index)

// WithRedis enables a read-through snapshot cache keyed imageindex:<org>.
func WithRedis(client *redis.Client) Option {
	return func(i *Index) { i.redisClient = client }
}

// New returns an Index rooted at <cacheRoot>/ghcr/<organization>.
func New(cacheRoot, organization string, log *utils.Logger, opts ...Option) *Index {
	idx := &Index{cacheRoot: cacheRoot, organization: organization, log: log}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func (idx *Index) orgDir() string {
	return filepath.Join(idx.cacheRoot, "ghcr", idx.organization)
}

func (idx *Index) snapshotKey() string {
	return "imageindex:" + idx.organization
}

// List scans orgDir for child directories carrying a readable
// metadata.json and returns the corresponding CachedImage records,
// sorted by (repository, imageId). Directories without metadata are
// skipped; the legacy manifest-only branch from spec.md §9's open
// question is intentionally not reproduced.
func (idx *Index) List(ctx context.Context) ([]models.CachedImage, error) {
	if idx.redisClient != nil {
		if images, ok := idx.readSnapshot(ctx); ok {
			return images, nil
		}
	}

	images, err := idx.scan()
	if err != nil {
		return nil, err
	}

	if idx.redisClient != nil {
		idx.writeSnapshot(ctx, images)
	}

	return images, nil
}

func (idx *Index) scan() ([]models.CachedImage, error) {
	entries, err := os.ReadDir(idx.orgDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var images []models.CachedImage
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		metaPath := filepath.Join(idx.orgDir(), entry.Name(), "metadata.json")
		data, err := os.ReadFile(metaPath)
		if err != nil {
			// No readable metadata.json: skip, per spec.md §4.7.
			continue
		}

		var meta models.ImageMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			idx.log.WithFunc().WithError(err).WithField("dir", entry.Name()).Warn("cached metadata.json failed to deserialize during index scan")
			continue
		}

		images = append(images, models.CachedImage{
			Repository: meta.Image,
			ShortID:    models.ShortID(entry.Name()),
			ManifestID: entry.Name(),
		})
	}

	sort.Slice(images, func(i, j int) bool {
		if images[i].Repository != images[j].Repository {
			return images[i].Repository < images[j].Repository
		}
		return images[i].ShortID < images[j].ShortID
	})

	return images, nil
}

func (idx *Index) readSnapshot(ctx context.Context) ([]models.CachedImage, bool) {
	raw, err := idx.redisClient.Get(ctx, idx.snapshotKey()).Bytes()
	if err != nil {
		return nil, false
	}
	var images []models.CachedImage
	if err := json.Unmarshal(raw, &images); err != nil {
		return nil, false
	}
	return images, true
}

func (idx *Index) writeSnapshot(ctx context.Context, images []models.CachedImage) {
	data, err := json.Marshal(images)
	if err != nil {
		return
	}
	if err := idx.redisClient.Set(ctx, idx.snapshotKey(), data, snapshotTTL).Err(); err != nil {
		idx.log.WithFunc().WithError(err).Debug("failed to populate image index snapshot cache")
	}
}

// Invalidate clears the redis snapshot for this organization. Callers
// that mutate the cache store (Prepare, CleanupOldVersions) should call
// this so List never serves a stale entry past one mutation.
func (idx *Index) Invalidate(ctx context.Context) {
	if idx.redisClient == nil {
		return
	}
	if err := idx.redisClient.Del(ctx, idx.snapshotKey()).Err(); err != nil {
		idx.log.WithFunc().WithError(err).Debug("failed to invalidate image index snapshot cache")
	}
}

// LatestByRepository groups images by repository and, when metadata for
// both candidates carries a tag parseable as semver, picks the higher
// version; otherwise falls back to lexical ShortID order. This is a
// documented helper outside List's mandated (repository, imageId) sort
// contract.
func (idx *Index) LatestByRepository(ctx context.Context) (map[string]models.CachedImage, error) {
	images, err := idx.List(ctx)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]models.CachedImage)
	tags := make(map[string]string)

	for _, img := range images {
		meta, err := idx.loadMetadata(img.ManifestID)
		tag := ""
		if err == nil {
			tag = meta.Tag
		}

		existing, ok := latest[img.Repository]
		if !ok {
			latest[img.Repository] = img
			tags[img.Repository] = tag
			continue
		}

		if better(tag, tags[img.Repository], img.ShortID, existing.ShortID) {
			latest[img.Repository] = img
			tags[img.Repository] = tag
		}
	}

	return latest, nil
}

func (idx *Index) loadMetadata(manifestID string) (*models.ImageMetadata, error) {
	data, err := os.ReadFile(filepath.Join(idx.orgDir(), manifestID, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta models.ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func better(candidateTag, currentTag, candidateShortID, currentShortID string) bool {
	candidateVer, candidateErr := semver.NewVersion(candidateTag)
	currentVer, currentErr := semver.NewVersion(currentTag)

	if candidateErr == nil && currentErr == nil {
		return candidateVer.GreaterThan(currentVer)
	}

	return candidateShortID > currentShortID
}
