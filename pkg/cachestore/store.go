// Package cachestore implements the content-addressed on-disk cache
// keyed by manifest digest, per spec.md §3 and §4.2.
package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"vmpuller/pkg/models"
	"vmpuller/pkg/utils"
)

// indexInvalidator is satisfied by *imageindex.Index; kept as a small
// local interface to avoid cachestore depending on imageindex.
type indexInvalidator interface {
	Invalidate(ctx context.Context)
}

// Store roots the cache at <cacheRoot>/ghcr/<organization>/.
type Store struct {
	cacheRoot    string
	organization string
	log          *utils.Logger

	// index, when set, is invalidated on every mutation so List never
	// serves a stale snapshot past one mutation, per SPEC_FULL.md §10.2.
	index indexInvalidator
}

// New returns a Store rooted at cacheRoot for the given organization.
func New(cacheRoot, organization string, log *utils.Logger) *Store {
	return &Store{cacheRoot: cacheRoot, organization: organization, log: log}
}

// SetIndex wires an optional image index to invalidate on cache
// mutations.
func (s *Store) SetIndex(index indexInvalidator) {
	s.index = index
}

func (s *Store) invalidateIndex() {
	if s.index != nil {
		s.index.Invalidate(context.Background())
	}
}

// orgDir is <cacheRoot>/ghcr/<organization>.
func (s *Store) orgDir() string {
	return filepath.Join(s.cacheRoot, "ghcr", s.organization)
}

// ImageCacheDir is <orgDir>/<manifestId>.
func (s *Store) ImageCacheDir(manifestID string) string {
	return filepath.Join(s.orgDir(), manifestID)
}

// ManifestPath is <imageCacheDir>/manifest.json.
func (s *Store) ManifestPath(manifestID string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), "manifest.json")
}

// MetadataPath is <imageCacheDir>/metadata.json.
func (s *Store) MetadataPath(manifestID string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), "metadata.json")
}

// LayerPath is <imageCacheDir>/<digest-with-":"->"_">.
func (s *Store) LayerPath(manifestID, digest string) string {
	return filepath.Join(s.ImageCacheDir(manifestID), utils.LayerFileName(digest))
}

// Validate reports whether the on-disk manifestId directory is valid:
// manifest.json deserializes, its layers equal the given manifest's
// layers, and every layer file exists on disk. No hash re-verification
// is performed; trust is rooted in the manifest digest forming the
// directory name, per spec.md §4.2.
func (s *Store) Validate(manifest *models.Manifest, manifestID string) bool {
	data, err := os.ReadFile(s.ManifestPath(manifestID))
	if err != nil {
		return false
	}

	var onDisk models.Manifest
	if err := json.Unmarshal(data, &onDisk); err != nil {
		s.log.WithFunc().WithError(err).WithField("manifestId", manifestID).Debug("cached manifest failed to deserialize")
		return false
	}

	if !models.LayersEqual(onDisk.Layers, manifest.Layers) {
		return false
	}

	for _, layer := range manifest.Layers {
		if _, err := os.Stat(s.LayerPath(manifestID, layer.Digest)); err != nil {
			s.log.WithFunc().WithField("digest", layer.Digest).Debug("cached layer file missing")
			return false
		}
	}

	return true
}

// Prepare makes imageCacheDir(manifestId) ready for fresh contents.
// Idempotent: if the directory exists it is removed recursively first,
// then recreated empty. The caller is responsible for calling
// SaveManifest/SaveMetadata afterward, per spec.md §4.2's "manifest.json
// is written only after the directory exists" invariant.
func (s *Store) Prepare(manifestID string) error {
	dir := s.ImageCacheDir(manifestID)

	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove stale cache dir %s: %w", dir, err)
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", dir, err)
	}

	s.invalidateIndex()
	return nil
}

// SaveManifest overwrites manifest.json atomically.
func (s *Store) SaveManifest(manifestID string, manifest *models.Manifest) error {
	return writeJSONAtomic(s.ManifestPath(manifestID), manifest)
}

// SaveMetadata overwrites metadata.json atomically.
func (s *Store) SaveMetadata(manifestID string, metadata *models.ImageMetadata) error {
	return writeJSONAtomic(s.MetadataPath(manifestID), metadata)
}

// LoadMetadata reads metadata.json for manifestID.
func (s *Store) LoadMetadata(manifestID string) (*models.ImageMetadata, error) {
	data, err := os.ReadFile(s.MetadataPath(manifestID))
	if err != nil {
		return nil, err
	}
	var meta models.ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// CleanupOldVersions removes every sibling manifestId directory under
// <org>/ whose metadata.json names this repository but whose name is
// not currentManifestId. Directories without metadata are left
// untouched, per spec.md §4.2.
func (s *Store) CleanupOldVersions(currentManifestID, repository string) error {
	entries, err := os.ReadDir(s.orgDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan %s: %w", s.orgDir(), err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == currentManifestID {
			continue
		}

		meta, err := s.LoadMetadata(entry.Name())
		if err != nil {
			// No readable metadata: leave untouched, per spec.md §4.2.
			continue
		}

		if meta.Image != repository {
			continue
		}

		dir := s.ImageCacheDir(entry.Name())
		s.log.WithFunc().WithField("dir", dir).Info("cleaning up superseded cache entry")
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove old cache dir %s: %w", dir, err)
		}
	}

	s.invalidateIndex()
	return nil
}

// EnsureCacheFromScratch removes cache dir then replaces it, writing
// manifest and metadata in order: prepare, save manifest, save metadata.
// This is the miss path from spec.md §4.9. tag is recorded on the
// metadata record so pkg/imageindex's semver-aware LatestByRepository
// ordering has something to sort by.
func (s *Store) EnsureCacheFromScratch(manifestID, repository, tag string, manifest *models.Manifest) error {
	if err := s.Prepare(manifestID); err != nil {
		return err
	}
	if err := s.SaveManifest(manifestID, manifest); err != nil {
		return err
	}
	meta := &models.ImageMetadata{
		Image:      repository,
		ManifestID: manifestID,
		Tag:        tag,
		Timestamp:  time.Now(),
	}
	return s.SaveMetadata(manifestID, meta)
}

// CopyLayerFromCache copies a previously-cached layer file to dst,
// never mutating or removing the cache-resident source.
func (s *Store) CopyLayerFromCache(manifestID, digest, dst string) error {
	return copyFile(s.LayerPath(manifestID, digest), dst)
}

// ReplaceLayer atomically installs a freshly-downloaded layer (staged at
// srcPath) into the cache, removing any prior file of the same name.
func (s *Store) ReplaceLayer(manifestID, digest, srcPath string) error {
	dst := s.LayerPath(manifestID, digest)
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale layer %s: %w", dst, err)
	}
	return copyFile(srcPath, dst)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s -> %s: %w", src, tmp, err)
	}

	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, dst, err)
	}

	return nil
}
