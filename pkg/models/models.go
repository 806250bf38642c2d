// Package models holds the on-disk and in-memory data types shared by
// the cache, download, and index components.
package models

import "time"

// Layer is one entry in a manifest's layer list.
type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Equal compares two layers by mediaType, digest, and size.
func (l Layer) Equal(other Layer) bool {
	return l.MediaType == other.MediaType && l.Digest == other.Digest && l.Size == other.Size
}

// LayersEqual compares two ordered layer lists for full equality.
func LayersEqual(a, b []Layer) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Manifest is an OCI image manifest, trimmed to what the engine needs.
type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	MediaType     string  `json:"mediaType,omitempty"`
	Config        *Layer  `json:"config,omitempty"`
	Layers        []Layer `json:"layers"`
}

// TotalLayerSize sums the size of every layer (excluding config).
func (m *Manifest) TotalLayerSize() int64 {
	var total int64
	for _, l := range m.Layers {
		total += l.Size
	}
	return total
}

// ImageMetadata is the one-per-cached-manifest-id record written
// alongside manifest.json.
type ImageMetadata struct {
	Image      string    `json:"image"`
	ManifestID string    `json:"manifestId"`
	Timestamp  time.Time `json:"timestamp"`
	// Tag, when present, enables the semver-aware secondary ordering in
	// pkg/imageindex's LatestByRepository helper. It is not part of the
	// core index contract.
	Tag string `json:"tag,omitempty"`
}

// CachedImage is the derived, display-oriented view of one cached
// manifest-id directory.
type CachedImage struct {
	Repository string `json:"repository"`
	ShortID    string `json:"shortId"`
	ManifestID string `json:"manifestId"`
}

// ShortID returns the first 12 hex characters of a manifest digest's
// hex portion (the part after the "sha256:"-style algorithm prefix).
func ShortID(manifestID string) string {
	hex := manifestID
	for i, c := range manifestID {
		if c == ':' || c == '_' {
			hex = manifestID[i+1:]
			break
		}
	}
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}

// ArchiveManifestRef is one entry in an archive bucket's index object,
// per SPEC_FULL.md §10.1.
type ArchiveManifestRef struct {
	ManifestID string    `json:"manifestId"`
	Repository string    `json:"repository"`
	BucketKey  string    `json:"bucketKey"`
	ArchivedAt time.Time `json:"archivedAt"`
}
