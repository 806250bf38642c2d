// Package materialize atomically installs a staged artifact tree into
// a destination VM directory, per spec.md §4.6.
package materialize

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"vmpuller/pkg/utils"
	"vmpuller/pkg/vmerr"
)

// Materializer moves a staging tree into place atomically.
type Materializer struct {
	log *utils.Logger
}

// New returns a Materializer.
func New(log *utils.Logger) *Materializer {
	return &Materializer{log: log}
}

// Install moves stagingDir into destDir. If destDir already exists it is
// recursively removed first. The parent of destDir is created with any
// missing intermediates. The move itself tries a native rename; on a
// cross-device error it falls back to a recursive copy into a sibling
// temp directory followed by a rename into place, so destDir is never
// observed half-populated, per spec.md §9.
func (m *Materializer) Install(stagingDir, destDir string) error {
	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return &vmerr.DirectoryCreationFailedError{Path: parent, Err: err}
	}

	if _, err := os.Stat(destDir); err == nil {
		if err := os.RemoveAll(destDir); err != nil {
			return fmt.Errorf("remove prior contents of %s: %w", destDir, err)
		}
	}

	if err := os.Rename(stagingDir, destDir); err == nil {
		return nil
	}

	m.log.WithFunc().WithField("dest", destDir).Debug("native rename failed, falling back to copy-then-delete")
	return m.copyThenDelete(stagingDir, destDir)
}

// copyThenDelete recursively copies stagingDir into a sibling temp
// directory under destDir's parent, then renames that temp directory
// into place, never exposing destDir half-populated.
func (m *Materializer) copyThenDelete(stagingDir, destDir string) error {
	tmp, err := os.MkdirTemp(filepath.Dir(destDir), ".materialize-*")
	if err != nil {
		return fmt.Errorf("create temp staging directory: %w", err)
	}

	if err := copyTree(stagingDir, tmp); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("copy staged tree: %w", err)
	}

	if err := os.Rename(tmp, destDir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("rename staged copy into place: %w", err)
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		m.log.WithFunc().WithError(err).Warn("failed to remove original staging directory after cross-device install")
	}

	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
