// Package vmdirectory is a filesystem-backed implementation of the
// VM-directory provider collaborator spec.md §6 treats as external,
// rooted at one base path the way the teacher's PathManager roots
// every storage concern at one base path.
package vmdirectory

import (
	"fmt"
	"os"
	"path/filepath"

	"vmpuller/pkg/engine"
	"vmpuller/pkg/utils"
)

// Manager lays out materialized VM directories under a single base
// path, one subdirectory per VM name.
type Manager struct {
	basePath string
	log      *utils.Logger
}

// New returns a Manager rooted at basePath, creating it if absent.
func New(basePath string, log *utils.Logger) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create vm directory root %s: %w", basePath, err)
	}
	return &Manager{basePath: basePath, log: log}, nil
}

// GetVMDirectory returns the directory a VM named name should be
// materialized into. location, when non-empty, nests the VM under a
// named sub-root (e.g. a datastore or host pool) instead of basePath
// directly.
func (m *Manager) GetVMDirectory(name, location string) (engine.VMDirectory, error) {
	root := m.basePath
	if location != "" {
		root = filepath.Join(m.basePath, location)
	}
	return engine.VMDirectory{Path: filepath.Join(root, name)}, nil
}

// Initialized reports whether a VM named name has already been
// materialized under basePath.
func (m *Manager) Initialized(name string) bool {
	_, err := os.Stat(filepath.Join(m.basePath, name))
	return err == nil
}

// CreateTempVMDirectory hands out a scratch directory under basePath
// for callers that need one outside of a named pull (e.g. inspection
// tooling).
func (m *Manager) CreateTempVMDirectory() (engine.VMDirectory, error) {
	dir, err := os.MkdirTemp(m.basePath, "scratch-*")
	if err != nil {
		return engine.VMDirectory{}, err
	}
	return engine.VMDirectory{Path: dir}, nil
}
