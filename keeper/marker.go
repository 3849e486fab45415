package keeper

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// InstallMarker records that the application has run on this device. It
// lives in ordinary (non-secure) storage so that uninstalling the app
// removes it while secure-store records may survive
type InstallMarker interface {
	Exists() (bool, error)
	Set() error
}

// FileMarker is an InstallMarker backed by a file
type FileMarker struct {
	Path string
}

// NewFileMarker returns a marker stored as name inside dir
func NewFileMarker(dir string) *FileMarker {
	return &FileMarker{Path: filepath.Join(dir, ".coresdk-installed")}
}

func (m *FileMarker) Exists() (bool, error) {
	_, err := os.Stat(m.Path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat install marker: %w", err)
}

func (m *FileMarker) Set() error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create marker directory: %w", err)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(m.Path, stamp, 0o600); err != nil {
		return fmt.Errorf("failed to write install marker: %w", err)
	}
	return nil
}

// MemoryMarker is an InstallMarker that lives in process memory
type MemoryMarker struct {
	mu  sync.Mutex
	set bool
}

// NewMemoryMarker returns a marker, already set when installed is true
func NewMemoryMarker(installed bool) *MemoryMarker {
	return &MemoryMarker{set: installed}
}

func (m *MemoryMarker) Exists() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set, nil
}

func (m *MemoryMarker) Set() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set = true
	return nil
}
