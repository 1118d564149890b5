// Package store persists the paired-device list across process
// restarts. Writes replace the whole list and are atomic with
// respect to readers.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PairedDevice is the persisted subset of a paired peer.
type PairedDevice struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	PairedAt      time.Time  `json:"paired_at"`
	LastConnected *time.Time `json:"last_connected,omitempty"`
}

// Store loads and saves the paired-device list. Save replaces the
// whole list; incremental updates are not supported.
type Store interface {
	Load() ([]PairedDevice, error)
	Save(devices []PairedDevice) error
}

// FileStore persists the list as a JSON file. The write goes to a
// temp file in the same directory followed by a rename, so readers
// never observe a partial list.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a FileStore writing to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted list. A missing file yields an empty list.
func (fs *FileStore) Load() ([]PairedDevice, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read paired devices: %w", err)
	}

	var devices []PairedDevice
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse paired devices: %w", err)
	}
	return devices, nil
}

// Save replaces the persisted list.
func (fs *FileStore) Save(devices []PairedDevice) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if devices == nil {
		devices = []PairedDevice{}
	}
	data, err := json.Marshal(devices)
	if err != nil {
		return fmt.Errorf("encode paired devices: %w", err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".paired-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write paired devices: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace paired devices: %w", err)
	}
	return nil
}

// Memory is an in-memory Store for tests and ephemeral runs.
type Memory struct {
	mu      sync.Mutex
	devices []PairedDevice
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns a copy of the stored list.
func (m *Memory) Load() ([]PairedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PairedDevice, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// Save replaces the stored list.
func (m *Memory) Save(devices []PairedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = make([]PairedDevice, len(devices))
	copy(m.devices, devices)
	return nil
}
