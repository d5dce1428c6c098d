package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists snapshots as an indented JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a persister writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot. A missing file is not an error.
func (f *FileStore) Load(ctx context.Context) (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap Snapshot
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("read state file: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, fmt.Errorf("parse state file: %w", err)
	}
	return snap, true, nil
}

// Save writes the snapshot through a temp file and rename.
func (f *FileStore) Save(ctx context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// Memory keeps the last snapshot in memory. Used when persistence is disabled.
type Memory struct {
	mu    sync.Mutex
	snap  Snapshot
	saved bool
	saves int
}

func (m *Memory) Load(ctx context.Context) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.saved, nil
}

func (m *Memory) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	m.saved = true
	m.saves++
	return nil
}

// Last returns the most recently saved snapshot.
func (m *Memory) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Saves returns how many snapshots have been saved.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
