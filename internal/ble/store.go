package ble

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionState is the identity persisted after a successful connection so
// the next start can connect without scanning.
type SessionState struct {
	DeviceID   string    `yaml:"device_id"`
	DeviceName string    `yaml:"device_name,omitempty"`
	SavedAt    time.Time `yaml:"saved_at"`
}

// StateStore persists SessionState between runs.
type StateStore interface {
	// Load returns nil, nil when nothing has been saved.
	Load() (*SessionState, error)
	Save(st *SessionState) error
	Clear() error
}

// FileStore is a StateStore backed by a YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store that reads and writes path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store uses.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Load() (*SessionState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ble: reading session state: %w", err)
	}
	var st SessionState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ble: parsing session state %s: %w", f.Path(), err)
	}
	if st.DeviceID == "" {
		return nil, nil
	}
	return &st, nil
}

func (f *FileStore) Save(st *SessionState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("ble: encoding session state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("ble: creating state directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("ble: writing session state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ble: writing session state: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ble: clearing session state: %w", err)
	}
	return nil
}

var _ StateStore = (*FileStore)(nil)
