package mcpwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// EndpointStore persists the configured endpoint list as a JSON file on
// disk. The file holds an ordered array; registration order survives a
// round trip.
type EndpointStore struct {
	path string
	mu   sync.Mutex
}

// NewEndpointStore creates a store backed by the given file path. The file is
// created on first Save.
func NewEndpointStore(path string) *EndpointStore {
	return &EndpointStore{path: path}
}

// Load reads the endpoint list. A missing file is an empty list, not an
// error.
func (s *EndpointStore) Load() ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read endpoint store: %w", err)
	}

	var endpoints []Endpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint store: %w", err)
	}
	return endpoints, nil
}

// Save rewrites the endpoint list. The write goes through a temp file and a
// rename so a crash never leaves a truncated store behind.
func (s *EndpointStore) Save(endpoints []Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(endpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal endpoints: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write endpoint store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace endpoint store: %w", err)
	}
	return nil
}
