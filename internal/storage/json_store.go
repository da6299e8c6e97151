package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore persists one JSON snapshot file for the in-memory store.
type JSONStore struct {
	mu       sync.Mutex
	filePath string
}

// NewJSONStore creates a snapshot file handle inside dataDir.
func NewJSONStore(dataDir, filename string) (*JSONStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	return &JSONStore{
		filePath: filepath.Join(dataDir, filename),
	}, nil
}

// Load decodes the snapshot into data. A missing file leaves data untouched.
func (s *JSONStore) Load(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(data)
}

// Save writes data to a temp file, syncs it and renames it over the snapshot.
func (s *JSONStore) Save(data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tempFile := s.filePath + ".tmp"
	file, err := os.OpenFile(tempFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(file).Encode(data); err != nil {
		file.Close()
		os.Remove(tempFile)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempFile)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempFile)
		return err
	}

	return os.Rename(tempFile, s.filePath)
}
