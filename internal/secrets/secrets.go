// Package secrets provides a secret store persisted as a JSON file.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/stravabronze/activity-sync/internal/common/fileutils"
	"github.com/ubuntu/decorate"
)

// ErrNotFound is returned when the requested secret does not exist.
var ErrNotFound = errors.New("secret not found")

// FileStore stores secrets as a JSON object of name to value.
//
// Writes replace the file atomically. A FileStore is safe for concurrent use within a process.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// GetSecret returns the value of the secret name.
func (s *FileStore) GetSecret(ctx context.Context, name string) (value string, err error) {
	defer decorate.OnError(&err, "could not get secret %q", name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	all, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := all[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetSecret creates or replaces the value of the secret name.
func (s *FileStore) SetSecret(ctx context.Context, name, value string) (err error) {
	defer decorate.OnError(&err, "could not set secret %q", name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := s.read()
	if err != nil {
		return err
	}
	all[name] = value

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return fileutils.AtomicWrite(s.path, data)
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, err
	}

	all := make(map[string]string)
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("invalid secrets file %q: %v", s.path, err)
	}
	return all, nil
}
