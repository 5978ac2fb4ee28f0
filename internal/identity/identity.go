// Package identity persists the worker's queue-assigned client id so a restarted
// process reuses it instead of registering again.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultPath is the file the client id is stored in when none is configured.
const DefaultPath = "client.cfg"

// ErrNotFound is returned by Load when nothing has been persisted yet.
var ErrNotFound = errors.New("no persisted client id")

// Registrar obtains a fresh client id from the queue.
type Registrar interface {
	RegisterClient(ctx context.Context) (int64, error)
}

// FileStore keeps the client id as a single line of text.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path, or DefaultPath when empty.
func NewFileStore(path string) *FileStore {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	return &FileStore{path: path}
}

// Path returns the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the persisted id.
func (s *FileStore) Load() (int64, error) {
	// #nosec G304 -- the path comes from operator configuration.
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("read client id: %w", err)
	}
	line := strings.TrimSpace(string(data))
	if line == "" {
		return 0, ErrNotFound
	}
	id, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse client id %q: %w", line, err)
	}
	return id, nil
}

// Save writes the id, replacing any previous value.
func (s *FileStore) Save(id int64) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create client id directory: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(id, 10)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write client id: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace client id file: %w", err)
	}
	return nil
}

// Ensure returns the persisted id, registering and persisting a new one only when
// none exists.
func Ensure(ctx context.Context, store *FileStore, registrar Registrar, logger *zap.Logger) (int64, error) {
	id, err := store.Load()
	switch {
	case err == nil:
		logger.Info("loaded client id", zap.Int64("client_id", id), zap.String("path", store.Path()))
		return id, nil
	case !errors.Is(err, ErrNotFound):
		return 0, err
	}

	id, err = registrar.RegisterClient(ctx)
	if err != nil {
		return 0, fmt.Errorf("register client: %w", err)
	}
	if err := store.Save(id); err != nil {
		return 0, err
	}
	logger.Info("registered new client id", zap.Int64("client_id", id), zap.String("path", store.Path()))
	return id, nil
}
