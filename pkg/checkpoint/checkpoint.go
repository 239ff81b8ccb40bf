// Package checkpoint persists stage results so an interrupted batch can resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/David-Botos/quality-ingress/pkg/config"
)

// ErrNotFound is returned by Load when no checkpoint exists under a key
var ErrNotFound = errors.New("checkpoint not found")

// Store saves opaque checkpoint blobs by key. Keys are slash separated.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	// Delete removes every checkpoint whose key starts with prefix
	Delete(ctx context.Context, prefix string) error
}

// StateKey is the key of a batch's stage progress record
func StateKey(batchID string) string {
	return "batch/" + batchID + "/state"
}

// StageKey is the key of one stage's output for one entity
func StageKey(batchID, stage, entity string) string {
	return "batch/" + batchID + "/" + stage + "/" + entity
}

// BatchPrefix covers every checkpoint of a batch
func BatchPrefix(batchID string) string {
	return "batch/" + batchID + "/"
}

// SaveJSON marshals v and saves it under key
func SaveJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}
	return s.Save(ctx, key, data)
}

// LoadJSON loads key into v. It returns ErrNotFound when absent.
func LoadJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Load(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
	}
	return nil
}

// FileStore keeps checkpoints as files under a directory. Writes go to a
// temporary file that is synced and renamed, so a crash never leaves a
// partially written checkpoint behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid checkpoint key %q", key)
	}
	return filepath.Join(s.dir, clean+".json"), nil
}

// Save writes data atomically
func (s *FileStore) Save(_ context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to commit checkpoint %s: %w", key, err)
	}
	return nil
}

// Load reads a checkpoint
func (s *FileStore) Load(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the checkpoints under prefix. A prefix ending in "/" names a directory.
func (s *FileStore) Delete(_ context.Context, prefix string) error {
	if strings.HasSuffix(prefix, "/") {
		dir := filepath.Join(s.dir, filepath.Clean(filepath.FromSlash(prefix)))
		if !strings.HasPrefix(dir, filepath.Clean(s.dir)+string(filepath.Separator)) {
			return fmt.Errorf("invalid checkpoint prefix %q", prefix)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to delete checkpoints %s: %w", prefix, err)
		}
		return nil
	}

	path, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint %s: %w", prefix, err)
	}
	return nil
}

// NopStore discards checkpoints; every Load misses
type NopStore struct{}

func (NopStore) Save(context.Context, string, []byte) error { return nil }

func (NopStore) Load(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (NopStore) Delete(context.Context, string) error { return nil }

// New builds the store selected by the pipeline configuration
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Pipeline.CheckpointBackend {
	case "none":
		return NopStore{}, nil
	case "redis":
		store, err := NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Redis checkpoint store", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	default:
		store, err := NewFileStore(cfg.Pipeline.CheckpointDir)
		if err != nil {
			return nil, err
		}
		logger.Info("Using file checkpoint store", zap.String("dir", cfg.Pipeline.CheckpointDir))
		return store, nil
	}
}
