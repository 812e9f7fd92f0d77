package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FSStore keeps blobs as files below a root directory.
type FSStore struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
}

func NewFSStore(root string, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	return &FSStore{root: root, logger: logger, now: time.Now}, nil
}

func (s *FSStore) Put(ctx context.Context, contentType string, data []byte) (string, error) {
	ref := newRef(s.now().UTC(), contentType)
	name := filepath.Join(s.root, filepath.FromSlash(ref))

	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	// The rename publishes the blob in one step.
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	if err := os.Rename(tmp, name); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write media: %w", err)
	}

	s.logger.Debug("Stored media", zap.String("ref", ref), zap.Int("size", len(data)))
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, string, error) {
	if err := validRef(ref); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read media: %w", err)
	}
	return data, contentTypeFor(ref), nil
}
