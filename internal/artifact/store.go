// Package artifact tracks the exported model files and rendered previews a
// completed job produced, and serves their bytes from a blob store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNotFound = errors.New("artifact not found")

// Store is the blob backend behind the registry. The filesystem
// implementation is rooted at the output directory shared with the worker;
// the S3 implementation mirrors registered artifacts to durable storage.
type Store interface {
	Put(ctx context.Context, name string, content []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Stat(ctx context.Context, name string) (int64, error)
}

// FSStore serves artifacts straight from the output directory the worker
// writes into.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// cleanName rejects anything that could escape the root directory.
func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return name, nil
}

func (s *FSStore) Put(_ context.Context, name string, content []byte) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.root, name), content, 0o644)
}

func (s *FSStore) Get(_ context.Context, name string) ([]byte, error) {
	name, err := cleanName(name)
	if err != nil {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *FSStore) Stat(_ context.Context, name string) (int64, error) {
	name, err := cleanName(name)
	if err != nil {
		return 0, ErrNotFound
	}
	info, err := os.Stat(filepath.Join(s.root, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size(), nil
}
