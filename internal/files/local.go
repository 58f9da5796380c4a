package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local stores import files in a directory.
type Local struct {
	root string
}

// NewLocal creates a Local source rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("NewLocal: %w", err)
	}
	return &Local{root: dir}, nil
}

// Open implements Source. ref is relative to the root directory.
func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	name, err := cleanName(ref)
	if err != nil {
		return nil, fmt.Errorf("Open: %q: %w", ref, err)
	}
	f, err := os.Open(filepath.Join(l.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("Open: %s: %w", ref, ErrInvalidRef)
		}
		return nil, fmt.Errorf("Open: %w", err)
	}
	return f, nil
}

// Put implements Source.
func (l *Local) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	rel, err := cleanName(name)
	if err != nil {
		return "", fmt.Errorf("Put: %q: %w", name, err)
	}
	dst := filepath.Join(l.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("Put: writing %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("Put: %w", err)
	}
	return rel, nil
}

var _ Source = (*Local)(nil)
