// Package files resolves the file references carried by import requests.
package files

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrInvalidRef is returned for references a Source cannot resolve.
var ErrInvalidRef = errors.New("invalid file reference")

// Source opens and stores import files.
type Source interface {
	// Open returns the content of ref. The caller closes it.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Put stores r under name and returns the reference to pass to Open.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
}

// BaseName returns the file name of a reference.
// e.g., "gs://bucket/team/file.csv" → "file.csv"
func BaseName(ref string) string {
	if strings.HasPrefix(ref, "gs://") {
		trimmed := strings.TrimPrefix(ref, "gs://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) < 2 {
			return trimmed
		}
		return path.Base(parts[1])
	}
	return path.Base(ref)
}

// cleanName reduces an uploaded name to a safe relative object path.
func cleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	cleaned := path.Clean("/" + name)[1:]
	if cleaned == "" || cleaned == "." {
		return "", ErrInvalidRef
	}
	return cleaned, nil
}
