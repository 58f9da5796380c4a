package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// GCS stores import files in a Google Cloud Storage bucket.
// It assumes Application Default Credentials are configured.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS source writing to bucket under prefix.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewGCS: create storage client: %w", err)
	}
	return NewGCSWithClient(client, bucket, prefix), nil
}

// NewGCSWithClient wraps an existing storage client.
func NewGCSWithClient(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Close closes the storage client.
func (g *GCS) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// Open implements Source. ref is a gs:// URI or an object path in the
// configured bucket.
func (g *GCS) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, object, err := g.resolve(ref)
	if err != nil {
		return nil, err
	}

	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("Open: %s: %w", ref, ErrInvalidRef)
		}
		return nil, fmt.Errorf("Open: reading object %s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

// Put implements Source.
func (g *GCS) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	object, err := cleanName(name)
	if err != nil {
		return "", fmt.Errorf("Put: %q: %w", name, err)
	}
	if g.prefix != "" {
		object = g.prefix + "/" + object
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(object).NewWriter(ctx)
	w.ContentType = "text/csv"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Put: copy to GCS writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("Put: finalize upload: %w", err)
	}
	return "gs://" + g.bucket + "/" + object, nil
}

func (g *GCS) resolve(ref string) (bucket, object string, err error) {
	if !strings.HasPrefix(ref, "gs://") {
		object, err := cleanName(ref)
		if err != nil {
			return "", "", fmt.Errorf("%q: %w", ref, err)
		}
		return g.bucket, object, nil
	}
	return ParseGCSURI(ref)
}

// ParseGCSURI splits gs://bucket/object into its parts.
func ParseGCSURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("%q is not a gs:// URI: %w", uri, ErrInvalidRef)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%q has no object path: %w", uri, ErrInvalidRef)
	}
	return parts[0], parts[1], nil
}

var _ Source = (*GCS)(nil)
