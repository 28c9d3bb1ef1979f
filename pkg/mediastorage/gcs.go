package mediastorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	// BaseURL prefixes object names in URL; defaults to the public bucket URL.
	BaseURL string
}

// GCS keeps media in a Google Cloud Storage bucket.
type GCS struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	baseURL string
}

// NewGCS opens a client for cfg.Bucket.
func NewGCS(ctx context.Context, cfg GCSConfig) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs media storage requires a bucket")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", cfg.CredentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" || !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}
	return &GCS{client: client, bucket: client.Bucket(cfg.Bucket), baseURL: baseURL}, nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.bucket.Object(cleanPath(name)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GCS) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(cleanPath(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return r, err
}

func (g *GCS) Save(ctx context.Context, name string, r io.Reader) error {
	name = cleanPath(name)
	w := g.bucket.Object(name).NewWriter(ctx)
	w.ContentType = mime.TypeByExtension(path.Ext(name))
	if w.ContentType == "" {
		w.ContentType = "application/octet-stream"
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy to GCS object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", name, err)
	}
	return nil
}

func (g *GCS) SyncDirectory(ctx context.Context, localDir, name string) error {
	if err := g.DeleteDirectory(ctx, name); err != nil {
		return err
	}
	return walkFiles(localDir, func(rel, abs string) error {
		src, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer src.Close()
		return g.Save(ctx, name+"/"+rel, src)
	})
}

func (g *GCS) DeleteDirectory(ctx context.Context, name string) error {
	prefix := cleanPath(name)
	if prefix == "" {
		return errors.New("refusing to delete the whole bucket")
	}
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix + "/"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		if err := g.bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s: %w", attrs.Name, err)
		}
	}
}

func (g *GCS) URL(name string) string {
	return strings.TrimSuffix(g.baseURL, "/") + "/" + cleanPath(name)
}
