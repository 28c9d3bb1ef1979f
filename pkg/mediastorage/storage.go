// Package mediastorage stores build output (HTML, JSON, downloads) and
// answers existence checks for the documentation server.
package mediastorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/readthedocs/rtd/pkg/config"
)

// ErrNotExist is returned by Open for a missing file.
var ErrNotExist = errors.New("media file does not exist")

// Storage is a flat object store addressed by slash separated paths.
type Storage interface {
	Exists(ctx context.Context, name string) (bool, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Save(ctx context.Context, name string, r io.Reader) error
	// SyncDirectory uploads every file under localDir below name.
	SyncDirectory(ctx context.Context, localDir, name string) error
	DeleteDirectory(ctx context.Context, name string) error
	URL(name string) string
}

// Media types stored per version.
const (
	TypeHTML    = "html"
	TypeJSON    = "json"
	TypePDF     = "pdf"
	TypeEPUB    = "epub"
	TypeHTMLZip = "htmlzip"
)

// Path returns <type>/<project>/<version>/<file>.
func Path(mediaType, project, version, file string) string {
	return cleanPath(path.Join(mediaType, project, version, file))
}

// HTMLPath returns the storage path of a documentation page.
func HTMLPath(project, version, file string) string {
	return Path(TypeHTML, project, version, file)
}

// cleanPath turns name into a relative slash path that cannot escape the
// storage root.
func cleanPath(name string) string {
	return strings.TrimPrefix(path.Clean("/"+name), "/")
}

// New builds the backend selected by cfg.
func New(ctx context.Context, cfg config.MediaConfig) (Storage, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFileSystem(cfg.Root, cfg.MediaURL)
	case "gcs":
		return NewGCS(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
			BaseURL:         cfg.MediaURL,
		})
	default:
		return nil, fmt.Errorf("unknown media backend %q", cfg.Backend)
	}
}
