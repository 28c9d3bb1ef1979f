package mediastorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem keeps media below a local root directory.
type FileSystem struct {
	root    string
	baseURL string
}

// NewFileSystem creates the root directory if needed.
func NewFileSystem(root, baseURL string) (*FileSystem, error) {
	if root == "" {
		return nil, errors.New("filesystem media storage requires a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &FileSystem{root: root, baseURL: baseURL}, nil
}

func (f *FileSystem) local(name string) string {
	return filepath.Join(f.root, filepath.FromSlash(cleanPath(name)))
}

func (f *FileSystem) Exists(_ context.Context, name string) (bool, error) {
	info, err := os.Stat(f.local(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (f *FileSystem) Open(_ context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(f.local(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
	}
	return file, err
}

func (f *FileSystem) Save(_ context.Context, name string, r io.Reader) error {
	target := f.local(name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (f *FileSystem) SyncDirectory(ctx context.Context, localDir, name string) error {
	if err := f.DeleteDirectory(ctx, name); err != nil {
		return err
	}
	return walkFiles(localDir, func(rel, abs string) error {
		src, err := os.Open(abs)
		if err != nil {
			return err
		}
		defer src.Close()
		return f.Save(ctx, name+"/"+rel, src)
	})
}

func (f *FileSystem) DeleteDirectory(_ context.Context, name string) error {
	if cleanPath(name) == "" {
		return errors.New("refusing to delete the media root")
	}
	return os.RemoveAll(f.local(name))
}

func (f *FileSystem) URL(name string) string {
	return strings.TrimSuffix(f.baseURL, "/") + "/" + cleanPath(name)
}

// walkFiles calls fn for every regular file under dir with its slash
// separated path relative to dir.
func walkFiles(dir string, fn func(rel, abs string) error) error {
	return filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, abs)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), abs)
	})
}
