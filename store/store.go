// Package store persists pipeline artifacts as key to bytes.
package store

import (
	"bytes"
	"context"
	"image"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var ErrNotFound = errors.New("artifact not found")

// Store is a flat key to bytes store. Keys use forward slashes.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// FS stores artifacts below a root directory of an afero filesystem.
type FS struct {
	fs   afero.Fs
	root string
}

// NewDisk returns a store rooted at dir on the OS filesystem.
func NewDisk(dir string) *FS {
	return NewFS(afero.NewOsFs(), dir)
}

// NewMemory returns an in-memory store.
func NewMemory() *FS {
	return NewFS(afero.NewMemMapFs(), "/")
}

func NewFS(fs afero.Fs, root string) *FS {
	return &FS{fs: fs, root: root}
}

func (s *FS) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FS) Put(_ context.Context, key string, data []byte) error {
	p := s.path(key)
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", key)
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	return nil
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", key)
	}
	return data, nil
}

func (s *FS) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}

// PutPNG encodes img losslessly and stores it under key.
func PutPNG(ctx context.Context, s Store, key string, img image.Image) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return s.Put(ctx, key, buf.Bytes())
}

// GetImage loads and decodes the image stored under key.
func GetImage(ctx context.Context, s Store, key string) (image.Image, error) {
	data, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	return img, nil
}

// Join builds a store key from parts.
func Join(parts ...string) string {
	return path.Join(parts...)
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
