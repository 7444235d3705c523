// Package local implements a directory-backed types.Backend, the
// default driver for tests and single-host deployments.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// Backend stores every object as a file under root, named after the
// object key with path separators preserved as nested directories.
type Backend struct {
	root string
}

// New creates a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "New", err)
	}
	return &Backend{root: dir}, nil
}

func (b *Backend) path(key string) (string, error) {
	return utils.SecureJoin(b.root, key)
}

// Lookup reports whether key exists and, if so, its size and mtime.
func (b *Backend) Lookup(ctx context.Context, key string) (*types.ObjectInfo, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Lookup", err)
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "backend/local", "Lookup", "not found: "+key)
		}
		return nil, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Lookup", err)
	}
	return &types.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Get opens key for reading.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Get", err)
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "backend/local", "Get", "not found: "+key)
		}
		return nil, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Get", err)
	}
	return f, nil
}

// Put writes r to key atomically (write to a temp file, then rename).
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, metadata types.ObjectMetadata) error {
	p, err := b.path(key)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Put", err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeOutOfSpace, "backend/local", "Put", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeOutOfSpace, "backend/local", "Put", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Put", err)
	}
	if err := tmp.Close(); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Put", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Put", err)
	}
	return nil
}

// Delete removes key. Deleting a nonexistent key is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Delete", err)
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Delete", err)
	}
	return nil
}

// List streams every key under prefix in lexical order.
func (b *Backend) List(ctx context.Context, prefix string) (<-chan string, <-chan error) {
	keys := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(keys)
		defer close(errs)

		var matches []string
		err := filepath.Walk(b.root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(b.root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				matches = append(matches, key)
			}
			return nil
		})
		if err != nil {
			errs <- s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "List", err)
			return
		}

		sort.Strings(matches)
		for _, key := range matches {
			select {
			case keys <- key:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return keys, errs
}

// Copy duplicates src to dst.
func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	r, err := b.Get(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()
	return b.Put(ctx, dst, r, nil)
}

// Rename moves src to dst.
func (b *Backend) Rename(ctx context.Context, src, dst string) error {
	srcPath, err := b.path(src)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Rename", err)
	}
	dstPath, err := b.path(dst)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/local", "Rename", err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0700); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeOutOfSpace, "backend/local", "Rename", err)
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/local", "Rename", err)
	}
	return nil
}

// Close is a no-op; the local backend holds no persistent connection.
func (b *Backend) Close() error { return nil }

var _ types.Backend = (*Backend)(nil)
