package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"formkeep/internal/fk"
)

// FileSystemStorage is a filesystem-based implementation of fk.Storage.
// Objects are stored under root at their canonical path:
//
//	<root>/
//	  <form folder>/<respondent>/<submission id>/<file name>
type FileSystemStorage struct {
	urlBuilder
	root string
}

var _ fk.Storage = (*FileSystemStorage)(nil)

// NewFileSystemStorage creates a filesystem storage rooted at the given path.
func NewFileSystemStorage(root, base, bucket string, signer *Signer) (*FileSystemStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileSystemStorage{
		urlBuilder: urlBuilder{base: base, bucket: bucket, signer: signer},
		root:       root,
	}, nil
}

func (s *FileSystemStorage) filePath(p string) (string, error) {
	key, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Upload writes an object atomically. Without AllowOverwrite an existing
// object is never replaced, even by a concurrent upload.
func (s *FileSystemStorage) Upload(ctx context.Context, p string, r io.Reader, size int64, opts fk.UploadOptions) error {
	dest, err := s.filePath(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	return writeFile(dest, r, size, opts.AllowOverwrite)
}

// Download writes the object at p to w.
func (s *FileSystemStorage) Download(ctx context.Context, p string, w io.Writer) error {
	src, err := s.filePath(p)
	if err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, p)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

// ValidateSetup verifies that the storage root is an accessible directory.
func (s *FileSystemStorage) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("storage root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("storage root is not a directory: %s", s.root)
	}
	return nil
}

// writeFile writes data from r to destPath through a temp file in the same
// directory. Without overwrite the temp file is hard-linked into place, which
// fails if destPath already exists.
func writeFile(destPath string, r io.Reader, expectedSize int64, overwrite bool) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if overwrite {
		if err := os.Rename(tmpPath, destPath); err != nil {
			return fmt.Errorf("failed to rename temp file: %w", err)
		}
		return nil
	}
	if err := os.Link(tmpPath, destPath); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrObjectExists, destPath)
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}
	return nil
}
