package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"formkeep/internal/fk"
)

type memoryObject struct {
	data []byte
	opts fk.UploadOptions
}

// MemoryStorage is an in-memory implementation of fk.Storage.
// It is useful for testing and for throwaway local runs.
// This implementation is safe for concurrent use.
type MemoryStorage struct {
	urlBuilder
	objects map[string]memoryObject
	mu      sync.RWMutex
}

var _ fk.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage whose URLs are built on base.
func NewMemoryStorage(base, bucket string, signer *Signer) *MemoryStorage {
	return &MemoryStorage{
		urlBuilder: urlBuilder{base: base, bucket: bucket, signer: signer},
		objects:    make(map[string]memoryObject),
	}
}

// Upload stores an object. size must match the bytes read from r.
func (m *MemoryStorage) Upload(ctx context.Context, p string, r io.Reader, size int64, opts fk.UploadOptions) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[key]; exists && !opts.AllowOverwrite {
		return fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	m.objects[key] = memoryObject{data: data, opts: opts}
	return nil
}

// Download writes the object at p to w.
func (m *MemoryStorage) Download(ctx context.Context, p string, w io.Writer) error {
	key, err := cleanKey(p)
	if err != nil {
		return err
	}

	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	if _, err := io.Copy(w, bytes.NewReader(obj.data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// ValidateSetup always succeeds for memory storage.
func (m *MemoryStorage) ValidateSetup(ctx context.Context) error {
	return nil
}

// Len returns the number of stored objects.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
