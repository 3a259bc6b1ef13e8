// Package blobs keeps converted media in memory behind temporary URLs.
package blobs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"formkeep/internal/fk"
)

// Blob is the content behind a temporary URL.
type Blob struct {
	Data        []byte
	ContentType string
}

// Registry hands out temporary URLs for in-memory content. URLs are
// "<base>/blob/<id>" when a base is set and "blob:<id>" otherwise.
// Safe for concurrent use.
type Registry struct {
	base  string
	mu    sync.RWMutex
	blobs map[string]Blob
}

var _ fk.TempURLs = (*Registry)(nil)

func NewRegistry(base string) *Registry {
	return &Registry{
		base:  strings.TrimRight(base, "/"),
		blobs: make(map[string]Blob),
	}
}

func (r *Registry) Create(data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty blob")
	}
	id := uuid.New().String()

	r.mu.Lock()
	r.blobs[id] = Blob{Data: data, ContentType: contentType}
	r.mu.Unlock()

	return r.urlFor(id), nil
}

// Revoke releases the content behind url. Unknown URLs are ignored.
func (r *Registry) Revoke(url string) {
	id, ok := r.idOf(url)
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.blobs, id)
	r.mu.Unlock()
}

// Open returns the blob registered under id.
func (r *Registry) Open(id string) (Blob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.blobs[id]
	return b, ok
}

// Lookup returns the blob behind a URL returned by Create.
func (r *Registry) Lookup(url string) (Blob, bool) {
	id, ok := r.idOf(url)
	if !ok {
		return Blob{}, false
	}
	return r.Open(id)
}

// Len returns the number of live blobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

func (r *Registry) urlFor(id string) string {
	if r.base == "" {
		return "blob:" + id
	}
	return r.base + "/blob/" + id
}

func (r *Registry) idOf(url string) (string, bool) {
	if r.base == "" {
		return strings.CutPrefix(url, "blob:")
	}
	return strings.CutPrefix(url, r.base+"/blob/")
}
