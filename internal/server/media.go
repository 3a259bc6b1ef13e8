package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"formkeep/internal/fk"
)

// DefaultMediaPoolSize is the number of references a server keeps mounted
// when Options.MediaPoolSize is not set.
const DefaultMediaPoolSize = 256

// mediaPool keeps one MediaLoader per displayed reference, so repeated
// requests observe the same load and its temporary URL stays alive until
// the reference is torn down. The least recently used loader is torn down
// once the pool is full.
type mediaPool struct {
	cfg  fk.LoaderConfig
	open bool

	// mu makes lookup-then-mount atomic; the cache has its own lock.
	mu      sync.Mutex
	loaders *lru.Cache[string, *fk.MediaLoader]
}

func newMediaPool(cfg fk.LoaderConfig, open bool, size int) (*mediaPool, error) {
	if size <= 0 {
		size = DefaultMediaPoolSize
	}
	loaders, err := lru.NewWithEvict(size, func(_ string, l *fk.MediaLoader) {
		l.Teardown()
	})
	if err != nil {
		return nil, fmt.Errorf("creating media pool: %w", err)
	}
	return &mediaPool{cfg: cfg, open: open, loaders: loaders}, nil
}

// mount returns the loader for ref, creating and mounting it on first use.
func (p *mediaPool) mount(ref, fileName string) (*fk.MediaLoader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.loaders.Get(ref); ok {
		return l, nil
	}
	l, err := fk.NewMediaLoader(p.cfg)
	if err != nil {
		return nil, err
	}
	l.Mount(ref, fileName, p.open)
	p.loaders.Add(ref, l)
	return l, nil
}

func (p *mediaPool) find(ref string) (*fk.MediaLoader, bool) {
	return p.loaders.Get(ref)
}

func (p *mediaPool) remove(ref string) bool {
	p.mu.Lock()
	l, ok := p.loaders.Peek(ref)
	if ok {
		p.loaders.Remove(ref)
	}
	p.mu.Unlock()
	if ok {
		l.Wait()
	}
	return ok
}

func (p *mediaPool) len() int {
	return p.loaders.Len()
}

func (p *mediaPool) closeAll() {
	p.mu.Lock()
	loaders := p.loaders.Values()
	p.loaders.Purge()
	p.mu.Unlock()
	for _, l := range loaders {
		l.Wait()
	}
}

type mediaResponse struct {
	State       string `json:"state"`
	Reference   string `json:"reference"`
	FileName    string `json:"file_name"`
	Kind        string `json:"kind"`
	URL         string `json:"url,omitempty"`
	Error       string `json:"error,omitempty"`
	Placeholder bool   `json:"placeholder"`
	Generation  uint64 `json:"generation"`
}

func toMediaResponse(snap fk.LoaderSnapshot) mediaResponse {
	resp := mediaResponse{
		State:       snap.State.String(),
		Reference:   snap.Reference,
		FileName:    snap.FileName,
		Kind:        string(fk.KindOf(snap.FileName)),
		URL:         snap.URL,
		Placeholder: snap.Placeholder(),
		Generation:  snap.Generation,
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

func refParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		http.Error(w, "missing ref parameter", http.StatusBadRequest)
		return "", false
	}
	return ref, true
}

func (s *Server) handleMediaGet(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	l, err := s.media.mount(ref, r.URL.Query().Get("name"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	l.Wait()
	writeJSON(w, http.StatusOK, toMediaResponse(l.Snapshot()))
}

func (s *Server) handleMediaGate(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	l, found := s.media.find(ref)
	if !found {
		http.NotFound(w, r)
		return
	}
	open := true
	if v := r.URL.Query().Get("open"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid open parameter", http.StatusBadRequest)
			return
		}
		open = b
	}
	if open {
		// A failed load is retried by closing and re-opening the gate.
		l.SetGate(false)
	}
	l.SetGate(open)
	l.Wait()
	writeJSON(w, http.StatusOK, toMediaResponse(l.Snapshot()))
}

func (s *Server) handleMediaRenderFailed(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	l, found := s.media.find(ref)
	if !found {
		http.NotFound(w, r)
		return
	}
	l.RenderFailed()
	writeJSON(w, http.StatusOK, toMediaResponse(l.Snapshot()))
}

func (s *Server) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	if !s.media.remove(ref) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
