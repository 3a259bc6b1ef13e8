package fk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultDisplayTTL is the lifetime of access URLs issued for interactive display.
const DefaultDisplayTTL = time.Hour

// LoaderState is a MediaLoader lifecycle state.
type LoaderState int

const (
	StateIdle LoaderState = iota
	StateResolving
	StateAwaitingLoad
	StateFetchingURL
	StateTranscoding
	StateReady
	StateFailed
)

func (s LoaderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateAwaitingLoad:
		return "awaiting_load"
	case StateFetchingURL:
		return "fetching_url"
	case StateTranscoding:
		return "transcoding"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrRender is recorded when the caller reports that a ready URL failed to render.
var ErrRender = errors.New("media failed to render")

// LoaderSnapshot is a consistent view of a MediaLoader.
type LoaderSnapshot struct {
	State      LoaderState
	Reference  string
	FileName   string
	URL        string
	Err        error
	Generation uint64
}

// Placeholder reports whether the caller should render a placeholder
// instead of the media.
func (s LoaderSnapshot) Placeholder() bool {
	return s.State != StateReady
}

// LoaderConfig holds a MediaLoader's collaborators.
type LoaderConfig struct {
	Resolver   *PathResolver
	Cache      *URLCache
	Fetcher    Fetcher
	Transcoder Transcoder
	TempURLs   TempURLs
	Logger     Logger
	// TTL for URLs issued on a cache miss. Defaults to DefaultDisplayTTL.
	TTL time.Duration
	// OnChange, when set, is called after every committed state change.
	// It runs outside the loader's lock.
	OnChange func(LoaderSnapshot)
}

// MediaLoader drives one display unit from a stored-object reference to a
// renderable URL.
//
// Every Mount (and every re-opened load gate) starts a new generation.
// Asynchronous work captures its generation and its results are discarded
// once the generation has moved on; in-flight network calls are never
// aborted. A temporary URL created by transcoding is owned by the loader and
// revoked exactly once, on remount, teardown or when its result is stale.
type MediaLoader struct {
	resolver   *PathResolver
	cache      *URLCache
	fetcher    Fetcher
	transcoder Transcoder
	tempURLs   TempURLs
	logger     Logger
	ttl        time.Duration
	onChange   func(LoaderSnapshot)

	mu       sync.Mutex
	gen      uint64
	state    LoaderState
	ref      Reference
	resolved bool
	fileName string
	gate     bool
	url      string
	tempURL  string
	err      error

	wg sync.WaitGroup
}

// NewMediaLoader creates an idle loader.
func NewMediaLoader(cfg LoaderConfig) (*MediaLoader, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("media loader requires a url cache")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = defaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNopLogger()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDisplayTTL
	}
	return &MediaLoader{
		resolver:   cfg.Resolver,
		cache:      cfg.Cache,
		fetcher:    cfg.Fetcher,
		transcoder: cfg.Transcoder,
		tempURLs:   cfg.TempURLs,
		logger:     cfg.Logger,
		ttl:        cfg.TTL,
		onChange:   cfg.OnChange,
	}, nil
}

// Mount starts loading reference. It is also how inputs change: any work
// for the previous inputs becomes stale. When gate is false the loader stops
// in StateAwaitingLoad without touching the network.
func (l *MediaLoader) Mount(reference, fileName string, gate bool) {
	l.mu.Lock()
	l.gen++
	released := l.resetLocked()
	l.gate = gate
	l.state = StateResolving

	ref, err := l.resolver.Parse(reference)
	if err != nil {
		l.ref = Reference{Raw: reference}
		l.fileName = fileName
		l.state = StateFailed
		l.err = err
		l.logger.Warn("media reference did not resolve", "reference", reference, "error", err)
		snap := l.snapshotLocked()
		l.mu.Unlock()
		l.release(released)
		l.notify(snap)
		return
	}

	l.ref = ref
	l.resolved = true
	if fileName == "" {
		fileName = FileNameOf(ref.Path)
	}
	l.fileName = fileName
	start := l.advanceLocked()
	snap := l.snapshotLocked()
	gen := l.gen
	l.mu.Unlock()

	l.release(released)
	l.notify(snap)
	if start {
		l.spawn(gen, ref, fileName)
	}
}

// SetGate opens or closes the load gate. Opening it while awaiting load, or
// after a failed load, starts a new attempt. Closing it does not abort a load
// already under way.
func (l *MediaLoader) SetGate(open bool) {
	l.mu.Lock()
	if l.gate == open {
		l.mu.Unlock()
		return
	}
	l.gate = open
	if !open || !l.resolved || (l.state != StateAwaitingLoad && l.state != StateFailed) {
		l.mu.Unlock()
		return
	}

	l.gen++
	l.err = nil
	l.url = ""
	released := l.tempURL
	l.tempURL = ""
	start := l.advanceLocked()
	snap := l.snapshotLocked()
	gen, ref, fileName := l.gen, l.ref, l.fileName
	l.mu.Unlock()

	l.release(released)
	l.notify(snap)
	if start {
		l.spawn(gen, ref, fileName)
	}
}

// RenderFailed records that the ready URL could not be rendered.
func (l *MediaLoader) RenderFailed() {
	l.mu.Lock()
	if l.state != StateReady {
		l.mu.Unlock()
		return
	}
	l.state = StateFailed
	l.err = fmt.Errorf("%w: %s", ErrRender, l.fileName)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.logger.Warn("media render failed", "file", snap.FileName, "url", snap.URL)
	l.notify(snap)
}

// Teardown discards all pending work and releases the temporary URL, if any.
// The loader may be mounted again afterwards.
func (l *MediaLoader) Teardown() {
	l.mu.Lock()
	l.gen++
	released := l.resetLocked()
	l.state = StateIdle
	l.ref = Reference{}
	l.fileName = ""
	l.gate = false
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.release(released)
	l.notify(snap)
}

// Snapshot returns the loader's current state.
func (l *MediaLoader) Snapshot() LoaderSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Wait blocks until all asynchronous work started so far has finished.
func (l *MediaLoader) Wait() {
	l.wg.Wait()
}

// resetLocked clears per-input state and returns the temp URL to release.
func (l *MediaLoader) resetLocked() string {
	released := l.tempURL
	l.tempURL = ""
	l.url = ""
	l.err = nil
	l.resolved = false
	return released
}

// advanceLocked moves a resolved loader to its next state and reports
// whether an asynchronous load must be started.
func (l *MediaLoader) advanceLocked() bool {
	transcode := NeedsTranscode(ContentTypeOf(l.fileName))
	if l.ref.Access == AccessPublic && !transcode {
		l.state = StateReady
		l.url = l.ref.Raw
		return false
	}
	if !l.gate {
		l.state = StateAwaitingLoad
		return false
	}
	l.state = StateFetchingURL
	return true
}

func (l *MediaLoader) snapshotLocked() LoaderSnapshot {
	return LoaderSnapshot{
		State:      l.state,
		Reference:  l.ref.Raw,
		FileName:   l.fileName,
		URL:        l.url,
		Err:        l.err,
		Generation: l.gen,
	}
}

func (l *MediaLoader) spawn(gen uint64, ref Reference, fileName string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.load(context.Background(), gen, ref, fileName)
	}()
}

func (l *MediaLoader) load(ctx context.Context, gen uint64, ref Reference, fileName string) {
	contentType := ContentTypeOf(fileName)

	src, err := l.sourceURL(ctx, ref)
	if err != nil {
		l.fail(gen, err)
		return
	}

	if !NeedsTranscode(contentType) {
		l.ready(gen, src, "")
		return
	}

	if !l.commit(gen, func() { l.state = StateTranscoding }) {
		return
	}

	if l.fetcher == nil || l.transcoder == nil || l.tempURLs == nil {
		l.fail(gen, fmt.Errorf("%w: no transcoder configured for %s", ErrTranscode, contentType))
		return
	}

	data, err := l.fetcher.Fetch(ctx, src)
	if err != nil {
		l.fail(gen, fmt.Errorf("%w: %s: %w", ErrDownload, fileName, err))
		return
	}

	out, outType, err := l.transcoder.Transcode(ctx, data, contentType)
	if err != nil {
		l.fail(gen, fmt.Errorf("%w: %s: %w", ErrTranscode, fileName, err))
		return
	}

	tmp, err := l.tempURLs.Create(out, outType)
	if err != nil {
		l.fail(gen, fmt.Errorf("%w: registering converted media: %w", ErrTranscode, err))
		return
	}
	l.ready(gen, tmp, tmp)
}

// sourceURL returns the URL the media is read from: the public URL itself,
// a cached access URL, or a newly issued one.
func (l *MediaLoader) sourceURL(ctx context.Context, ref Reference) (string, error) {
	if ref.Access == AccessPublic {
		return ref.Raw, nil
	}
	if u, ok := l.cache.PeekCached(ref.Path); ok {
		return u, nil
	}
	return l.cache.GetOrIssue(ctx, ref.Path, l.ttl)
}

func (l *MediaLoader) ready(gen uint64, u, temp string) {
	ok := l.commit(gen, func() {
		l.state = StateReady
		l.url = u
		l.tempURL = temp
	})
	if !ok && temp != "" {
		l.release(temp)
	}
}

func (l *MediaLoader) fail(gen uint64, err error) {
	if l.commit(gen, func() {
		l.state = StateFailed
		l.err = err
	}) {
		l.logger.Warn("media load failed", "error", err)
	}
}

// commit applies fn if gen is still current and reports whether it did.
func (l *MediaLoader) commit(gen uint64, fn func()) bool {
	l.mu.Lock()
	if gen != l.gen {
		l.mu.Unlock()
		l.logger.Debug("discarding stale media load result", "generation", gen)
		return false
	}
	fn()
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.notify(snap)
	return true
}

func (l *MediaLoader) release(temp string) {
	if temp != "" && l.tempURLs != nil {
		l.tempURLs.Revoke(temp)
	}
}

func (l *MediaLoader) notify(snap LoaderSnapshot) {
	if l.onChange != nil {
		l.onChange(snap)
	}
}
