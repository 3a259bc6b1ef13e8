package testutil

import (
	"context"
	"fmt"
	"sync"

	"formkeep/internal/fk"
)

// FakeFetcher serves bytes by URL.
type FakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	calls int
}

var _ fk.Fetcher = (*FakeFetcher)(nil)

func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{data: make(map[string][]byte)}
}

// Serve makes Fetch(url) return data.
func (f *FakeFetcher) Serve(url string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[url] = data
}

// Fail makes every Fetch return err.
func (f *FakeFetcher) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *FakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if data, ok := f.data[url]; ok {
		return data, nil
	}
	// Unknown URLs serve their own name so tests need not register every one.
	return []byte("bytes of " + url), nil
}

// FakeTranscoder prefixes its input with "jpeg:" and reports image/jpeg.
type FakeTranscoder struct {
	mu    sync.Mutex
	err   error
	calls int
}

var _ fk.Transcoder = (*FakeTranscoder)(nil)

func (t *FakeTranscoder) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *FakeTranscoder) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *FakeTranscoder) Transcode(ctx context.Context, data []byte, contentType string) ([]byte, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.err != nil {
		return nil, "", t.err
	}
	return append([]byte("jpeg:"), data...), "image/jpeg", nil
}

// FakeTempURLs hands out "blob:N" URLs and records revocations.
type FakeTempURLs struct {
	mu      sync.Mutex
	next    int
	live    map[string][]byte
	revoked map[string]int
}

var _ fk.TempURLs = (*FakeTempURLs)(nil)

func NewFakeTempURLs() *FakeTempURLs {
	return &FakeTempURLs{live: make(map[string][]byte), revoked: make(map[string]int)}
}

func (u *FakeTempURLs) Create(data []byte, contentType string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.next++
	url := fmt.Sprintf("blob:%d", u.next)
	u.live[url] = data
	return url, nil
}

func (u *FakeTempURLs) Revoke(url string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.live, url)
	u.revoked[url]++
}

// Live returns the number of created URLs not yet revoked.
func (u *FakeTempURLs) Live() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.live)
}

// Revocations returns how many times url was revoked.
func (u *FakeTempURLs) Revocations(url string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.revoked[url]
}

// Data returns the bytes registered under url.
func (u *FakeTempURLs) Data(url string) ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	d, ok := u.live[url]
	return d, ok
}
