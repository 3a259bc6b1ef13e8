package server

import (
	"fmt"
	"testing"

	"formkeep/internal/fk"
	"formkeep/internal/testutil"
)

func newTestPool(t *testing.T, size int) (*mediaPool, *testutil.FakeTempURLs) {
	t.Helper()
	cache, err := fk.NewURLCache(testutil.NewFakeStorage(), fk.WithCacheClock(testutil.FixedClock()))
	if err != nil {
		t.Fatalf("NewURLCache() error = %v", err)
	}
	temp := testutil.NewFakeTempURLs()
	pool, err := newMediaPool(fk.LoaderConfig{
		Cache:      cache,
		Fetcher:    testutil.NewFakeFetcher(),
		Transcoder: &testutil.FakeTranscoder{},
		TempURLs:   temp,
	}, true, size)
	if err != nil {
		t.Fatalf("newMediaPool() error = %v", err)
	}
	t.Cleanup(pool.closeAll)
	return pool, temp
}

func mountReady(t *testing.T, pool *mediaPool, ref string) fk.LoaderSnapshot {
	t.Helper()
	l, err := pool.mount(ref, "")
	if err != nil {
		t.Fatalf("mount(%s) error = %v", ref, err)
	}
	l.Wait()
	snap := l.Snapshot()
	if snap.State != fk.StateReady {
		t.Fatalf("%s state = %v (%v), want ready", ref, snap.State, snap.Err)
	}
	return snap
}

func TestMediaPool_EvictsLeastRecentlyUsed(t *testing.T) {
	pool, temp := newTestPool(t, 2)

	first := mountReady(t, pool, "s/1.heic")
	second := mountReady(t, pool, "s/2.heic")

	// Touch the first reference so the second becomes the eviction candidate.
	if _, ok := pool.find("s/1.heic"); !ok {
		t.Fatal("first reference missing before the pool is full")
	}
	third := mountReady(t, pool, "s/3.heic")

	if got := pool.len(); got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}
	if _, ok := pool.find("s/2.heic"); ok {
		t.Error("least recently used reference still mounted")
	}
	if n := temp.Revocations(second.URL); n != 1 {
		t.Errorf("evicted temp URL revoked %d times, want 1", n)
	}
	for _, snap := range []fk.LoaderSnapshot{first, third} {
		if n := temp.Revocations(snap.URL); n != 0 {
			t.Errorf("%s revoked %d times while still mounted", snap.Reference, n)
		}
	}
	if got := temp.Live(); got != 2 {
		t.Errorf("live temp URLs = %d, want 2", got)
	}
}

func TestMediaPool_BoundedUnderManyReferences(t *testing.T) {
	const size = 4
	pool, temp := newTestPool(t, size)

	var urls []string
	for i := range 3 * size {
		urls = append(urls, mountReady(t, pool, fmt.Sprintf("s/%d.heic", i)).URL)
	}

	if got := pool.len(); got != size {
		t.Errorf("pool size = %d, want %d", got, size)
	}
	if got := temp.Live(); got != size {
		t.Errorf("live temp URLs = %d, want %d", got, size)
	}
	for i, u := range urls[:len(urls)-size] {
		if n := temp.Revocations(u); n != 1 {
			t.Errorf("reference %d temp URL revoked %d times, want 1", i, n)
		}
	}
}

func TestMediaPool_RemoveAndClose(t *testing.T) {
	pool, temp := newTestPool(t, 0)

	a := mountReady(t, pool, "s/a.heic")
	b := mountReady(t, pool, "s/b.heic")

	if !pool.remove("s/a.heic") {
		t.Fatal("remove() = false for a mounted reference")
	}
	if pool.remove("s/a.heic") {
		t.Error("second remove() = true")
	}
	if n := temp.Revocations(a.URL); n != 1 {
		t.Errorf("removed temp URL revoked %d times, want 1", n)
	}

	pool.closeAll()
	if n := temp.Revocations(b.URL); n != 1 {
		t.Errorf("temp URL revoked %d times after closeAll, want 1", n)
	}
	if got := pool.len(); got != 0 {
		t.Errorf("pool size after closeAll = %d, want 0", got)
	}
}
