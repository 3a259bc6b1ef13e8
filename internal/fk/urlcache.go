package fk

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheCapacity = 4096
	defaultSafetyMargin  = 60 * time.Second
)

// URLIssuer issues access URLs for private objects.
// Storage satisfies it; the cache only needs this one operation.
type URLIssuer interface {
	IssueSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// CacheObserver receives cache events. Implementations must be safe for
// concurrent use.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
	IssuanceCoalesced()
	IssuanceFinished(ok bool)
}

type nopObserver struct{}

func (nopObserver) CacheHit()             {}
func (nopObserver) CacheMiss()            {}
func (nopObserver) IssuanceCoalesced()    {}
func (nopObserver) IssuanceFinished(bool) {}

// IssueOptions controls a single cache request.
type IssueOptions struct {
	// TTL is the lifetime requested for a newly issued URL.
	TTL time.Duration
	// MinRemaining is the validity a cached URL must still have to be reused.
	// Values below the cache's safety margin are raised to it.
	MinRemaining time.Duration
}

type urlEntry struct {
	url       string
	expiresAt time.Time
}

// URLCache maps canonical paths to issued access URLs.
// Concurrent requests for the same path share one issuance call, and a
// failed issuance never leaves an entry behind.
type URLCache struct {
	issuer   URLIssuer
	clock    Clock
	logger   Logger
	observer CacheObserver
	margin   time.Duration
	capacity int

	entries *lru.Cache[string, urlEntry]
	group   singleflight.Group
}

// CacheOption configures a URLCache.
type CacheOption func(*URLCache)

func WithCacheClock(c Clock) CacheOption       { return func(u *URLCache) { u.clock = c } }
func WithCacheLogger(l Logger) CacheOption     { return func(u *URLCache) { u.logger = l } }
func WithObserver(o CacheObserver) CacheOption { return func(u *URLCache) { u.observer = o } }

// WithSafetyMargin sets how long before expiry a cached URL stops being served.
func WithSafetyMargin(d time.Duration) CacheOption {
	return func(u *URLCache) { u.margin = d }
}

// WithCapacity bounds the number of cached paths. The least recently used
// entry is evicted first.
func WithCapacity(n int) CacheOption {
	return func(u *URLCache) { u.capacity = n }
}

// NewURLCache creates an empty cache backed by issuer.
func NewURLCache(issuer URLIssuer, opts ...CacheOption) (*URLCache, error) {
	if issuer == nil {
		return nil, fmt.Errorf("url cache requires an issuer")
	}
	c := &URLCache{
		issuer:   issuer,
		clock:    RealClock{},
		logger:   NewNopLogger(),
		observer: nopObserver{},
		margin:   defaultSafetyMargin,
		capacity: defaultCacheCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.margin < 0 {
		c.margin = 0
	}

	entries, err := lru.New[string, urlEntry](c.capacity)
	if err != nil {
		return nil, fmt.Errorf("creating url cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// GetOrIssue returns a cached URL for path or issues one valid for ttl.
func (c *URLCache) GetOrIssue(ctx context.Context, path string, ttl time.Duration) (string, error) {
	return c.Issue(ctx, path, IssueOptions{TTL: ttl})
}

// Issue returns a cached URL for path when it still has at least
// opts.MinRemaining validity, otherwise it issues a new one.
func (c *URLCache) Issue(ctx context.Context, path string, opts IssueOptions) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrIssuance)
	}
	if opts.TTL <= 0 {
		return "", fmt.Errorf("%w: non-positive ttl %s", ErrIssuance, opts.TTL)
	}

	need := c.required(opts.MinRemaining)
	if u, ok := c.lookup(path, need); ok {
		c.observer.CacheHit()
		return u, nil
	}
	c.observer.CacheMiss()

	var last urlEntry
	// A coalesced result may have been issued for a shorter ttl than this
	// caller needs; in that case issue once more with our own ttl.
	for attempt := 0; attempt < 2; attempt++ {
		e, shared, err := c.await(ctx, path, opts.TTL, need)
		if err != nil {
			return "", err
		}
		if shared {
			c.observer.IssuanceCoalesced()
		}
		if !shared || e.expiresAt.Sub(c.clock.Now()) >= need {
			return e.url, nil
		}
		last = e
		c.logger.Debug("coalesced url too short-lived, reissuing", "path", path, "expires_at", e.expiresAt)
	}
	return last.url, nil
}

// PeekCached returns a still-valid cached URL for path without ever issuing.
func (c *URLCache) PeekCached(path string) (string, bool) {
	return c.lookup(path, c.margin)
}

// Len returns the number of cached paths, including expired ones not yet evicted.
func (c *URLCache) Len() int {
	return c.entries.Len()
}

func (c *URLCache) required(minRemaining time.Duration) time.Duration {
	if minRemaining > c.margin {
		return minRemaining
	}
	return c.margin
}

func (c *URLCache) lookup(path string, need time.Duration) (string, bool) {
	e, ok := c.entries.Get(path)
	if !ok {
		return "", false
	}
	if c.clock.Now().Before(e.expiresAt.Add(-need)) {
		return e.url, true
	}
	return "", false
}

// await joins or starts the issuance for path. The issuance itself runs
// detached from ctx so that a caller giving up does not fail the other waiters.
// A flight started just after another one settled finds its entry and
// returns it without calling the issuer.
func (c *URLCache) await(ctx context.Context, path string, ttl, need time.Duration) (urlEntry, bool, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(path, func() (any, error) {
		if e, ok := c.entries.Peek(path); ok && c.clock.Now().Before(e.expiresAt.Add(-need)) {
			return e, nil
		}
		return c.issue(detached, path, ttl)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return urlEntry{}, res.Shared, res.Err
		}
		return res.Val.(urlEntry), res.Shared, nil
	case <-ctx.Done():
		return urlEntry{}, false, fmt.Errorf("%w: %w", ErrIssuance, ctx.Err())
	}
}

func (c *URLCache) issue(ctx context.Context, path string, ttl time.Duration) (urlEntry, error) {
	issuedAt := c.clock.Now()
	u, err := c.issuer.IssueSignedURL(ctx, path, ttl)
	if err != nil {
		c.observer.IssuanceFinished(false)
		c.logger.Warn("signed url issuance failed", "path", path, "error", err)
		return urlEntry{}, fmt.Errorf("%w: %s: %w", ErrIssuance, path, err)
	}
	if u == "" {
		c.observer.IssuanceFinished(false)
		c.logger.Warn("signed url issuance returned no url", "path", path)
		return urlEntry{}, fmt.Errorf("%w: %s: empty url", ErrIssuance, path)
	}

	e := urlEntry{url: u, expiresAt: issuedAt.Add(ttl)}
	c.entries.Add(path, e)
	c.observer.IssuanceFinished(true)
	c.logger.Debug("signed url issued", "path", path, "ttl", ttl)
	return e, nil
}
