package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"formkeep/internal/fk"
)

const defaultMaxFetchBytes = 64 << 20

// HTTPFetcher downloads the bytes behind access URLs.
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

var _ fk.Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. A nil client gets a 60s timeout; a
// non-positive maxBytes allows 64MiB.
func NewHTTPFetcher(client *http.Client, maxBytes int64) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchBytes
	}
	return &HTTPFetcher{client: client, maxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("object larger than %d bytes", f.maxBytes)
	}
	return data, nil
}
