package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"formkeep/internal/fk"
)

// FakeBaseURL is the storage API root FakeStorage builds URLs on.
const FakeBaseURL = "https://store.example.co/storage/v1"

// FakeStorage is an in-memory fk.Storage that counts calls and can be told
// to fail or to hold issuance requests until released.
type FakeStorage struct {
	mu sync.Mutex

	objects      map[string][]byte
	uploads      map[string]fk.UploadOptions
	issueCalls   map[string]int
	downloads    map[string]int
	failIssue    map[string]error
	failDownload map[string]error
	emptyURL     bool

	gate    chan struct{}
	started chan string
}

var _ fk.Storage = (*FakeStorage)(nil)

// NewFakeStorage creates an empty FakeStorage.
func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		objects:      make(map[string][]byte),
		uploads:      make(map[string]fk.UploadOptions),
		issueCalls:   make(map[string]int),
		downloads:    make(map[string]int),
		failIssue:    make(map[string]error),
		failDownload: make(map[string]error),
	}
}

// Put stores data at path.
func (s *FakeStorage) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = data
}

// Object returns the data stored at path.
func (s *FakeStorage) Object(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path]
	return data, ok
}

// UploadOptionsFor returns the options the object at path was uploaded with.
func (s *FakeStorage) UploadOptionsFor(path string) (fk.UploadOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opts, ok := s.uploads[path]
	return opts, ok
}

// FailIssue makes issuance for path return err.
func (s *FakeStorage) FailIssue(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIssue[path] = err
}

// FailDownload makes downloads of path return err.
func (s *FakeStorage) FailDownload(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDownload[path] = err
}

// ReturnEmptyURL makes every issuance succeed with an empty URL.
func (s *FakeStorage) ReturnEmptyURL() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyURL = true
}

// HoldIssuance makes IssueSignedURL block until the returned release func
// is called. Every held call is announced on the returned channel.
func (s *FakeStorage) HoldIssuance() (started <-chan string, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := make(chan struct{})
	ch := make(chan string, 64)
	s.gate = gate
	s.started = ch
	var once sync.Once
	return ch, func() { once.Do(func() { close(gate) }) }
}

// IssueCalls returns how many times a URL was issued for path.
func (s *FakeStorage) IssueCalls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueCalls[path]
}

// TotalIssueCalls returns the number of issuance calls across all paths.
func (s *FakeStorage) TotalIssueCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.issueCalls {
		n += c
	}
	return n
}

// DownloadCalls returns how many times path was downloaded.
func (s *FakeStorage) DownloadCalls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads[path]
}

func (s *FakeStorage) IssueSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	s.issueCalls[path]++
	n := s.issueCalls[path]
	gate, started := s.gate, s.started
	failErr := s.failIssue[path]
	empty := s.emptyURL
	s.mu.Unlock()

	if gate != nil {
		started <- path
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if failErr != nil {
		return "", failErr
	}
	if empty {
		return "", nil
	}
	return fmt.Sprintf("%s?token=t%d&ttl=%d", fk.ObjectURL(FakeBaseURL, fk.AccessSigned, fk.DefaultBucket, path), n, int(ttl.Seconds())), nil
}

func (s *FakeStorage) Download(ctx context.Context, path string, w io.Writer) error {
	s.mu.Lock()
	s.downloads[path]++
	failErr := s.failDownload[path]
	data, ok := s.objects[path]
	s.mu.Unlock()

	if failErr != nil {
		return failErr
	}
	if !ok {
		return fmt.Errorf("object not found: %s", path)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (s *FakeStorage) Upload(ctx context.Context, path string, r io.Reader, size int64, opts fk.UploadOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[path]; exists && !opts.AllowOverwrite {
		return fmt.Errorf("object already exists: %s", path)
	}
	s.objects[path] = data
	s.uploads[path] = opts
	return nil
}

func (s *FakeStorage) PublicURL(path string) string {
	return fk.ObjectURL(FakeBaseURL, fk.AccessPublic, fk.DefaultBucket, path)
}

func (s *FakeStorage) ValidateSetup(ctx context.Context) error {
	return nil
}
