package fk

import (
	"context"
	"io"
	"time"
)

// UploadOptions controls how an object is written.
type UploadOptions struct {
	ContentType    string
	CacheControl   string
	AllowOverwrite bool
}

// Storage is the object storage service the core drives.
// Every path argument is a canonical path inside the configured bucket.
type Storage interface {
	// IssueSignedURL returns a time-limited URL granting read access to path.
	IssueSignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)

	// Download writes the object's bytes to w using the service's own
	// credentials, without going through a signed URL.
	Download(ctx context.Context, path string, w io.Writer) error

	// Upload stores size bytes read from r at path.
	// When opts.AllowOverwrite is false, an existing object is an error.
	Upload(ctx context.Context, path string, r io.Reader, size int64, opts UploadOptions) error

	// PublicURL returns the public-template URL for path. No network call.
	PublicURL(path string) string

	// ValidateSetup verifies that the storage backend is reachable and configured.
	ValidateSetup(ctx context.Context) error
}
