package storage

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"formkeep/internal/fk"
	"formkeep/internal/testutil"
)

const testBase = "http://127.0.0.1:8080/storage/v1"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("secret", fk.DefaultBucket, testutil.FixedClock())
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s
}

func TestMemoryStorage_UploadDownload(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage(testBase, fk.DefaultBucket, newTestSigner(t))

	data := "hello world"
	if err := m.Upload(ctx, "f/u/s/a.txt", strings.NewReader(data), int64(len(data)), fk.UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	var buf bytes.Buffer
	if err := m.Download(ctx, "f/u/s/a.txt", &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != data {
		t.Errorf("Download() = %q, want %q", buf.String(), data)
	}

	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}
}

func TestMemoryStorage_Upload(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		data    string
		size    int64
		opts    fk.UploadOptions
		wantErr error
		anyErr  bool
	}{
		{name: "size mismatch", path: "x.txt", data: "hello", size: 100, anyErr: true},
		{name: "empty path", path: "", data: "a", size: 1, anyErr: true},
		{name: "path traversal", path: "../x.txt", data: "a", size: 1, anyErr: true},
		{name: "existing without overwrite", path: "seed.txt", data: "a", size: 1, wantErr: ErrObjectExists},
		{name: "existing with overwrite", path: "seed.txt", data: "a", size: 1, opts: fk.UploadOptions{AllowOverwrite: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := NewMemoryStorage(testBase, fk.DefaultBucket, nil)
			if err := m.Upload(ctx, "seed.txt", strings.NewReader("s"), 1, fk.UploadOptions{}); err != nil {
				t.Fatalf("seed Upload() error = %v", err)
			}

			err := m.Upload(ctx, tt.path, strings.NewReader(tt.data), tt.size, tt.opts)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Upload() error = %v, want %v", err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Error("Upload() should fail")
				}
			default:
				if err != nil {
					t.Errorf("Upload() error = %v", err)
				}
			}
		})
	}
}

func TestMemoryStorage_DownloadMissing(t *testing.T) {
	m := NewMemoryStorage(testBase, fk.DefaultBucket, nil)
	err := m.Download(context.Background(), "missing.txt", &bytes.Buffer{})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Download() error = %v, want ErrObjectNotFound", err)
	}
}

func TestMemoryStorage_URLs(t *testing.T) {
	signer := newTestSigner(t)
	m := NewMemoryStorage(testBase, fk.DefaultBucket, signer)
	resolver := fk.NewPathResolver(fk.DefaultBucket)
	p := "site_survey_01234567/ada@example.com/sub-1/front photo.jpg"

	public := m.PublicURL(p)
	if got, err := resolver.Resolve(public); err != nil || got != p {
		t.Errorf("Resolve(PublicURL) = %q, %v; want %q", got, err, p)
	}

	signed, err := m.IssueSignedURL(context.Background(), p, time.Hour)
	if err != nil {
		t.Fatalf("IssueSignedURL() error = %v", err)
	}
	ref, err := resolver.Parse(signed)
	if err != nil {
		t.Fatalf("Parse(signed) error = %v", err)
	}
	if ref.Path != p || ref.Access != fk.AccessSigned {
		t.Errorf("Parse(signed) = %+v, want sign access to %q", ref, p)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if err := signer.Verify(u.Query().Get("token"), p); err != nil {
		t.Errorf("Verify(token) error = %v", err)
	}
}

func TestMemoryStorage_IssueWithoutSigner(t *testing.T) {
	m := NewMemoryStorage(testBase, fk.DefaultBucket, nil)
	if _, err := m.IssueSignedURL(context.Background(), "a.jpg", time.Hour); err == nil {
		t.Error("IssueSignedURL() without signer should fail")
	}
}
