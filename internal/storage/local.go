package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"formkeep/internal/fk"
)

// urlBuilder produces the public and signed URLs of a local backend, using
// the same templates a hosted storage service would.
type urlBuilder struct {
	base   string
	bucket string
	signer *Signer
}

func (b urlBuilder) PublicURL(p string) string {
	return fk.ObjectURL(b.base, fk.AccessPublic, b.bucket, p)
}

func (b urlBuilder) IssueSignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if b.signer == nil {
		return "", fmt.Errorf("no signer configured")
	}
	token, err := b.signer.Sign(p, ttl)
	if err != nil {
		return "", err
	}
	return fk.ObjectURL(b.base, fk.AccessSigned, b.bucket, p) + "?token=" + url.QueryEscape(token), nil
}

// cleanKey validates a canonical path and returns its normalized form.
func cleanKey(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty object path")
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(p, "/") {
		return "", fmt.Errorf("invalid object path: %q", p)
	}
	return cleaned, nil
}
