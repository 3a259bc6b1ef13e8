package fk

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultBucket is the logical container every stored object lives in.
const DefaultBucket = "forms"

// Access names the URL template an object reference was issued under.
type Access string

const (
	// AccessNone marks a reference that was already a canonical path.
	AccessNone          Access = ""
	AccessPublic        Access = "public"
	AccessSigned        Access = "sign"
	AccessAuthenticated Access = "authenticated"
)

var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*://`)

// Reference is a parsed stored-object reference.
type Reference struct {
	Raw    string
	Path   string
	Access Access
}

// IsURL reports whether the reference was given as a full URL.
func (r Reference) IsURL() bool { return r.Access != AccessNone }

// PathResolver turns stored-object references into canonical paths.
// A PathResolver holds no mutable state and is safe for concurrent use.
type PathResolver struct {
	bucket  string
	pattern *regexp.Regexp
}

// NewPathResolver creates a resolver for objects stored in bucket.
func NewPathResolver(bucket string) *PathResolver {
	if bucket == "" {
		bucket = DefaultBucket
	}
	expr := `/object/(public|sign|authenticated)/` + regexp.QuoteMeta(bucket) + `/([^?#]+)(?:[?#].*)?$`
	return &PathResolver{
		bucket:  bucket,
		pattern: regexp.MustCompile(expr),
	}
}

var defaultResolver = NewPathResolver(DefaultBucket)

// ResolvePath resolves a reference against the default bucket.
func ResolvePath(reference string) (string, error) {
	return defaultResolver.Resolve(reference)
}

// Bucket returns the container name the resolver matches.
func (r *PathResolver) Bucket() string { return r.bucket }

// Resolve returns the canonical path for reference.
// Canonical paths are returned unchanged; URLs must match one of the
// public, sign or authenticated object templates for the resolver's bucket.
func (r *PathResolver) Resolve(reference string) (string, error) {
	ref, err := r.Parse(reference)
	if err != nil {
		return "", err
	}
	return ref.Path, nil
}

// Parse resolves reference and reports which template it matched.
func (r *PathResolver) Parse(reference string) (Reference, error) {
	if strings.TrimSpace(reference) == "" {
		return Reference{}, &ResolutionError{Reference: reference, Reason: "empty reference"}
	}

	if !schemePattern.MatchString(reference) {
		return Reference{Raw: reference, Path: reference, Access: AccessNone}, nil
	}

	m := r.pattern.FindStringSubmatch(reference)
	if m == nil {
		return Reference{}, &ResolutionError{Reference: reference, Reason: "no known object url template matched"}
	}

	p, err := url.PathUnescape(m[2])
	if err != nil {
		return Reference{}, &ResolutionError{Reference: reference, Reason: fmt.Sprintf("invalid escape in path: %v", err)}
	}
	if strings.TrimSpace(p) == "" {
		return Reference{}, &ResolutionError{Reference: reference, Reason: "empty object path"}
	}

	return Reference{Raw: reference, Path: p, Access: Access(m[1])}, nil
}

// ObjectURL builds a URL for path under the given access template.
// base is the storage API root, e.g. "https://host/storage/v1".
func ObjectURL(base string, access Access, bucket, path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/object/%s/%s/%s", strings.TrimRight(base, "/"), access, bucket, strings.Join(segments, "/"))
}

// FileNameOf returns the last segment of a canonical path.
func FileNameOf(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
