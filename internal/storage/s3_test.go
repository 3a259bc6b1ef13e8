package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"formkeep/internal/fk"
)

type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	puts     []*s3.PutObjectInput
	headErr  error
	lastHead string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data))),
	}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, in)
	key := aws.ToString(in.Key)
	if _, exists := f.objects[key]; exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "at least one precondition failed"}
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart not supported")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.lastHead = aws.ToString(in.Bucket)
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

type fakePresigner struct {
	key     string
	expires time.Duration
}

func (p *fakePresigner) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	p.key = aws.ToString(in.Key)
	p.expires = opts.Expires
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.example.com/%s?X-Amz-Expires=%d", aws.ToString(in.Bucket), p.key, int(opts.Expires.Seconds())),
		Method: "GET",
	}, nil
}

func newTestS3(prefix string) (*S3Storage, *fakeS3, *fakePresigner) {
	client := newFakeS3()
	presigner := &fakePresigner{}
	return NewS3Storage(client, presigner, "phys-bucket", prefix, testBase, fk.DefaultBucket), client, presigner
}

func TestS3Storage_UploadDownload(t *testing.T) {
	ctx := context.Background()
	s, client, _ := newTestS3("tenant-a")

	data := "image bytes"
	opts := fk.UploadOptions{ContentType: "image/jpeg", CacheControl: "3600"}
	if err := s.Upload(ctx, "f/u/s/a.jpg", strings.NewReader(data), int64(len(data)), opts); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if len(client.puts) != 1 {
		t.Fatalf("PutObject calls = %d, want 1", len(client.puts))
	}
	put := client.puts[0]
	if got := aws.ToString(put.Key); got != "tenant-a/f/u/s/a.jpg" {
		t.Errorf("Key = %q, want %q", got, "tenant-a/f/u/s/a.jpg")
	}
	if got := aws.ToString(put.ContentType); got != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", got)
	}
	if got := aws.ToString(put.CacheControl); got != "max-age=3600" {
		t.Errorf("CacheControl = %q, want max-age=3600", got)
	}
	if got := aws.ToString(put.IfNoneMatch); got != "*" {
		t.Errorf("IfNoneMatch = %q, want *", got)
	}

	var buf bytes.Buffer
	if err := s.Download(ctx, "f/u/s/a.jpg", &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if buf.String() != data {
		t.Errorf("Download() = %q, want %q", buf.String(), data)
	}
}

func TestS3Storage_Errors(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestS3("")

	if err := s.Upload(ctx, "a.txt", strings.NewReader("a"), 1, fk.UploadOptions{}); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	err := s.Upload(ctx, "a.txt", strings.NewReader("b"), 1, fk.UploadOptions{})
	if !errors.Is(err, ErrObjectExists) {
		t.Errorf("second Upload() error = %v, want ErrObjectExists", err)
	}

	if err := s.Upload(ctx, "a.txt", strings.NewReader("c"), 1, fk.UploadOptions{AllowOverwrite: true}); err != nil {
		t.Errorf("overwrite Upload() error = %v", err)
	}

	err = s.Download(ctx, "missing.txt", &bytes.Buffer{})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Download() error = %v, want ErrObjectNotFound", err)
	}
}

func TestS3Storage_IssueSignedURL(t *testing.T) {
	s, _, presigner := newTestS3("tenant-a")

	u, err := s.IssueSignedURL(context.Background(), "f/u/s/a.jpg", 90*time.Second)
	if err != nil {
		t.Fatalf("IssueSignedURL() error = %v", err)
	}
	if presigner.key != "tenant-a/f/u/s/a.jpg" {
		t.Errorf("presigned key = %q", presigner.key)
	}
	if presigner.expires != 90*time.Second {
		t.Errorf("presign expires = %v, want 90s", presigner.expires)
	}
	if !strings.Contains(u, "X-Amz-Expires=90") {
		t.Errorf("IssueSignedURL() = %q", u)
	}
}

func TestS3Storage_PublicURLAndSetup(t *testing.T) {
	s, client, _ := newTestS3("")

	got := s.PublicURL("f/a.jpg")
	want := testBase + "/object/public/forms/f/a.jpg"
	if got != want {
		t.Errorf("PublicURL() = %q, want %q", got, want)
	}

	if err := s.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}
	if client.lastHead != "phys-bucket" {
		t.Errorf("HeadBucket bucket = %q, want phys-bucket", client.lastHead)
	}

	client.headErr = errors.New("forbidden")
	if err := s.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() should fail when HeadBucket fails")
	}
}
