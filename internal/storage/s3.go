package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"formkeep/internal/config"
	"formkeep/internal/fk"
)

// Presigner presigns S3 GET requests.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3Storage is an fk.Storage backed by an S3-compatible service.
// Canonical paths map to keys under an optional prefix.
type S3Storage struct {
	client     S3API
	presigner  Presigner
	downloader *manager.Downloader
	uploader   *manager.Uploader

	bucket       string
	prefix       string
	publicBase   string
	publicBucket string
}

var _ fk.Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3 backend. bucket is the physical bucket;
// publicBucket is the logical container named in public URLs.
func NewS3Storage(client S3API, presigner Presigner, bucket, prefix, publicBase, publicBucket string) *S3Storage {
	return &S3Storage{
		client:       client,
		presigner:    presigner,
		downloader:   manager.NewDownloader(client),
		uploader:     manager.NewUploader(client),
		bucket:       bucket,
		prefix:       prefix,
		publicBase:   publicBase,
		publicBucket: publicBucket,
	}
}

// NewS3StorageFromConfig loads AWS configuration and creates an S3 backend.
// Static credentials and a custom endpoint are used when configured, which
// is how S3-compatible services such as MinIO are reached.
func NewS3StorageFromConfig(ctx context.Context, cfg config.StorageConfig) (*S3Storage, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	})

	return NewS3Storage(client, s3.NewPresignClient(client), cfg.S3Bucket, cfg.S3Prefix, cfg.PublicBaseURL, cfg.Bucket), nil
}

func (s *S3Storage) key(p string) (string, error) {
	k, err := cleanKey(p)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return k, nil
	}
	return path.Join(s.prefix, k), nil
}

// IssueSignedURL presigns a GET request for the object at p.
func (s *S3Storage) IssueSignedURL(ctx context.Context, p string, ttl time.Duration) (string, error) {
	key, err := s.key(p)
	if err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", key, err)
	}
	return req.URL, nil
}

// Download fetches the object at p with the backend's own credentials.
// The object is buffered so that w only ever sees complete content.
func (s *S3Storage) Download(ctx context.Context, p string, w io.Writer) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return fmt.Errorf("downloading %s: %w", key, err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Upload stores the object at p. Without AllowOverwrite the request is
// conditional on the key not existing yet.
func (s *S3Storage) Upload(ctx context.Context, p string, r io.Reader, size int64, opts fk.UploadOptions) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if cc := cacheControlHeader(opts.CacheControl); cc != "" {
		input.CacheControl = aws.String(cc)
	}
	if !opts.AllowOverwrite {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%w: %s", ErrObjectExists, key)
		}
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the public-template URL for p.
func (s *S3Storage) PublicURL(p string) string {
	return fk.ObjectURL(s.publicBase, fk.AccessPublic, s.publicBucket, p)
}

// ValidateSetup checks that the bucket exists and is reachable.
func (s *S3Storage) ValidateSetup(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", s.bucket, err)
	}
	return nil
}

// cacheControlHeader turns a bare number of seconds into a max-age directive.
func cacheControlHeader(v string) string {
	if n, err := strconv.Atoi(v); err == nil {
		return "max-age=" + strconv.Itoa(n)
	}
	return v
}
