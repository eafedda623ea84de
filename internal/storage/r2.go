// Package storage adapts the pipeline's object-store contract to Cloudflare
// R2 through its S3-compatible API.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/scraper"
)

const hashMetadataKey = "sha256"

// Config locates the bucket and credentials.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	// PublicBaseURL overrides the endpoint when building object URLs for
	// event payloads; empty falls back to endpoint/bucket/key.
	PublicBaseURL string
}

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// R2Store implements scraper.ObjectStore against an S3-compatible endpoint.
type R2Store struct {
	client s3API
	cfg    Config
	logger *zap.Logger
}

// NewR2 builds the store with static credentials, path-style addressing and
// the R2 endpoint.
func NewR2(ctx context.Context, cfg Config, logger *zap.Logger) (*R2Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is not set")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &R2Store{client: client, cfg: cfg, logger: logger}, nil
}

// newWithClient is the test seam.
func newWithClient(client s3API, cfg Config, logger *zap.Logger) *R2Store {
	return &R2Store{client: client, cfg: cfg, logger: logger}
}

// UploadFile streams an already-gzipped scratch file to the bucket.
func (s *R2Store) UploadFile(ctx context.Context, key, path, contentHash string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open scratch file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			s.logger.Debug("close scratch file", zap.Error(cerr))
		}
	}()
	return s.put(ctx, key, f, "text/html", "gzip", contentHash)
}

// Upload writes an in-memory payload to the bucket.
func (s *R2Store) Upload(ctx context.Context, key string, data []byte, contentType, contentEncoding, contentHash string) error {
	return s.put(ctx, key, bytes.NewReader(data), contentType, contentEncoding, contentHash)
}

func (s *R2Store) put(ctx context.Context, key string, body io.Reader, contentType, contentEncoding, contentHash string) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if contentEncoding != "" {
		in.ContentEncoding = aws.String(contentEncoding)
	}
	if contentHash != "" {
		in.Metadata = map[string]string{hashMetadataKey: contentHash}
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// StoredHash reads the content hash recorded on an existing object; a
// missing object is not an error.
func (s *R2Store) StoredHash(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", fmt.Errorf("head object %s: %w", key, err)
	}
	return out.Metadata[hashMetadataKey], nil
}

// Bucket returns the configured bucket name.
func (s *R2Store) Bucket() string {
	return s.cfg.Bucket
}

// PublicURL renders the externally reachable URL for a key.
func (s *R2Store) PublicURL(key string) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + key
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.cfg.Endpoint, "/"), s.cfg.Bucket, key)
}

var _ scraper.ObjectStore = (*R2Store)(nil)
