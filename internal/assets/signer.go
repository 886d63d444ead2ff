// Package assets mints short-lived URLs for generated artifacts stored
// in object storage. Artifacts are referenced everywhere by key; a URL
// only exists at the moment a reader asks for one.
package assets

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultURLTTL is how long a minted URL stays valid.
const DefaultURLTTL = 15 * time.Minute

// Signer mints a presigned GET URL for an asset key.
type Signer interface {
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// S3Signer presigns against one bucket.
type S3Signer struct {
	presign *s3.PresignClient
	bucket  string
}

// S3Options configures the signer. Endpoint and Region cover
// S3-compatible stores; empty values fall back to the SDK defaults.
type S3Options struct {
	Bucket   string
	Region   string
	Endpoint string
}

// NewS3Signer builds a signer from ambient AWS credentials.
func NewS3Signer(ctx context.Context, opts S3Options) (*S3Signer, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("assets: bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("assets: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Signer{presign: s3.NewPresignClient(client), bucket: opts.Bucket}, nil
}

func (s *S3Signer) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("assets: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// StaticSigner serves a fixed base URL, for local development and
// tests where no object store is reachable.
type StaticSigner struct {
	Base string
}

func (s StaticSigner) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return s.Base + "/" + key, nil
}
