package assets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewS3 serves assets from a private S3 bucket via presigned GET URLs.
func NewS3(ctx context.Context, bucket string, ttl time.Duration) (Resolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)

	return &s3Resolver{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     ttl,
	}, nil
}

type s3Resolver struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func (r *s3Resolver) Resolve(ctx context.Context, path string) (string, error) {
	req, err := r.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(strings.TrimPrefix(path, "/")),
	}, s3.WithPresignExpires(r.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", path, err)
	}

	return req.URL, nil
}
