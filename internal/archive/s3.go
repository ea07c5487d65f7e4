package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Config configures the S3 archive backend.
type S3Config struct {
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
}

// S3Backend uploads archive batches to an S3 bucket.
type S3Backend struct {
	client *s3.S3
	bucket string
	prefix string
}

// NewS3Backend builds an AWS session from static credentials and
// confirms bucket access with a HeadBucket call.
func NewS3Backend(cfg S3Config) (*S3Backend, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}

	client := s3.New(sess)
	if _, err := client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("accessing bucket %s: %w", cfg.Bucket, err)
	}

	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Upload puts body at prefix/key in the configured bucket.
func (b *S3Backend) Upload(ctx context.Context, key string, body []byte) error {
	fullKey := key
	if b.prefix != "" {
		fullKey = b.prefix + "/" + key
	}
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(fullKey),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", fullKey, err)
	}
	return nil
}

// Close is a no-op; the AWS SDK client owns no persistent connection.
func (b *S3Backend) Close() error { return nil }
