package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/gewnthar/aplsync/config"
	"github.com/gewnthar/aplsync/models"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 writes archives to a bucket under an optional prefix.
type S3 struct {
	client s3API
	bucket string
	prefix string
}

func NewS3(ctx context.Context, cfg config.ArchiveConfig) (*S3, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("archive: s3_bucket is required")
	}
	region := cfg.S3Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(awsCfg), bucket: cfg.S3Bucket, prefix: cfg.S3Prefix}, nil
}

func (s *S3) Put(ctx context.Context, key models.SourceKey, hash, name string, data []byte, at time.Time) (string, error) {
	objectKey := path.Join(s.prefix, ObjectKey(key, hash, name, at))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"sha256":      hash,
			"state":       key.State,
			"data-source": string(key.DataSource),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	return "s3://" + s.bucket + "/" + objectKey, nil
}

// Get accepts either the s3:// URL returned by Put or a bare object key.
func (s *S3) Get(ctx context.Context, location string) ([]byte, error) {
	objectKey := location
	if prefix := "s3://" + s.bucket + "/"; len(location) > len(prefix) && location[:len(prefix)] == prefix {
		objectKey = location[len(prefix):]
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotArchived
		}
		return nil, fmt.Errorf("archive: get s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
