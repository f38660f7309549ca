package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shineum/smtp-outbox/internal/email"
)

// messageContentType is the MIME type stored messages are tagged with.
const messageContentType = "message/rfc822"

// S3Config holds the configuration for creating an S3 store.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// S3API is the subset of the S3 client used by the store.
// Used for testing with mock implementations.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores messages as objects in a bucket.
type S3 struct {
	bucket string
	prefix string
	client S3API
}

// NewS3 creates an S3 store, loading AWS configuration from the environment
// and the given static credentials when set.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("store: s3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	} else if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithRegion("us-east-1"))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewS3WithClient(cfg.Bucket, cfg.Prefix, client), nil
}

// NewS3WithClient creates an S3 store with a custom client, used for testing.
func NewS3WithClient(bucket, prefix string, client S3API) *S3 {
	return &S3{bucket: bucket, prefix: prefix, client: client}
}

// Put uploads data as a single object.
func (s *S3) Put(ctx context.Context, key string, data []byte) (email.Source, error) {
	objectKey := s.objectKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(messageContentType),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload message %s: %w", objectKey, err)
	}
	return &s3Source{store: s, key: objectKey}, nil
}

// Delete removes the object for key.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", key, err)
	}
	return nil
}

func (s *S3) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

type s3Source struct {
	store *S3
	key   string
}

// Open fetches the object again on every call.
func (s *s3Source) Open(ctx context.Context) (io.ReadCloser, error) {
	out, err := s.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.store.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.key)
		}
		return nil, fmt.Errorf("failed to fetch message %s: %w", s.key, err)
	}
	return out.Body, nil
}

func (s *s3Source) String() string {
	return "s3://" + s.store.bucket + "/" + s.key
}
