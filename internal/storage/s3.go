package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store implements BlobStore on AWS S3, one bucket per container.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Store builds an S3 store using the default AWS credential chain.
func NewS3Store(ctx context.Context) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{client: client, presign: s3.NewPresignClient(client)}, nil
}

func (s *S3Store) Upload(ctx context.Context, container, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("storage: put s3://%s/%s: %w", container, name, err)
	}
	return nil
}

func (s *S3Store) Download(ctx context.Context, container, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, ErrNoObject
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get s3://%s/%s: %w", container, name, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: read s3://%s/%s: %w", container, name, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, container, name string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	})
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: head s3://%s/%s: %w", container, name, err)
	}
	return true, nil
}

func (s *S3Store) EnsureContainer(ctx context.Context, container string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(container)})
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: ensure bucket %s: %w", container, err)
	}
	return nil
}

func (s *S3Store) UploadURL(ctx context.Context, container, name string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(container),
		Key:    aws.String(name),
	}, s3.WithPresignExpires(time.Hour))
	if err != nil {
		return "", fmt.Errorf("storage: presign s3://%s/%s: %w", container, name, err)
	}
	return req.URL, nil
}
