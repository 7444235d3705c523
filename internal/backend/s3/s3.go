// Package s3 implements types.Backend against Amazon S3 (or an
// S3-compatible endpoint) via aws-sdk-go-v2.
package s3

import (
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	s3qltypes "github.com/s3ql-go/s3ql/pkg/types"
)

// Config carries the connection parameters for one bucket.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	SSLVerify      bool
}

// Backend implements s3qltypes.Backend against a single bucket.
type Backend struct {
	client *s3.Client
	bucket string
}

// New builds a Backend, loading AWS credentials the standard SDK way
// (environment, shared config, EC2/ECS role) via config.LoadDefaultConfig.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Bucket == "" {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "backend/s3", "New", "bucket name cannot be empty")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeAuth, "backend/s3", "New", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Backend{client: client, bucket: cfg.Bucket}, nil
}

// Lookup issues a HeadObject.
func (b *Backend) Lookup(ctx context.Context, key string) (*s3qltypes.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyError("Lookup", err)
	}
	info := &s3qltypes.ObjectInfo{Key: key}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	if len(out.Metadata) > 0 {
		info.Metadata = out.Metadata
	}
	return info, nil
}

// Get issues a GetObject and returns the streamed body.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyError("Get", err)
	}
	return out.Body, nil
}

// Put issues a PutObject with the given user metadata.
func (b *Backend) Put(ctx context.Context, key string, r io.Reader, metadata s3qltypes.ObjectMetadata) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		Body:     r,
		Metadata: metadata,
	})
	if err != nil {
		return classifyError("Put", err)
	}
	return nil
}

// Delete issues a DeleteObject. S3 treats deleting a missing key as
// success, matching the backend contract.
func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyError("Delete", err)
	}
	return nil
}

// List streams every key under prefix using paginated ListObjectsV2.
func (b *Backend) List(ctx context.Context, prefix string) (<-chan string, <-chan error) {
	keys := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(keys)
		defer close(errs)

		paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(prefix),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errs <- classifyError("List", err)
				return
			}
			for _, obj := range page.Contents {
				select {
				case keys <- aws.ToString(obj.Key):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return keys, errs
}

// Copy issues a server-side CopyObject.
func (b *Backend) Copy(ctx context.Context, src, dst string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(b.bucket + "/" + src),
	})
	if err != nil {
		return classifyError("Copy", err)
	}
	return nil
}

// Rename copies src to dst then deletes src; S3 has no native rename.
func (b *Backend) Rename(ctx context.Context, src, dst string) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

// Close is a no-op; the SDK client owns no persistent connection to release.
func (b *Backend) Close() error { return nil }

var _ s3qltypes.Backend = (*Backend)(nil)

func classifyError(op string, err error) error {
	var notFound *types.NoSuchKey
	if errors.As(err, &notFound) {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/s3", op, err)
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.HTTPStatusCode() == 403 || respErr.HTTPStatusCode() == 401:
			return s3errors.Wrap(s3errors.ErrCodeAuth, "backend/s3", op, err)
		case respErr.HTTPStatusCode() == 404:
			return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend/s3", op, err)
		case respErr.HTTPStatusCode() >= 500:
			return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/s3", op, err)
		}
	}
	return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "backend/s3", op, err)
}
