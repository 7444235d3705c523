package backend

import (
	"context"

	"github.com/s3ql-go/s3ql/internal/backend/local"
	backends3 "github.com/s3ql-go/s3ql/internal/backend/s3"
	"github.com/s3ql-go/s3ql/internal/circuit"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// Variant names the backend driver variants named in the tunables
// design, whether or not a constructor exists for this build.
type Variant string

const (
	VariantLocal     Variant = "local"
	VariantS3        Variant = "s3"
	VariantSwift     Variant = "swift"
	VariantGS        Variant = "gs"
	VariantB2        Variant = "b2"
	VariantRackspace Variant = "rackspace"
	VariantSFTP      Variant = "sftp"
)

// Options carries every field any constructible variant might need.
// Unused fields are ignored by variants that don't need them.
type Options struct {
	Variant Variant

	// backend/local
	LocalDir string

	// backend/s3
	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3ForcePathStyle bool
	S3SSLVerify      bool

	Retry   retry.Config
	Breaker circuit.Config
}

// New constructs the requested backend variant wrapped in Retrying.
// Variants named in the capability table but not implemented return
// ErrCodeUnsupported: the dispatch point is real, building the driver
// is not.
func New(ctx context.Context, opts Options) (types.Backend, error) {
	var inner types.Backend

	switch opts.Variant {
	case VariantLocal:
		b, err := local.New(opts.LocalDir)
		if err != nil {
			return nil, err
		}
		inner = b
	case VariantS3:
		b, err := backends3.New(ctx, backends3.Config{
			Bucket:         opts.S3Bucket,
			Region:         opts.S3Region,
			Endpoint:       opts.S3Endpoint,
			ForcePathStyle: opts.S3ForcePathStyle,
			SSLVerify:      opts.S3SSLVerify,
		})
		if err != nil {
			return nil, err
		}
		inner = b
	case VariantSwift, VariantGS, VariantB2, VariantRackspace, VariantSFTP:
		return nil, s3errors.New(s3errors.ErrCodeUnsupported, "backend", "New", string(opts.Variant)+" backend variant is not implemented in this build")
	default:
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "backend", "New", "unknown backend variant: "+string(opts.Variant))
	}

	return NewRetrying(inner, string(opts.Variant), opts.Retry, opts.Breaker), nil
}
