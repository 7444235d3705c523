// Package backend wraps every driver with the retry and circuit
// breaking behavior common to all of them, and provides the variant
// registry naming which drivers this build actually constructs.
package backend

import (
	"context"
	"io"

	"github.com/s3ql-go/s3ql/internal/circuit"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// Retrying wraps a types.Backend with exponential backoff (pkg/retry)
// classified by pkg/errors codes, and a circuit breaker (internal/
// circuit) so a backend that is down fails fast instead of retrying
// into a stall.
type Retrying struct {
	inner   types.Backend
	retryer *retry.Retryer
	breaker *circuit.CircuitBreaker
}

// NewRetrying wraps inner with the given retry config and a circuit
// breaker named after the backend variant. The breaker's open/half-open
// decision is classified from the same error codes the retryer treats
// as retryable: only ErrCodeTransientBackend counts as a failure worth
// tripping on, so an object Lookup miss (ErrCodeInvalidArgument, a
// normal outcome, not backend distress) never opens the breaker.
func NewRetrying(inner types.Backend, name string, retryCfg retry.Config, breakerCfg circuit.Config) *Retrying {
	if retryCfg.RetryableErrors == nil {
		retryCfg.RetryableErrors = []s3errors.ErrorCode{s3errors.ErrCodeTransientBackend}
	}
	if breakerCfg.IsSuccessful == nil {
		retryable := retryCfg.RetryableErrors
		breakerCfg.IsSuccessful = func(err error) bool {
			if err == nil {
				return true
			}
			code := s3errors.CodeOf(err)
			for _, c := range retryable {
				if code == c {
					return false
				}
			}
			return true
		}
	}
	return &Retrying{
		inner:   inner,
		retryer: retry.New(retryCfg),
		breaker: circuit.NewCircuitBreaker(name, breakerCfg),
	}
}

func (r *Retrying) call(ctx context.Context, fn func(context.Context) error) error {
	return r.breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.retryer.DoWithContext(ctx, fn)
	})
}

// Lookup implements types.Backend.
func (r *Retrying) Lookup(ctx context.Context, key string) (*types.ObjectInfo, error) {
	var info *types.ObjectInfo
	err := r.call(ctx, func(ctx context.Context) error {
		var innerErr error
		info, innerErr = r.inner.Lookup(ctx, key)
		return innerErr
	})
	return info, err
}

// Get implements types.Backend. Retries wrap only the request setup;
// once a body stream is returned, retrying is the caller's job since
// a partially-read stream cannot be safely rewound here.
func (r *Retrying) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := r.call(ctx, func(ctx context.Context) error {
		var innerErr error
		body, innerErr = r.inner.Get(ctx, key)
		return innerErr
	})
	return body, err
}

// Put implements types.Backend.
func (r *Retrying) Put(ctx context.Context, key string, body io.Reader, metadata types.ObjectMetadata) error {
	seeker, canSeek := body.(io.Seeker)
	return r.call(ctx, func(ctx context.Context) error {
		if canSeek {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "backend", "Put", err)
			}
		}
		return r.inner.Put(ctx, key, body, metadata)
	})
}

// Delete implements types.Backend.
func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Delete(ctx, key)
	})
}

// List implements types.Backend. Listing is not retried once
// streaming begins; the caller sees whatever partial results and
// error the inner driver produced.
func (r *Retrying) List(ctx context.Context, prefix string) (<-chan string, <-chan error) {
	return r.inner.List(ctx, prefix)
}

// Copy implements types.Backend.
func (r *Retrying) Copy(ctx context.Context, src, dst string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Copy(ctx, src, dst)
	})
}

// Rename implements types.Backend.
func (r *Retrying) Rename(ctx context.Context, src, dst string) error {
	return r.call(ctx, func(ctx context.Context) error {
		return r.inner.Rename(ctx, src, dst)
	})
}

// Close implements types.Backend.
func (r *Retrying) Close() error {
	return r.inner.Close()
}

var _ types.Backend = (*Retrying)(nil)
