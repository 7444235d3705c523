package backend

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s3ql-go/s3ql/internal/circuit"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/retry"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// failingBackend returns the same error from every call, for exercising
// the retry/circuit-breaking decorator without a real driver.
type failingBackend struct {
	err error
}

func (f *failingBackend) Lookup(ctx context.Context, key string) (*types.ObjectInfo, error) {
	return nil, f.err
}
func (f *failingBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, f.err
}
func (f *failingBackend) Put(ctx context.Context, key string, r io.Reader, m types.ObjectMetadata) error {
	return f.err
}
func (f *failingBackend) Delete(ctx context.Context, key string) error { return f.err }
func (f *failingBackend) List(ctx context.Context, prefix string) (<-chan string, <-chan error) {
	ch := make(chan string)
	errCh := make(chan error, 1)
	close(ch)
	errCh <- f.err
	return ch, errCh
}
func (f *failingBackend) Copy(ctx context.Context, src, dst string) error   { return f.err }
func (f *failingBackend) Rename(ctx context.Context, src, dst string) error { return f.err }
func (f *failingBackend) Close() error                                     { return nil }

var _ types.Backend = (*failingBackend)(nil)

func noRetryConfig() retry.Config {
	return retry.Config{MaxAttempts: 1}
}

func TestRetryingTripsBreakerOnTransientBackendErrors(t *testing.T) {
	inner := &failingBackend{err: s3errors.New(s3errors.ErrCodeTransientBackend, "test", "Lookup", "boom")}
	r := NewRetrying(inner, "test-transient", noRetryConfig(), circuit.Config{
		ReadyToTrip: func(c circuit.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_, err := r.Lookup(context.Background(), "key")
	require.Error(t, err)

	_, err = r.Lookup(context.Background(), "key")
	require.ErrorIs(t, err, circuit.ErrOpenState)
}

func TestRetryingDoesNotTripBreakerOnDomainErrors(t *testing.T) {
	inner := &failingBackend{err: s3errors.New(s3errors.ErrCodeInvalidArgument, "test", "Lookup", "not found")}
	r := NewRetrying(inner, "test-domain", noRetryConfig(), circuit.Config{
		ReadyToTrip: func(c circuit.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	for i := 0; i < 5; i++ {
		_, err := r.Lookup(context.Background(), "key")
		require.Error(t, err)
		require.NotErrorIs(t, err, circuit.ErrOpenState)
	}
}
