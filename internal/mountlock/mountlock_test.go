package mountlock

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	backendlocal "github.com/s3ql-go/s3ql/internal/backend/local"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

func TestAcquireFirstMountClaimsSeqNoOne(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)

	seqNo, err := Acquire(context.Background(), backend, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, seqNo)
}

func TestAcquireIncrementsPastPriorMounts(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	first, err := Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, Release(ctx, backend, first))

	second, err := Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, first+1, second)
}

func TestAcquireDetectsConcurrentMount(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// Simulate a second mounter claiming seq_no 2 while this mounter's
	// window is open by writing the marker directly before Acquire's
	// second list.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = backend.Put(ctx, seqNoKey(2), strings.NewReader(""), nil)
	}()

	_, err = Acquire(ctx, backend, 50*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, s3errors.ErrCodeAlreadyMounted, s3errors.CodeOf(err))
}

func TestAllSeqNosOrdersAscending(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)
	_, err = Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)

	nos, err := AllSeqNos(ctx, backend)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, nos)
}

func TestCheckCleanPassesOnFreshFilesystem(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, CheckClean(context.Background(), backend))
}

func TestCheckCleanPassesAfterCleanShutdown(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	seqNo, err := Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, Release(ctx, backend, seqNo))
	require.NoError(t, MarkClean(ctx, backend, seqNo))

	require.NoError(t, CheckClean(ctx, backend))
}

func TestCheckCleanFailsAfterCrashLeavesMarker(t *testing.T) {
	backend, err := backendlocal.New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// A crashed mount claims a marker but never releases it or records
	// a clean shutdown.
	_, err = Acquire(ctx, backend, time.Millisecond)
	require.NoError(t, err)

	err = CheckClean(ctx, backend)
	require.Error(t, err)
	require.Equal(t, s3errors.ErrCodeNotClean, s3errors.CodeOf(err))
}
