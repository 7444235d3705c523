package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "s3ql_data_1", bytes.NewReader([]byte("payload")), nil))

	r, err := b.Get(ctx, "s3ql_data_1")
	require.NoError(t, err)
	defer r.Close()

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestLookupMissingReturnsError(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	_, err = b.Lookup(context.Background(), "missing")
	require.Error(t, err)
}

func TestDeleteMissingIsNotError(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, b.Delete(context.Background(), "missing"))
}

func TestListReturnsKeysWithPrefix(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "s3ql_data_1", bytes.NewReader([]byte("a")), nil))
	require.NoError(t, b.Put(ctx, "s3ql_data_2", bytes.NewReader([]byte("b")), nil))
	require.NoError(t, b.Put(ctx, "s3ql_metadata", bytes.NewReader([]byte("c")), nil))

	keys, errs := b.List(ctx, "s3ql_data_")
	var got []string
	for k := range keys {
		got = append(got, k)
	}
	require.NoError(t, <-errs)
	require.ElementsMatch(t, []string{"s3ql_data_1", "s3ql_data_2"}, got)
}

func TestRenameMovesObject(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "old", bytes.NewReader([]byte("x")), nil))
	require.NoError(t, b.Rename(ctx, "old", "new"))

	_, err = b.Lookup(ctx, "old")
	require.Error(t, err)
	info, err := b.Lookup(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Size)
}

func TestCopyDuplicatesObject(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "src", bytes.NewReader([]byte("hello")), nil))
	require.NoError(t, b.Copy(ctx, "src", "dst"))

	r, err := b.Get(ctx, "dst")
	require.NoError(t, err)
	defer r.Close()
	data, _ := io.ReadAll(r)
	require.Equal(t, "hello", string(data))
}
