package inode

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"

	backendlocal "github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/blockmgr"
	"github.com/s3ql-go/s3ql/internal/cache"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/pkg/types"
)

const testBlockSize = 4096

func testLayer(t *testing.T) (*Layer, *metadb.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := metadb.Open(metadb.Config{Path: filepath.Join(dir, "metadata.sqlite"), ReaderPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blockCache, err := cache.New(cache.Config{Dir: filepath.Join(dir, "cache"), MaxEntries: 64, MaxSize: 64 << 20})
	require.NoError(t, err)

	backend, err := backendlocal.New(filepath.Join(dir, "backend"))
	require.NoError(t, err)

	c, err := codec.New(make([]byte, 32), codec.CompressNone, 0)
	require.NoError(t, err)

	mgr := blockmgr.New(blockmgr.Config{Store: store, Cache: blockCache, Codec: c, Backend: backend})
	return New(Config{Store: store, Blocks: mgr, BlockSize: testBlockSize}), store
}

func createTestInode(t *testing.T, store *metadb.Store) types.InodeID {
	t.Helper()
	var id types.InodeID
	err := store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		id, err = store.CreateInode(conn, types.Inode{Mode: types.ModeRegular | 0644, UID: 1000, GID: 1000, Refcount: 1})
		return err
	})
	require.NoError(t, err)
	return id
}

func TestWriteThenReadWithinOneBlock(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	n, err := l.Write(ctx, inode, 0, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	buf := make([]byte, 11)
	n, err = l.Read(ctx, inode, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))
}

func TestWriteSpanningMultipleBlocks(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	data := make([]byte, testBlockSize*2+100)
	for i := range data {
		data[i] = byte(i % 251)
	}

	n, err := l.Write(ctx, inode, 0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	n, err = l.Read(ctx, inode, 0, buf)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestReadPastEndOfFileReturnsShort(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	_, err := l.Write(ctx, inode, 0, []byte("short"))
	require.NoError(t, err)

	buf := make([]byte, 100)
	n, err := l.Read(ctx, inode, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
}

func TestReadHoleReturnsZeros(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	// Write past a hole: offset testBlockSize*2 with nothing at 0.
	_, err := l.Write(ctx, inode, testBlockSize*2, []byte("after the hole"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := l.Read(ctx, inode, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 16, n)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestTruncateShrinksAndReleasesBlocks(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	data := make([]byte, testBlockSize*3)
	_, err := l.Write(ctx, inode, 0, data)
	require.NoError(t, err)

	require.NoError(t, l.Truncate(ctx, inode, testBlockSize+10))

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		in, err := store.GetInode(conn, inode)
		require.NoError(t, err)
		require.Equal(t, int64(testBlockSize+10), in.Size)

		blocks, err := store.ListInodeBlocks(conn, inode)
		require.NoError(t, err)
		require.Len(t, blocks, 2)
		return nil
	})
	require.NoError(t, err)
}

func TestTruncateGrowingExtendsSizeWithoutBlocks(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()
	inode := createTestInode(t, store)

	require.NoError(t, l.Truncate(ctx, inode, 1000))

	err := store.WithWriter(func(conn *sqlite.Conn) error {
		in, err := store.GetInode(conn, inode)
		require.NoError(t, err)
		require.Equal(t, int64(1000), in.Size)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenReleaseHandleLifecycle(t *testing.T) {
	l, store := testLayer(t)
	inode := createTestInode(t, store)

	fh := l.Open(inode)
	got, ok := l.InodeForHandle(fh)
	require.True(t, ok)
	require.Equal(t, inode, got)

	l.Release(fh)
	_, ok = l.InodeForHandle(fh)
	require.False(t, ok)
}

func TestUnlinkDecrementsRefcountThenDeletes(t *testing.T) {
	l, store := testLayer(t)
	ctx := context.Background()

	var parent, child types.InodeID
	err := store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		parent, err = store.CreateInode(conn, types.Inode{Mode: types.ModeDir | 0755, Refcount: 1})
		if err != nil {
			return err
		}
		child, err = store.CreateInode(conn, types.Inode{Mode: types.ModeRegular | 0644, Refcount: 2})
		if err != nil {
			return err
		}
		if err := store.Link(conn, parent, "a", child); err != nil {
			return err
		}
		return store.Link(conn, parent, "b", child)
	})
	require.NoError(t, err)

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		return l.Unlink(ctx, conn, parent, "a")
	})
	require.NoError(t, err)

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		in, err := store.GetInode(conn, child)
		require.NoError(t, err)
		require.Equal(t, uint32(1), in.Refcount)
		return nil
	})
	require.NoError(t, err)

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		return l.Unlink(ctx, conn, parent, "b")
	})
	require.NoError(t, err)

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		_, err := store.GetInode(conn, child)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}
