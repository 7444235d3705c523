package fsck

import (
	"bytes"
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

func testChecker(t *testing.T) (*Checker, *metadb.Store, types.Backend, *blockmgr.Manager) {
	t.Helper()
	dir := t.TempDir()

	store, err := metadb.Open(metadb.Config{Path: filepath.Join(dir, "metadata.sqlite"), ReaderPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backend, err := backendlocal.New(filepath.Join(dir, "backend"))
	require.NoError(t, err)

	blockCache, err := cache.New(cache.Config{Dir: filepath.Join(dir, "cache"), MaxEntries: 64, MaxSize: 64 << 20})
	require.NoError(t, err)

	c, err := codec.New(make([]byte, 32), codec.CompressNone, 0)
	require.NoError(t, err)

	mgr := blockmgr.New(blockmgr.Config{Store: store, Backend: backend, Codec: c, Cache: blockCache})
	return New(Config{Store: store, Backend: backend, Codec: c}), store, backend, mgr
}

func TestRunOnCleanFilesystemReportsClean(t *testing.T) {
	checker, _, _, _ := testChecker(t)
	report, err := checker.Run(context.Background(), false)
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestRunRepairsInodeRefcountDrift(t *testing.T) {
	checker, store, _, _ := testChecker(t)

	var parent, child types.InodeID
	err := store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		parent, err = store.CreateInode(conn, types.Inode{Mode: types.ModeDir | 0755, Refcount: 1})
		if err != nil {
			return err
		}
		child, err = store.CreateInode(conn, types.Inode{Mode: types.ModeRegular | 0644, Refcount: 5})
		if err != nil {
			return err
		}
		return store.Link(conn, parent, "onlylink", child)
	})
	require.NoError(t, err)

	report, err := checker.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, report.InodeRefcountsFixed)

	err = store.WithWriter(func(conn *sqlite.Conn) error {
		in, err := store.GetInode(conn, child)
		require.NoError(t, err)
		require.Equal(t, uint32(1), in.Refcount)
		return nil
	})
	require.NoError(t, err)
}

func TestRunMovesOrphanObjectToLostAndFound(t *testing.T) {
	checker, _, backend, _ := testChecker(t)
	ctx := context.Background()

	require.NoError(t, backend.Put(ctx, "s3ql_data_999", bytes.NewReader([]byte("orphan")), nil))

	report, err := checker.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{"s3ql_data_999"}, report.OrphanObjectsMoved)

	_, err = backend.Lookup(ctx, "lost+found/s3ql_data_999")
	require.NoError(t, err)
	_, err = backend.Lookup(ctx, "s3ql_data_999")
	require.Error(t, err)
}

func TestRunDetectsMissingObject(t *testing.T) {
	checker, store, _, mgr := testChecker(t)
	ctx := context.Background()

	var inode types.InodeID
	var objID types.ObjID
	err := store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		inode, err = store.CreateInode(conn, types.Inode{Mode: types.ModeRegular | 0644, Refcount: 1})
		if err != nil {
			return err
		}
		blockID, err := mgr.Store(ctx, conn, inode, 0, []byte("payload"))
		if err != nil {
			return err
		}
		block, err := store.GetBlock(conn, blockID)
		if err != nil {
			return err
		}
		objID = block.ObjID
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, checker.backend.Delete(ctx, blockmgr.ObjectKey(objID)))

	report, err := checker.Run(ctx, false)
	require.NoError(t, err)
	require.Contains(t, report.MissingObjects, objID)
}
