package metaupload

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"

	backendlocal "github.com/s3ql-go/s3ql/internal/backend/local"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	"github.com/s3ql-go/s3ql/pkg/types"
)

func testSetup(t *testing.T) (*Uploader, *metadb.Store, types.Backend, *codec.Codec, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "metadata.sqlite")

	store, err := metadb.Open(metadb.Config{Path: dbPath, ReaderPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	backend, err := backendlocal.New(filepath.Join(dir, "backend"))
	require.NoError(t, err)

	c, err := codec.New(make([]byte, 32), codec.CompressNone, 0)
	require.NoError(t, err)

	u := New(Config{Store: store, Codec: c, Backend: backend, WorkDir: dir})
	return u, store, backend, c, dir
}

func TestFullSnapshotUploadsAndRestores(t *testing.T) {
	u, store, backend, c, dir := testSetup(t)
	ctx := context.Background()

	err := store.WithWriter(func(conn *sqlite.Conn) error {
		_, err := store.CreateInode(conn, types.Inode{Mode: types.ModeRegular | 0644, Refcount: 1})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, u.FullSnapshot(ctx))

	info, err := backend.Lookup(ctx, snapshotKey)
	require.NoError(t, err)
	require.Positive(t, info.Size)

	restoredPath := filepath.Join(dir, "restored.sqlite")
	require.NoError(t, Restore(ctx, backend, c, restoredPath))

	restored, err := metadb.Open(metadb.Config{Path: restoredPath, ReaderPoolSize: 2})
	require.NoError(t, err)
	defer restored.Close()

	err = restored.WithWriter(func(conn *sqlite.Conn) error {
		_, err := restored.GetInode(conn, types.RootInodeID)
		return err
	})
	require.NoError(t, err)
}

func TestFullSnapshotRotatesBackups(t *testing.T) {
	u, _, backend, _, _ := testSetup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, u.FullSnapshot(ctx))
	}

	_, err := backend.Lookup(ctx, backupKey(0))
	require.NoError(t, err)
	_, err = backend.Lookup(ctx, backupKey(1))
	require.NoError(t, err)
}

func TestDeltaUploadNoOpWithoutChanges(t *testing.T) {
	u, _, _, _, _ := testSetup(t)
	require.NoError(t, u.DeltaUpload(context.Background()))
}
