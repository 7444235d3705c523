package metadb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.sqlite")
	s, err := Open(Config{Path: path, ReaderPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithReaderSeesWriterCommits(t *testing.T) {
	s := openTestStore(t)

	var id int64
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		in := testInode()
		created, err := s.CreateInode(conn, in)
		id = int64(created)
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	err = s.WithReader(context.Background(), func(conn *sqlite.Conn) error {
		_, err := s.GetInode(conn, types.InodeID(id))
		return err
	})
	require.NoError(t, err)
}
