package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/pkg/types"
)

func TestSaveAndLoadParams(t *testing.T) {
	s := openTestStore(t)
	want := types.Params{
		DataBlockSize: 1 << 20,
		Label:         "backup-volume",
		FSUUID:        "11111111-2222-3333-4444-555555555555",
		HashAlgorithm: "blake3-256",
	}
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		require.NoError(t, s.SaveParams(conn, want))
		got, err := s.LoadParams(conn)
		require.NoError(t, err)
		require.Equal(t, want, got)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadParamsBeforeSaveReturnsError(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		_, err := s.LoadParams(conn)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestSaveParamsReplacesExistingRow(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		require.NoError(t, s.SaveParams(conn, types.Params{Label: "first"}))
		require.NoError(t, s.SaveParams(conn, types.Params{Label: "second"}))

		got, err := s.LoadParams(conn)
		require.NoError(t, err)
		require.Equal(t, "second", got.Label)
		return nil
	})
	require.NoError(t, err)
}
