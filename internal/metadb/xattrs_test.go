package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func TestSetGetXAttr(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		require.NoError(t, s.SetXAttr(conn, inode, "user.tag", []byte("v1")))

		got, err := s.GetXAttr(conn, inode, "user.tag")
		require.NoError(t, err)
		require.Equal(t, []byte("v1"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestSetXAttrReplacesExistingValue(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		require.NoError(t, s.SetXAttr(conn, inode, "user.tag", []byte("v1")))
		require.NoError(t, s.SetXAttr(conn, inode, "user.tag", []byte("v2")))

		got, err := s.GetXAttr(conn, inode, "user.tag")
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got)
		return nil
	})
	require.NoError(t, err)
}

func TestGetXAttrMissingReturnsError(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)
		_, err = s.GetXAttr(conn, inode, "user.missing")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestListXAttr(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		require.NoError(t, s.SetXAttr(conn, inode, "user.a", []byte("1")))
		require.NoError(t, s.SetXAttr(conn, inode, "user.b", []byte("2")))

		names, err := s.ListXAttr(conn, inode)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"user.a", "user.b"}, names)
		return nil
	})
	require.NoError(t, err)
}

func TestRemoveXAttr(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		require.NoError(t, s.SetXAttr(conn, inode, "user.tag", []byte("v1")))
		require.NoError(t, s.RemoveXAttr(conn, inode, "user.tag"))

		_, err = s.GetXAttr(conn, inode, "user.tag")
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}
