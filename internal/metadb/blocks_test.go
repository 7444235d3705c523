package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func testHash(seed byte) [32]byte {
	var h [32]byte
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

func TestCreateBlockAndFindByHash(t *testing.T) {
	s := openTestStore(t)
	hash := testHash(1)

	err := s.WithWriter(func(conn *sqlite.Conn) error {
		objID, err := s.CreateObject(conn, hash, 128, 100)
		require.NoError(t, err)

		blockID, err := s.CreateBlock(conn, hash, 100, objID)
		require.NoError(t, err)
		require.NotZero(t, blockID)

		found, err := s.FindBlockByHash(conn, hash)
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, blockID, found.ID)
		require.Equal(t, objID, found.ObjID)
		require.Equal(t, uint32(1), found.Refcount)
		return nil
	})
	require.NoError(t, err)
}

func TestFindBlockByHashMissReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		found, err := s.FindBlockByHash(conn, testHash(99))
		require.NoError(t, err)
		require.Nil(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestIncBlockRefcount(t *testing.T) {
	s := openTestStore(t)
	hash := testHash(2)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		objID, err := s.CreateObject(conn, hash, 128, 100)
		require.NoError(t, err)
		blockID, err := s.CreateBlock(conn, hash, 100, objID)
		require.NoError(t, err)

		newCount, err := s.IncBlockRefcount(conn, blockID, 1)
		require.NoError(t, err)
		require.Equal(t, uint32(2), newCount)

		newCount, err = s.IncBlockRefcount(conn, blockID, -2)
		require.NoError(t, err)
		require.Equal(t, uint32(0), newCount)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteBlock(t *testing.T) {
	s := openTestStore(t)
	hash := testHash(3)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		objID, err := s.CreateObject(conn, hash, 128, 100)
		require.NoError(t, err)
		blockID, err := s.CreateBlock(conn, hash, 100, objID)
		require.NoError(t, err)

		require.NoError(t, s.DeleteBlock(conn, blockID))
		_, err = s.GetBlock(conn, blockID)
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
}

func TestSetAndGetInodeBlock(t *testing.T) {
	s := openTestStore(t)
	hash := testHash(4)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)
		objID, err := s.CreateObject(conn, hash, 128, 100)
		require.NoError(t, err)
		blockID, err := s.CreateBlock(conn, hash, 100, objID)
		require.NoError(t, err)

		require.NoError(t, s.SetInodeBlock(conn, inode, 0, blockID))

		got, ok, err := s.GetInodeBlock(conn, inode, 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, blockID, got)

		_, ok, err = s.GetInodeBlock(conn, inode, 1)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestSetInodeBlockOverwritesExistingMapping(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		hashA := testHash(5)
		objA, err := s.CreateObject(conn, hashA, 128, 100)
		require.NoError(t, err)
		blockA, err := s.CreateBlock(conn, hashA, 100, objA)
		require.NoError(t, err)

		hashB := testHash(6)
		objB, err := s.CreateObject(conn, hashB, 128, 100)
		require.NoError(t, err)
		blockB, err := s.CreateBlock(conn, hashB, 100, objB)
		require.NoError(t, err)

		require.NoError(t, s.SetInodeBlock(conn, inode, 0, blockA))
		require.NoError(t, s.SetInodeBlock(conn, inode, 0, blockB))

		got, ok, err := s.GetInodeBlock(conn, inode, 0)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, blockB, got)
		return nil
	})
	require.NoError(t, err)
}

func TestListInodeBlocksOrdersByBlockNo(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		inode, err := s.CreateInode(conn, testInode())
		require.NoError(t, err)

		for i, seed := range []byte{10, 11, 12} {
			hash := testHash(seed)
			objID, err := s.CreateObject(conn, hash, 128, 100)
			require.NoError(t, err)
			blockID, err := s.CreateBlock(conn, hash, 100, objID)
			require.NoError(t, err)
			require.NoError(t, s.SetInodeBlock(conn, inode, int64(2-i), blockID))
		}

		blocks, err := s.ListInodeBlocks(conn, inode)
		require.NoError(t, err)
		require.Len(t, blocks, 3)
		require.Equal(t, int64(0), blocks[0].BlockNo)
		require.Equal(t, int64(1), blocks[1].BlockNo)
		require.Equal(t, int64(2), blocks[2].BlockNo)
		return nil
	})
	require.NoError(t, err)
}
