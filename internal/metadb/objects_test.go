package metadb

import (
	"testing"

	"github.com/stretchr/testify/require"
	"zombiezen.com/go/sqlite"
)

func TestCreateObjectAndIncRefcount(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		id, err := s.CreateObject(conn, testHash(20), 256, 200)
		require.NoError(t, err)
		require.NotZero(t, id)

		count, err := s.IncObjectRefcount(conn, id, 3)
		require.NoError(t, err)
		require.Equal(t, uint32(4), count)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteObject(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		id, err := s.CreateObject(conn, testHash(21), 256, 200)
		require.NoError(t, err)
		require.NoError(t, s.DeleteObject(conn, id))
		return nil
	})
	require.NoError(t, err)
}

func TestQueueAndDequeueObjectsToDelete(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		idA, err := s.CreateObject(conn, testHash(22), 256, 200)
		require.NoError(t, err)
		idB, err := s.CreateObject(conn, testHash(23), 256, 200)
		require.NoError(t, err)

		require.NoError(t, s.QueueObjectDelete(conn, idA))
		require.NoError(t, s.QueueObjectDelete(conn, idB))

		popped, err := s.DequeueObjectsToDelete(conn, 10)
		require.NoError(t, err)
		require.Len(t, popped, 2)

		popped, err = s.DequeueObjectsToDelete(conn, 10)
		require.NoError(t, err)
		require.Empty(t, popped)
		return nil
	})
	require.NoError(t, err)
}

func TestQueueObjectDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		id, err := s.CreateObject(conn, testHash(24), 256, 200)
		require.NoError(t, err)

		require.NoError(t, s.QueueObjectDelete(conn, id))
		require.NoError(t, s.QueueObjectDelete(conn, id))

		popped, err := s.DequeueObjectsToDelete(conn, 10)
		require.NoError(t, err)
		require.Len(t, popped, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestDequeueObjectsToDeleteRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	err := s.WithWriter(func(conn *sqlite.Conn) error {
		for _, seed := range []byte{30, 31, 32} {
			id, err := s.CreateObject(conn, testHash(seed), 256, 200)
			require.NoError(t, err)
			require.NoError(t, s.QueueObjectDelete(conn, id))
		}

		popped, err := s.DequeueObjectsToDelete(conn, 2)
		require.NoError(t, err)
		require.Len(t, popped, 2)

		popped, err = s.DequeueObjectsToDelete(conn, 2)
		require.NoError(t, err)
		require.Len(t, popped, 1)
		return nil
	})
	require.NoError(t, err)
}
