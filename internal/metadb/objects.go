package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// GetObject fetches an object row by ID, used by fsck to cross-check
// backend listings against the metadata database.
func (s *Store) GetObject(conn *sqlite.Conn, id types.ObjID) (*types.Object, error) {
	var found *types.Object
	err := sqlitex.Execute(conn, `SELECT id, refcount, hash, phys_size, length FROM objects WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				o := &types.Object{
					ID:       types.ObjID(stmt.GetInt64("id")),
					Refcount: uint32(stmt.GetInt64("refcount")),
					PhysSize: stmt.GetInt64("phys_size"),
					Length:   stmt.GetInt64("length"),
				}
				stmt.GetBytes("hash", o.Hash[:])
				found = o
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("GetObject", err)
	}
	if found == nil {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "GetObject", "no such object")
	}
	return found, nil
}

// ListObjectIDs returns every object ID in the database, used by fsck
// to reconcile against the backend's key listing.
func (s *Store) ListObjectIDs(conn *sqlite.Conn) ([]types.ObjID, error) {
	var ids []types.ObjID
	err := sqlitex.Execute(conn, `SELECT id FROM objects`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, types.ObjID(stmt.GetInt64("id")))
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ListObjectIDs", err)
	}
	return ids, nil
}

// CreateObject inserts a new object row (a stored, encoded blob in
// the backend) and returns its ID.
func (s *Store) CreateObject(conn *sqlite.Conn, hash [32]byte, physSize, length int64) (types.ObjID, error) {
	err := sqlitex.Execute(conn, `
		INSERT INTO objects (refcount, hash, phys_size, length) VALUES (1, :hash, :phys_size, :length)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":hash":      hash[:],
			":phys_size": physSize,
			":length":    length,
		}})
	if err != nil {
		return 0, wrapExecErr("CreateObject", err)
	}
	return types.ObjID(conn.LastInsertRowID()), nil
}

// UpdateObjectPhysSize records the ciphertext length once an object
// has actually been uploaded (the row is created before upload, with
// a zero placeholder, so the backend key can embed the assigned ID).
func (s *Store) UpdateObjectPhysSize(conn *sqlite.Conn, id types.ObjID, physSize int64) error {
	err := sqlitex.Execute(conn, `UPDATE objects SET phys_size = :phys_size WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":id":        int64(id),
			":phys_size": physSize,
		}})
	return wrapExecErr("UpdateObjectPhysSize", err)
}

// IncObjectRefcount increments an object's refcount by delta.
func (s *Store) IncObjectRefcount(conn *sqlite.Conn, id types.ObjID, delta int64) (uint32, error) {
	var newCount int64
	err := sqlitex.Execute(conn, `
		UPDATE objects SET refcount = refcount + :delta WHERE id = :id RETURNING refcount`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(id), ":delta": delta},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				newCount = stmt.GetInt64("refcount")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("IncObjectRefcount", err)
	}
	return uint32(newCount), nil
}

// DeleteObject removes an object row once its refcount has reached
// zero. Callers are expected to have already queued the backend key
// for deletion via QueueObjectDelete.
func (s *Store) DeleteObject(conn *sqlite.Conn, id types.ObjID) error {
	err := sqlitex.Execute(conn, `DELETE FROM objects WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id)}})
	return wrapExecErr("DeleteObject", err)
}

// QueueObjectDelete records an object for later backend deletion by
// the deferred-delete drain loop.
func (s *Store) QueueObjectDelete(conn *sqlite.Conn, id types.ObjID) error {
	err := sqlitex.Execute(conn, `
		INSERT OR IGNORE INTO objects_to_delete (obj_id, queued_at) VALUES (:id, :now)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id), ":now": nowUnix()}})
	return wrapExecErr("QueueObjectDelete", err)
}

// DequeueObjectsToDelete pops up to limit queued object IDs for the
// drain loop to delete from the backend, removing them from the queue.
func (s *Store) DequeueObjectsToDelete(conn *sqlite.Conn, limit int) ([]types.ObjID, error) {
	var ids []types.ObjID
	err := sqlitex.Execute(conn, `SELECT obj_id FROM objects_to_delete ORDER BY queued_at LIMIT :limit`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":limit": int64(limit)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, types.ObjID(stmt.GetInt64("obj_id")))
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("DequeueObjectsToDelete", err)
	}
	for _, id := range ids {
		if err := sqlitex.Execute(conn, `DELETE FROM objects_to_delete WHERE obj_id = :id`,
			&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id)}}); err != nil {
			return nil, wrapExecErr("DequeueObjectsToDelete", err)
		}
	}
	return ids, nil
}

// CountObjectsToDelete reports the current depth of the deferred-delete
// queue, the closest analog this system has to an "upload queue depth"
// gauge since block content is uploaded synchronously in Store.
func (s *Store) CountObjectsToDelete(conn *sqlite.Conn) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn, `SELECT COUNT(*) AS n FROM objects_to_delete`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.GetInt64("n")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("CountObjectsToDelete", err)
	}
	return count, nil
}
