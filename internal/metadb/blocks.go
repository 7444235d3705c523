package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// FindBlockByHash looks up an existing block by content hash, for
// dedup at write time.
func (s *Store) FindBlockByHash(conn *sqlite.Conn, hash [32]byte) (*types.Block, error) {
	var found *types.Block
	err := sqlitex.Execute(conn, `
		SELECT id, hash, refcount, size, obj_id FROM blocks WHERE hash = :hash`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":hash": hash[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b := &types.Block{
					ID:       types.BlockID(stmt.GetInt64("id")),
					Refcount: uint32(stmt.GetInt64("refcount")),
					Size:     stmt.GetInt64("size"),
					ObjID:    types.ObjID(stmt.GetInt64("obj_id")),
				}
				stmt.GetBytes("hash", b.Hash[:])
				found = b
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("FindBlockByHash", err)
	}
	return found, nil
}

// CreateBlock inserts a new block row referencing objID.
func (s *Store) CreateBlock(conn *sqlite.Conn, hash [32]byte, size int64, objID types.ObjID) (types.BlockID, error) {
	err := sqlitex.Execute(conn, `
		INSERT INTO blocks (hash, refcount, size, obj_id) VALUES (:hash, 1, :size, :obj_id)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":hash":   hash[:],
			":size":   size,
			":obj_id": int64(objID),
		}})
	if err != nil {
		return 0, wrapExecErr("CreateBlock", err)
	}
	return types.BlockID(conn.LastInsertRowID()), nil
}

// IncBlockRefcount adjusts a block's refcount by delta and returns
// the new value.
func (s *Store) IncBlockRefcount(conn *sqlite.Conn, id types.BlockID, delta int64) (uint32, error) {
	var newCount int64
	err := sqlitex.Execute(conn, `
		UPDATE blocks SET refcount = refcount + :delta WHERE id = :id RETURNING refcount`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(id), ":delta": delta},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				newCount = stmt.GetInt64("refcount")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("IncBlockRefcount", err)
	}
	return uint32(newCount), nil
}

// GetBlock fetches a block by ID.
func (s *Store) GetBlock(conn *sqlite.Conn, id types.BlockID) (*types.Block, error) {
	var found *types.Block
	err := sqlitex.Execute(conn, `SELECT id, hash, refcount, size, obj_id FROM blocks WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b := &types.Block{
					ID:       types.BlockID(stmt.GetInt64("id")),
					Refcount: uint32(stmt.GetInt64("refcount")),
					Size:     stmt.GetInt64("size"),
					ObjID:    types.ObjID(stmt.GetInt64("obj_id")),
				}
				stmt.GetBytes("hash", b.Hash[:])
				found = b
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("GetBlock", err)
	}
	if found == nil {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "GetBlock", "no such block")
	}
	return found, nil
}

// DeleteBlock removes a block row once its refcount has reached zero.
func (s *Store) DeleteBlock(conn *sqlite.Conn, id types.BlockID) error {
	err := sqlitex.Execute(conn, `DELETE FROM blocks WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id)}})
	return wrapExecErr("DeleteBlock", err)
}

// SetInodeBlock maps (inode, blockno) to blockID, replacing any
// existing mapping (a copy-on-write rewrite of that block position).
func (s *Store) SetInodeBlock(conn *sqlite.Conn, inode types.InodeID, blockno int64, blockID types.BlockID) error {
	err := sqlitex.Execute(conn, `
		INSERT INTO inode_blocks (inode, blockno, block_id) VALUES (:inode, :blockno, :block_id)
		ON CONFLICT(inode, blockno) DO UPDATE SET block_id = excluded.block_id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":inode":    int64(inode),
			":blockno":  blockno,
			":block_id": int64(blockID),
		}})
	return wrapExecErr("SetInodeBlock", err)
}

// GetInodeBlock returns the block ID stored at (inode, blockno), or
// ok=false if that block position has never been written (a hole).
func (s *Store) GetInodeBlock(conn *sqlite.Conn, inode types.InodeID, blockno int64) (id types.BlockID, ok bool, err error) {
	err = sqlitex.Execute(conn, `SELECT block_id FROM inode_blocks WHERE inode = :inode AND blockno = :blockno`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":inode": int64(inode), ":blockno": blockno},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = types.BlockID(stmt.GetInt64("block_id"))
				ok = true
				return nil
			},
		})
	if err != nil {
		return 0, false, wrapExecErr("GetInodeBlock", err)
	}
	return id, ok, nil
}

// RemoveInodeBlock deletes the (inode, blockno) mapping, used when
// truncating a file shorter.
func (s *Store) RemoveInodeBlock(conn *sqlite.Conn, inode types.InodeID, blockno int64) error {
	err := sqlitex.Execute(conn, `DELETE FROM inode_blocks WHERE inode = :inode AND blockno = :blockno`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":inode": int64(inode), ":blockno": blockno}})
	return wrapExecErr("RemoveInodeBlock", err)
}

// ListInodeBlocks returns every (blockno, block_id) pair for inode in
// ascending block order.
func (s *Store) ListInodeBlocks(conn *sqlite.Conn, inode types.InodeID) ([]types.InodeBlock, error) {
	var out []types.InodeBlock
	err := sqlitex.Execute(conn, `SELECT blockno, block_id FROM inode_blocks WHERE inode = :inode ORDER BY blockno`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":inode": int64(inode)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, types.InodeBlock{
					Inode:   inode,
					BlockNo: stmt.GetInt64("blockno"),
					BlockID: types.BlockID(stmt.GetInt64("block_id")),
				})
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ListInodeBlocks", err)
	}
	return out, nil
}
