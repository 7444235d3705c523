package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/s3ql-go/s3ql/pkg/types"
)

// ListAllInodes returns every inode ID in the database, used by fsck
// to walk the full inode table.
func (s *Store) ListAllInodes(conn *sqlite.Conn) ([]types.InodeID, error) {
	var ids []types.InodeID
	err := sqlitex.Execute(conn, `SELECT id FROM inodes`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, types.InodeID(stmt.GetInt64("id")))
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ListAllInodes", err)
	}
	return ids, nil
}

// ListAllBlocks returns every block row, used by fsck to cross-check
// refcounts against the actual inode_blocks reference count.
func (s *Store) ListAllBlocks(conn *sqlite.Conn) ([]types.Block, error) {
	var blocks []types.Block
	err := sqlitex.Execute(conn, `SELECT id, hash, refcount, size, obj_id FROM blocks`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				b := types.Block{
					ID:       types.BlockID(stmt.GetInt64("id")),
					Refcount: uint32(stmt.GetInt64("refcount")),
					Size:     stmt.GetInt64("size"),
					ObjID:    types.ObjID(stmt.GetInt64("obj_id")),
				}
				stmt.GetBytes("hash", b.Hash[:])
				blocks = append(blocks, b)
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ListAllBlocks", err)
	}
	return blocks, nil
}

// CountDirEntries counts how many directory entries name inode as
// their child, the ground truth fsck compares each inode's stored
// refcount against.
func (s *Store) CountDirEntries(conn *sqlite.Conn, inode types.InodeID) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn, `SELECT COUNT(*) AS n FROM contents WHERE inode = :inode`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":inode": int64(inode)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.GetInt64("n")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("CountDirEntries", err)
	}
	return count, nil
}

// CountInodeBlockRefs counts how many inode_blocks rows point at
// blockID, the ground truth fsck compares a block's stored refcount
// against.
func (s *Store) CountInodeBlockRefs(conn *sqlite.Conn, blockID types.BlockID) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn, `SELECT COUNT(*) AS n FROM inode_blocks WHERE block_id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(blockID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.GetInt64("n")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("CountInodeBlockRefs", err)
	}
	return count, nil
}

// CountBlocksForObject counts how many blocks rows point at objID,
// the ground truth fsck compares an object's stored refcount against.
// Under the one-object-per-block bijection this is always 0 or 1.
func (s *Store) CountBlocksForObject(conn *sqlite.Conn, objID types.ObjID) (int64, error) {
	var count int64
	err := sqlitex.Execute(conn, `SELECT COUNT(*) AS n FROM blocks WHERE obj_id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(objID)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.GetInt64("n")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("CountBlocksForObject", err)
	}
	return count, nil
}

// SetInodeRefcount forcibly overwrites an inode's refcount, used by
// fsck to repair drift detected against the directory entry count.
func (s *Store) SetInodeRefcount(conn *sqlite.Conn, id types.InodeID, refcount uint32) error {
	err := sqlitex.Execute(conn, `UPDATE inodes SET refcount = :refcount WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id), ":refcount": int64(refcount)}})
	return wrapExecErr("SetInodeRefcount", err)
}

// SetBlockRefcount forcibly overwrites a block's refcount, used by
// fsck to repair drift detected against the inode_blocks reference
// count.
func (s *Store) SetBlockRefcount(conn *sqlite.Conn, id types.BlockID, refcount uint32) error {
	err := sqlitex.Execute(conn, `UPDATE blocks SET refcount = :refcount WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id), ":refcount": int64(refcount)}})
	return wrapExecErr("SetBlockRefcount", err)
}

// SetObjectRefcount forcibly overwrites an object's refcount, used by
// fsck to repair drift against the number of blocks rows pointing at
// the object.
func (s *Store) SetObjectRefcount(conn *sqlite.Conn, id types.ObjID, refcount uint32) error {
	err := sqlitex.Execute(conn, `UPDATE objects SET refcount = :refcount WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id), ":refcount": int64(refcount)}})
	return wrapExecErr("SetObjectRefcount", err)
}
