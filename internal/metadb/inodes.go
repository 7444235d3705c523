package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// CreateInode inserts a new inode row and returns its assigned ID.
// Must be called with the writer connection (see WithWriter).
func (s *Store) CreateInode(conn *sqlite.Conn, in types.Inode) (types.InodeID, error) {
	err := sqlitex.Execute(conn, `
		INSERT INTO inodes (mode, uid, gid, size, atime, mtime, ctime, refcount, locked, rdev)
		VALUES (:mode, :uid, :gid, :size, :atime, :mtime, :ctime, :refcount, :locked, :rdev)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":mode":     int64(in.Mode),
			":uid":      int64(in.UID),
			":gid":      int64(in.GID),
			":size":     in.Size,
			":atime":    timeToUnix(in.Atime),
			":mtime":    timeToUnix(in.Mtime),
			":ctime":    timeToUnix(in.Ctime),
			":refcount": int64(in.Refcount),
			":locked":   boolToInt(in.Locked),
			":rdev":     int64(in.Rdev),
		}})
	if err != nil {
		return 0, wrapExecErr("CreateInode", err)
	}
	return types.InodeID(conn.LastInsertRowID()), nil
}

// GetInode fetches an inode by ID, or ErrCodeInvalidArgument if absent.
func (s *Store) GetInode(conn *sqlite.Conn, id types.InodeID) (*types.Inode, error) {
	var found *types.Inode
	err := sqlitex.Execute(conn, `
		SELECT id, mode, uid, gid, size, atime, mtime, ctime, refcount, locked, rdev
		FROM inodes WHERE id = :id`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":id": int64(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &types.Inode{
					ID:       types.InodeID(stmt.GetInt64("id")),
					Mode:     uint32(stmt.GetInt64("mode")),
					UID:      uint32(stmt.GetInt64("uid")),
					GID:      uint32(stmt.GetInt64("gid")),
					Size:     stmt.GetInt64("size"),
					Atime:    unixToTime(stmt.GetInt64("atime")),
					Mtime:    unixToTime(stmt.GetInt64("mtime")),
					Ctime:    unixToTime(stmt.GetInt64("ctime")),
					Refcount: uint32(stmt.GetInt64("refcount")),
					Locked:   stmt.GetInt64("locked") != 0,
					Rdev:     uint64(stmt.GetInt64("rdev")),
				}
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("GetInode", err)
	}
	if found == nil {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "GetInode", "no such inode")
	}
	return found, nil
}

// UpdateInode overwrites every mutable field of an existing inode row.
func (s *Store) UpdateInode(conn *sqlite.Conn, in types.Inode) error {
	err := sqlitex.Execute(conn, `
		UPDATE inodes SET mode=:mode, uid=:uid, gid=:gid, size=:size,
			atime=:atime, mtime=:mtime, ctime=:ctime, refcount=:refcount,
			locked=:locked, rdev=:rdev
		WHERE id=:id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":id":       int64(in.ID),
			":mode":     int64(in.Mode),
			":uid":      int64(in.UID),
			":gid":      int64(in.GID),
			":size":     in.Size,
			":atime":    timeToUnix(in.Atime),
			":mtime":    timeToUnix(in.Mtime),
			":ctime":    timeToUnix(in.Ctime),
			":refcount": int64(in.Refcount),
			":locked":   boolToInt(in.Locked),
			":rdev":     int64(in.Rdev),
		}})
	return wrapExecErr("UpdateInode", err)
}

// DeleteInode removes an inode row outright. Callers must have
// already verified refcount has reached zero and all inode_blocks
// rows for it have been released.
func (s *Store) DeleteInode(conn *sqlite.Conn, id types.InodeID) error {
	err := sqlitex.Execute(conn, `DELETE FROM inodes WHERE id = :id`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":id": int64(id)}})
	return wrapExecErr("DeleteInode", err)
}

// internName returns the name_id for name, inserting it into the
// names table if it isn't already interned.
func (s *Store) internName(conn *sqlite.Conn, name string) (int64, error) {
	var id int64
	err := sqlitex.Execute(conn, `SELECT id FROM names WHERE name = :name`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":name": []byte(name)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.GetInt64("id")
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("internName", err)
	}
	if id != 0 {
		return id, nil
	}

	err = sqlitex.Execute(conn, `INSERT INTO names (name) VALUES (:name)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{":name": []byte(name)}})
	if err != nil {
		return 0, wrapExecErr("internName", err)
	}
	return conn.LastInsertRowID(), nil
}

// Link inserts a directory entry (parent, name) -> child.
func (s *Store) Link(conn *sqlite.Conn, parent types.InodeID, name string, child types.InodeID) error {
	nameID, err := s.internName(conn, name)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO contents (parent_inode, name_id, inode) VALUES (:parent, :name_id, :inode)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":parent":  int64(parent),
			":name_id": nameID,
			":inode":   int64(child),
		}})
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeInvalidArgument, "metadb", "Link", err)
	}
	return nil
}

// Unlink removes a directory entry.
func (s *Store) Unlink(conn *sqlite.Conn, parent types.InodeID, name string) error {
	err := sqlitex.Execute(conn, `
		DELETE FROM contents WHERE parent_inode = :parent AND name_id = (
			SELECT id FROM names WHERE name = :name)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":parent": int64(parent),
			":name":   []byte(name),
		}})
	return wrapExecErr("Unlink", err)
}

// Lookup resolves (parent, name) to a child inode ID.
func (s *Store) Lookup(conn *sqlite.Conn, parent types.InodeID, name string) (types.InodeID, error) {
	var found types.InodeID
	err := sqlitex.Execute(conn, `
		SELECT c.inode AS inode FROM contents c
		JOIN names n ON n.id = c.name_id
		WHERE c.parent_inode = :parent AND n.name = :name`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{
				":parent": int64(parent),
				":name":   []byte(name),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = types.InodeID(stmt.GetInt64("inode"))
				return nil
			},
		})
	if err != nil {
		return 0, wrapExecErr("Lookup", err)
	}
	if found == 0 {
		return 0, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "Lookup", "no such entry")
	}
	return found, nil
}

// ReadDir lists every directory entry under parent.
func (s *Store) ReadDir(conn *sqlite.Conn, parent types.InodeID) ([]types.DirEntry, error) {
	var entries []types.DirEntry
	err := sqlitex.Execute(conn, `
		SELECT n.name AS name, c.inode AS inode FROM contents c
		JOIN names n ON n.id = c.name_id
		WHERE c.parent_inode = :parent
		ORDER BY n.name`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":parent": int64(parent)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				name := make([]byte, stmt.GetLen("name"))
				stmt.GetBytes("name", name)
				entries = append(entries, types.DirEntry{
					Parent: parent,
					Name:   string(name),
					Child:  types.InodeID(stmt.GetInt64("inode")),
				})
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ReadDir", err)
	}
	return entries, nil
}

// ParentOf returns the directory that names inode as a child, used to
// walk an inode's ancestor chain (Rename's own-descendant check).
// Directories have exactly one parent since they cannot be hardlinked;
// callers should not rely on this for regular files, which may have
// several.
func (s *Store) ParentOf(conn *sqlite.Conn, inode types.InodeID) (types.InodeID, bool, error) {
	var parent types.InodeID
	found := false
	err := sqlitex.Execute(conn, `SELECT parent_inode FROM contents WHERE inode = :inode LIMIT 1`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":inode": int64(inode)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parent = types.InodeID(stmt.GetInt64("parent_inode"))
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, false, wrapExecErr("ParentOf", err)
	}
	return parent, found, nil
}

// Rename moves a directory entry from (oldParent, oldName) to
// (newParent, newName), overwriting any existing entry at the
// destination (the caller is responsible for having already reclaimed
// the inode that entry pointed to, per POSIX rename semantics).
func (s *Store) Rename(conn *sqlite.Conn, oldParent types.InodeID, oldName string, newParent types.InodeID, newName string) error {
	child, err := s.Lookup(conn, oldParent, oldName)
	if err != nil {
		return err
	}
	if err := s.Unlink(conn, oldParent, oldName); err != nil {
		return err
	}
	_ = s.Unlink(conn, newParent, newName)
	return s.Link(conn, newParent, newName, child)
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
