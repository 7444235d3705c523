package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// SetXAttr sets or replaces an extended attribute value.
func (s *Store) SetXAttr(conn *sqlite.Conn, inode types.InodeID, name string, value []byte) error {
	nameID, err := s.internName(conn, name)
	if err != nil {
		return err
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO ext_attributes (inode, name_id, value) VALUES (:inode, :name_id, :value)
		ON CONFLICT(inode, name_id) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":inode":   int64(inode),
			":name_id": nameID,
			":value":   value,
		}})
	return wrapExecErr("SetXAttr", err)
}

// GetXAttr returns the value stored for name on inode.
func (s *Store) GetXAttr(conn *sqlite.Conn, inode types.InodeID, name string) ([]byte, error) {
	var value []byte
	found := false
	err := sqlitex.Execute(conn, `
		SELECT x.value AS value FROM ext_attributes x
		JOIN names n ON n.id = x.name_id
		WHERE x.inode = :inode AND n.name = :name`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{
				":inode": int64(inode),
				":name":  []byte(name),
			},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.GetLen("value"))
				stmt.GetBytes("value", value)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("GetXAttr", err)
	}
	if !found {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "GetXAttr", "no such attribute")
	}
	return value, nil
}

// ListXAttr returns every attribute name set on inode.
func (s *Store) ListXAttr(conn *sqlite.Conn, inode types.InodeID) ([]string, error) {
	var names []string
	err := sqlitex.Execute(conn, `
		SELECT n.name AS name FROM ext_attributes x
		JOIN names n ON n.id = x.name_id
		WHERE x.inode = :inode`,
		&sqlitex.ExecOptions{
			Named: map[string]interface{}{":inode": int64(inode)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				buf := make([]byte, stmt.GetLen("name"))
				stmt.GetBytes("name", buf)
				names = append(names, string(buf))
				return nil
			},
		})
	if err != nil {
		return nil, wrapExecErr("ListXAttr", err)
	}
	return names, nil
}

// RemoveXAttr deletes an extended attribute.
func (s *Store) RemoveXAttr(conn *sqlite.Conn, inode types.InodeID, name string) error {
	err := sqlitex.Execute(conn, `
		DELETE FROM ext_attributes WHERE inode = :inode AND name_id = (
			SELECT id FROM names WHERE name = :name)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":inode": int64(inode),
			":name":  []byte(name),
		}})
	return wrapExecErr("RemoveXAttr", err)
}
