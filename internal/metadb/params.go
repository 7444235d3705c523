package metadb

import (
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// SaveParams writes the mkfs-time parameters, replacing any existing
// row. There is always at most one row in the parameters table.
func (s *Store) SaveParams(conn *sqlite.Conn, p types.Params) error {
	if err := sqlitex.Execute(conn, `DELETE FROM parameters`, nil); err != nil {
		return wrapExecErr("SaveParams", err)
	}
	err := sqlitex.Execute(conn, `
		INSERT INTO parameters (label, fs_uuid, data_block_size, hash_algorithm)
		VALUES (:label, :fs_uuid, :data_block_size, :hash_algorithm)`,
		&sqlitex.ExecOptions{Named: map[string]interface{}{
			":label":           p.Label,
			":fs_uuid":         p.FSUUID,
			":data_block_size": p.DataBlockSize,
			":hash_algorithm":  p.HashAlgorithm,
		}})
	return wrapExecErr("SaveParams", err)
}

// LoadParams reads the mkfs-time parameters, or ErrCodeNotClean if
// the metadata database has never been initialized.
func (s *Store) LoadParams(conn *sqlite.Conn) (types.Params, error) {
	var found *types.Params
	err := sqlitex.Execute(conn, `SELECT label, fs_uuid, data_block_size, hash_algorithm FROM parameters LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = &types.Params{
					Label:         stmt.GetText("label"),
					FSUUID:        stmt.GetText("fs_uuid"),
					DataBlockSize: stmt.GetInt64("data_block_size"),
					HashAlgorithm: stmt.GetText("hash_algorithm"),
				}
				return nil
			},
		})
	if err != nil {
		return types.Params{}, wrapExecErr("LoadParams", err)
	}
	if found == nil {
		return types.Params{}, s3errors.New(s3errors.ErrCodeNotClean, "metadb", "LoadParams", "filesystem parameters not found")
	}
	return *found, nil
}
