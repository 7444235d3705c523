package metaupload

import (
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

// vacuumInto runs SQLite's VACUUM INTO against path, producing a
// self-contained, defragmented, transactionally consistent copy of
// the database in a single step. VACUUM INTO does not accept a bound
// parameter for its target filename, so the path is quoted inline;
// path is always one this package generates itself, never
// user-supplied.
func vacuumInto(conn *sqlite.Conn, path string) error {
	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(path, "'", "''"))
	if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "vacuumInto", err)
	}
	return nil
}

// walCheckpointRestart forces every WAL frame back into the main
// database file and truncates the WAL, matching the checkpoint
// discipline the original implementation runs before rotating backups
// (PRAGMA wal_checkpoint(TRUNCATE): a RESTART checkpoint that also
// truncates the WAL file to zero bytes).
func walCheckpointRestart(conn *sqlite.Conn) error {
	err := sqlitex.Execute(conn, "PRAGMA wal_checkpoint(TRUNCATE)", &sqlitex.ExecOptions{})
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "walCheckpointRestart", err)
	}
	return nil
}
