// Package metadb implements the SQLite-backed metadata store: inodes,
// directory entries, extended attributes, blocks, objects, and the
// deferred-delete queue. A single writer connection is serialized by
// the Store's own writer mutex (the one global metadata lock); a small
// reader pool serves concurrent lookups that don't need the write
// lock.
package metadb

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
)

// Config carries the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file path. The reader pool opens the
	// same path, so it must name a file; ":memory:" would give each
	// reader its own empty database.
	Path string
	// ReaderPoolSize bounds the number of concurrent read connections.
	// If zero, defaults to max(runtime.NumCPU(), 4).
	ReaderPoolSize int
	Logger         *slog.Logger
}

// Store is the metadata database handle: one writer connection guarded
// by writerMu, plus a reader pool for concurrent non-write queries.
type Store struct {
	path string

	writerMu sync.Mutex
	writer   *sqlite.Conn

	readers *sqlitex.Pool

	logger *slog.Logger
}

// Open opens (creating if necessary) the metadata database at
// cfg.Path, applies the schema, and returns a ready Store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, s3errors.New(s3errors.ErrCodeInvalidArgument, "metadb", "Open", "path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	writer, err := sqlite.OpenConn(cfg.Path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "Open", err)
	}
	if err := applyPragmas(writer); err != nil {
		writer.Close()
		return nil, err
	}
	if err := sqlitex.ExecuteScript(writer, schema, nil); err != nil {
		writer.Close()
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "Open", err)
	}

	poolSize := cfg.ReaderPoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	readers, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: applyPragmas,
	})
	if err != nil {
		writer.Close()
		return nil, s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "Open", err)
	}

	logger.Info("metadata store opened", "path", cfg.Path, "reader_pool_size", poolSize)

	return &Store{path: cfg.Path, writer: writer, readers: readers, logger: logger}, nil
}

func applyPragmas(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "applyPragmas", err)
		}
	}
	return nil
}

// Close closes the writer connection and reader pool.
func (s *Store) Close() error {
	s.writerMu.Lock()
	werr := s.writer.Close()
	s.writerMu.Unlock()

	rerr := s.readers.Close()
	if werr != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "Close", werr)
	}
	if rerr != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", "Close", rerr)
	}
	return nil
}

// Path returns the database file path, used by the metadata uploader
// to open a VACUUM INTO snapshot.
func (s *Store) Path() string { return s.path }

// WithWriter runs fn holding the single writer connection. Its mutex
// is held for the whole of fn and is what serializes all metadata
// writers; callers hold no other lock around it.
func (s *Store) WithWriter(fn func(conn *sqlite.Conn) error) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return fn(s.writer)
}

// WithReader borrows a connection from the reader pool for the
// duration of fn.
func (s *Store) WithReader(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.readers.Take(ctx)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metadb", "WithReader", err)
	}
	defer s.readers.Put(conn)
	return fn(conn)
}

func nowUnix() int64 { return time.Now().Unix() }

func unixToTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func timeToUnix(t time.Time) int64 { return t.Unix() }

func wrapExecErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return s3errors.Wrap(s3errors.ErrCodeCorruption, "metadb", op, err)
}
