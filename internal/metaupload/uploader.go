package metaupload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

const (
	// snapshotKey is the backend key the full metadata snapshot lives
	// under. Older snapshots are rotated to snapshotKey+"_bak0" through
	// "_bak9" rather than deleted outright.
	snapshotKey  = "s3ql_metadata"
	backupSlots  = 10
	deltaPrefix  = "s3ql_metadata_delta_"
	metaObjectID = 0
)

// Uploader owns the two metadata backup cadences: full VACUUM INTO
// snapshots and incremental WAL-byte deltas.
type Uploader struct {
	store   *metadb.Store
	codec   *codec.Codec
	backend types.Backend
	workDir string
	logger  *slog.Logger

	mu        sync.Mutex
	walOffset int64
	deltaSeq  int
}

// Config carries an Uploader's collaborators.
type Config struct {
	Store   *metadb.Store
	Codec   *codec.Codec
	Backend types.Backend
	// WorkDir holds the temporary file VACUUM INTO writes to. Must be
	// on the same filesystem as the metadata database for VACUUM INTO
	// to avoid a slow cross-device copy.
	WorkDir string
	Logger  *slog.Logger
}

// New builds an Uploader.
func New(cfg Config) *Uploader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Uploader{
		store:   cfg.Store,
		codec:   cfg.Codec,
		backend: cfg.Backend,
		workDir: cfg.WorkDir,
		logger:  logger,
	}
}

// walPath is the WAL file SQLite maintains alongside the main database
// file when running in journal_mode=WAL.
func (u *Uploader) walPath() string {
	return u.store.Path() + "-wal"
}

// FullSnapshot takes an atomic VACUUM INTO snapshot of the metadata
// database, encodes it through the object codec, rotates the previous
// snapshot into the ten backup slots, and uploads the new snapshot as s3ql_metadata. It
// also checkpoints the WAL and resets delta tracking, since the full
// snapshot already captures everything the deltas would have replayed.
func (u *Uploader) FullSnapshot(ctx context.Context) error {
	tmpPath := filepath.Join(u.workDir, fmt.Sprintf("s3ql-snapshot-%d.sqlite", os.Getpid()))
	defer os.Remove(tmpPath)

	if err := u.store.WithWriter(func(conn *sqlite.Conn) error {
		return vacuumInto(conn, tmpPath)
	}); err != nil {
		return err
	}

	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "FullSnapshot", err)
	}
	encoded, err := u.codec.Encode(metaObjectID, raw)
	if err != nil {
		return err
	}

	if err := u.rotateBackups(ctx); err != nil {
		return err
	}
	if err := u.backend.Put(ctx, snapshotKey, bytes.NewReader(encoded), nil); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "FullSnapshot", err)
	}

	if err := u.checkpointAndResetDeltas(ctx); err != nil {
		return err
	}

	u.logger.Info("uploaded full metadata snapshot", "bytes", len(raw))
	return nil
}

// rotateBackups shifts s3ql_metadata_bak0..8 to bak1..9 (discarding the
// former bak9) and moves the current s3ql_metadata to bak0, making
// room for the snapshot about to be uploaded.
func (u *Uploader) rotateBackups(ctx context.Context) error {
	if _, err := u.backend.Lookup(ctx, snapshotKey); err != nil {
		// Nothing to rotate on a fresh filesystem.
		return nil
	}
	for i := backupSlots - 2; i >= 0; i-- {
		src := backupKey(i)
		if _, err := u.backend.Lookup(ctx, src); err != nil {
			continue
		}
		if err := u.backend.Rename(ctx, src, backupKey(i+1)); err != nil {
			return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "rotateBackups", err)
		}
	}
	if err := u.backend.Rename(ctx, snapshotKey, backupKey(0)); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "rotateBackups", err)
	}
	return nil
}

func backupKey(slot int) string {
	return fmt.Sprintf("%s_bak%d", snapshotKey, slot)
}

// checkpointAndResetDeltas forces SQLite to fold the WAL back into the
// main database file, deletes any delta objects made obsolete by the
// snapshot just uploaded, and resets the byte offset delta tracking
// starts from.
func (u *Uploader) checkpointAndResetDeltas(ctx context.Context) error {
	if err := u.store.WithWriter(func(conn *sqlite.Conn) error {
		return walCheckpointRestart(conn)
	}); err != nil {
		return err
	}

	keys, errc := u.backend.List(ctx, deltaPrefix)
	var toDelete []string
	for k := range keys {
		toDelete = append(toDelete, k)
	}
	if err := <-errc; err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "checkpointAndResetDeltas", err)
	}
	for _, k := range toDelete {
		if err := u.backend.Delete(ctx, k); err != nil {
			u.logger.Warn("failed to delete obsolete metadata delta", "key", k, "error", err)
		}
	}

	u.mu.Lock()
	u.walOffset = 0
	u.deltaSeq = 0
	u.mu.Unlock()
	return nil
}

// DeltaUpload uploads whatever WAL bytes have accumulated since the
// last DeltaUpload or FullSnapshot call as a new numbered delta
// object. It is a no-op if nothing has changed. Intended to be called
// periodically between full snapshots (§4.7).
func (u *Uploader) DeltaUpload(ctx context.Context) error {
	u.mu.Lock()
	offset := u.walOffset
	seq := u.deltaSeq
	u.mu.Unlock()

	f, err := os.Open(u.walPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "DeltaUpload", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "DeltaUpload", err)
	}
	if info.Size() <= offset {
		return nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "DeltaUpload", err)
	}
	chunk, err := io.ReadAll(f)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "DeltaUpload", err)
	}

	encoded, err := u.codec.Encode(metaObjectID+uint64(seq)+1, chunk)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%06d", deltaPrefix, seq)
	if err := u.backend.Put(ctx, key, bytes.NewReader(encoded), nil); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "DeltaUpload", err)
	}

	u.mu.Lock()
	u.walOffset = info.Size()
	u.deltaSeq = seq + 1
	u.mu.Unlock()

	u.logger.Info("uploaded metadata delta", "key", key, "bytes", len(chunk))
	return nil
}

// Restore downloads the newest full snapshot and every delta uploaded
// since it, and writes them to dbPath and dbPath+"-wal" respectively
// so that the next metadb.Open replays the WAL automatically.
func Restore(ctx context.Context, backend types.Backend, c *codec.Codec, dbPath string) error {
	rc, err := backend.Get(ctx, snapshotKey)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "Restore", err)
	}
	encoded, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "Restore", err)
	}
	raw, err := c.Decode(metaObjectID, encoded)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dbPath, raw, 0o600); err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "Restore", err)
	}

	keys, errc := backend.List(ctx, deltaPrefix)
	var seqs []string
	for k := range keys {
		seqs = append(seqs, k)
	}
	if err := <-errc; err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "Restore", err)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return deltaSeqOf(seqs[i]) < deltaSeqOf(seqs[j])
	})

	if len(seqs) == 0 {
		return nil
	}

	walFile, err := os.OpenFile(dbPath+"-wal", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "Restore", err)
	}
	defer walFile.Close()

	for i, key := range seqs {
		rc, err := backend.Get(ctx, key)
		if err != nil {
			return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "Restore", err)
		}
		encoded, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "metaupload", "Restore", err)
		}
		chunk, err := c.Decode(metaObjectID+uint64(i)+1, encoded)
		if err != nil {
			return err
		}
		if _, err := walFile.Write(chunk); err != nil {
			return s3errors.Wrap(s3errors.ErrCodeCorruption, "metaupload", "Restore", err)
		}
	}
	return nil
}

func deltaSeqOf(key string) int {
	s := strings.TrimPrefix(key, deltaPrefix)
	n, _ := strconv.Atoi(s)
	return n
}
