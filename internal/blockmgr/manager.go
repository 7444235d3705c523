// Package blockmgr implements the block manager: the layer that turns
// a plaintext block into a deduplicated, encoded backend object and
// back, and that owns the deferred-delete queue for objects whose
// refcount has reached zero.
package blockmgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/internal/cache"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// Manager coordinates the metadata store, the local block cache, the
// object codec, and the backend to implement Store/Fetch/Release
// (§4.4).
type Manager struct {
	store   *metadb.Store
	cache   *cache.BlockCache
	codec   *codec.Codec
	backend types.Backend
	metrics types.MetricsCollector
	logger  *slog.Logger
}

// Config carries the collaborators a Manager is built from.
type Config struct {
	Store   *metadb.Store
	Cache   *cache.BlockCache
	Codec   *codec.Codec
	Backend types.Backend
	Metrics types.MetricsCollector
	Logger  *slog.Logger
}

// New builds a Manager from its collaborators.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		store:   cfg.Store,
		cache:   cfg.Cache,
		codec:   cfg.Codec,
		backend: cfg.Backend,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// objectKey is the backend key an object's ciphertext is stored
// under (§6).
func objectKey(id types.ObjID) string {
	return fmt.Sprintf("s3ql_data_%d", uint64(id))
}

// ObjectKey exposes objectKey to other packages (fsck's backend/table
// reconciliation) that need the same key scheme without duplicating
// it.
func ObjectKey(id types.ObjID) string {
	return objectKey(id)
}

// Store persists plaintext content for one (inode, blockno) position,
// deduplicating against any existing block with the same content
// hash. conn must be the writer connection, held under the caller's
// metadata lock. Returns the block ID now mapped at that position.
func (m *Manager) Store(ctx context.Context, conn *sqlite.Conn, inode types.InodeID, blockno int64, data []byte) (types.BlockID, error) {
	hash := codec.Hash(data)

	existing, err := m.store.FindBlockByHash(conn, hash)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		// A dedup hit reuses the existing block; it does not create a
		// new block row, so the one-object-per-block object refcount
		// stays at 1. Only the block's own refcount grows.
		if _, err := m.store.IncBlockRefcount(conn, existing.ID, 1); err != nil {
			return 0, err
		}
		if err := m.replaceInodeBlock(conn, inode, blockno, existing.ID); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}

	objID, err := m.store.CreateObject(conn, hash, 0, int64(len(data)))
	if err != nil {
		return 0, err
	}

	encoded, err := m.codec.Encode(uint64(objID), data)
	if err != nil {
		return 0, err
	}
	if err := m.backend.Put(ctx, objectKey(objID), bytes.NewReader(encoded), nil); err != nil {
		return 0, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "blockmgr", "Store", err)
	}
	if err := m.store.UpdateObjectPhysSize(conn, objID, int64(len(encoded))); err != nil {
		return 0, err
	}

	blockID, err := m.store.CreateBlock(conn, hash, int64(len(data)), objID)
	if err != nil {
		return 0, err
	}
	if err := m.cache.WaitForRoom(ctx, int64(len(data))); err != nil {
		return 0, err
	}
	if err := m.cache.Write(blockID, data); err != nil {
		return 0, err
	}
	// The backend Put above already succeeded, so immediately walk
	// the cache entry from dirty through uploading to clean rather
	// than leaving it dirty for a background uploader to redo work
	// that already happened.
	if _, err := m.cache.BeginUpload(blockID); err != nil {
		return 0, err
	}
	m.cache.AckUpload(blockID)

	if err := m.replaceInodeBlock(conn, inode, blockno, blockID); err != nil {
		return 0, err
	}
	return blockID, nil
}

// replaceInodeBlock points (inode, blockno) at newBlockID, releasing
// whatever block previously occupied that position.
func (m *Manager) replaceInodeBlock(conn *sqlite.Conn, inode types.InodeID, blockno int64, newBlockID types.BlockID) error {
	old, ok, err := m.store.GetInodeBlock(conn, inode, blockno)
	if err != nil {
		return err
	}
	if err := m.store.SetInodeBlock(conn, inode, blockno, newBlockID); err != nil {
		return err
	}
	if ok {
		return m.releaseBlockLocked(conn, old)
	}
	return nil
}

// Fetch returns the plaintext content stored at (inode, blockno), or
// a hole-shaped zero-length result if that position has never been
// written.
func (m *Manager) Fetch(ctx context.Context, conn *sqlite.Conn, inode types.InodeID, blockno int64) ([]byte, error) {
	blockID, ok, err := m.store.GetInodeBlock(conn, inode, blockno)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	block, err := m.store.GetBlock(conn, blockID)
	if err != nil {
		return nil, err
	}

	return m.cache.Fetch(ctx, blockID, func(ctx context.Context) ([]byte, error) {
		return m.downloadAndDecode(ctx, block)
	})
}

func (m *Manager) downloadAndDecode(ctx context.Context, block *types.Block) ([]byte, error) {
	rc, err := m.backend.Get(ctx, objectKey(block.ObjID))
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "blockmgr", "Fetch", err)
	}
	defer rc.Close()

	encoded, err := io.ReadAll(rc)
	if err != nil {
		return nil, s3errors.Wrap(s3errors.ErrCodeTransientBackend, "blockmgr", "Fetch", err)
	}

	plaintext, err := m.codec.Decode(uint64(block.ObjID), encoded)
	if err != nil {
		return nil, err
	}
	if codec.Hash(plaintext) != block.Hash {
		return nil, s3errors.New(s3errors.ErrCodeChecksumMismatch, "blockmgr", "Fetch", "decoded content does not match stored hash")
	}
	return plaintext, nil
}

// Release drops the (inode, blockno) mapping and decrements the
// underlying block's refcount, queuing its object for deletion once
// the refcount reaches zero.
func (m *Manager) Release(conn *sqlite.Conn, inode types.InodeID, blockno int64) error {
	blockID, ok, err := m.store.GetInodeBlock(conn, inode, blockno)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := m.store.RemoveInodeBlock(conn, inode, blockno); err != nil {
		return err
	}
	return m.releaseBlockLocked(conn, blockID)
}

func (m *Manager) releaseBlockLocked(conn *sqlite.Conn, blockID types.BlockID) error {
	block, err := m.store.GetBlock(conn, blockID)
	if err != nil {
		return err
	}
	newCount, err := m.store.IncBlockRefcount(conn, blockID, -1)
	if err != nil {
		return err
	}
	if newCount > 0 {
		return nil
	}

	if err := m.store.DeleteBlock(conn, blockID); err != nil {
		return err
	}
	m.cache.Remove(blockID)

	objCount, err := m.store.IncObjectRefcount(conn, block.ObjID, -1)
	if err != nil {
		return err
	}
	if objCount > 0 {
		return nil
	}
	if err := m.store.QueueObjectDelete(conn, block.ObjID); err != nil {
		return err
	}
	m.reportQueueDepth(conn)
	return nil
}

// reportQueueDepth forwards the deferred-delete queue's current depth
// to the metrics collector, if one is configured. Failures reading the
// count are logged and otherwise ignored; a stale gauge reading is not
// worth failing the caller's operation over.
func (m *Manager) reportQueueDepth(conn *sqlite.Conn) {
	if m.metrics == nil {
		return
	}
	depth, err := m.store.CountObjectsToDelete(conn)
	if err != nil {
		m.logger.Warn("failed to read deferred-delete queue depth", "error", err)
		return
	}
	m.metrics.RecordUploadQueueDepth(int(depth))
}

// DrainDeletes pops up to limit queued object deletions and removes
// them from the backend, then from the metadata database. Intended to
// be called periodically by a background goroutine (§4.4).
func (m *Manager) DrainDeletes(ctx context.Context, limit int) (int, error) {
	var ids []types.ObjID
	err := m.store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		ids, err = m.store.DequeueObjectsToDelete(conn, limit)
		return err
	})
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, id := range ids {
		if err := m.backend.Delete(ctx, objectKey(id)); err != nil {
			m.logger.Warn("failed to delete backend object", "obj_id", uint64(id), "error", err)
			continue
		}
		if err := m.store.WithWriter(func(conn *sqlite.Conn) error {
			return m.store.DeleteObject(conn, id)
		}); err != nil {
			m.logger.Warn("failed to delete object row", "obj_id", uint64(id), "error", err)
			continue
		}
		drained++
	}

	if m.metrics != nil {
		_ = m.store.WithWriter(func(conn *sqlite.Conn) error {
			m.reportQueueDepth(conn)
			return nil
		})
	}
	return drained, nil
}
