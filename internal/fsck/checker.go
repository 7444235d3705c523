package fsck

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/internal/blockmgr"
	"github.com/s3ql-go/s3ql/internal/codec"
	"github.com/s3ql-go/s3ql/internal/metadb"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

const dataObjectPrefix = "s3ql_data_"
const lostAndFoundPrefix = "lost+found/"

// Report summarizes what a Run found and repaired.
type Report struct {
	InodeRefcountsFixed  int
	BlockRefcountsFixed  int
	ObjectRefcountsFixed int
	OrphanObjectsMoved   []string
	MissingObjects       []types.ObjID
	HashMismatches       []types.ObjID
}

func (r *Report) Clean() bool {
	return r.InodeRefcountsFixed == 0 && r.BlockRefcountsFixed == 0 &&
		r.ObjectRefcountsFixed == 0 && len(r.OrphanObjectsMoved) == 0 &&
		len(r.MissingObjects) == 0 && len(r.HashMismatches) == 0
}

// Checker walks the invariants the metadata store and block manager
// are expected to maintain and repairs the drift a crash mid-write
// can leave behind.
type Checker struct {
	store   *metadb.Store
	backend types.Backend
	codec   *codec.Codec
	logger  *slog.Logger
}

// Config carries a Checker's collaborators.
type Config struct {
	Store   *metadb.Store
	Backend types.Backend
	Codec   *codec.Codec
	Logger  *slog.Logger
}

// New builds a Checker.
func New(cfg Config) *Checker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Checker{store: cfg.Store, backend: cfg.Backend, codec: cfg.Codec, logger: logger}
}

// Run walks every invariant, repairs refcount drift, reconciles the
// backend's object listing against the objects table, and, when deep
// is true, re-downloads and re-verifies every object's stored hash.
func (c *Checker) Run(ctx context.Context, deep bool) (*Report, error) {
	report := &Report{}

	if err := c.store.WithWriter(func(conn *sqlite.Conn) error {
		if err := c.reconcileInodeRefcounts(conn, report); err != nil {
			return err
		}
		if err := c.reconcileBlockRefcounts(conn, report); err != nil {
			return err
		}
		return c.reconcileObjectRefcounts(conn, report)
	}); err != nil {
		return nil, err
	}

	if err := c.reconcileBackendObjects(ctx, report); err != nil {
		return nil, err
	}

	if deep {
		if err := c.verifyHashes(ctx, report); err != nil {
			return nil, err
		}
	}

	c.logger.Info("fsck complete",
		"inode_refcounts_fixed", report.InodeRefcountsFixed,
		"block_refcounts_fixed", report.BlockRefcountsFixed,
		"object_refcounts_fixed", report.ObjectRefcountsFixed,
		"orphans_moved", len(report.OrphanObjectsMoved),
		"missing_objects", len(report.MissingObjects),
		"hash_mismatches", len(report.HashMismatches),
	)
	return report, nil
}

// reconcileInodeRefcounts compares each inode's stored refcount
// against the actual number of directory entries naming it, repairing
// drift a crash between Link and UpdateInode could leave.
func (c *Checker) reconcileInodeRefcounts(conn *sqlite.Conn, report *Report) error {
	ids, err := c.store.ListAllInodes(conn)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == types.RootInodeID {
			continue
		}
		in, err := c.store.GetInode(conn, id)
		if err != nil {
			return err
		}
		actual, err := c.store.CountDirEntries(conn, id)
		if err != nil {
			return err
		}
		if actual == 0 || uint32(actual) == in.Refcount {
			continue
		}
		c.logger.Warn("inode refcount drift", "inode", uint64(id), "stored", in.Refcount, "actual", actual)
		if err := c.store.SetInodeRefcount(conn, id, uint32(actual)); err != nil {
			return err
		}
		report.InodeRefcountsFixed++
	}
	return nil
}

// reconcileBlockRefcounts compares each block's stored refcount
// against the actual number of inode_blocks rows referencing it.
func (c *Checker) reconcileBlockRefcounts(conn *sqlite.Conn, report *Report) error {
	blocks, err := c.store.ListAllBlocks(conn)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		actual, err := c.store.CountInodeBlockRefs(conn, b.ID)
		if err != nil {
			return err
		}
		if uint32(actual) != b.Refcount {
			c.logger.Warn("block refcount drift", "block", uint64(b.ID), "stored", b.Refcount, "actual", actual)
			if err := c.store.SetBlockRefcount(conn, b.ID, uint32(actual)); err != nil {
				return err
			}
			report.BlockRefcountsFixed++
		}
	}
	return nil
}

// reconcileObjectRefcounts compares each object's stored refcount
// against the number of blocks rows pointing at it (object.refcount
// = |{blocks : b.obj_id = o.id}|, §3/§8): always 0 or 1 under the
// one-object-per-block bijection, never the block's own refcount.
// This also catches objects a crash left with no referencing block at
// all, which reconcileBlockRefcounts can never see since it only
// walks the blocks table: those are queued for deletion here.
func (c *Checker) reconcileObjectRefcounts(conn *sqlite.Conn, report *Report) error {
	ids, err := c.store.ListObjectIDs(conn)
	if err != nil {
		return err
	}
	for _, id := range ids {
		obj, err := c.store.GetObject(conn, id)
		if err != nil {
			return err
		}
		actual, err := c.store.CountBlocksForObject(conn, id)
		if err != nil {
			return err
		}
		if uint32(actual) != obj.Refcount {
			c.logger.Warn("object refcount drift", "object", uint64(id), "stored", obj.Refcount, "actual", actual)
			if err := c.store.SetObjectRefcount(conn, id, uint32(actual)); err != nil {
				return err
			}
			report.ObjectRefcountsFixed++
		}
		if actual == 0 {
			c.logger.Warn("orphaned object queued for deletion", "object", uint64(id))
			if err := c.store.QueueObjectDelete(conn, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// reconcileBackendObjects lists every s3ql_data_ key at the backend
// and compares it against the objects table: keys with no matching
// row are moved under lost+found/ rather than deleted outright, and
// rows with no matching key are reported as missing.
func (c *Checker) reconcileBackendObjects(ctx context.Context, report *Report) error {
	var tableIDs map[types.ObjID]bool
	err := c.store.WithWriter(func(conn *sqlite.Conn) error {
		ids, err := c.store.ListObjectIDs(conn)
		if err != nil {
			return err
		}
		tableIDs = make(map[types.ObjID]bool, len(ids))
		for _, id := range ids {
			tableIDs[id] = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	keys, errc := c.backend.List(ctx, dataObjectPrefix)
	seen := make(map[types.ObjID]bool)
	for key := range keys {
		id, ok := parseDataObjectKey(key)
		if !ok {
			continue
		}
		seen[id] = true
		if tableIDs[id] {
			continue
		}
		dst := lostAndFoundPrefix + key
		if err := c.backend.Rename(ctx, key, dst); err != nil {
			c.logger.Warn("failed to move orphan object to lost+found", "key", key, "error", err)
			continue
		}
		report.OrphanObjectsMoved = append(report.OrphanObjectsMoved, key)
	}
	if err := <-errc; err != nil {
		return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "fsck", "reconcileBackendObjects", err)
	}

	for id := range tableIDs {
		if !seen[id] {
			report.MissingObjects = append(report.MissingObjects, id)
		}
	}
	return nil
}

// verifyHashes downloads and decodes every object in the table and
// checks its plaintext against the hash recorded on its owning block.
func (c *Checker) verifyHashes(ctx context.Context, report *Report) error {
	var blocks []types.Block
	err := c.store.WithWriter(func(conn *sqlite.Conn) error {
		var err error
		blocks, err = c.store.ListAllBlocks(conn)
		return err
	})
	if err != nil {
		return err
	}

	for _, b := range blocks {
		rc, err := c.backend.Get(ctx, blockmgr.ObjectKey(b.ObjID))
		if err != nil {
			report.MissingObjects = append(report.MissingObjects, b.ObjID)
			continue
		}
		encoded, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return s3errors.Wrap(s3errors.ErrCodeTransientBackend, "fsck", "verifyHashes", err)
		}

		plaintext, err := c.codec.Decode(uint64(b.ObjID), encoded)
		if err != nil {
			report.HashMismatches = append(report.HashMismatches, b.ObjID)
			continue
		}
		if codec.Hash(plaintext) != b.Hash {
			report.HashMismatches = append(report.HashMismatches, b.ObjID)
		}
	}
	return nil
}

func parseDataObjectKey(key string) (types.ObjID, bool) {
	if !strings.HasPrefix(key, dataObjectPrefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(key, dataObjectPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return types.ObjID(n), true
}
