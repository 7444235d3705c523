// Package inode implements the pure translation layer between
// FUSE-shaped file operations and the block manager: offset<->blockno
// arithmetic, truncate, and the per-mount table of open file handles.
// It holds no state of its own beyond that handle table; everything
// else lives in the metadata store.
package inode

import (
	"context"
	"sync"

	"zombiezen.com/go/sqlite"

	"github.com/s3ql-go/s3ql/internal/blockmgr"
	"github.com/s3ql-go/s3ql/internal/metadb"
	s3errors "github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
)

// Layer wires the metadata store and block manager together and
// tracks open file handles.
type Layer struct {
	store     *metadb.Store
	blocks    *blockmgr.Manager
	blockSize int64

	mu            sync.Mutex
	handles       map[uint64]*handle
	nextFH        uint64
	pendingDelete map[types.InodeID]bool
}

// handle is one open-file-handle's bookkeeping: which inode it names.
// Each Open allocates its own handle, since FUSE may hand out several
// fds for the same inode; openCountLocked counts them per inode.
type handle struct {
	inode types.InodeID
}

// Config carries a Layer's collaborators.
type Config struct {
	Store     *metadb.Store
	Blocks    *blockmgr.Manager
	BlockSize int64
}

// New builds a Layer.
func New(cfg Config) *Layer {
	return &Layer{
		store:         cfg.Store,
		blocks:        cfg.Blocks,
		blockSize:     cfg.BlockSize,
		handles:       make(map[uint64]*handle),
		pendingDelete: make(map[types.InodeID]bool),
	}
}

// Open registers a new file handle for inode and returns its ID.
func (l *Layer) Open(inode types.InodeID) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextFH++
	fh := l.nextFH
	l.handles[fh] = &handle{inode: inode}
	return fh
}

// Release forgets a file handle. Releasing an unknown handle is a
// no-op, matching FUSE's tolerance of duplicate release calls. If the
// handle's inode was unlinked to a refcount of zero while this handle
// (or a sibling handle on the same inode) was still open, releasing
// the last such handle finally frees its blocks and deletes the row -
// the same "space freed when the last fd closes" behavior POSIX
// guarantees for unlink-while-open.
func (l *Layer) Release(fh uint64) {
	l.mu.Lock()
	h, ok := l.handles[fh]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.handles, fh)
	inode := h.inode
	shouldFinalize := l.pendingDelete[inode] && l.openCountLocked(inode) == 0
	if shouldFinalize {
		delete(l.pendingDelete, inode)
	}
	l.mu.Unlock()

	if shouldFinalize {
		_ = l.finalizeDelete(inode)
	}
}

func (l *Layer) openCountLocked(inode types.InodeID) int {
	n := 0
	for _, h := range l.handles {
		if h.inode == inode {
			n++
		}
	}
	return n
}

func (l *Layer) finalizeDelete(inode types.InodeID) error {
	return l.store.WithWriter(func(conn *sqlite.Conn) error {
		blocks, err := l.store.ListInodeBlocks(conn, inode)
		if err != nil {
			return err
		}
		for _, ib := range blocks {
			if err := l.blocks.Release(conn, inode, ib.BlockNo); err != nil {
				return err
			}
		}
		return l.store.DeleteInode(conn, inode)
	})
}

// InodeForHandle resolves a file handle to the inode it names.
func (l *Layer) InodeForHandle(fh uint64) (types.InodeID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[fh]
	if !ok {
		return 0, false
	}
	return h.inode, true
}

func (l *Layer) blockRange(offset, size int64) (firstBlock, lastBlock int64) {
	firstBlock = offset / l.blockSize
	lastBlock = (offset + size - 1) / l.blockSize
	return
}

// Read fills buf starting at offset from inode's content, returning
// the number of bytes actually read (short of len(buf) at EOF).
func (l *Layer) Read(ctx context.Context, inode types.InodeID, offset int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	var in *types.Inode
	err := l.store.WithReader(ctx, func(conn *sqlite.Conn) error {
		var err error
		in, err = l.store.GetInode(conn, inode)
		return err
	})
	if err != nil {
		return 0, err
	}
	if offset >= in.Size {
		return 0, nil
	}
	if offset+int64(len(buf)) > in.Size {
		buf = buf[:in.Size-offset]
	}

	total := 0
	for total < len(buf) {
		pos := offset + int64(total)
		blockno := pos / l.blockSize
		blockOff := pos % l.blockSize
		n := len(buf) - total
		if room := int(l.blockSize - blockOff); n > room {
			n = room
		}

		var content []byte
		err := l.store.WithWriter(func(conn *sqlite.Conn) error {
			var err error
			content, err = l.blocks.Fetch(ctx, conn, inode, blockno)
			return err
		})
		if err != nil {
			return total, err
		}

		if content == nil {
			for i := 0; i < n; i++ {
				buf[total+i] = 0
			}
		} else {
			end := int(blockOff) + n
			if end > len(content) {
				end = len(content)
			}
			copied := copy(buf[total:total+n], content[blockOff:end])
			for i := copied; i < n; i++ {
				buf[total+i] = 0
			}
		}
		total += n
	}
	return total, nil
}

// Write stores data at offset into inode's content, growing the
// inode's recorded size if the write extends past the current end,
// and returns the number of bytes written.
func (l *Layer) Write(ctx context.Context, inode types.InodeID, offset int64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	written := 0
	for written < len(data) {
		pos := offset + int64(written)
		blockno := pos / l.blockSize
		blockOff := pos % l.blockSize
		n := len(data) - written
		if room := int(l.blockSize - blockOff); n > room {
			n = room
		}

		err := l.store.WithWriter(func(conn *sqlite.Conn) error {
			existing, err := l.blocks.Fetch(ctx, conn, inode, blockno)
			if err != nil {
				return err
			}
			block := make([]byte, l.blockSize)
			if existing != nil {
				copy(block, existing)
			}
			copy(block[blockOff:], data[written:written+n])

			blockLen := int(blockOff) + n
			if existing != nil && len(existing) > blockLen {
				blockLen = len(existing)
			}
			block = block[:blockLen]

			if _, err := l.blocks.Store(ctx, conn, inode, blockno, block); err != nil {
				return err
			}

			in, err := l.store.GetInode(conn, inode)
			if err != nil {
				return err
			}
			if newSize := pos + int64(n); newSize > in.Size {
				in.Size = newSize
				if err := l.store.UpdateInode(conn, *in); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Truncate resizes inode's content to size, releasing any blocks
// entirely past the new end and trimming the block that straddles it.
func (l *Layer) Truncate(ctx context.Context, inode types.InodeID, size int64) error {
	return l.store.WithWriter(func(conn *sqlite.Conn) error {
		in, err := l.store.GetInode(conn, inode)
		if err != nil {
			return err
		}
		if size >= in.Size {
			in.Size = size
			return l.store.UpdateInode(conn, *in)
		}

		blocks, err := l.store.ListInodeBlocks(conn, inode)
		if err != nil {
			return err
		}
		lastKept := size / l.blockSize
		for _, ib := range blocks {
			if ib.BlockNo < lastKept {
				continue
			}
			if ib.BlockNo == lastKept && size%l.blockSize != 0 {
				content, err := l.blocks.Fetch(ctx, conn, inode, ib.BlockNo)
				if err != nil {
					return err
				}
				trimLen := size % l.blockSize
				if int64(len(content)) > trimLen {
					if _, err := l.blocks.Store(ctx, conn, inode, ib.BlockNo, content[:trimLen]); err != nil {
						return err
					}
				}
				continue
			}
			if err := l.blocks.Release(conn, inode, ib.BlockNo); err != nil {
				return err
			}
		}

		in.Size = size
		return l.store.UpdateInode(conn, *in)
	})
}

// Unlink drops one hardlink from inode, releasing its blocks and
// deleting the row once the refcount reaches zero.
func (l *Layer) Unlink(ctx context.Context, conn *sqlite.Conn, parent types.InodeID, name string) error {
	child, err := l.store.Lookup(conn, parent, name)
	if err != nil {
		return err
	}
	if err := l.store.Unlink(conn, parent, name); err != nil {
		return err
	}

	in, err := l.store.GetInode(conn, child)
	if err != nil {
		return err
	}
	if in.Refcount > 1 {
		in.Refcount--
		return l.store.UpdateInode(conn, *in)
	}

	l.mu.Lock()
	openHandles := l.openCountLocked(child) > 0
	if openHandles {
		l.pendingDelete[child] = true
	}
	l.mu.Unlock()
	if openHandles {
		return nil
	}

	blocks, err := l.store.ListInodeBlocks(conn, child)
	if err != nil {
		return err
	}
	for _, ib := range blocks {
		if err := l.blocks.Release(conn, child, ib.BlockNo); err != nil {
			return err
		}
	}
	return l.store.DeleteInode(conn, child)
}

// ErrNotOpen is returned by handle lookups against an unregistered
// file handle.
var ErrNotOpen = s3errors.New(s3errors.ErrCodeInvalidArgument, "inode", "handle", "file handle not open")
