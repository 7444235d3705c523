package dispatcher

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/s3ql-go/s3ql/pkg/types"
)

// FileHandle backs one open file descriptor, translating FUSE's
// per-handle read/write/flush/release calls into inode.Layer calls
// keyed by the underlying inode.
type FileHandle struct {
	disp *Dispatcher
	id   types.InodeID
	fh   uint64
}

var (
	_ fs.FileReader   = (*FileHandle)(nil)
	_ fs.FileWriter   = (*FileHandle)(nil)
	_ fs.FileFlusher  = (*FileHandle)(nil)
	_ fs.FileReleaser = (*FileHandle)(nil)
	_ fs.FileFsyncer  = (*FileHandle)(nil)
)

// Read fills dest starting at off.
func (h *FileHandle) Read(ctx context.Context, dest []byte, off int64) (res fuse.ReadResult, errno syscall.Errno) {
	start := time.Now()
	defer func() { h.disp.recordOp("read", start, errno) }()

	n, err := h.disp.inodes.Read(ctx, h.id, off, dest)
	if err != nil {
		return nil, errnoOf(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Write stores data starting at off, returning the number of bytes
// written.
func (h *FileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	start := time.Now()
	defer func() { h.disp.recordOp("write", start, errno) }()

	if err := h.disp.checkActive(); err != nil {
		return 0, errnoOf(err)
	}
	n, err := h.disp.inodes.Write(ctx, h.id, off, data)
	if err != nil {
		return 0, errnoOf(err)
	}
	return uint32(n), 0
}

// Flush is a no-op: writes already land in the metadata store and
// block manager synchronously, so there is nothing left to push out
// on close.
func (h *FileHandle) Flush(ctx context.Context) syscall.Errno {
	h.disp.recordOp("flush", time.Now(), 0)
	return 0
}

// Fsync is likewise a no-op for the same reason Flush is: every Write
// call has already persisted its block by the time it returns.
func (h *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	h.disp.recordOp("fsync", time.Now(), 0)
	return 0
}

// Release forgets this handle.
func (h *FileHandle) Release(ctx context.Context) syscall.Errno {
	start := time.Now()
	h.disp.inodes.Release(h.fh)
	h.disp.recordOp("release", start, 0)
	return 0
}
