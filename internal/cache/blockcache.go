// Package cache implements the local block cache: a size-bounded
// directory of on-disk block files, each tracked through the
// absent/downloading/clean/dirty/uploading state machine of §4.5.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/s3ql-go/s3ql/pkg/errors"
	"github.com/s3ql-go/s3ql/pkg/types"
	"github.com/s3ql-go/s3ql/pkg/utils"
)

// cacheOp labels every RecordCacheHit/RecordCacheMiss call this
// package makes; the cache has exactly one lookup path.
const cacheOp = "fetch"

// State is one node of the per-block state machine described in §4.5.
type State int

const (
	// StateAbsent means no cache entry exists for the block.
	StateAbsent State = iota
	// StateDownloading means a fetch is in flight; readers coalesce.
	StateDownloading
	// StateClean means the on-disk content matches the block's object.
	StateClean
	// StateDirty means the on-disk content has been written but not
	// yet uploaded.
	StateDirty
	// StateUploading means the dirty content is being encoded and
	// pushed to the backend; the entry is read-only until the upload
	// acknowledges.
	StateUploading
	// StateErrored means a background upload or download failed; the
	// error is surfaced to the next fsync/flush on the owning inode.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateDownloading:
		return "downloading"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateUploading:
		return "uploading"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// entry is the cache's bookkeeping record for one block. The mutex
// held is always the cache's; entry itself carries no lock.
type entry struct {
	blockID types.BlockID
	state   State
	size    int64
	err     error

	// cond wakes goroutines waiting on a download or upload in flight
	// for this block (§4.5's "subsequent readers coalesce on a
	// per-block condition").
	cond *sync.Cond

	// lruElem is this entry's node in the LRU list while State ==
	// StateClean; nil otherwise. Only clean entries are evictable.
	lruElem *list.Element
}

// Config bounds the cache, per §4.5's "two caps".
type Config struct {
	Dir        string // <cachedir>/blocks in cmd/s3ql-mountd
	MaxEntries int
	MaxSize    int64
	Metrics    types.MetricsCollector
}

// BlockCache is the local on-disk block cache. One BlockCache instance
// backs one mount.
type BlockCache struct {
	dir        string
	maxEntries int
	maxSize    int64

	mu          sync.Mutex
	entries     map[types.BlockID]*entry
	lru         *list.List // front = most recently used clean entry
	currentSize int64

	// drain is broadcast whenever a dirty block leaves the cache
	// (uploaded and evicted, or evicted directly), waking writers
	// blocked in WaitForRoom (§4.5's backpressure mechanism).
	drain *sync.Cond

	hits, misses uint64

	metrics types.MetricsCollector
}

// New creates a block cache rooted at cfg.Dir, creating the directory
// if it does not exist. cfg.MaxSize must be at least one block; New
// does not check that itself - config.Configuration.Validate rejects a
// max_cache_size below the filesystem's data_block_size (§9).
func New(cfg Config) (*BlockCache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "cache", "New", "max_entries must be positive")
	}
	if cfg.MaxSize <= 0 {
		return nil, errors.New(errors.ErrCodeInvalidArgument, "cache", "New", "max_size must be positive")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOutOfSpace, "cache", "New", err)
	}

	c := &BlockCache{
		dir:        cfg.Dir,
		maxEntries: cfg.MaxEntries,
		maxSize:    cfg.MaxSize,
		entries:    make(map[types.BlockID]*entry),
		lru:        list.New(),
		metrics:    cfg.Metrics,
	}
	c.drain = sync.NewCond(&c.mu)
	return c, nil
}

// recordState forwards a block's new state to the metrics collector,
// if one is configured. Absent transitions are not recorded; there is
// no entry to count once a block is removed.
func (c *BlockCache) recordState(id types.BlockID, s State) {
	if c.metrics != nil {
		c.metrics.RecordCacheState(id, s.String())
	}
}

func (c *BlockCache) path(id types.BlockID) (string, error) {
	return utils.SecureJoin(c.dir, fmt.Sprintf("%d", uint64(id)))
}

// Stat reports the current state of a block, or StateAbsent if there
// is no entry.
func (c *BlockCache) Stat(id types.BlockID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return StateAbsent
	}
	return e.state
}

// Size returns the total bytes currently occupied by cache files.
func (c *BlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Fetch returns the plaintext content of a block, downloading it via
// fetchFn on a cache miss. Concurrent callers for the same block_id
// coalesce onto the single in-flight download (§4.5 invariant: exactly
// one in-flight download per block).
func (c *BlockCache) Fetch(ctx context.Context, id types.BlockID, fetchFn func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		for e.state == StateDownloading {
			e.cond.Wait()
		}
		switch e.state {
		case StateErrored:
			err := e.err
			c.mu.Unlock()
			return nil, err
		case StateClean, StateDirty, StateUploading:
			c.touchLocked(e)
			c.hits++
			c.mu.Unlock()
			if c.metrics != nil {
				c.metrics.RecordCacheHit(cacheOp)
			}
			return c.readFile(id)
		}
	}

	// Miss: this goroutine becomes the downloader.
	c.misses++
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(cacheOp)
	}
	e = &entry{blockID: id, state: StateDownloading, cond: sync.NewCond(&c.mu)}
	c.entries[id] = e
	c.mu.Unlock()

	data, err := fetchFn(ctx)

	c.mu.Lock()
	if err != nil {
		e.state = StateErrored
		e.err = err
		e.cond.Broadcast()
		delete(c.entries, id)
		c.mu.Unlock()
		return nil, err
	}

	if writeErr := c.writeFileLocked(id, data); writeErr != nil {
		e.state = StateErrored
		e.err = writeErr
		e.cond.Broadcast()
		delete(c.entries, id)
		c.mu.Unlock()
		return nil, writeErr
	}

	e.state = StateClean
	e.size = int64(len(data))
	c.currentSize += e.size
	e.lruElem = c.lru.PushFront(e)
	c.evictToFitLocked()
	e.cond.Broadcast()
	c.mu.Unlock()
	c.recordState(id, StateClean)

	return data, nil
}

// WaitForRoom blocks until the cache has capacity for one more block
// of the given size, or ctx is canceled. This is the backpressure
// mechanism of §4.5: writers that would overflow either cap wait for
// the uploader to drain dirty bytes rather than growing the cache
// unbounded.
func (c *BlockCache) WaitForRoom(ctx context.Context, size int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.drain.Broadcast()
			c.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for c.wouldOverflowLocked(size) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Free a clean entry if one is available; otherwise every
		// entry is dirty or uploading, and only the background
		// uploader draining one of them can make room.
		if c.evictOneCleanLocked() == nil {
			continue
		}
		c.drain.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (c *BlockCache) wouldOverflowLocked(size int64) bool {
	return c.currentSize+size > c.maxSize || len(c.entries)+1 > c.maxEntries
}

// Write installs plaintext content for a block in the dirty state.
// The caller (blockmgr.Manager.Store, via WaitForRoom) is responsible for
// backpressure; Write itself never blocks.
func (c *BlockCache) Write(id types.BlockID, data []byte) error {
	c.mu.Lock()

	e, ok := c.entries[id]
	if ok && e.state == StateUploading {
		c.mu.Unlock()
		// §4.5: uploading blocks are read-only; writers must
		// allocate a new block_id under copy-on-write instead.
		return errors.New(errors.ErrCodeInvalidArgument, "cache", "Write", "block is uploading; caller must copy-on-write")
	}

	if err := c.writeFileLocked(id, data); err != nil {
		c.mu.Unlock()
		return err
	}

	newSize := int64(len(data))
	if ok {
		c.currentSize += newSize - e.size
		e.size = newSize
		if e.lruElem != nil {
			c.lru.Remove(e.lruElem)
			e.lruElem = nil
		}
	} else {
		e = &entry{blockID: id, cond: sync.NewCond(&c.mu), size: newSize}
		c.entries[id] = e
		c.currentSize += newSize
	}
	e.state = StateDirty
	e.err = nil
	c.mu.Unlock()
	c.recordState(id, StateDirty)
	return nil
}

// BeginUpload transitions a dirty block to uploading and returns its
// current content for the uploader to encode. At most one upload per
// block runs at a time (§4.5); calling BeginUpload on a block that is
// not dirty is a caller error.
func (c *BlockCache) BeginUpload(id types.BlockID) ([]byte, error) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok || e.state != StateDirty {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrCodeInvalidArgument, "cache", "BeginUpload", "block is not dirty")
	}
	e.state = StateUploading
	c.mu.Unlock()
	c.recordState(id, StateUploading)

	return c.readFile(id)
}

// AckUpload marks a block's upload as acknowledged, moving it to
// clean and making it eligible for LRU eviction.
func (c *BlockCache) AckUpload(id types.BlockID) {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok || e.state != StateUploading {
		c.mu.Unlock()
		return
	}
	e.state = StateClean
	e.lruElem = c.lru.PushFront(e)
	c.drain.Broadcast()
	c.mu.Unlock()
	c.recordState(id, StateClean)
}

// FailUpload marks a block's upload as failed. The entry moves to
// errored; the next fsync/flush on the owning inode is expected to
// surface e.err to the caller (§7).
func (c *BlockCache) FailUpload(id types.BlockID, uploadErr error) {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.state = StateErrored
	e.err = uploadErr
	c.mu.Unlock()
	c.recordState(id, StateErrored)
}

// Err returns the stored error for a block in the errored state, or
// nil.
func (c *BlockCache) Err(id types.BlockID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	return e.err
}

// Remove deletes a block's cache entry and file outright, used when
// the block manager releases a block whose refcount reached zero.
func (c *BlockCache) Remove(id types.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *BlockCache) removeLocked(id types.BlockID) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}
	c.currentSize -= e.size
	delete(c.entries, id)
	if p, err := c.path(id); err == nil {
		_ = os.Remove(p)
	}
	c.drain.Broadcast()
}

// touchLocked moves a clean entry to the front of the LRU list on
// access. Dirty and uploading entries are not in the LRU list.
func (c *BlockCache) touchLocked(e *entry) {
	if e.lruElem != nil {
		c.lru.MoveToFront(e.lruElem)
	}
}

// evictToFitLocked evicts least-recently-used clean entries until
// both caps are satisfied. Dirty and uploading entries are never
// touched here (§4.5 invariant).
func (c *BlockCache) evictToFitLocked() {
	for (c.currentSize > c.maxSize || len(c.entries) > c.maxEntries) && c.evictOneCleanLocked() == nil {
	}
}

// evictOneCleanLocked evicts the single least-recently-used clean
// entry, returning an error if none is available.
func (c *BlockCache) evictOneCleanLocked() error {
	elem := c.lru.Back()
	if elem == nil {
		return fmt.Errorf("no evictable clean entry")
	}
	e := elem.Value.(*entry)
	c.removeLocked(e.blockID)
	return nil
}

func (c *BlockCache) writeFileLocked(id types.BlockID, data []byte) error {
	p, err := c.path(id)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInvalidArgument, "cache", "writeFile", err)
	}
	if err := os.WriteFile(p, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeOutOfSpace, "cache", "writeFile", err)
	}
	return nil
}

func (c *BlockCache) readFile(id types.BlockID) ([]byte, error) {
	p, err := c.path(id)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidArgument, "cache", "readFile", err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCorruption, "cache", "readFile", err)
	}
	return data, nil
}

// Stats summarizes cache activity for the metrics collector.
type Stats struct {
	Hits, Misses uint64
	Size         int64
	Entries      int
}

// Stats returns a snapshot of cache counters.
func (c *BlockCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    c.currentSize,
		Entries: len(c.entries),
	}
}
