/*
Package types defines the data model and cross-layer interfaces shared
by every component of the storage engine.

# Layering

	dispatcher
	    │  (FUSE-shaped ops, one goroutine per request, metadb writer lock)
	    ▼
	inode        (offset -> blockno translation, truncate, COW)
	    │
	    ▼
	metadb       (inodes, dir entries, xattrs, blocks, objects, inode_blocks)
	    │
	blockmgr     (dedup by hash, refcounts, deferred delete queue)
	    │
	    ▼
	cache        (on-disk block state machine: absent/downloading/clean/dirty/uploading)
	    │
	    ▼
	codec        (header + AEAD + compression)
	    │
	    ▼
	backend      (key -> bytes object store)

Metadata writes run under metadb.Store's writer mutex, the one global
metadata lock. It is not released for block I/O: blockmgr.Store and
Fetch run on the writer connection, so a block upload, a block download
or a wait for cache room happens while the lock is held. The cache and
backend release only their own internal locks before slow I/O.

# Identifiers

InodeID, BlockID, and ObjID are distinct types even though all three
are backed by uint64, so a block id can never be passed where an
object id is expected without an explicit conversion.
*/
package types
