/*
Package cache implements the local block cache described in §4.5: a
size-bounded on-disk directory of block files, one per block_id, moving
through the states absent, downloading, clean, dirty, uploading, and
errored.

# State transitions

	absent ──Fetch──▶ downloading ──ok──▶ clean ──Write──▶ dirty ──BeginUpload──▶ uploading
	                                        ▲                                        │
	                                        └───────────── AckUpload ◀───────────────┘

Dirty blocks are never evicted. Uploading blocks are read-only: a
Write call against an uploading block returns invalid-argument, and
the caller (the inode layer) is expected to allocate a new block_id
under copy-on-write instead. At most one upload per block runs at a
time, and exactly one download per block is ever in flight — concurrent
Fetch calls for the same block_id coalesce onto the one in-flight
download via a per-entry sync.Cond.

# Backpressure

Two caps bound the cache: MaxEntries and MaxSize. WaitForRoom blocks a
writer until the cache can accept another block of the requested size,
evicting least-recently-used clean entries first and, once none
remain, waiting for the background uploader to drain a dirty block.
This is the system's only backpressure mechanism; nothing here
retries or fails a write for being "too big" as long as it fits within
one configured block.
*/
package cache
