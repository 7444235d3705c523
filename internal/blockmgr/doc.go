/*
Package blockmgr sits between the inode layer and the metadata/backend
stack. Store deduplicates plaintext by content hash, encoding and
uploading only genuinely new content; Fetch downloads and decodes on a
local cache miss; Release drops a reference and, once an object's
refcount reaches zero, queues it for asynchronous backend deletion.

Every method that touches the metadata database takes the caller's
writer connection directly rather than opening its own transaction:
callers are expected to already hold the dispatcher's metadata lock,
so a Manager performs no locking of its own beyond what the cache and
store types already do internally.
*/
package blockmgr
