/*
Package dispatcher is the single entry point that receives FUSE-shaped
operations and routes them through internal/inode, internal/blockmgr,
and internal/metadb. It owns the lock discipline described for the
system as a whole: every operation that changes metadata does so
through metadb.Store's single writer connection (guarded internally by
metadb.Store), while read-only operations (lookup, getattr, readdir,
getxattr, listxattr) use its reader pool, so a Dispatcher itself
performs no additional locking -
the writer connection already is the "one global mutex" a single-writer
SQLite database needs. Slow I/O (block downloads, uploads waiting on
cache room) happens inside internal/blockmgr and internal/cache, both
of which release their own internal locks before blocking, so a
dispatcher method never holds the writer connection across a network
round trip longer than a single block fetch or store.

Node implements every fs.Inode-embedding operation go-fuse dispatches
(lookup, getattr, setattr, readdir, mkdir, rmdir, create, unlink,
rename, link, symlink, readlink, the xattr family, statfs) on one type
covering files, directories, and symlinks alike, distinguishing
behavior by the underlying inode's mode bits. FileHandle implements
the per-open-file operations (read, write, flush, release, fsync).
*/
package dispatcher
