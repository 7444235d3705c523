/*
Package inode is the pure translation layer between file-shaped
operations (read at an offset, write at an offset, truncate, unlink)
and the block manager's (inode, blockno) addressing. It holds no
persistent state of its own beyond the in-memory table of open file
handles; inode metadata and the block mapping both live in the
metadata store.

Read, Write and Truncate take metadb.Store's writer connection or a
reader connection themselves; Unlink runs on the writer connection its
caller passes in. Beyond that connection guard, Layer performs no
locking other than guarding its own handle table.
*/
package inode
