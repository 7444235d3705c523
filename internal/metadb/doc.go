// Package metadb owns every SQL statement in the storage engine: the
// inode, directory entry, extended attribute, block, object, and
// deferred-delete tables. All access to the shared writer connection
// goes through Store.WithWriter; the reader pool exposed by
// Store.WithReader answers concurrent getattr/lookup/readdir traffic
// without contending on the writer.
//
// Store serializes writers itself: WithWriter holds Store's writer
// mutex for the whole of its callback, and that mutex is the single
// metadata lock of the write path - no caller holds another lock
// around it.
package metadb
