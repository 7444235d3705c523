package metadb

// schema is the DDL for the metadata database: the tables named in
// the data model plus the names interning table and the deferred
// delete queue the block manager needs.
const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS inodes (
	id       INTEGER PRIMARY KEY,
	mode     INTEGER NOT NULL,
	uid      INTEGER NOT NULL,
	gid      INTEGER NOT NULL,
	size     INTEGER NOT NULL DEFAULT 0,
	atime    INTEGER NOT NULL,
	mtime    INTEGER NOT NULL,
	ctime    INTEGER NOT NULL,
	refcount INTEGER NOT NULL DEFAULT 1,
	locked   INTEGER NOT NULL DEFAULT 0,
	rdev     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS names (
	id   INTEGER PRIMARY KEY,
	name BLOB NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS contents (
	parent_inode INTEGER NOT NULL REFERENCES inodes(id),
	name_id      INTEGER NOT NULL REFERENCES names(id),
	inode        INTEGER NOT NULL REFERENCES inodes(id),
	UNIQUE (parent_inode, name_id)
);
CREATE INDEX IF NOT EXISTS ix_contents_inode ON contents(inode);

CREATE TABLE IF NOT EXISTS ext_attributes (
	inode   INTEGER NOT NULL REFERENCES inodes(id),
	name_id INTEGER NOT NULL REFERENCES names(id),
	value   BLOB NOT NULL,
	PRIMARY KEY (inode, name_id)
);

CREATE TABLE IF NOT EXISTS objects (
	id        INTEGER PRIMARY KEY,
	refcount  INTEGER NOT NULL DEFAULT 1,
	hash      BLOB,
	phys_size INTEGER NOT NULL,
	length    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	id       INTEGER PRIMARY KEY,
	hash     BLOB NOT NULL UNIQUE,
	refcount INTEGER NOT NULL DEFAULT 1,
	size     INTEGER NOT NULL,
	obj_id   INTEGER NOT NULL REFERENCES objects(id)
);
CREATE INDEX IF NOT EXISTS ix_blocks_obj_id ON blocks(obj_id);

CREATE TABLE IF NOT EXISTS inode_blocks (
	inode   INTEGER NOT NULL REFERENCES inodes(id),
	blockno INTEGER NOT NULL,
	block_id INTEGER NOT NULL REFERENCES blocks(id),
	PRIMARY KEY (inode, blockno)
);
CREATE INDEX IF NOT EXISTS ix_inode_blocks_block_id ON inode_blocks(block_id);

CREATE TABLE IF NOT EXISTS objects_to_delete (
	obj_id     INTEGER PRIMARY KEY,
	queued_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS parameters (
	label            TEXT NOT NULL,
	fs_uuid          TEXT NOT NULL,
	data_block_size  INTEGER NOT NULL,
	hash_algorithm   TEXT NOT NULL
);
`
