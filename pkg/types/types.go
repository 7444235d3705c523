package types

import (
	"fmt"
	"time"
)

// InodeID identifies an inode. Monotonic and never reused during a
// mount; inode 1 is reserved for the root directory (§3).
type InodeID uint64

// RootInodeID is the reserved inode number of the mount root.
const RootInodeID InodeID = 1

// BlockID identifies a row in the block table.
type BlockID uint64

// ObjID identifies a backend object holding one block's ciphertext.
// The backend key is "s3ql_data_<ObjID>" (§6).
type ObjID uint64

// Inode is a filesystem-level file/dir/symlink/device descriptor (§3).
type Inode struct {
	ID       InodeID
	Mode     uint32 // type + permission bits, as in the FUSE stat mode
	UID      uint32
	GID      uint32
	Size     int64 // bytes; may exceed the sum of block sizes because of holes
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
	Refcount uint32 // hardlink count for files; always 1 for directories
	Locked   bool   // set on snapshot/immutable trees
	Rdev     uint64 // device node major/minor, when Mode names a device
}

// IsDir reports whether the inode names a directory.
func (in Inode) IsDir() bool { return in.Mode&ModeTypeMask == ModeDir }

// IsSymlink reports whether the inode names a symbolic link.
func (in Inode) IsSymlink() bool { return in.Mode&ModeTypeMask == ModeSymlink }

// IsRegular reports whether the inode names a regular file.
func (in Inode) IsRegular() bool { return in.Mode&ModeTypeMask == ModeRegular }

// Mode type bits, matching the POSIX S_IFMT family used by go-fuse.
const (
	ModeTypeMask uint32 = 0170000
	ModeRegular  uint32 = 0100000
	ModeDir      uint32 = 0040000
	ModeSymlink  uint32 = 0120000
	ModeCharDev  uint32 = 0020000
	ModeBlockDev uint32 = 0060000
	ModeFIFO     uint32 = 0010000
	ModeSocket   uint32 = 0140000
)

// DirEntry is the triple (parent_inode, name, child_inode); (parent,
// name) is unique and names exclude NUL and '/', up to 255 bytes (§3).
type DirEntry struct {
	Parent InodeID
	Name   string
	Child  InodeID
}

// MaxNameLength is the longest permitted directory entry name in bytes.
const MaxNameLength = 255

// XAttr is one extended attribute row, keyed by an interned name id to
// keep the table's rows small (§3).
type XAttr struct {
	Inode  InodeID
	NameID int64
	Name   string
	Value  []byte
}

// Block is a plaintext byte range up to the filesystem's block size,
// content-addressed by Hash, and the unit of both dedup and I/O (§3).
type Block struct {
	ID       BlockID
	Hash     [32]byte // digest of the plaintext, per the filesystem's hash algorithm
	Refcount uint32   // number of inode_blocks rows referencing this block
	Size     int64    // plaintext length, <= data_block_size
	ObjID    ObjID
}

// Object is a backend-stored, encrypted, possibly compressed encoding
// of one block (§3). At steady state the block<->object relationship
// is a bijection.
type Object struct {
	ID       ObjID
	Refcount uint32
	Hash     [32]byte // duplicate of the owning block's hash, for fsck cross-checks
	PhysSize int64    // ciphertext length as stored at the backend
	Length   int64    // plaintext length
}

// InodeBlock maps one (inode, blockno) pair to the block holding its
// content. blockno = file_offset / data_block_size. The absence of a
// row for a blockno within the file's range is a hole, read as zeros
// (§3).
type InodeBlock struct {
	Inode   InodeID
	BlockNo int64
	BlockID BlockID
}

// Params are the parameters fixed at mkfs time (§3).
type Params struct {
	DataBlockSize int64
	Label         string
	FSUUID        string
	HashAlgorithm string
}

// Validate checks the mkfs-time invariants: block size is a power of
// two no smaller than 64 KiB.
func (p Params) Validate() error {
	const minBlockSize = 64 * 1024
	if p.DataBlockSize < minBlockSize {
		return fmt.Errorf("data_block_size must be >= %d bytes", minBlockSize)
	}
	if p.DataBlockSize&(p.DataBlockSize-1) != 0 {
		return fmt.Errorf("data_block_size must be a power of two")
	}
	return nil
}

// MountState is the per-mount volatile state that lives only in memory
// and at well-known backend keys, never in the metadata database (§3).
type MountState struct {
	SeqNo       uint64
	NextInodeID InodeID
}

// StatfsResult holds statfs-shaped capacity figures. The dispatcher's
// Statfs does not use it: it reports a fixed 1<<40 blocks as total,
// free and available space and does not compute the space used, so
// free space is not max(used, 1 TiB).
type StatfsResult struct {
	BlockSize  int64
	TotalBytes int64
	FreeBytes  int64
	Inodes     int64
	FreeInodes int64
}

// ObjectMetadata is the small key-value mapping the backend stores
// alongside an object, when the backend supports server-side metadata
// (§4.1); otherwise it travels inline in the object's header.
type ObjectMetadata map[string]string

// ObjectInfo is what Backend.Lookup returns for an existing key.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     ObjectMetadata
}
