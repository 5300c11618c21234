// Package vfs implements the central VFS engine (spec.md §4.5): the
// inode cache, the deferred write-back pipeline, and POSIX-shaped
// operations, exposed both as a plain Go API and as a
// github.com/hanwen/go-fuse/v2/fs.InodeEmbedder tree for mounting.
// Grounded on original_source/fs-core/src/lib.rs's CachedInode/AegisFS.
package vfs

import (
	"time"

	"github.com/aegisfs/aegisfs"
)

// State is the cached-inode dirty-bit state machine (spec.md §4.5):
// Clean -> Dirty -> Flushing -> Clean (success) or -> Dirty (failure);
// Evicted is terminal.
type State int

const (
	Clean State = iota
	Dirty
	Flushing
	Evicted
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Flushing:
		return "flushing"
	case Evicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Attr is the in-memory attribute set a CachedInode carries, separate
// from the on-disk aegisfs.Inode so the engine can answer getattr
// without a disk round trip.
type Attr struct {
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	LinkCount uint16
	Blocks512 uint64
}

// CachedInode is the engine's in-memory authority for one inode: its
// attributes, its directory children (if a directory), its small-file
// data cache, and its write-back state.
type CachedInode struct {
	Ino      uint64
	Attr     Attr
	Children map[string]uint64 // directory entries, nil for non-directories
	State    State

	// CachedData holds a regular file's contents when Attr.Size is at
	// most aegisfs.BlockSize (spec.md §4.5: "for regular files <= one
	// block, the file's data is cached"). nil otherwise.
	CachedData []byte

	// diskInode holds the on-disk inode as last read from (or written
	// to) disk, Pointers included. It is the single authority for
	// block-pointer state across the inode's lifetime in cache: loadInode
	// populates it from disk on a cache miss, and every toDiskInode call
	// mutates this same instance in place (blockForRead/blockForWrite
	// assign directly into its Pointers array) so a later flush or read
	// sees the blocks a prior flush actually allocated, rather than
	// starting over from an all-zero inode. nil only for an inode that
	// has never been written to disk (freshly created, not yet flushed).
	diskInode *aegisfs.Inode
}

// NewCachedInode builds a fresh cached inode of the given on-disk mode
// word, with directory-appropriate defaults (spec.md §4.5's
// CachedInode::new via original_source).
func NewCachedInode(ino uint64, mode uint32) *CachedInode {
	now := time.Now()
	nlink := uint16(1)
	var children map[string]uint64
	if aegisfs.IsDir(mode) {
		nlink = 2
		children = make(map[string]uint64)
	}
	return &CachedInode{
		Ino: ino,
		Attr: Attr{
			Mode:      mode,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			LinkCount: nlink,
		},
		Children: children,
		State:    Clean,
	}
}

// IsDir reports whether the cached inode is a directory.
func (c *CachedInode) IsDir() bool { return aegisfs.IsDir(c.Attr.Mode) }

// toDiskInode projects the cache's attributes onto the inode's
// persistent block-pointer state (diskInode), creating it the first
// time an inode with no disk history needs one. Attr is authoritative
// for everything but Pointers — per spec.md §4.5, "the cache is
// authoritative" — while Pointers themselves carry over from the last
// ReadInode or flush rather than resetting to zero, since they name
// blocks already allocated on disk that WriteFileData/ReadFileData
// must keep addressing.
func (c *CachedInode) toDiskInode() *aegisfs.Inode {
	if c.diskInode == nil {
		c.diskInode = &aegisfs.Inode{}
	}
	in := c.diskInode
	in.Mode = c.Attr.Mode
	in.UID = c.Attr.UID
	in.GID = c.Attr.GID
	in.Size = c.Attr.Size
	in.Atime = uint64(c.Attr.Atime.Unix())
	in.Mtime = uint64(c.Attr.Mtime.Unix())
	in.Ctime = uint64(c.Attr.Ctime.Unix())
	in.LinkCount = c.Attr.LinkCount
	in.Blocks512 = c.Attr.Blocks512
	return in
}

func attrFromDiskInode(in *aegisfs.Inode) Attr {
	return Attr{
		Mode:      in.Mode,
		UID:       in.UID,
		GID:       in.GID,
		Size:      in.Size,
		Atime:     time.Unix(int64(in.Atime), 0),
		Mtime:     time.Unix(int64(in.Mtime), 0),
		Ctime:     time.Unix(int64(in.Ctime), 0),
		LinkCount: in.LinkCount,
		Blocks512: in.Blocks512,
	}
}
