package vfs

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/aegisfs/aegisfs"
)

// Node is the handleless fs.InodeEmbedder backing every file and
// directory in a mounted tree: one per inode number, delegating all
// real work to the shared Engine. Grounded on
// hanwen/go-fuse/fs's handleless Read/Write example and loopback.go's
// Lookup/Mkdir/Create/Rename shapes.
type Node struct {
	fs.Inode
	engine *Engine
	ino    uint64
}

var (
	_ fs.InodeEmbedder = (*Node)(nil)
	_ fs.NodeLookuper  = (*Node)(nil)
	_ fs.NodeGetattrer = (*Node)(nil)
	_ fs.NodeSetattrer = (*Node)(nil)
	_ fs.NodeReaddirer = (*Node)(nil)
	_ fs.NodeMkdirer   = (*Node)(nil)
	_ fs.NodeCreater   = (*Node)(nil)
	_ fs.NodeUnlinker  = (*Node)(nil)
	_ fs.NodeRmdirer   = (*Node)(nil)
	_ fs.NodeRenamer   = (*Node)(nil)
	_ fs.NodeReader    = (*Node)(nil)
	_ fs.NodeWriter    = (*Node)(nil)
	_ fs.NodeOpener    = (*Node)(nil)
	_ fs.NodeFsyncer   = (*Node)(nil)
)

// Root returns the fs.InodeEmbedder to pass to fs.Mount: a Node for
// the root directory's inode number.
func (e *Engine) Root() fs.InodeEmbedder {
	return &Node{engine: e, ino: e.RootIno()}
}

// toErrno maps the POSIX-shaped sentinel errors of errors.go to the
// syscall.Errno FUSE expects (spec.md §7's VFS error-translation table).
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, aegisfs.ErrFileNotFound):
		return syscall.ENOENT
	case errors.Is(err, aegisfs.ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, aegisfs.ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, aegisfs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, aegisfs.ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, aegisfs.ErrNoFreeInodes), errors.Is(err, aegisfs.ErrNoFreeBlocks):
		return syscall.ENOSPC
	case errors.Is(err, aegisfs.ErrFileTooLarge):
		return syscall.EFBIG
	case errors.Is(err, aegisfs.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, aegisfs.ErrInvalidArgument), errors.Is(err, aegisfs.ErrInvalidInode):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

func (n *Node) childNode(ctx context.Context, c *CachedInode, out *fuse.EntryOut) *fs.Inode {
	if out != nil {
		fillAttr(c, &out.Attr)
		out.SetEntryTimeout(time.Second)
		out.SetAttrTimeout(time.Second)
	}
	mode := c.Attr.Mode &^ 0170000
	if c.IsDir() {
		mode |= fuse.S_IFDIR
	} else {
		mode |= fuse.S_IFREG
	}
	child := &Node{engine: n.engine, ino: c.Ino}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: c.Ino})
}

func fillAttr(c *CachedInode, out *fuse.Attr) {
	out.Ino = c.Ino
	out.Size = c.Attr.Size
	out.Mode = c.Attr.Mode
	out.Uid = c.Attr.UID
	out.Gid = c.Attr.GID
	out.Nlink = uint32(c.Attr.LinkCount)
	out.Blocks = c.Attr.Blocks512
	out.SetTimes(&c.Attr.Atime, &c.Attr.Mtime, &c.Attr.Ctime)
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c, err := n.engine.Lookup(ctx, n.ino, name)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.childNode(ctx, c, out), fs.OK
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	c, err := n.engine.GetAttr(ctx, n.ino)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(c, &out.Attr)
	return fs.OK
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var req SetAttrRequest
	if mode, ok := in.GetMode(); ok {
		req.Mode = &mode
	}
	if uid, ok := in.GetUID(); ok {
		req.UID = &uid
	}
	if gid, ok := in.GetGID(); ok {
		req.GID = &gid
	}
	if size, ok := in.GetSize(); ok {
		req.Size = &size
	}
	c, err := n.engine.SetAttr(ctx, n.ino, req)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(c, &out.Attr)
	return fs.OK
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.engine.ReadDir(ctx, n.ino)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(fuse.S_IFREG)
		if e.Type == aegisfs.DirentDirectory {
			mode = fuse.S_IFDIR
		}
		out = append(out, fuse.DirEntry{Ino: e.Ino, Name: e.Name, Mode: mode})
	}
	return fs.NewListDirStream(out), fs.OK
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	c, err := n.engine.Mkdir(ctx, n.ino, name, mode)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.childNode(ctx, c, out), fs.OK
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	c, err := n.engine.Create(ctx, n.ino, name, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	return n.childNode(ctx, c, out), nil, 0, fs.OK
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.engine.NoExec {
		c, err := n.engine.GetAttr(ctx, n.ino)
		if err != nil {
			return nil, 0, toErrno(err)
		}
		if c.Attr.Mode&0111 != 0 {
			return nil, 0, syscall.EACCES
		}
	}
	return nil, 0, fs.OK
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.engine.Unlink(ctx, n.ino, name))
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.engine.Rmdir(ctx, n.ino, name))
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return toErrno(n.engine.Rename(ctx, n.ino, name, target.ino, newName))
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := n.engine.Read(ctx, n.ino, uint64(off), uint64(len(dest)))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(data), fs.OK
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, buf []byte, off int64) (uint32, syscall.Errno) {
	written, err := n.engine.Write(ctx, n.ino, uint64(off), buf)
	if err != nil {
		return 0, toErrno(err)
	}
	return uint32(written), fs.OK
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return toErrno(n.engine.Fsync(ctx, n.ino, flags != 0))
}
