package vfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/diskfs"
)

// pendingWrite is one queued, not-yet-flushed write (spec.md §4.5).
type pendingWrite struct {
	ino       uint64
	offset    uint64
	data      []byte
	enqueued  time.Time
}

// largeQueueThreshold and smallFileQueueThreshold are the pending-
// queue sizes that trigger a deferred flush (spec.md §4.5: "e.g., 50,
// or 10 for small files").
const (
	largeQueueThreshold     = 50
	smallFileQueueThreshold = 10

	// flushBatchSize is how often, within one flush pass, a dirty
	// inode's metadata is written back mid-stream (spec.md §4.5:
	// "every K operations (e.g., 25)").
	flushBatchSize = 25

	// shutdownTimeout bounds destroy()'s spin-wait for the flush
	// pipeline to drain (spec.md §4.5).
	shutdownTimeout = 30 * time.Second
)

// Engine is the VFS engine: the inode cache, the pending write queue,
// and the deferred flush pipeline, backed by one diskfs.DiskFs.
type Engine struct {
	cacheMu sync.RWMutex
	cache   map[uint64]*CachedInode

	disk *diskfs.DiskFs

	// NoExec mirrors the "noexec" mount option (spec.md §6): when set,
	// Open rejects any inode whose mode carries an executable bit.
	NoExec bool

	rootMu sync.RWMutex
	root   uint64

	pendingMu sync.Mutex
	pending   []pendingWrite
	flushing  bool

	shutdownOnce sync.Once
}

// New creates an engine over an already-formatted or loaded disk
// filesystem. Callers should call Mount to pre-load the root directory
// before serving requests.
func New(disk *diskfs.DiskFs) *Engine {
	return &Engine{
		cache: make(map[uint64]*CachedInode),
		disk:  disk,
		root:  aegisfs.RootInode,
	}
}

// RootIno returns the inode number currently serving as the tree root.
// It starts as aegisfs.RootInode and only changes via SetRootIno, which
// a snapshot rollback uses to redirect the live filesystem.
func (e *Engine) RootIno() uint64 {
	e.rootMu.RLock()
	defer e.rootMu.RUnlock()
	return e.root
}

// SetRootIno redirects the tree root to ino and drops every cached
// inode, so that the next lookup walks the new tree from disk instead
// of serving stale entries belonging to the old root (spec.md §4.8:
// "redirect the live filesystem's root to the snapshot's root inode and
// invalidate caches").
func (e *Engine) SetRootIno(ino uint64) {
	e.rootMu.Lock()
	e.root = ino
	e.rootMu.Unlock()

	e.cacheMu.Lock()
	e.cache = make(map[uint64]*CachedInode)
	e.cacheMu.Unlock()
}

// Mount pre-loads the root directory and its immediate children
// (spec.md §4.5's pre-loading policy): each child's inode is fetched
// and, for regular files at most one block long, its data is cached.
// Deeper traversal remains lazy.
func (e *Engine) Mount(ctx context.Context) error {
	root, err := e.loadInode(ctx, e.RootIno())
	if err != nil {
		return fmt.Errorf("aegisfs: loading root inode: %w", err)
	}

	for _, childIno := range root.Children {
		child, err := e.loadInode(ctx, childIno)
		if err != nil {
			return fmt.Errorf("aegisfs: preloading inode %d: %w", childIno, err)
		}
		if !child.IsDir() && child.Attr.Size <= aegisfs.BlockSize {
			data, err := e.disk.ReadFileData(ctx, child.toDiskInode(), 0, child.Attr.Size)
			if err != nil {
				return fmt.Errorf("aegisfs: preloading data for inode %d: %w", childIno, err)
			}
			e.cacheMu.Lock()
			child.CachedData = data
			e.cacheMu.Unlock()
		}
	}
	return nil
}

// loadInode returns the cached inode for ino, loading it from disk
// (along with its directory children, if any) on a cache miss.
func (e *Engine) loadInode(ctx context.Context, ino uint64) (*CachedInode, error) {
	e.cacheMu.RLock()
	if c, ok := e.cache[ino]; ok {
		e.cacheMu.RUnlock()
		return c, nil
	}
	e.cacheMu.RUnlock()

	diskIn, err := e.disk.ReadInode(ctx, ino)
	if err != nil {
		return nil, err
	}

	c := &CachedInode{Ino: ino, Attr: attrFromDiskInode(diskIn), State: Clean, diskInode: diskIn}
	if aegisfs.IsDir(diskIn.Mode) {
		entries, err := e.disk.ReadDirectoryEntries(ctx, diskIn)
		if err != nil {
			return nil, err
		}
		c.Children = make(map[string]uint64, len(entries))
		for _, ent := range entries {
			if ent.Name == "." || ent.Name == ".." {
				continue
			}
			c.Children[ent.Name] = ent.Ino
		}
	}

	e.cacheMu.Lock()
	if existing, ok := e.cache[ino]; ok {
		e.cacheMu.Unlock()
		return existing, nil
	}
	e.cache[ino] = c
	e.cacheMu.Unlock()
	return c, nil
}

// Lookup resolves (parent, name) to a child inode number and its
// cached attributes.
func (e *Engine) Lookup(ctx context.Context, parent uint64, name string) (*CachedInode, error) {
	p, err := e.loadInode(ctx, parent)
	if err != nil {
		return nil, err
	}
	if !p.IsDir() {
		return nil, aegisfs.ErrNotADirectory
	}
	e.cacheMu.RLock()
	childIno, ok := p.Children[name]
	e.cacheMu.RUnlock()
	if !ok {
		return nil, aegisfs.ErrFileNotFound
	}
	return e.loadInode(ctx, childIno)
}

// GetAttr returns the cached attributes for ino.
func (e *Engine) GetAttr(ctx context.Context, ino uint64) (*CachedInode, error) {
	return e.loadInode(ctx, ino)
}

// ReadDir returns every non-"."/".." entry of directory ino.
func (e *Engine) ReadDir(ctx context.Context, ino uint64) ([]aegisfs.Dirent, error) {
	c, err := e.loadInode(ctx, ino)
	if err != nil {
		return nil, err
	}
	if !c.IsDir() {
		return nil, aegisfs.ErrNotADirectory
	}
	e.cacheMu.RLock()
	defer e.cacheMu.RUnlock()
	out := make([]aegisfs.Dirent, 0, len(c.Children))
	for name, ino := range c.Children {
		child := e.cache[ino]
		typ := aegisfs.DirentRegular
		if child != nil {
			typ = aegisfs.DirentTypeForMode(child.Attr.Mode)
		}
		out = append(out, aegisfs.Dirent{Ino: ino, Name: name, Type: typ})
	}
	return out, nil
}
