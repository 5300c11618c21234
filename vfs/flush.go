package vfs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aegisfs/aegisfs"
)

func (e *Engine) enqueueWrite(ino uint64, offset uint64, data []byte) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	newEnd := offset + uint64(len(data))
	kept := e.pending[:0]
	for _, w := range e.pending {
		wEnd := w.offset + uint64(len(w.data))
		overlaps := w.ino == ino && w.offset < newEnd && offset < wEnd
		if !overlaps {
			kept = append(kept, w)
		}
	}
	e.pending = append(kept, pendingWrite{ino: ino, offset: offset, data: append([]byte(nil), data...), enqueued: time.Now()})
}

// scheduleFlushIfNeeded triggers a synchronous flush once the pending
// queue crosses the size threshold appropriate to the kind of inode
// just written (spec.md §4.5).
func (e *Engine) scheduleFlushIfNeeded(ctx context.Context) {
	e.pendingMu.Lock()
	n := len(e.pending)
	e.pendingMu.Unlock()

	threshold := largeQueueThreshold
	if n > 0 {
		e.cacheMu.RLock()
		if c, ok := e.cache[e.pending[n-1].ino]; ok && c.Attr.Size <= aegisfs.BlockSize {
			threshold = smallFileQueueThreshold
		}
		e.cacheMu.RUnlock()
	}

	if n >= threshold {
		if err := e.Flush(ctx); err != nil {
			log.Printf("aegisfs: deferred flush failed: %v", err)
		}
	}
}

// Flush is the deferred-flush worker (spec.md §4.5): if a flush is
// already running it aborts immediately; otherwise it takes the
// pending queue by value, releases the cache lock, groups writes by
// inode, applies them through the disk filesystem, and persists
// dirty directories. Failure of any single write is logged; the
// others continue.
func (e *Engine) Flush(ctx context.Context) error {
	e.pendingMu.Lock()
	if e.flushing {
		e.pendingMu.Unlock()
		return nil
	}
	e.flushing = true
	writes := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	defer func() {
		e.pendingMu.Lock()
		e.flushing = false
		e.pendingMu.Unlock()
	}()

	byInode := make(map[uint64][]pendingWrite)
	for _, w := range writes {
		byInode[w.ino] = append(byInode[w.ino], w)
	}

	for ino, ws := range byInode {
		if err := e.flushInodeWrites(ctx, ino, ws); err != nil {
			log.Printf("aegisfs: flushing inode %d: %v", ino, err)
		}
	}

	if err := e.flushDirtyDirectories(ctx); err != nil {
		log.Printf("aegisfs: flushing directories: %v", err)
	}

	if err := e.disk.Cache.Flush(ctx); err != nil {
		return err
	}

	// Every transaction journaled before this point now has its effects
	// durably applied to the primary inode/data regions, so the journal
	// entries recording them may be discarded (spec.md §4.6: "a
	// Checkpoint entry indicates that all prior transactions have been
	// applied to the primary filesystem regions and may be discarded").
	if err := e.disk.Journal.Checkpoint(ctx); err != nil {
		log.Printf("aegisfs: journal checkpoint: %v", err)
	}
	return nil
}

func (e *Engine) flushInodeWrites(ctx context.Context, ino uint64, writes []pendingWrite) error {
	e.cacheMu.Lock()
	c, ok := e.cache[ino]
	e.cacheMu.Unlock()
	if !ok {
		return fmt.Errorf("aegisfs: flush: inode %d not in cache", ino)
	}

	c.State = Flushing
	diskIn := c.toDiskInode()

	var failed error
	for i, w := range writes {
		if err := e.disk.WriteFileData(ctx, diskIn, w.offset, w.data); err != nil {
			failed = err
			continue
		}
		if (i+1)%flushBatchSize == 0 {
			if err := e.disk.WriteInode(ctx, ino, diskIn); err != nil {
				failed = err
			}
		}
	}
	if err := e.disk.WriteInode(ctx, ino, diskIn); err != nil {
		failed = err
	}

	e.cacheMu.Lock()
	c.Attr.Blocks512 = diskIn.Blocks512
	if failed != nil {
		c.State = Dirty
	} else {
		c.State = Clean
	}
	e.cacheMu.Unlock()

	return failed
}

func (e *Engine) flushDirtyDirectories(ctx context.Context) error {
	e.cacheMu.Lock()
	var dirs []*CachedInode
	for _, c := range e.cache {
		if c.IsDir() && c.State == Dirty {
			dirs = append(dirs, c)
		}
	}
	e.cacheMu.Unlock()

	var failed error
	for _, c := range dirs {
		e.cacheMu.RLock()
		entries := make([]aegisfs.Dirent, 0, len(c.Children)+2)
		entries = append(entries,
			aegisfs.Dirent{Ino: c.Ino, Name: ".", Type: aegisfs.DirentDirectory})
		for name, ino := range c.Children {
			typ := aegisfs.DirentRegular
			if child, ok := e.cache[ino]; ok {
				typ = aegisfs.DirentTypeForMode(child.Attr.Mode)
			}
			entries = append(entries, aegisfs.Dirent{Ino: ino, Name: name, Type: typ})
		}
		e.cacheMu.RUnlock()

		diskIn := c.toDiskInode()
		if err := e.disk.WriteDirectoryEntries(ctx, diskIn, entries); err != nil {
			failed = err
			continue
		}
		if err := e.disk.WriteInode(ctx, c.Ino, diskIn); err != nil {
			failed = err
			continue
		}

		e.cacheMu.Lock()
		c.Attr.Size = diskIn.Size
		c.Attr.Blocks512 = diskIn.Blocks512
		c.State = Clean
		e.cacheMu.Unlock()
	}
	return failed
}

// Destroy implements the shutdown protocol of spec.md §4.5: schedule a
// flush, spin-wait (bounded by shutdownTimeout) for the flushing flag
// to clear and the pending queue to drain, then persist both bitmaps.
func (e *Engine) Destroy(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		_ = e.Flush(ctx)
	})

	deadline := time.Now().Add(shutdownTimeout)
	for time.Now().Before(deadline) {
		e.pendingMu.Lock()
		idle := !e.flushing && len(e.pending) == 0
		e.pendingMu.Unlock()
		if idle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return e.disk.SaveBitmaps(ctx)
}
