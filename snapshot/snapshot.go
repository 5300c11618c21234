// Package snapshot implements the copy-on-write snapshot manager of
// spec.md §4.8: point-in-time metadata records, block-level reference
// counting, CoW redirection on write, and JSON sidecar persistence.
// Grounded on
// original_source/fs-core/src/modules/snapshot/mod.rs's SnapshotManager
// (metadata fields, MAX_SNAPSHOTS, the create/delete/rollback
// protocols), adapted to the reference-counted map shape
// checksum.Manager and journal.Manager already use for their own
// in-memory state.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
)

// MaxSnapshots bounds the number of snapshot records a Manager will
// hold at once (spec.md §4.8, threshold adopted from the original's
// MAX_SNAPSHOTS).
const MaxSnapshots = 256

// State is a snapshot's lifecycle stage.
type State int

const (
	Creating State = iota
	Active
	Deleting
	Deleted
)

func (s State) String() string {
	switch s {
	case Creating:
		return "creating"
	case Active:
		return "active"
	case Deleting:
		return "deleting"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "creating":
		*s = Creating
	case "active":
		*s = Active
	case "deleting":
		*s = Deleting
	case "deleted":
		*s = Deleted
	default:
		return fmt.Errorf("aegisfs: unknown snapshot state %q", text)
	}
	return nil
}

// Metadata describes one snapshot (spec.md §4.8).
type Metadata struct {
	ID             uint64            `json:"id"`
	ExternalID     uuid.UUID         `json:"external_id"`
	Name           string            `json:"name"`
	ParentID       uint64            `json:"parent_id"`
	CreatedAt      time.Time         `json:"created_at"`
	State          State             `json:"state"`
	RootInode      uint64            `json:"root_inode"`
	BlockCount     uint64            `json:"block_count"`
	ExclusiveSpace uint64            `json:"exclusive_space"`
	Tags           map[string]string `json:"tags"`
}

// BlockReference tracks, for one block number, how many snapshots
// currently depend on its contents (spec.md §1: "block number,
// reference count, set of owning snapshot IDs").
type BlockReference struct {
	BlockNum  uint64
	RefCount  uint32
	Snapshots map[uint64]struct{}
}

// BlockAllocator is the subset of diskfs.DiskFs the manager needs to
// perform CoW: allocate a fresh data block and free one back.
type BlockAllocator interface {
	AllocateDataBlock(ctx context.Context) (uint64, error)
	FreeDataBlock(block uint64) error
}

// Config tunes snapshot behavior (spec.md §4.8: "a global free-block
// reserve (configurable percentage)").
type Config struct {
	ReservedSpacePercent uint8
}

// DefaultConfig matches the original's defaults (reekid420/AegisFS
// SnapshotConfig::default): a 20% free-block reserve, no automatic
// snapshot scheduling wired in at this layer.
func DefaultConfig() Config {
	return Config{ReservedSpacePercent: 20}
}

// Manager owns the snapshot record set, the block reference table, and
// the JSON sidecar these are persisted to.
type Manager struct {
	dev     blockdev.Device
	alloc   BlockAllocator
	config  Config
	sidecar string

	nextID atomic.Uint64

	mu        sync.RWMutex
	snapshots map[uint64]*Metadata
	nameToID  map[string]uint64
	blockRefs map[uint64]*BlockReference

	totalBlocks uint64
	reserved    uint64
}

// New creates a snapshot manager over dev, persisting its metadata to
// sidecarPath (spec.md §9 open question (ii): "JSON sidecar ... at a
// configured path").
func New(dev blockdev.Device, alloc BlockAllocator, config Config, sidecarPath string) *Manager {
	total := dev.BlockCount()
	m := &Manager{
		dev:         dev,
		alloc:       alloc,
		config:      config,
		sidecar:     sidecarPath,
		snapshots:   make(map[uint64]*Metadata),
		nameToID:    make(map[string]uint64),
		blockRefs:   make(map[uint64]*BlockReference),
		totalBlocks: total,
		reserved:    total * uint64(config.ReservedSpacePercent) / 100,
	}
	m.nextID.Store(1)
	return m
}

// Load populates a Manager from a previously saved sidecar file. A
// missing file is not an error: it means no snapshots have ever been
// taken (spec.md §9: "acceptable in early implementations").
func Load(dev blockdev.Device, alloc BlockAllocator, config Config, sidecarPath string) (*Manager, error) {
	m := New(dev, alloc, config, sidecarPath)

	data, err := os.ReadFile(sidecarPath)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("aegisfs: reading snapshot sidecar: %w", err)
	}

	var saved []Metadata
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("aegisfs: parsing snapshot sidecar: %w", err)
	}

	var maxID uint64
	for i := range saved {
		s := saved[i]
		if s.State != Active {
			continue
		}
		m.snapshots[s.ID] = &s
		m.nameToID[s.Name] = s.ID
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	m.nextID.Store(maxID + 1)
	return m, nil
}

// Create reserves a new snapshot ID, records it Creating, promotes it
// to Active, and persists the updated metadata set. No block is
// copied at creation time — the snapshot is simply the set of block
// references as they exist the instant it is taken (spec.md §4.8).
func (m *Manager) Create(ctx context.Context, name string, rootInode uint64, tags map[string]string) (*Metadata, error) {
	m.mu.Lock()
	if len(m.snapshots) >= MaxSnapshots {
		m.mu.Unlock()
		return nil, aegisfs.ErrTooManySnapshots
	}
	if _, exists := m.nameToID[name]; exists {
		m.mu.Unlock()
		return nil, aegisfs.ErrSnapshotNameExists
	}

	id := m.nextID.Add(1) - 1
	parentID := m.latestActiveLocked()

	meta := &Metadata{
		ID:         id,
		ExternalID: uuid.New(),
		Name:       name,
		ParentID:   parentID,
		CreatedAt:  time.Now(),
		State:      Creating,
		RootInode:  rootInode,
		Tags:       tags,
	}
	m.snapshots[id] = meta
	m.nameToID[name] = id
	meta.State = Active
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		return nil, err
	}
	return meta, nil
}

// latestActiveLocked returns the ID of the most recently created
// Active snapshot, or 0 (root) if none exists. Callers must hold mu.
func (m *Manager) latestActiveLocked() uint64 {
	var latest *Metadata
	for _, s := range m.snapshots {
		if s.State != Active {
			continue
		}
		if latest == nil || s.ID > latest.ID {
			latest = s
		}
	}
	if latest == nil {
		return 0
	}
	return latest.ID
}

// Get returns the snapshot record for id, if any.
func (m *Manager) Get(id uint64) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, aegisfs.ErrSnapshotNotFound
	}
	return s, nil
}

// GetByName returns the snapshot record named name, if any.
func (m *Manager) GetByName(name string) (*Metadata, error) {
	m.mu.RLock()
	id, ok := m.nameToID[name]
	m.mu.RUnlock()
	if !ok {
		return nil, aegisfs.ErrSnapshotNotFound
	}
	return m.Get(id)
}

// List returns every Active snapshot, ordered by ID.
func (m *Manager) List() []*Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Metadata, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if s.State == Active {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReferenceBlock records that snapshot id depends on blockNum's
// current contents, incrementing its reference count.
func (m *Manager) ReferenceBlock(blockNum, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.blockRefs[blockNum]
	if !ok {
		ref = &BlockReference{BlockNum: blockNum, Snapshots: make(map[uint64]struct{})}
		m.blockRefs[blockNum] = ref
	}
	if _, already := ref.Snapshots[id]; already {
		return fmt.Errorf("aegisfs: block %d: %w", blockNum, aegisfs.ErrBlockAlreadyReferenced)
	}
	ref.Snapshots[id] = struct{}{}
	ref.RefCount++
	return nil
}

// NeedsCoW reports whether blockNum is shared by more than one
// snapshot and must therefore be copied before it is mutated in place
// (spec.md §4.8: "before mutating a block whose reference count > 1").
func (m *Manager) NeedsCoW(blockNum uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.blockRefs[blockNum]
	return ok && ref.RefCount > 1
}

// wouldBreachReserve reports whether allocating one more CoW block
// would push the referenced-block count past the configured reserve.
// The allocator's own free-block count isn't exposed here; this is an
// extra guard layered on top of AllocateDataBlock's ErrNoFreeBlocks.
func (m *Manager) wouldBreachReserve() bool {
	if m.reserved == 0 {
		return false
	}
	m.mu.RLock()
	referenced := uint64(len(m.blockRefs))
	m.mu.RUnlock()
	return referenced >= m.totalBlocks-m.reserved
}

// CopyOnWrite performs the redirect described by spec.md §4.8: if
// blockNum needs no CoW, it is returned unchanged; otherwise a fresh
// block is allocated, blockNum's contents are copied into it, and the
// new block number is returned for the caller to install in place of
// the original pointer. A write that would push referenced blocks past
// the configured free-block reserve is rejected before allocating.
func (m *Manager) CopyOnWrite(ctx context.Context, blockNum uint64) (uint64, error) {
	if !m.NeedsCoW(blockNum) {
		return blockNum, nil
	}
	if m.wouldBreachReserve() {
		return 0, aegisfs.ErrInsufficientReserve
	}

	newBlock, err := m.alloc.AllocateDataBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("aegisfs: allocating CoW block for %d: %w", blockNum, err)
	}

	buf := make([]byte, aegisfs.BlockSize)
	if err := m.dev.ReadBlock(ctx, blockNum, buf); err != nil {
		m.alloc.FreeDataBlock(newBlock)
		return 0, fmt.Errorf("aegisfs: reading CoW source block %d: %w", blockNum, err)
	}
	if err := m.dev.WriteBlock(ctx, newBlock, buf); err != nil {
		m.alloc.FreeDataBlock(newBlock)
		return 0, fmt.Errorf("aegisfs: writing CoW target block %d: %w", newBlock, err)
	}
	return newBlock, nil
}

// Delete removes snapshot id: rejected if any non-Deleted snapshot
// names it as a parent, otherwise its block references are dropped,
// zero-refcount blocks are freed, and its record is removed entirely
// (spec.md §4.8).
func (m *Manager) Delete(ctx context.Context, id uint64) error {
	m.mu.Lock()
	snap, ok := m.snapshots[id]
	if !ok {
		m.mu.Unlock()
		return aegisfs.ErrSnapshotNotFound
	}
	for _, s := range m.snapshots {
		if s.ParentID == id && s.State != Deleted {
			m.mu.Unlock()
			return aegisfs.ErrSnapshotHasChildren
		}
	}
	snap.State = Deleting

	var toFree []uint64
	for blockNum, ref := range m.blockRefs {
		if _, owns := ref.Snapshots[id]; !owns {
			continue
		}
		delete(ref.Snapshots, id)
		ref.RefCount--
		if ref.RefCount == 0 {
			toFree = append(toFree, blockNum)
		}
	}
	for _, blockNum := range toFree {
		delete(m.blockRefs, blockNum)
	}
	delete(m.nameToID, snap.Name)
	delete(m.snapshots, id)
	m.mu.Unlock()

	for _, blockNum := range toFree {
		if err := m.alloc.FreeDataBlock(blockNum); err != nil {
			return fmt.Errorf("aegisfs: freeing block %d from deleted snapshot %d: %w", blockNum, id, err)
		}
	}
	return m.persist()
}

// Rollback validates that id is Active and returns its root inode
// number for the caller to install as the live filesystem's root
// (spec.md §4.8: "redirect the live filesystem's root to the
// snapshot's root inode and invalidate caches"). Rollback is
// metadata-only: Manager never touches the live tree itself, since
// that requires the vfs engine's cache, not the snapshot ledger.
func (m *Manager) Rollback(id uint64) (uint64, error) {
	m.mu.RLock()
	snap, ok := m.snapshots[id]
	m.mu.RUnlock()
	if !ok {
		return 0, aegisfs.ErrSnapshotNotFound
	}
	if snap.State != Active {
		return 0, fmt.Errorf("aegisfs: snapshot %d in state %s: %w", id, snap.State, aegisfs.ErrInvalidSnapshotState)
	}
	return snap.RootInode, nil
}

// Stats summarizes the manager's current state, used by the `snapshot
// ... --stats` CLI verb (spec.md §6).
type Stats struct {
	TotalSnapshots        int
	ActiveSnapshots       int
	TotalBlocksReferenced int
	TotalSpaceUsed        uint64
}

// Stats returns a point-in-time summary.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{TotalBlocksReferenced: len(m.blockRefs)}
	for _, snap := range m.snapshots {
		s.TotalSnapshots++
		if snap.State == Active {
			s.ActiveSnapshots++
		}
	}
	s.TotalSpaceUsed = uint64(len(m.blockRefs)) * aegisfs.BlockSize
	return s
}

// persist writes every Active snapshot's metadata to the JSON sidecar,
// replacing its previous contents.
func (m *Manager) persist() error {
	m.mu.RLock()
	out := make([]Metadata, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		if s.State == Active {
			out = append(out, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("aegisfs: marshaling snapshot sidecar: %w", err)
	}
	if err := os.WriteFile(m.sidecar, data, 0644); err != nil {
		return fmt.Errorf("aegisfs: writing snapshot sidecar %s: %w", m.sidecar, err)
	}
	return nil
}
