package aegisfs

// InodeSize is the fixed on-disk size of one inode record (spec.md §3
// names 128 B with 8 persisted pointers; this implementation exercises
// the §6 allowance to "extend the on-disk inode size by bumping the
// version" so all 12 direct slots plus the single-indirect slot
// actually survive a disk round trip — see SuperblockVersion).
const InodeSize = 256

// InodesPerBlock is the number of inode slots packed into one block.
const InodesPerBlock = BlockSize / InodeSize

// PointersPerIndirectBlock is the number of 64-bit block pointers held
// by one indirect block (spec.md §4.4: "512 × u64 pointers").
const PointersPerIndirectBlock = BlockSize / 8

// DirectPointers is the number of direct block-pointer slots in the
// logical 15-slot pointer array (indices 0..11).
const DirectPointers = 12

// SingleIndirectIndex is the logical pointer-array slot holding the
// single-indirect block pointer.
const SingleIndirectIndex = 12

// MaxFileBlocks is the number of logical blocks this implementation
// addresses (indices 0..MaxFileBlocks-1): 12 direct slots plus one
// single-indirect block's worth of
// pointers (spec.md §9 Open Question (i): double/triple indirect are
// reserved but unimplemented).
const MaxFileBlocks = DirectPointers + PointersPerIndirectBlock

// MaxFileSize is the largest file size representable with direct and
// single-indirect addressing.
const MaxFileSize = uint64(MaxFileBlocks) * BlockSize

// DefaultJournalBlocks is the write-ahead log region's size on a volume
// large enough to afford it: 8192 blocks, 32 MiB at BlockSize, matching
// original_source's JournalConfig::default().journal_size.
const DefaultJournalBlocks = 8192

// minJournalBlocks is the smallest journal region NewLayout will carve
// out of a volume, even a tiny one used only in tests.
const minJournalBlocks = 8

// journalBlocksFor scales the journal region down for small volumes: at
// most one eighth of the device, never below minJournalBlocks.
func journalBlocksFor(blockCount uint64) uint64 {
	n := uint64(DefaultJournalBlocks)
	if cap := blockCount / 8; n > cap {
		n = cap
	}
	if n < minJournalBlocks {
		n = minJournalBlocks
	}
	return n
}

// Layout describes the deterministic geometry of a formatted volume:
// the block-number ranges of each region, derived purely from
// (block count, inode count) per spec.md §3's invariant that "the
// layout is a pure function of the superblock; never stored separately."
type Layout struct {
	BlockCount uint64
	InodeCount uint64

	SuperblockStart  uint64
	BlockBitmapStart uint64
	BlockBitmapLen   uint64
	InodeBitmapStart uint64
	InodeBitmapLen   uint64
	InodeTableStart  uint64
	InodeTableLen    uint64
	JournalStart     uint64
	JournalLen       uint64
	DataStart        uint64
	DataLen          uint64
}

// blocksForBits returns the number of whole blocks needed to hold n bits.
func blocksForBits(n uint64) uint64 {
	bytesNeeded := (n + 7) / 8
	return (bytesNeeded + BlockSize - 1) / BlockSize
}

// blocksForInodes returns the number of whole blocks needed to hold n
// fixed-size inode records.
func blocksForInodes(n uint64) uint64 {
	return (n + InodesPerBlock - 1) / InodesPerBlock
}

// NewLayout computes the region geometry for a volume of the given
// total block count and inode count (spec.md §3).
func NewLayout(blockCount, inodeCount uint64) *Layout {
	l := &Layout{BlockCount: blockCount, InodeCount: inodeCount}

	l.SuperblockStart = 0
	l.BlockBitmapStart = 1
	l.BlockBitmapLen = blocksForBits(blockCount)

	l.InodeBitmapStart = l.BlockBitmapStart + l.BlockBitmapLen
	l.InodeBitmapLen = blocksForBits(inodeCount)

	l.InodeTableStart = l.InodeBitmapStart + l.InodeBitmapLen
	l.InodeTableLen = blocksForInodes(inodeCount)

	l.JournalStart = l.InodeTableStart + l.InodeTableLen
	l.JournalLen = journalBlocksFor(blockCount)

	l.DataStart = l.JournalStart + l.JournalLen
	if blockCount > l.DataStart {
		l.DataLen = blockCount - l.DataStart
	}

	return l
}

// InodeBlock returns the block number containing the given inode number
// and the inode's byte offset within that block. ino must be in
// [1, InodeCount). Inode numbers index the table directly, so slot 0
// (the reserved invalid inode) is never used but still occupies space.
func (l *Layout) InodeBlock(ino uint64) (block uint64, offset int) {
	block = l.InodeTableStart + ino/InodesPerBlock
	offset = int(ino%InodesPerBlock) * InodeSize
	return
}

// ValidInode reports whether ino is in the addressable range
// [1, InodeCount) per spec.md §4.4.
func (l *Layout) ValidInode(ino uint64) bool {
	return ino >= 1 && ino < l.InodeCount
}

// ValidDataBlock reports whether a block number falls within the data
// region.
func (l *Layout) ValidDataBlock(block uint64) bool {
	return block >= l.DataStart && block < l.DataStart+l.DataLen
}
