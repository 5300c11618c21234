// Package journal implements the write-ahead log of spec.md §4.6: a
// contiguous region of a block device holding a sequence of CRC32-
// verified entries, grouped into transactions bounded by
// TransactionStart/TransactionEnd markers, with best-effort replay on
// recovery. Grounded on
// original_source/fs-core/src/modules/journaling/mod.rs's
// JournalEntryHeader/JournalEntry/JournalManager.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/aegisfs/aegisfs"
	"github.com/aegisfs/aegisfs/blockdev"
)

// EntryType tags the kind of mutation a journal entry records
// (spec.md §4.6).
type EntryType uint32

const (
	TransactionStart EntryType = 1
	TransactionEnd   EntryType = 2
	MetadataUpdate   EntryType = 3
	DataWrite        EntryType = 4
	InodeUpdate      EntryType = 5
	DirEntryUpdate   EntryType = 6
	BlockAlloc       EntryType = 7
	BlockDealloc     EntryType = 8
	Checkpoint       EntryType = 9
)

// HeaderSize is the fixed, padded size of one entry's header
// (spec.md §4.6 / original_source's JournalEntryHeader::SIZE).
const HeaderSize = 32

// Header is the fixed-size prefix of every journal entry.
type Header struct {
	Type          EntryType
	TransactionID uint64
	Timestamp     uint64
	DataLength    uint32
	Checksum      uint32
}

// MarshalBinary encodes the header into its padded 32-byte form.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint64(buf[4:12], h.TransactionID)
	binary.LittleEndian.PutUint64(buf[12:20], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[20:24], h.DataLength)
	binary.LittleEndian.PutUint32(buf[24:28], h.Checksum)
	return buf, nil
}

// UnmarshalBinary decodes a header from its padded 32-byte form,
// rejecting an unrecognized entry type.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("aegisfs: journal header short read: %w", aegisfs.ErrInvalidJournalFormat)
	}
	t := EntryType(binary.LittleEndian.Uint32(data[0:4]))
	if t < TransactionStart || t > Checkpoint {
		return fmt.Errorf("aegisfs: journal header type %d: %w", t, aegisfs.ErrInvalidJournalFormat)
	}
	h.Type = t
	h.TransactionID = binary.LittleEndian.Uint64(data[4:12])
	h.Timestamp = binary.LittleEndian.Uint64(data[12:20])
	h.DataLength = binary.LittleEndian.Uint32(data[20:24])
	h.Checksum = binary.LittleEndian.Uint32(data[24:28])
	return nil
}

// Entry is one decoded journal record: its header plus payload.
type Entry struct {
	Header Header
	Data   []byte
}

// NewEntry builds an entry with its checksum computed over Data.
func NewEntry(typ EntryType, txID uint64, data []byte) *Entry {
	return &Entry{
		Header: Header{
			Type:          typ,
			TransactionID: txID,
			Timestamp:     uint64(time.Now().Unix()),
			DataLength:    uint32(len(data)),
			Checksum:      crc32.ChecksumIEEE(data),
		},
		Data: data,
	}
}

// VerifyChecksum reports whether Data still matches Header.Checksum.
func (e *Entry) VerifyChecksum() bool {
	return crc32.ChecksumIEEE(e.Data) == e.Header.Checksum
}

// txState is a transaction's bookkeeping while it accumulates entries
// before commit.
type txState struct {
	id      uint64
	entries []*Entry
}

// Manager owns a contiguous block range of dev, starting at StartBlock
// and SizeBlocks long, as the write-ahead log (spec.md §4.6). Entries
// are appended starting at StartBlock and the log wraps never: once
// the head would exceed SizeBlocks, CommitTransaction and Checkpoint
// fail with ErrJournalFull. Checkpoint writes its one-block marker and
// then sets the head back to zero.
type Manager struct {
	dev        blockdev.Device
	startBlock uint64
	sizeBlocks uint64
	maxTxns    int

	nextTxID uint64
	head     uint64 // next free block offset, relative to startBlock

	mu     sync.Mutex
	active map[uint64]*txState
}

// defaultMaxTransactions mirrors original_source's JournalConfig
// default of 256 concurrent transactions.
const defaultMaxTransactions = 256

// New creates a journal manager over [startBlock, startBlock+sizeBlocks)
// of dev. The region is assumed empty; callers recovering an existing
// volume should call Recover immediately after.
func New(dev blockdev.Device, startBlock, sizeBlocks uint64) *Manager {
	return &Manager{
		dev:        dev,
		startBlock: startBlock,
		sizeBlocks: sizeBlocks,
		maxTxns:    defaultMaxTransactions,
		nextTxID:   1,
		active:     make(map[uint64]*txState),
	}
}

// BeginTransaction allocates a monotonically increasing transaction id
// and opens a new, empty in-memory accumulator for its entries.
func (m *Manager) BeginTransaction() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) >= m.maxTxns {
		return 0, fmt.Errorf("aegisfs: %d active transactions at cap %d", len(m.active), m.maxTxns)
	}
	id := m.nextTxID
	m.nextTxID++
	m.active[id] = &txState{id: id}
	return id, nil
}

// AddEntry appends a mutation to an open (not yet committed) transaction.
func (m *Manager) AddEntry(txID uint64, typ EntryType, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[txID]
	if !ok {
		return fmt.Errorf("aegisfs: transaction %d: %w", txID, aegisfs.ErrTransactionNotFound)
	}
	tx.entries = append(tx.entries, NewEntry(typ, txID, data))
	return nil
}

// CommitTransaction implements spec.md §4.6's commit protocol: write
// TransactionStart, every accumulated entry, then TransactionEnd, sync
// the device, and only then return — acknowledgment happens after the
// fsync, never before.
func (m *Manager) CommitTransaction(ctx context.Context, txID uint64) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	if ok {
		delete(m.active, txID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("aegisfs: transaction %d: %w", txID, aegisfs.ErrTransactionNotFound)
	}

	if err := m.writeEntry(ctx, NewEntry(TransactionStart, txID, nil)); err != nil {
		return err
	}
	for _, e := range tx.entries {
		if err := m.writeEntry(ctx, e); err != nil {
			return err
		}
	}
	if err := m.writeEntry(ctx, NewEntry(TransactionEnd, txID, nil)); err != nil {
		return err
	}
	return m.dev.Sync(ctx)
}

// AbortTransaction discards an open transaction's accumulated entries
// without ever writing them.
func (m *Manager) AbortTransaction(txID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, txID)
	return nil
}

// blocksFor returns how many whole device blocks hold a header plus
// dataLen bytes of payload.
func blocksFor(dataLen int) uint64 {
	total := HeaderSize + dataLen
	return (uint64(total) + aegisfs.BlockSize - 1) / aegisfs.BlockSize
}

func (m *Manager) writeEntry(ctx context.Context, e *Entry) error {
	need := blocksFor(len(e.Data))

	m.mu.Lock()
	writePos := m.head
	if writePos+need > m.sizeBlocks {
		m.mu.Unlock()
		return aegisfs.ErrJournalFull
	}
	m.head = writePos + need
	m.mu.Unlock()

	header, err := e.Header.MarshalBinary()
	if err != nil {
		return err
	}
	buf := make([]byte, need*aegisfs.BlockSize)
	copy(buf, header)
	copy(buf[HeaderSize:], e.Data)

	for i := uint64(0); i < need; i++ {
		blockNum := m.startBlock + writePos + i
		chunk := buf[i*aegisfs.BlockSize : (i+1)*aegisfs.BlockSize]
		if err := m.dev.WriteBlock(ctx, blockNum, chunk); err != nil {
			return fmt.Errorf("aegisfs: writing journal block %d: %w", blockNum, err)
		}
	}
	return nil
}

// Checkpoint writes a Checkpoint marker, syncs, then resets the head
// back to the start of the region: every transaction written so far is
// assumed applied to the primary filesystem regions and may be
// discarded (spec.md §4.6).
func (m *Manager) Checkpoint(ctx context.Context) error {
	if err := m.writeEntry(ctx, NewEntry(Checkpoint, 0, nil)); err != nil {
		return err
	}
	if err := m.dev.Sync(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.head = 0
	m.mu.Unlock()
	return nil
}

// Head returns the current write position, in blocks relative to
// StartBlock. Exposed for tests and for callers deciding whether a
// checkpoint is due.
func (m *Manager) Head() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// RecoveredTransaction is one fully-captured, committed transaction
// found during recovery, in log order.
type RecoveredTransaction struct {
	ID      uint64
	Entries []*Entry
}

// Recover replays the journal from the start of the region, per
// spec.md §4.6: parse entries sequentially; stop at the first CRC
// mismatch, parse failure, or logical end-of-log, treating all later
// bytes as unclaimed. Only transactions with both a TransactionStart
// and a matching TransactionEnd are returned; an unterminated trailing
// transaction (the crash landed mid-commit) is discarded. A Checkpoint
// entry resets accumulation: transactions before it are assumed
// already applied and are not replayed again.
func (m *Manager) Recover(ctx context.Context) ([]RecoveredTransaction, error) {
	var (
		done  []RecoveredTransaction
		open  = make(map[uint64][]*Entry)
		order []uint64
	)

	pos := uint64(0)
	for pos < m.sizeBlocks {
		headerBlock := make([]byte, aegisfs.BlockSize)
		if err := m.dev.ReadBlock(ctx, m.startBlock+pos, headerBlock); err != nil {
			return nil, fmt.Errorf("aegisfs: reading journal block %d: %w", m.startBlock+pos, err)
		}

		var hdr Header
		if err := hdr.UnmarshalBinary(headerBlock); err != nil {
			break
		}

		need := blocksFor(int(hdr.DataLength))
		if pos+need > m.sizeBlocks {
			break
		}

		data := make([]byte, 0, hdr.DataLength)
		data = append(data, headerBlock[HeaderSize:]...)
		for i := uint64(1); i < need; i++ {
			block := make([]byte, aegisfs.BlockSize)
			if err := m.dev.ReadBlock(ctx, m.startBlock+pos+i, block); err != nil {
				return nil, fmt.Errorf("aegisfs: reading journal block %d: %w", m.startBlock+pos+i, err)
			}
			data = append(data, block...)
		}
		data = data[:hdr.DataLength]

		entry := &Entry{Header: hdr, Data: data}
		if !entry.VerifyChecksum() {
			break
		}

		switch hdr.Type {
		case TransactionStart:
			open[hdr.TransactionID] = nil
			order = append(order, hdr.TransactionID)
		case TransactionEnd:
			if entries, ok := open[hdr.TransactionID]; ok {
				done = append(done, RecoveredTransaction{ID: hdr.TransactionID, Entries: entries})
				delete(open, hdr.TransactionID)
			}
		case Checkpoint:
			done = nil
			open = make(map[uint64][]*Entry)
			order = nil
		default:
			if _, ok := open[hdr.TransactionID]; ok {
				open[hdr.TransactionID] = append(open[hdr.TransactionID], entry)
			}
		}

		pos += need
	}

	m.mu.Lock()
	m.head = pos
	if maxID := highestID(order, done); maxID >= m.nextTxID {
		m.nextTxID = maxID + 1
	}
	m.mu.Unlock()

	return done, nil
}

func highestID(order []uint64, done []RecoveredTransaction) uint64 {
	var max uint64
	for _, id := range order {
		if id > max {
			max = id
		}
	}
	for _, tx := range done {
		if tx.ID > max {
			max = tx.ID
		}
	}
	return max
}
