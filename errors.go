// Package aegisfs implements the on-disk format of AegisFS: the
// superblock, the region layout, and the inode and directory-entry
// encoders/decoders that every other package in this module builds on.
package aegisfs

import "errors"

// Block I/O errors. Returned by the blockdev package, unwrapped, to its
// callers (spec.md §7: "Block-device errors surface unchanged").
var (
	ErrInvalidBlockNumber = errors.New("aegisfs: invalid block number")
	ErrInvalidBlockSize   = errors.New("aegisfs: invalid block size")
	ErrReadOnly           = errors.New("aegisfs: device is read-only")
	ErrDeviceClosed       = errors.New("aegisfs: device is closed")
)

// Format errors. Returned while parsing an on-disk superblock.
var (
	ErrInvalidMagic       = errors.New("aegisfs: invalid superblock magic")
	ErrUnsupportedVersion = errors.New("aegisfs: unsupported superblock version")
	ErrInvalidSize        = errors.New("aegisfs: invalid size")
)

// Filesystem errors, mapped to POSIX errno at the VFS boundary.
var (
	ErrCorruptFs         = errors.New("aegisfs: corrupt filesystem")
	ErrCorruptInode      = errors.New("aegisfs: corrupt inode")
	ErrInvalidInode      = errors.New("aegisfs: invalid inode number")
	ErrNoFreeInodes      = errors.New("aegisfs: no free inodes")
	ErrNoFreeBlocks      = errors.New("aegisfs: no free blocks")
	ErrFileNotFound      = errors.New("aegisfs: file not found")
	ErrNotADirectory     = errors.New("aegisfs: not a directory")
	ErrIsADirectory      = errors.New("aegisfs: is a directory")
	ErrDirectoryNotEmpty = errors.New("aegisfs: directory not empty")
	ErrPermissionDenied  = errors.New("aegisfs: permission denied")
	ErrInvalidArgument   = errors.New("aegisfs: invalid argument")
	ErrExists            = errors.New("aegisfs: already exists")
	ErrFileTooLarge      = errors.New("aegisfs: file exceeds maximum addressable size")
)

// Journal errors.
var (
	ErrJournalFull                 = errors.New("aegisfs: journal full")
	ErrCorruptEntry                = errors.New("aegisfs: corrupt journal entry")
	ErrInvalidJournalFormat        = errors.New("aegisfs: invalid journal format")
	ErrTransactionNotFound         = errors.New("aegisfs: transaction not found")
	ErrTransactionAlreadyCommitted = errors.New("aegisfs: transaction already committed")
)

// Checksum / scrub errors.
var (
	ErrChecksumMismatch  = errors.New("aegisfs: checksum mismatch")
	ErrUnrepairableBlock = errors.New("aegisfs: block is unrepairable")
	ErrTooManyBadBlocks  = errors.New("aegisfs: too many bad blocks")
	ErrScrubCancelled    = errors.New("aegisfs: scrub cancelled")
)

// Snapshot errors.
var (
	ErrSnapshotNotFound       = errors.New("aegisfs: snapshot not found")
	ErrSnapshotNameExists     = errors.New("aegisfs: snapshot name already exists")
	ErrTooManySnapshots       = errors.New("aegisfs: too many snapshots")
	ErrInvalidSnapshotState   = errors.New("aegisfs: invalid snapshot state")
	ErrSnapshotHasChildren    = errors.New("aegisfs: snapshot has children")
	ErrBlockAlreadyReferenced = errors.New("aegisfs: block already referenced by snapshot")
	ErrInsufficientReserve    = errors.New("aegisfs: operation would exceed the snapshot free-block reserve")
)
