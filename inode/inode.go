// Package inode implements the inode table, inode (de)serialization,
// contiguous-extent allocation, path resolution, and directory manipulation
// described in spec.md §4.5 and §6.
package inode

import (
	"encoding/binary"
	"fmt"

	dioerrors "github.com/augustday/ublockfs/errors"
)

// Type discriminates a file-type inode from a directory-type inode. Files
// and directories share this one struct with Type as the tag, per spec.md
// §9 ("use a tagged variant rather than subclassing").
type Type uint8

const (
	TypeFile      Type = 0
	TypeDirectory Type = 1
)

func (t Type) String() string {
	if t == TypeDirectory {
		return "DIRECTORY"
	}
	return "FILE"
}

// RecordSize is the fixed on-disk size of one inode record, in bytes. It
// must divide BlockSize exactly (128 divides 4096 thirty-two times over).
const RecordSize = 128

// RootID is the fixed inode id of the root directory.
const RootID = 1

// MaxNameLength is the longest name (in bytes, not counting the NUL
// terminator) an inode can hold.
const MaxNameLength = 63

const nameFieldSize = 64

// Inode is the fixed-size metadata record describing one file or directory.
type Inode struct {
	ID          uint32
	Type        Type
	Size        uint32
	StartBlock  uint32
	BlockCount  uint32
	ParentID    uint32
	CreateTime  int64
	ModifyTime  int64
	Name        string
	// Whether a slot is allocated is not stored here or in the on-disk
	// record; Manager.used tracks it, rebuilt at mount by LoadUsed from
	// whether each slot's stored id equals the slot's own id.
}

// IsDir reports whether this inode describes a directory.
func (n *Inode) IsDir() bool {
	return n.Type == TypeDirectory
}

// IsFile reports whether this inode describes a regular file.
func (n *Inode) IsFile() bool {
	return n.Type == TypeFile
}

// BlockCountForSize returns ceil(max(size,1) / blockSize), the number of
// contiguous blocks needed to hold `size` bytes of content (spec.md §4.5,
// step 4 of file creation: at least one block is always allocated).
func BlockCountForSize(size, blockSize uint32) uint32 {
	if size == 0 {
		size = 1
	}
	return (size + blockSize - 1) / blockSize
}

// Serialize packs the inode into a RecordSize-byte buffer in the little-
// endian layout from spec.md §6.
func (n *Inode) Serialize() []byte {
	buf := make([]byte, RecordSize)

	binary.LittleEndian.PutUint32(buf[0:4], n.ID)
	buf[4] = byte(n.Type)
	// buf[5:8] padding, left zero
	binary.LittleEndian.PutUint32(buf[8:12], n.Size)
	binary.LittleEndian.PutUint32(buf[12:16], n.StartBlock)
	binary.LittleEndian.PutUint32(buf[16:20], n.BlockCount)
	binary.LittleEndian.PutUint32(buf[20:24], n.ParentID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(n.CreateTime))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(n.ModifyTime))
	copy(buf[40:40+nameFieldSize], n.Name)
	// buf[104:128] reserved, left zero

	return buf
}

// DeserializeInode unpacks a RecordSize-byte buffer previously produced by
// Serialize.
func DeserializeInode(buf []byte) (*Inode, error) {
	if len(buf) != RecordSize {
		return nil, dioerrors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("inode record must be %d bytes, got %d", RecordSize, len(buf)))
	}

	n := &Inode{
		ID:         binary.LittleEndian.Uint32(buf[0:4]),
		Type:       Type(buf[4]),
		Size:       binary.LittleEndian.Uint32(buf[8:12]),
		StartBlock: binary.LittleEndian.Uint32(buf[12:16]),
		BlockCount: binary.LittleEndian.Uint32(buf[16:20]),
		ParentID:   binary.LittleEndian.Uint32(buf[20:24]),
		CreateTime: int64(binary.LittleEndian.Uint64(buf[24:32])),
		ModifyTime: int64(binary.LittleEndian.Uint64(buf[32:40])),
	}

	nameBytes := buf[40 : 40+nameFieldSize]
	nulIdx := nameFieldSize
	for i, b := range nameBytes {
		if b == 0 {
			nulIdx = i
			break
		}
	}
	n.Name = string(nameBytes[:nulIdx])

	return n, nil
}

// ValidateName checks a path component against spec.md §4.5 step 1: not
// empty, not over MaxNameLength bytes, and free of the reserved characters
// `/ \ : * ? " < > |` and NUL.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return dioerrors.ErrInvalidName.WithMessage(
			fmt.Sprintf("name length %d not in (0, %d]", len(name), MaxNameLength))
	}
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return dioerrors.ErrInvalidName.WithMessage(
				fmt.Sprintf("name %q contains illegal character %q", name, r))
		}
	}
	return nil
}
