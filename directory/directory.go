// Package directory implements the in-memory representation of a directory
// block: a list of (name, inode id, type) entries with serialization to and
// from the on-disk directory-page format described in spec.md §6.
//
// A directory page fits in exactly one data block: a little-endian u32
// entry count followed by that many fixed-width entries.
package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/noxer/bytewriter"

	dioerrors "github.com/augustday/ublockfs/errors"
)

// EntryType discriminates what an entry's inode id refers to.
type EntryType uint8

const (
	TypeFile      EntryType = 0
	TypeDirectory EntryType = 1
)

// MaxEntries bounds how many entries Add accepts (and Deserialize reads).
// It does not by itself keep a page within one data block: at 70 bytes an
// entry, a 4096-byte block holds at most 58 entries, and Serialize rejects
// a page larger than its block.
const MaxEntries = 256

// MaxNameLength is the longest name (in bytes) an entry can hold, not
// counting the NUL terminator.
const MaxNameLength = 63

// nameFieldSize is the fixed on-disk width of an entry's name field.
const nameFieldSize = 64

// entryRecordSize is the packed size of one on-disk entry: u32 inode_id +
// u8 type + u8 name_len + 64 bytes name.
const entryRecordSize = 4 + 1 + 1 + nameFieldSize

// headerSize is the size of the leading u32 entry count.
const headerSize = 4

// Entry is one (name, inode id, type) directory record.
type Entry struct {
	Name    string
	InodeID uint32
	Type    EntryType
}

// Page is the in-memory contents of one directory's data block.
type Page struct {
	entries []Entry
}

// NewPage returns an empty directory page (callers normally seed it with
// AddSelfLinks immediately after).
func NewPage() *Page {
	return &Page{entries: make([]Entry, 0, 8)}
}

// AddSelfLinks seeds a freshly created directory with its "." and ".."
// entries, per spec.md §3 ("Each directory contains '.' and '..' as its
// first two entries").
func (p *Page) AddSelfLinks(selfID, parentID uint32) {
	p.entries = append(p.entries,
		Entry{Name: ".", InodeID: selfID, Type: TypeDirectory},
		Entry{Name: "..", InodeID: parentID, Type: TypeDirectory},
	)
}

// Len returns the number of entries, including "." and "..".
func (p *Page) Len() int {
	return len(p.entries)
}

// IsEmpty reports whether the directory has no entries other than "." and
// "..".
func (p *Page) IsEmpty() bool {
	for _, e := range p.entries {
		if e.Name != "." && e.Name != ".." {
			return false
		}
	}
	return true
}

// Find returns the entry named name and true, or the zero Entry and false.
func (p *Page) Find(name string) (Entry, bool) {
	for _, e := range p.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// List returns a defensive copy of every entry in insertion order,
// representing a consistent snapshot at the moment the page was read
// (spec.md §5, "directory listing observes a consistent snapshot").
func (p *Page) List() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Add appends a new entry. It rejects duplicate names, names over
// MaxNameLength bytes, and a full page (MaxEntries), per spec.md §4.4.
func (p *Page) Add(name string, inodeID uint32, entryType EntryType) error {
	if len(name) == 0 || len(name) > MaxNameLength {
		return dioerrors.ErrInvalidName.WithMessage(
			fmt.Sprintf("name length %d not in (0, %d]", len(name), MaxNameLength))
	}
	if _, exists := p.Find(name); exists {
		return dioerrors.ErrExists.WithMessage(name)
	}
	if len(p.entries) >= MaxEntries {
		return dioerrors.ErrNoSpaceOnDevice.WithMessage("directory entry limit reached")
	}

	p.entries = append(p.entries, Entry{Name: name, InodeID: inodeID, Type: entryType})
	return nil
}

// Remove deletes the entry named name. Removing "." or ".." or a
// nonexistent name is an error.
func (p *Page) Remove(name string) error {
	if name == "." || name == ".." {
		return dioerrors.ErrInvalidArgument.WithMessage("cannot remove self-link entry " + name)
	}
	for i, e := range p.entries {
		if e.Name == name {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return nil
		}
	}
	return dioerrors.ErrNotFound.WithMessage(name)
}

// UpdateParentLink rewrites the ".." entry to point at newParentID, used
// when a directory is moved (kept for completeness; ublockfs has no rename
// operation today, but resize/relocation of the containing extent never
// touches this, only an explicit move would).
func (p *Page) UpdateParentLink(newParentID uint32) {
	for i := range p.entries {
		if p.entries[i].Name == ".." {
			p.entries[i].InodeID = newParentID
			return
		}
	}
}

// Serialize packs the page into a blockSize-byte buffer in the on-disk
// format: u32 count, then count * {u32 inode_id, u8 type, u8 name_len,
// [64]byte name}. The page must fit in one block.
func (p *Page) Serialize(blockSize uint32) ([]byte, error) {
	needed := headerSize + len(p.entries)*entryRecordSize
	if uint32(needed) > blockSize {
		return nil, dioerrors.ErrNoSpaceOnDevice.WithMessage(
			fmt.Sprintf("directory page needs %d bytes, block is %d", needed, blockSize))
	}

	buf := make([]byte, blockSize)
	w := bytewriter.New(buf)

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(p.entries)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	for _, e := range p.entries {
		var rec [entryRecordSize]byte
		binary.LittleEndian.PutUint32(rec[0:4], e.InodeID)
		rec[4] = byte(e.Type)
		rec[5] = byte(len(e.Name))
		copy(rec[6:6+nameFieldSize], e.Name)
		if _, err := w.Write(rec[:]); err != nil {
			return nil, dioerrors.ErrIOFailed.WrapError(err)
		}
	}

	return buf, nil
}

// Deserialize parses a blockSize-byte buffer previously produced by
// Serialize.
func Deserialize(data []byte) (*Page, error) {
	if len(data) < headerSize {
		return nil, dioerrors.ErrFileSystemCorrupted.WithMessage("directory page shorter than header")
	}

	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, dioerrors.ErrFileSystemCorrupted.WrapError(err)
	}
	if count > MaxEntries {
		return nil, dioerrors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("directory page claims %d entries, max is %d", count, MaxEntries))
	}

	p := &Page{entries: make([]Entry, 0, count)}
	for i := uint32(0); i < count; i++ {
		var rec [entryRecordSize]byte
		if _, err := r.Read(rec[:]); err != nil {
			return nil, dioerrors.ErrFileSystemCorrupted.WrapError(err)
		}

		inodeID := binary.LittleEndian.Uint32(rec[0:4])
		entryType := EntryType(rec[4])
		nameLen := int(rec[5])
		if nameLen > MaxNameLength {
			return nil, dioerrors.ErrFileSystemCorrupted.WithMessage("entry name_len exceeds maximum")
		}
		name := string(rec[6 : 6+nameLen])

		p.entries = append(p.entries, Entry{Name: name, InodeID: inodeID, Type: entryType})
	}

	return p, nil
}
