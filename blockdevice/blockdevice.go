// Package blockdevice provides fixed-size block I/O over a single backing
// host file. It is the lowest layer of ublockfs: every other component
// reaches the disk image only through a BlockDevice, and only the Cache
// holds a live reference to one after mount-time bootstrap.
package blockdevice

import (
	"fmt"
	"io"
	"os"

	dioerrors "github.com/augustday/ublockfs/errors"
)

// Index identifies a single block on the device, starting at 0.
type Index uint32

// stream is the seekable byte storage a BlockDevice reads and writes
// through. *os.File satisfies it directly; tests satisfy it with an
// in-memory buffer (see FromStream) without touching the host filesystem.
type stream interface {
	io.ReadWriteSeeker
}

// syncer is optionally implemented by a stream to flush writes to stable
// storage; in-memory test streams don't need it.
type syncer interface {
	Sync() error
}

// BlockDevice is a backing store addressed in fixed-size blocks. All errors
// it returns are hard failures; callers do not retry at this layer. Every
// method assumes single-threaded access to the stream (Cache serializes
// every call that reaches a BlockDevice).
type BlockDevice struct {
	BlockSize   uint32
	TotalBlocks uint32
	stream      stream
	closer      io.Closer
}

// FromStream wraps an already-open, correctly-sized stream as a
// BlockDevice. Used by tests to build images in memory (commonly backed by
// github.com/xaionaro-go/bytesextra) instead of a real host file.
func FromStream(s io.ReadWriteSeeker, blockSize, totalBlocks uint32) *BlockDevice {
	d := &BlockDevice{BlockSize: blockSize, TotalBlocks: totalBlocks, stream: s}
	if c, ok := s.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// Create creates (or truncates) the file at path, zero-fills it to
// totalBlocks*blockSize bytes, then reopens it for reading and writing.
func Create(path string, blockSize uint32, totalBlocks uint32) (*BlockDevice, error) {
	size := int64(blockSize) * int64(totalBlocks)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	zeroBuf := make([]byte, blockSize)
	for written := int64(0); written < size; written += int64(blockSize) {
		if _, err := f.Write(zeroBuf); err != nil {
			f.Close()
			return nil, dioerrors.ErrIOFailed.WrapError(err)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}
	if err := f.Close(); err != nil {
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	return &BlockDevice{BlockSize: blockSize, TotalBlocks: totalBlocks, stream: f, closer: f}, nil
}

// Open opens an existing backing file. totalBlocks is derived from the file
// size divided by blockSize; a trailing partial block is an error.
func Open(path string, blockSize uint32) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dioerrors.ErrIOFailed.WrapError(err)
	}

	size := info.Size()
	if size%int64(blockSize) != 0 {
		f.Close()
		return nil, dioerrors.ErrFileSystemCorrupted.WithMessage(
			fmt.Sprintf("backing file size %d is not a multiple of block size %d", size, blockSize))
	}

	return &BlockDevice{
		BlockSize:   blockSize,
		TotalBlocks: uint32(size / int64(blockSize)),
		stream:      f,
		closer:      f,
	}, nil
}

// Close closes the backing file, if one is owned (FromStream-backed devices
// close their stream only if it implements io.Closer).
func (d *BlockDevice) Close() error {
	if d.closer == nil {
		return nil
	}
	err := d.closer.Close()
	d.closer = nil
	return err
}

func (d *BlockDevice) checkIndex(idx Index) error {
	if uint32(idx) >= d.TotalBlocks {
		return dioerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("block index %d out of range [0, %d)", idx, d.TotalBlocks))
	}
	return nil
}

func (d *BlockDevice) offsetOf(idx Index) int64 {
	return int64(idx) * int64(d.BlockSize)
}

// ReadBlock fills buf (which must be exactly BlockSize bytes) with the
// contents of block idx.
func (d *BlockDevice) ReadBlock(idx Index, buf []byte) error {
	if err := d.checkIndex(idx); err != nil {
		return err
	}
	if uint32(len(buf)) != d.BlockSize {
		return dioerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", d.BlockSize, len(buf)))
	}

	if _, err := d.stream.Seek(d.offsetOf(idx), io.SeekStart); err != nil {
		return dioerrors.ErrIOFailed.WrapError(err)
	}
	if _, err := io.ReadFull(d.stream, buf); err != nil {
		return dioerrors.ErrIOFailed.WrapError(err)
	}
	return nil
}

// WriteBlock writes buf (which must be exactly BlockSize bytes) to block idx
// and flushes it to stable storage before returning, if the stream supports
// that.
func (d *BlockDevice) WriteBlock(idx Index, buf []byte) error {
	if err := d.checkIndex(idx); err != nil {
		return err
	}
	if uint32(len(buf)) != d.BlockSize {
		return dioerrors.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("buffer must be exactly %d bytes, got %d", d.BlockSize, len(buf)))
	}

	if _, err := d.stream.Seek(d.offsetOf(idx), io.SeekStart); err != nil {
		return dioerrors.ErrIOFailed.WrapError(err)
	}
	n, err := d.stream.Write(buf)
	if err != nil {
		return dioerrors.ErrIOFailed.WrapError(err)
	}
	if n != len(buf) {
		return dioerrors.ErrIOFailed.WithMessage(
			fmt.Sprintf("short write of block %d: wrote %d of %d bytes", idx, n, len(buf)))
	}

	if s, ok := d.stream.(syncer); ok {
		if err := s.Sync(); err != nil {
			return dioerrors.ErrIOFailed.WrapError(err)
		}
	}
	return nil
}

// CopyBlocks copies count blocks starting at src to count blocks starting at
// dst, one block at a time (byte-exact, read-then-write).
func (d *BlockDevice) CopyBlocks(src, dst Index, count uint32) error {
	buf := make([]byte, d.BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := d.ReadBlock(src+Index(i), buf); err != nil {
			return err
		}
		if err := d.WriteBlock(dst+Index(i), buf); err != nil {
			return err
		}
	}
	return nil
}
