// Package reader defines the byte-addressable random-access view that every
// other package in this module reads sections and process memory through.
package reader

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// A Reader is a random-access, byte-addressable view of some backing store:
// an mmap'd ELF section, an open core file, or a live process's address
// space. Implementations are owned by their caller; Cursors derived from a
// Reader are cheap to copy and do not own it.
type Reader interface {
	// ReadAt behaves like io.ReaderAt: it reads len(p) bytes starting at
	// off, returning a short count and an error (often io.EOF) on failure.
	ReadAt(p []byte, off int64) (int, error)

	// Size returns the number of addressable bytes, or -1 if unbounded
	// (e.g. a live process's sparse address space).
	Size() int64

	// Describe returns a short label for diagnostics, e.g. a file path
	// or "core:<pid>".
	Describe() string
}

// SliceReader is a Reader backed by an in-memory byte slice, used for
// ELF sections that have already been read into memory.
type SliceReader struct {
	name string
	data []byte
}

// NewSliceReader wraps data as a Reader labeled name.
func NewSliceReader(name string, data []byte) *SliceReader {
	return &SliceReader{name: name, data: data}
}

func (s *SliceReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.data)) {
		return 0, fmt.Errorf("reader: offset %d out of range for %s (size %d)", off, s.name, len(s.data))
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *SliceReader) Size() int64       { return int64(len(s.data)) }
func (s *SliceReader) Describe() string  { return s.name }
func (s *SliceReader) Bytes() []byte     { return s.data }

// FileReader is a Reader backed by an open file, used for ELF objects and
// core dumps too large to read into memory up front.
type FileReader struct {
	f    *os.File
	size int64
}

// NewFileReader opens path and wraps it as a Reader.
func NewFileReader(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reader: opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reader: stat %s: %w", path, err)
	}
	return &FileReader{f: f, size: info.Size()}, nil
}

func (f *FileReader) ReadAt(p []byte, off int64) (int, error) { return f.f.ReadAt(p, off) }
func (f *FileReader) Size() int64                             { return f.size }
func (f *FileReader) Describe() string                        { return f.f.Name() }
func (f *FileReader) Close() error                             { return f.f.Close() }

// Cursor is a stateful, bounded read position over a Reader. It is the
// common implementation shared by the ELF View (for header/section-table
// parsing) and by the DWARF Stream Reader (which layers LEB128, initial
// length, and version-aware offset widths on top).
//
// All reads advance the cursor and fail if they would cross Limit; callers
// derive cheap sub-cursors with Slice to confine a child parse to a byte
// range (an abbreviation table, a single CIE/FDE, a block-form attribute).
type Cursor struct {
	R     Reader
	Off   int64
	Limit int64 // exclusive upper bound
	Order binary.ByteOrder
}

// NewCursor returns a Cursor over the byte range [off, off+size) of r.
func NewCursor(r Reader, off, size int64, order binary.ByteOrder) Cursor {
	if order == nil {
		order = binary.LittleEndian
	}
	return Cursor{R: r, Off: off, Limit: off + size, Order: order}
}

// Remaining returns the number of unread bytes before Limit.
func (c *Cursor) Remaining() int64 { return c.Limit - c.Off }

// Exhausted reports whether the cursor has reached its limit.
func (c *Cursor) Exhausted() bool { return c.Off >= c.Limit }

// Slice carves out a child cursor over the next n bytes and advances past
// them, without copying the backing bytes.
func (c *Cursor) Slice(n int64) (Cursor, error) {
	if n < 0 || c.Off+n > c.Limit {
		return Cursor{}, fmt.Errorf("reader: slice of %d bytes at %#x overruns limit %#x in %s", n, c.Off, c.Limit, c.R.Describe())
	}
	sub := Cursor{R: c.R, Off: c.Off, Limit: c.Off + n, Order: c.Order}
	c.Off += n
	return sub, nil
}

func (c *Cursor) bytes(n int64) ([]byte, error) {
	if n < 0 || c.Off+n > c.Limit {
		return nil, fmt.Errorf("reader: read of %d bytes at %#x overruns limit %#x in %s", n, c.Off, c.Limit, c.R.Describe())
	}
	buf := make([]byte, n)
	if _, err := c.R.ReadAt(buf, c.Off); err != nil {
		return nil, fmt.Errorf("reader: short read at %#x in %s: %w", c.Off, c.R.Describe(), err)
	}
	c.Off += n
	return buf, nil
}

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n int64) error {
	if n < 0 || c.Off+n > c.Limit {
		return fmt.Errorf("reader: skip of %d bytes at %#x overruns limit %#x in %s", n, c.Off, c.Limit, c.R.Describe())
	}
	c.Off += n
	return nil
}

func (c *Cursor) U8() (uint8, error) {
	b, err := c.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) U16() (uint16, error) {
	b, err := c.bytes(2)
	if err != nil {
		return 0, err
	}
	return c.Order.Uint16(b), nil
}

func (c *Cursor) U32() (uint32, error) {
	b, err := c.bytes(4)
	if err != nil {
		return 0, err
	}
	return c.Order.Uint32(b), nil
}

func (c *Cursor) U64() (uint64, error) {
	b, err := c.bytes(8)
	if err != nil {
		return 0, err
	}
	return c.Order.Uint64(b), nil
}

func (c *Cursor) I8() (int8, error) {
	v, err := c.U8()
	return int8(v), err
}

func (c *Cursor) I16() (int16, error) {
	v, err := c.U16()
	return int16(v), err
}

func (c *Cursor) I32() (int32, error) {
	v, err := c.U32()
	return int32(v), err
}

func (c *Cursor) I64() (int64, error) {
	v, err := c.U64()
	return int64(v), err
}

// Uint reads an n-byte (1/2/4/8) little/big-endian unsigned integer, as
// required by forms like data1/2/4/8 whose width is only known at the call
// site.
func (c *Cursor) Uint(n int) (uint64, error) {
	switch n {
	case 1:
		v, err := c.U8()
		return uint64(v), err
	case 2:
		v, err := c.U16()
		return uint64(v), err
	case 4:
		v, err := c.U32()
		return uint64(v), err
	case 8:
		return c.U64()
	default:
		return 0, fmt.Errorf("reader: unsupported integer width %d", n)
	}
}

// Bytes reads and returns a copy of the next n bytes.
func (c *Cursor) Bytes(n int64) ([]byte, error) {
	return c.bytes(n)
}

// maxStringLen bounds every null-terminated string read, per spec.md §5
// ("Cancellation and timeouts"): 2000 bytes before a decode error.
const maxStringLen = 2000

// CString reads a NUL-terminated string starting at the cursor.
func (c *Cursor) CString() (string, error) {
	start := c.Off
	for n := int64(0); ; n++ {
		if c.Off >= c.Limit {
			return "", fmt.Errorf("reader: unterminated string at %#x in %s", start, c.R.Describe())
		}
		if n > maxStringLen {
			return "", fmt.Errorf("reader: string at %#x in %s exceeds %d bytes", start, c.R.Describe(), maxStringLen)
		}
		b, err := c.U8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
	}
	buf, err := (&Cursor{R: c.R, Off: start, Limit: c.Off - 1, Order: c.Order}).bytes(c.Off - 1 - start)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Uleb128 decodes an unsigned little-endian base-128 varint.
func (c *Cursor) Uleb128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := c.U8()
		if err != nil {
			return 0, fmt.Errorf("reader: ULEB128 decode: %w", err)
		}
		if shift >= 64 {
			return 0, fmt.Errorf("reader: ULEB128 at %#x overflows 64 bits", c.Off)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

// Sleb128 decodes a signed little-endian base-128 varint.
func (c *Cursor) Sleb128() (int64, error) {
	var result int64
	var shift uint
	var b uint8
	var err error
	for {
		b, err = c.U8()
		if err != nil {
			return 0, fmt.Errorf("reader: SLEB128 decode: %w", err)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}
