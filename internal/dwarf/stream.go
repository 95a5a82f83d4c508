// Package dwarf implements a from-scratch DWARF 2/3/4 navigator: the
// abbreviation table, DIE tree, line-number program, address-range index,
// and the lazily-materialized per-object DWARF Info that ties them together.
//
// It intentionally does not use the standard library's debug/dwarf; the
// point of this package is the parsing itself; debug/dwarf does not expose
// the information the frame-unwind side of this module needs (raw CIE/FDE
// bytes, DW_FORM_block spans) without a rewrite anyway.
package dwarf

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// Format distinguishes 32-bit DWARF (4-byte section offsets) from 64-bit
// DWARF (8-byte section offsets), detected from an initial-length sentinel.
type Format int

const (
	Format32 Format = iota
	Format64
)

// OffsetSize returns the width, in bytes, of a section offset in this format.
func (f Format) OffsetSize() int64 {
	if f == Format64 {
		return 8
	}
	return 4
}

// Stream is the DWARF Stream Reader of spec.md §4.1: a cursor carrying the
// extra per-unit context (address size, DWARF version, 32/64-bit format)
// that plain fixed-width and LEB128 reads aren't enough to interpret forms
// like ref_addr or addr.
type Stream struct {
	reader.Cursor
	AddrSize int    // bytes; 4 or 8
	Version  uint16 // DWARF version: 2, 3, or 4
	Fmt      Format
}

// NewStream wraps r as a little-endian Stream over [off, off+size), per
// spec.md §4.1 ("little-endian").
func NewStream(r reader.Reader, off, size int64) Stream {
	return Stream{
		Cursor:   reader.NewCursor(r, off, size, binary.LittleEndian),
		AddrSize: 8,
		Version:  4,
		Fmt:      Format32,
	}
}

// Sub returns a child Stream confined to the next n bytes, inheriting this
// Stream's address size, version, and format.
func (s *Stream) Sub(n int64) (Stream, error) {
	c, err := s.Cursor.Slice(n)
	if err != nil {
		return Stream{}, err
	}
	return Stream{Cursor: c, AddrSize: s.AddrSize, Version: s.Version, Fmt: s.Fmt}, nil
}

// Addr reads an address-sized unsigned value using s.AddrSize.
func (s *Stream) Addr() (uint64, error) {
	return s.Cursor.Uint(s.AddrSize)
}

// Offset reads a section-offset-sized value per s.Fmt (4 bytes for 32-bit
// DWARF, 8 for 64-bit DWARF).
func (s *Stream) Offset() (uint64, error) {
	return s.Cursor.Uint(int(s.Fmt.OffsetSize()))
}

// reservedLengthLo/Hi bound the sentinel range [0xFFFFFFF0, 0xFFFFFFFF) that
// spec.md §4.1 requires to be rejected as a decode error: only the exact
// value 0xFFFFFFFF switches to 64-bit DWARF, values just below it are
// reserved for a future extension this module does not support.
const (
	reservedLengthLo = 0xFFFFFFF0
	dwarf64Sentinel  = 0xFFFFFFFF
)

// InitialLength reads a DWARF "initial length": a 4-byte length, or (if that
// 4-byte value is the sentinel 0xFFFFFFFF) an 8-byte length preceded by the
// sentinel, which also switches s.Fmt to Format64 for the remainder of this
// Stream's unit. Values in [0xFFFFFFF0, 0xFFFFFFFF) are a decode error.
func (s *Stream) InitialLength() (uint64, error) {
	lo, err := s.Cursor.U32()
	if err != nil {
		return 0, fmt.Errorf("dwarf: reading initial length: %w", err)
	}
	if lo == dwarf64Sentinel {
		s.Fmt = Format64
		hi, err := s.Cursor.U64()
		if err != nil {
			return 0, fmt.Errorf("dwarf: reading 64-bit initial length: %w", err)
		}
		return hi, nil
	}
	if lo >= reservedLengthLo {
		return 0, fmt.Errorf("dwarf: reserved initial-length value %#x", lo)
	}
	s.Fmt = Format32
	return uint64(lo), nil
}
