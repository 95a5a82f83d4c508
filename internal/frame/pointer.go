package frame

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/dwarf"
)

// PointerEncoding is the one-byte descriptor from spec.md §4.8 that
// precedes every encoded pointer in .eh_frame's augmentation data.
type PointerEncoding byte

const (
	pePresent PointerEncoding = 0xff // DW_EH_PE_omit: no value follows
)

// format (low nibble)
const (
	peAbsptr  = 0x00
	peULEB128 = 0x01
	peUData2  = 0x02
	peUData4  = 0x03
	peUData8  = 0x04
	peSLEB128 = 0x09
	peSData2  = 0x0a
	peSData4  = 0x0b
	peSData8  = 0x0c
)

// base (high nibble); indirect (0x80) is not spec'd here, so any set bit
// there is a decode error.
const (
	peBaseAbs     = 0x00
	peBasePCRel   = 0x10
	peBaseTextRel = 0x20
	peBaseDataRel = 0x30
	peBaseFuncRel = 0x40
	peBaseAligned = 0x50
)

// Omitted reports whether this byte means "no pointer present" (0xff),
// used by the FDE parser to skip the LSDA pointer when the CIE's LSDA
// encoding is omitted.
func (e PointerEncoding) Omitted() bool { return e == 0xff }

// decodePointer reads one encoded pointer from s per spec.md §4.8.
// pcrelBase is the module-relative virtual address of the byte the cursor
// is currently positioned at (i.e. the position the pcrel application is
// relative to); see DESIGN.md for why this module keeps pcrel bases
// module-relative rather than already load-biased.
func decodePointer(s *dwarf.Stream, enc PointerEncoding, addrSize int, pcrelBase uint64) (uint64, error) {
	if enc.Omitted() {
		return 0, fmt.Errorf("frame: attempted to decode an omitted (0xff) pointer encoding")
	}
	if enc&0x80 != 0 {
		return 0, fmt.Errorf("frame: pointer encoding %#x: indirect encodings are not supported", enc)
	}
	format := byte(enc) & 0x0f
	base := byte(enc) & 0x70

	var value uint64
	var err error
	switch format {
	case peAbsptr:
		value, err = s.Cursor.Uint(addrSize)
	case peULEB128:
		value, err = s.Uleb128()
	case peUData2:
		value, err = s.Cursor.Uint(2)
	case peUData4:
		value, err = s.Cursor.Uint(4)
	case peUData8:
		value, err = s.Cursor.Uint(8)
	case peSLEB128:
		var sv int64
		sv, err = s.Sleb128()
		value = uint64(sv)
	case peSData2:
		var sv int16
		sv, err = s.Cursor.I16()
		value = uint64(int64(sv))
	case peSData4:
		var sv int32
		sv, err = s.Cursor.I32()
		value = uint64(int64(sv))
	case peSData8:
		var sv int64
		sv, err = s.Cursor.I64()
		value = uint64(sv)
	default:
		return 0, fmt.Errorf("frame: pointer encoding %#x: unknown format nibble", enc)
	}
	if err != nil {
		return 0, fmt.Errorf("frame: decoding pointer (encoding %#x): %w", enc, err)
	}

	switch base {
	case peBaseAbs:
		return value, nil
	case peBasePCRel:
		return pcrelBase + value, nil
	default:
		return 0, fmt.Errorf("frame: pointer encoding %#x: base %#x not implemented (only absptr and pcrel are)", enc, base)
	}
}
