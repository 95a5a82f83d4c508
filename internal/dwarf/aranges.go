package dwarf

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// ARange is one (start, length) tuple tagged with the CU it belongs to,
// spec.md §3 ("Address Range").
type ARange struct {
	Start    uint64
	Length   uint64
	CUOffset int64
}

// ParseARanges parses every set in .debug_aranges, per spec.md §4.6.
func ParseARanges(r reader.Reader) ([]ARange, error) {
	var out []ARange
	var off int64
	for off < r.Size() {
		s := NewStream(r, off, r.Size()-off)
		setStart := off

		unitLength, err := s.InitialLength()
		if err != nil {
			return nil, fmt.Errorf("dwarf: aranges set at %#x: %w", setStart, err)
		}
		setEnd := s.Off + int64(unitLength)

		if _, err := s.U16(); err != nil { // version
			return nil, fmt.Errorf("dwarf: aranges set at %#x: reading version: %w", setStart, err)
		}
		cuOffset, err := s.Offset()
		if err != nil {
			return nil, fmt.Errorf("dwarf: aranges set at %#x: reading CU offset: %w", setStart, err)
		}
		addrSize, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("dwarf: aranges set at %#x: reading address size: %w", setStart, err)
		}
		if _, err := s.U8(); err != nil { // segment size
			return nil, fmt.Errorf("dwarf: aranges set at %#x: reading segment size: %w", setStart, err)
		}

		// Pad so the first tuple is aligned to 2*address_size from the
		// start of the set, per spec.md §4.6 and the worked example in
		// spec.md §8 scenario 4.
		tupleAlign := int64(2 * addrSize)
		pad := (tupleAlign - (s.Off-setStart)%tupleAlign) % tupleAlign
		if err := s.Skip(pad); err != nil {
			return nil, fmt.Errorf("dwarf: aranges set at %#x: padding to alignment: %w", setStart, err)
		}

		for s.Off < setEnd {
			start, err := s.Cursor.Uint(int(addrSize))
			if err != nil {
				return nil, fmt.Errorf("dwarf: aranges set at %#x: reading tuple start: %w", setStart, err)
			}
			length, err := s.Cursor.Uint(int(addrSize))
			if err != nil {
				return nil, fmt.Errorf("dwarf: aranges set at %#x: reading tuple length: %w", setStart, err)
			}
			if start == 0 && length == 0 {
				break
			}
			out = append(out, ARange{Start: start, Length: length, CUOffset: int64(cuOffset)})
		}

		off = setEnd
	}
	return out, nil
}

// Lookup returns the CU offset of the first range in ranges covering addr,
// per spec.md §4.6 ("linear scan; return the CU-offset of the first
// covering range").
func Lookup(ranges []ARange, addr uint64) (int64, bool) {
	for _, r := range ranges {
		if addr >= r.Start && addr < r.Start+r.Length {
			return r.CUOffset, true
		}
	}
	return 0, false
}
