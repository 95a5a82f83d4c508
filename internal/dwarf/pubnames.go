package dwarf

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// PubName is one entry of .debug_pubnames: a global name and the
// CU-relative offset of its DIE.
type PubName struct {
	Name     string
	CUOffset int64
	DIEOffset int64
}

// ParsePubnames parses every set in .debug_pubnames. Each set's header
// (initial length, version, CU offset, CU length) is followed by a
// sequence of (DIE offset, name) pairs terminated by a zero offset.
func ParsePubnames(r reader.Reader) ([]PubName, error) {
	var out []PubName
	var off int64
	for off < r.Size() {
		s := NewStream(r, off, r.Size()-off)
		setStart := off

		unitLength, err := s.InitialLength()
		if err != nil {
			return nil, fmt.Errorf("dwarf: pubnames set at %#x: %w", setStart, err)
		}
		setEnd := s.Off + int64(unitLength)

		if _, err := s.U16(); err != nil { // version
			return nil, fmt.Errorf("dwarf: pubnames set at %#x: reading version: %w", setStart, err)
		}
		cuOffset, err := s.Offset()
		if err != nil {
			return nil, fmt.Errorf("dwarf: pubnames set at %#x: reading CU offset: %w", setStart, err)
		}
		if _, err := s.Offset(); err != nil { // CU length, unused
			return nil, fmt.Errorf("dwarf: pubnames set at %#x: reading CU length: %w", setStart, err)
		}

		for s.Off < setEnd {
			dieOff, err := s.Offset()
			if err != nil {
				return nil, fmt.Errorf("dwarf: pubnames set at %#x: reading DIE offset: %w", setStart, err)
			}
			if dieOff == 0 {
				break
			}
			name, err := s.CString()
			if err != nil {
				return nil, fmt.Errorf("dwarf: pubnames set at %#x: reading name: %w", setStart, err)
			}
			out = append(out, PubName{Name: name, CUOffset: int64(cuOffset), DIEOffset: int64(dieOff)})
		}

		off = setEnd
	}
	return out, nil
}
