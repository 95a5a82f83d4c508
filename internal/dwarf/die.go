package dwarf

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// DIE is one Debugging Information Entry: spec.md §3.
type DIE struct {
	Tag      Tag
	CU       *CompileUnit
	Offset   int64 // absolute offset in .debug_info
	Attrs    map[Attr]Value
	Children []*DIE
}

// Val returns the attribute's decoded value, and whether it was present.
func (d *DIE) Val(name Attr) (Value, bool) {
	v, ok := d.Attrs[name]
	return v, ok
}

// CompileUnit is the top-level DIE's container: spec.md §3 ("CU").
type CompileUnit struct {
	Offset       int64 // start of this CU's header in .debug_info
	Length       uint64
	Version      uint16
	AbbrevOffset uint64
	AddrSize     int
	Format       Format

	Abbrevs AbbrevTable
	Root    *DIE

	// dies indexes every DIE in this CU by absolute .debug_info offset,
	// so ref1/2/4/8 and ref_addr attributes resolve in O(1) without
	// materializing a separate graph (spec.md §9, "Cyclic / self-referential
	// references": resolve lazily through the CU's DIE map, never
	// materialize back-edges as owning links).
	dies map[int64]*DIE

	LineMatrix []LineRow   // built from DW_AT_stmt_list by attachLineProgram (info.go)
	LineFiles  []FileEntry // this CU's line-program file-name table
}

// DIEAt resolves a .debug_info offset to its DIE within this CU. Cross-CU
// references are resolved by the owning Info, not here.
func (cu *CompileUnit) DIEAt(off int64) (*DIE, bool) {
	d, ok := cu.dies[off]
	return d, ok
}

// parseCompileUnit parses one compile unit header and its DIE tree starting
// at cuOff in the .debug_info stream s (already positioned at cuOff), per
// spec.md §4.3. abbrevSection supplies the raw .debug_abbrev bytes and
// strTab resolves DW_FORM_strp.
func parseCompileUnit(s Stream, cuOff int64, abbrevSection reader.Reader, strTab *StringTable) (*CompileUnit, error) {
	length, err := s.InitialLength()
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: %w", cuOff, err)
	}
	unitEnd := s.Off + int64(length)

	version, err := s.U16()
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: reading version: %w", cuOff, err)
	}
	if version < 2 || version > 4 {
		return nil, fmt.Errorf("dwarf: CU at %#x: unsupported version %d", cuOff, version)
	}

	abbrevOff, err := s.Offset()
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: reading abbrev offset: %w", cuOff, err)
	}
	addrSize, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: reading address size: %w", cuOff, err)
	}

	cu := &CompileUnit{
		Offset:       cuOff,
		Length:       length,
		Version:      version,
		AbbrevOffset: abbrevOff,
		AddrSize:     int(addrSize),
		Format:       s.Fmt,
		dies:         map[int64]*DIE{},
	}

	abbrevStream := NewStream(abbrevSection, int64(abbrevOff), abbrevSection.Size()-int64(abbrevOff))
	abbrevs, err := parseAbbrevTable(abbrevStream)
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: %w", cuOff, err)
	}
	cu.Abbrevs = abbrevs

	s.AddrSize = cu.AddrSize
	s.Version = version

	unitStream, err := s.Sub(unitEnd - s.Off)
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: truncated unit: %w", cuOff, err)
	}

	root, _, err := parseDIESiblings(&unitStream, cu, strTab)
	if err != nil {
		return nil, fmt.Errorf("dwarf: CU at %#x: %w", cuOff, err)
	}
	if len(root) != 1 || root[0].Tag != TagCompileUnit {
		return nil, fmt.Errorf("dwarf: CU at %#x: expected exactly one compile-unit root DIE, got %d", cuOff, len(root))
	}
	cu.Root = root[0]
	return cu, nil
}

// parseDIESiblings parses a run of sibling DIEs (and their children,
// recursively) until either the stream is exhausted or a code-0
// sibling-list terminator is read, per spec.md §4.3.
func parseDIESiblings(s *Stream, cu *CompileUnit, strTab *StringTable) ([]*DIE, bool, error) {
	var sibs []*DIE
	for !s.Exhausted() {
		dieOff := s.Off
		code, err := s.Uleb128()
		if err != nil {
			return nil, false, fmt.Errorf("reading abbrev code at %#x: %w", dieOff, err)
		}
		if code == 0 {
			return sibs, true, nil
		}
		abbrev, err := cu.Abbrevs.Lookup(code)
		if err != nil {
			return nil, false, fmt.Errorf("DIE at %#x: %w", dieOff, err)
		}
		d := &DIE{Tag: abbrev.Tag, CU: cu, Offset: dieOff, Attrs: map[Attr]Value{}}
		for _, spec := range abbrev.Attrs {
			v, err := decodeAttr(s, cu.Offset, spec.Form, strTab)
			if err != nil {
				return nil, false, fmt.Errorf("DIE at %#x attribute %#x: %w", dieOff, spec.Name, err)
			}
			d.Attrs[spec.Name] = v
		}
		cu.dies[dieOff] = d
		if abbrev.HasChildren {
			children, terminated, err := parseDIESiblings(s, cu, strTab)
			if err != nil {
				return nil, false, err
			}
			if !terminated {
				return nil, false, fmt.Errorf("DIE at %#x: children not terminated before end of unit", dieOff)
			}
			d.Children = children
		}
		sibs = append(sibs, d)
	}
	return sibs, false, nil
}
