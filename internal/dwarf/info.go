package dwarf

import (
	"fmt"
	"sync"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// SectionProvider is the minimal view this package needs of an ELF object:
// named-section lookup. internal/elfview.Object satisfies this.
type SectionProvider interface {
	Section(name string) (reader.Reader, bool)
	Describe() string
}

// Info is the per-ELF-object container of lazily materialized DWARF
// sub-indexes described in spec.md §3 ("DWARF Info") and §5 ("Shared
// state"): CU table, aranges, line programs, and (elsewhere, in package
// frame) frame info. Concurrent first access from multiple goroutines is
// not supported — callers must serialize or pre-warm, matching spec.md §5.
type Info struct {
	obj SectionProvider

	strTab *StringTable

	cusOnce sync.Once
	cus     []*CompileUnit
	cusErr  error

	arangesOnce sync.Once
	aranges     []ARange
	arangesErr  error

	pubnamesOnce sync.Once
	pubnames     []PubName
	pubnamesErr  error
}

// NewInfo constructs an Info over obj, eagerly loading the debug-string
// table (spec.md §3: "eagerly loaded into a private buffer").
func NewInfo(obj SectionProvider) (*Info, error) {
	var strTab *StringTable
	if sec, ok := obj.Section(".debug_str"); ok {
		t, err := NewStringTable(sec)
		if err != nil {
			return nil, fmt.Errorf("dwarf: %s: %w", obj.Describe(), err)
		}
		strTab = t
	} else {
		strTab, _ = NewStringTable(nil)
	}
	return &Info{obj: obj, strTab: strTab}, nil
}

// CompileUnits returns every compile unit in .debug_info, parsing them (and
// their DIE trees and, where present, line programs) on first access.
// A decode error marks this object's CU table empty rather than failing
// the whole attach, per spec.md §7 ("a decode error... the higher-level
// index for that ELF object is marked empty but other objects proceed").
func (info *Info) CompileUnits() ([]*CompileUnit, error) {
	info.cusOnce.Do(func() {
		info.cus, info.cusErr = info.parseCompileUnits()
	})
	return info.cus, info.cusErr
}

func (info *Info) parseCompileUnits() ([]*CompileUnit, error) {
	debugInfo, ok := info.obj.Section(".debug_info")
	if !ok {
		return nil, nil
	}
	abbrevSec, ok := info.obj.Section(".debug_abbrev")
	if !ok {
		return nil, fmt.Errorf("dwarf: %s has .debug_info but no .debug_abbrev", info.obj.Describe())
	}
	lineSec, _ := info.obj.Section(".debug_line")

	var cus []*CompileUnit
	var off int64
	for off < debugInfo.Size() {
		s := NewStream(debugInfo, off, debugInfo.Size()-off)
		cu, err := parseCompileUnit(s, off, abbrevSec, info.strTab)
		if err != nil {
			return nil, fmt.Errorf("dwarf: %s: %w", info.obj.Describe(), err)
		}
		if err := attachLineProgram(cu, lineSec); err != nil {
			return nil, fmt.Errorf("dwarf: %s: CU at %#x: %w", info.obj.Describe(), off, err)
		}
		cus = append(cus, cu)
		off = off + int64(cu.Length) + lengthPrefixSize(cu.Format == Format64)
	}
	return cus, nil
}

// attachLineProgram implements the post-parse hook of spec.md §4.3: if the
// root DIE carries DW_AT_stmt_list and a .debug_line section exists, build
// that CU's line matrix.
func attachLineProgram(cu *CompileUnit, lineSec reader.Reader) error {
	if lineSec == nil {
		return nil
	}
	v, ok := cu.Root.Val(AttrStmtList)
	if !ok {
		return nil
	}
	off, err := v.Uint64()
	if err != nil {
		return fmt.Errorf("DW_AT_stmt_list: %w", err)
	}
	matrix, files, err := ParseLineProgram(lineSec, int64(off))
	if err != nil {
		return fmt.Errorf("line program at %#x: %w", off, err)
	}
	cu.LineMatrix = matrix
	cu.LineFiles = files
	return nil
}

// ARanges returns the parsed .debug_aranges index, or nil if the object has
// none — callers must then fall back to scanning every CU (spec.md §4.6).
func (info *Info) ARanges() ([]ARange, error) {
	info.arangesOnce.Do(func() {
		sec, ok := info.obj.Section(".debug_aranges")
		if !ok {
			return
		}
		info.aranges, info.arangesErr = ParseARanges(sec)
	})
	return info.aranges, info.arangesErr
}

// Pubnames returns the parsed .debug_pubnames index, or nil if the object
// carries none. Callers needing a name-to-DIE lookup fall back to walking
// every CU's tree when this is empty.
func (info *Info) Pubnames() ([]PubName, error) {
	info.pubnamesOnce.Do(func() {
		sec, ok := info.obj.Section(".debug_pubnames")
		if !ok {
			return
		}
		info.pubnames, info.pubnamesErr = ParsePubnames(sec)
	})
	return info.pubnames, info.pubnamesErr
}

// FindByName resolves a global name to its DIE via the .debug_pubnames
// index, falling back to a linear scan of every CU's tree when the object
// carries no such index (stripped of it, or produced by a compiler that
// never emitted one).
func (info *Info) FindByName(name string) (*DIE, error) {
	cus, err := info.CompileUnits()
	if err != nil {
		return nil, err
	}
	if pubs, err := info.Pubnames(); err == nil && pubs != nil {
		for _, p := range pubs {
			if p.Name != name {
				continue
			}
			for _, cu := range cus {
				if cu.Offset != p.CUOffset {
					continue
				}
				if d, ok := cu.DIEAt(cu.Offset + p.DIEOffset); ok {
					return d, nil
				}
			}
		}
	}
	for _, cu := range cus {
		if d := findNamed(cu.Root, name); d != nil {
			return d, nil
		}
	}
	return nil, nil
}

func findNamed(d *DIE, name string) *DIE {
	if v, ok := d.Val(AttrName); ok && v.Str == name {
		return d
	}
	for _, c := range d.Children {
		if found := findNamed(c, name); found != nil {
			return found
		}
	}
	return nil
}

// CUForPC finds the compile unit covering pc, using the address range index
// when available and falling back to a linear scan of every CU's low/high
// PC otherwise (spec.md §4.6).
func (info *Info) CUForPC(pc uint64) (*CompileUnit, error) {
	cus, err := info.CompileUnits()
	if err != nil {
		return nil, err
	}
	if ranges, err := info.ARanges(); err == nil && ranges != nil {
		if cuOff, ok := Lookup(ranges, pc); ok {
			for _, cu := range cus {
				if cu.Offset == cuOff {
					return cu, nil
				}
			}
		}
	}
	for _, cu := range cus {
		low, high, ok := subprogramRange(cu.Root)
		if ok && pc >= low && pc < high {
			return cu, nil
		}
	}
	return nil, nil
}

func subprogramRange(d *DIE) (low, high uint64, ok bool) {
	lowVal, lowOK := d.Val(AttrLowpc)
	highVal, highOK := d.Val(AttrHighpc)
	if !lowOK || !highOK {
		return 0, 0, false
	}
	low = lowVal.Uint
	high = highVal.Uint
	// DWARF4 often encodes highpc as an offset from lowpc rather than an
	// absolute address when its form is a constant class; treat any
	// high <= low as the offset form.
	if high <= low {
		high = low + high
	}
	return low, high, true
}

// SubprogramForPC descends cu's DIE tree for the subprogram DIE whose
// [lowpc, highpc) covers pc (spec.md §4.12, used for argument printing).
func SubprogramForPC(cu *CompileUnit, pc uint64) *DIE {
	var found *DIE
	var walk func(d *DIE)
	walk = func(d *DIE) {
		if found != nil {
			return
		}
		if d.Tag == TagSubprogram {
			if low, high, ok := subprogramRange(d); ok && pc >= low && pc < high {
				found = d
				return
			}
		}
		for _, c := range d.Children {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(cu.Root)
	return found
}
