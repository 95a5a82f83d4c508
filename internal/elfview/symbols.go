package elfview

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// Symbols returns every entry of .symtab, falling back to .dynsym if
// .symtab is absent (e.g. a stripped shared object), per spec.md §3
// ("optional symbol hash table"). The result is cached after first parse.
func (o *Object) Symbols() ([]Symbol, error) {
	if o.symbols != nil || o.symbolsErr != nil {
		return o.symbols, o.symbolsErr
	}
	for _, name := range []string{".symtab", ".dynsym"} {
		sec, ok := o.sectionByName[name]
		if !ok {
			continue
		}
		strName := ".strtab"
		if name == ".dynsym" {
			strName = ".dynstr"
		}
		strSec, ok := o.sectionByName[strName]
		if !ok {
			continue
		}
		syms, err := parseSymtab(sec, strSec.Reader(), o.Class)
		if err != nil {
			o.symbolsErr = fmt.Errorf("elfview: %s: %w", name, err)
			return nil, o.symbolsErr
		}
		o.symbols = syms
		return syms, nil
	}
	return nil, nil
}

func parseSymtab(sec *Section, strTab reader.Reader, class Class) ([]Symbol, error) {
	entsize := sec.EntSize
	if entsize == 0 {
		if class == Class64 {
			entsize = 24
		} else {
			entsize = 16
		}
	}
	r := sec.Reader()
	n := int(sec.Size / entsize)
	syms := make([]Symbol, 0, n)
	for i := 0; i < n; i++ {
		c := reader.NewCursor(r, int64(i)*int64(entsize), int64(entsize), binary.LittleEndian)
		var nameOff uint32
		var value, size uint64
		var shndx uint16
		var err error
		if class == Class64 {
			if nameOff, err = c.U32(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_name: %w", i, err)
			}
			if _, err = c.U8(); err != nil { // st_info
				return nil, fmt.Errorf("symbol %d: reading st_info: %w", i, err)
			}
			if _, err = c.U8(); err != nil { // st_other
				return nil, fmt.Errorf("symbol %d: reading st_other: %w", i, err)
			}
			if shndx, err = c.U16(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_shndx: %w", i, err)
			}
			if value, err = c.U64(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_value: %w", i, err)
			}
			if size, err = c.U64(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_size: %w", i, err)
			}
		} else {
			if nameOff, err = c.U32(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_name: %w", i, err)
			}
			var v32 uint32
			if v32, err = c.U32(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_value: %w", i, err)
			}
			value = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_size: %w", i, err)
			}
			size = uint64(v32)
			if _, err = c.U8(); err != nil { // st_info
				return nil, fmt.Errorf("symbol %d: reading st_info: %w", i, err)
			}
			if _, err = c.U8(); err != nil { // st_other
				return nil, fmt.Errorf("symbol %d: reading st_other: %w", i, err)
			}
			if shndx, err = c.U16(); err != nil {
				return nil, fmt.Errorf("symbol %d: reading st_shndx: %w", i, err)
			}
		}
		name, err := cStringAt(strTab, int64(nameOff))
		if err != nil {
			return nil, fmt.Errorf("symbol %d: resolving name: %w", i, err)
		}
		if name == "" {
			continue
		}
		syms = append(syms, Symbol{Name: name, Value: value, Size: size, Shndx: shndx})
	}
	return syms, nil
}

// FuncForPC returns the symbol whose [Value, Value+Size) covers pc, using a
// binary search over symbols sorted by Value. It is the ELF-symbol-table
// fallback the Stack Walker uses when no subprogram DIE covers the address
// (spec.md §4.12: "uses ELF symbol tables (hash or linear) to find the
// enclosing function name").
func FuncForPC(syms []Symbol, pc uint64) (Symbol, bool) {
	sorted := make([]Symbol, len(syms))
	copy(sorted, syms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].Value > pc })
	if i == 0 {
		return Symbol{}, false
	}
	cand := sorted[i-1]
	if cand.Size == 0 {
		// Size-less symbols (common in stripped-ish tables) are treated as
		// covering up to the next symbol's start.
		if pc >= cand.Value {
			return cand, true
		}
		return Symbol{}, false
	}
	if pc >= cand.Value && pc < cand.Value+cand.Size {
		return cand, true
	}
	return Symbol{}, false
}
