package unwind

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/dwarf"
	"github.com/nwtrace/nwtrace/internal/elfview"
)

// Symbolizer fills in Frame.Function/File/Line/Args on a best-effort
// basis, per spec.md §4.12: prefer DWARF's subprogram DIE and line
// matrix, fall back to the ELF symbol table, and leave the frame
// unresolved rather than error if neither is available.
type Symbolizer struct{}

// Fill attempts to symbolize f.PC within mod, mutating f in place.
func (s *Symbolizer) Fill(f *Frame, mod *Module, pc uint64) {
	if mod == nil {
		return
	}
	objpc := pc - mod.LoadBias

	// Same call-site convention as Unwinder.Step: pc is usually a return
	// address, so back up one byte before asking which subprogram/line/
	// symbol covers it. f.PC and the "???" fallback below keep the raw,
	// un-decremented address — only the coverage lookups are shifted.
	wantAddr := objpc - 1

	if mod.Info != nil {
		if cu, err := mod.Info.CUForPC(wantAddr); err == nil && cu != nil {
			if sub := dwarf.SubprogramForPC(cu, wantAddr); sub != nil {
				if v, ok := sub.Val(dwarf.AttrName); ok {
					f.Function = v.Str
				}
				f.Args = formalParamNames(sub)
			}
			if row, ok := dwarf.LookupAddress(cu.LineMatrix, wantAddr); ok {
				f.Line = row.Line
				if row.File >= 0 && row.File < len(cu.LineFiles) {
					f.File = cu.LineFiles[row.File].Name
				}
			}
		}
	}

	if f.Function == "" {
		if syms, err := mod.Object.Symbols(); err == nil && syms != nil {
			if sym, ok := elfview.FuncForPC(syms, wantAddr); ok {
				f.Function = sym.Name
			}
		}
	}
	if f.Function == "" {
		f.Function = fmt.Sprintf("??? (%#x)", pc)
	}
}

func formalParamNames(sub *dwarf.DIE) []string {
	var names []string
	for _, c := range sub.Children {
		if c.Tag != dwarf.TagFormalParam {
			continue
		}
		if v, ok := c.Val(dwarf.AttrName); ok {
			names = append(names, v.Str)
		}
	}
	return names
}
