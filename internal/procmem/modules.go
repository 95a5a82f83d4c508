package procmem

import (
	"fmt"
	"sort"

	"github.com/nwtrace/nwtrace/internal/dwarf"
	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/frame"
	"github.com/nwtrace/nwtrace/internal/reader"
	"github.com/nwtrace/nwtrace/internal/unwind"
)

// Modules opens the backing file of every distinct path recorded in
// cf.Files, builds its DWARF and CFI indexes, and computes its load bias
// from the lowest address at which the core mapped it versus the lowest
// PT_LOAD virtual address the object itself declares. It then walks the
// dynamic linker's rendezvous structure (DT_DEBUG / struct r_debug /
// struct link_map) to pick up any mapped object the core's NT_FILE notes
// missed. Objects that fail to open (moved shared library, stripped-and-
// missing debug file, ...) are skipped and reported as warnings rather
// than failing the whole attach, per spec.md §7.
func Modules(cf *CoreFile, searchDir string) ([]*unwind.Module, []string, error) {
	groups := make(map[string][]FileMapping)
	var order []string
	for _, fm := range cf.Files {
		if _, ok := groups[fm.Path]; !ok {
			order = append(order, fm.Path)
		}
		groups[fm.Path] = append(groups[fm.Path], fm)
	}

	var modules []*unwind.Module
	var warnings []string
	seen := make(map[string]bool)

	// The first NT_FILE-backed object is, in practice, the main executable:
	// the kernel records mappings in address order and the executable's own
	// segments are always among the first a process maps. It anchors the
	// rendezvous walk below.
	var execObj *elfview.Object
	var execBias uint64

	for i, path := range order {
		entries := groups[path]
		sort.Slice(entries, func(a, b int) bool { return entries[a].Min < entries[b].Min })

		resolved := BackingPath(searchDir, path)
		mod, obj, err := openModule(path, resolved)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("module %s: %v (stack traces through it will be unsymbolized)", path, err))
			continue
		}

		mod.LoadBias = computeLoadBias(obj, entries)
		mod.LowAddr = entries[0].Min
		mod.HighAddr = entries[len(entries)-1].Max
		attachDebugInfo(mod, obj)
		modules = append(modules, mod)
		seen[path] = true

		if i == 0 {
			execObj, execBias = obj, mod.LoadBias
		}
	}

	if execObj != nil {
		extra, extraWarnings := rendezvousObjects(cf, execObj, execBias, searchDir, seen)
		modules = append(modules, extra...)
		warnings = append(warnings, extraWarnings...)
	}

	return modules, warnings, nil
}

// openModule opens path's resolved backing file and parses it as an ELF
// object, returning a bare *unwind.Module (name and object set, everything
// else left to the caller — its two callers disagree on how to
// compute LoadBias/LowAddr/HighAddr).
func openModule(name, resolvedPath string) (*unwind.Module, *elfview.Object, error) {
	fr, err := reader.NewFileReader(resolvedPath)
	if err != nil {
		return nil, nil, err
	}
	obj, err := elfview.Parse(fr)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing ELF: %w", err)
	}
	return &unwind.Module{Name: name, Object: obj}, obj, nil
}

// attachDebugInfo fills in mod's DWARF and CFI indexes from obj, each
// independently best-effort: a missing or malformed section just leaves
// that field nil rather than failing the whole module.
func attachDebugInfo(mod *unwind.Module, obj *elfview.Object) {
	if info, err := dwarf.NewInfo(obj); err == nil {
		if cus, err := info.CompileUnits(); err == nil && len(cus) > 0 {
			mod.Info = info
		}
	}
	if sec, ok := obj.Section(".debug_frame"); ok {
		if fi, err := frame.Parse(sec, frame.DebugFrame, pointerWidth(obj.Class)); err == nil {
			mod.DebugFrame = fi
		}
	}
	if sec, ok := obj.Section(".eh_frame"); ok {
		if fi, err := frame.Parse(sec, frame.EHFrame, pointerWidth(obj.Class)); err == nil {
			mod.EHFrame = fi
		}
	}
}

// rendezvousObjects supplements modules already built from NT_FILE notes
// with whatever the dynamic linker's own link_map chain reports that
// wasn't already covered — typically libraries the core dumped without a
// usable NT_FILE entry, or simply a second, independent confirmation of
// the same set. seen is mutated as paths are added.
func rendezvousObjects(cf *CoreFile, execObj *elfview.Object, execBias uint64, searchDir string, seen map[string]bool) ([]*unwind.Module, []string) {
	ptrSize := pointerWidth(execObj.Class)

	rDebugAddr, err := FindRDebugAddr(execObj, execBias, cf.Memory, ptrSize)
	if err != nil {
		return nil, []string{fmt.Sprintf("rendezvous walk: locating r_debug: %v", err)}
	}
	if rDebugAddr == 0 {
		// Statically linked executable, or a stripped/unusual dynamic
		// section: nothing more to discover.
		return nil, nil
	}

	objs, err := LoadSharedObjects(cf.Memory, rDebugAddr, ptrSize)
	if err != nil {
		return nil, []string{fmt.Sprintf("rendezvous walk: %v", err)}
	}

	var modules []*unwind.Module
	var warnings []string
	for _, o := range objs {
		// An empty path is the executable's own link_map entry (or one ld.so
		// hasn't finished relocating); the executable is already covered via
		// NT_FILE, so skip it here.
		if o.Path == "" || seen[o.Path] {
			continue
		}
		seen[o.Path] = true

		resolved := BackingPath(searchDir, o.Path)
		mod, obj, err := openModule(o.Path, resolved)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("module %s: %v (found via rendezvous walk; stack traces through it will be unsymbolized)", o.Path, err))
			continue
		}

		mod.LoadBias = o.Base
		mod.LowAddr, mod.HighAddr = segmentAddressRange(obj, o.Base)
		attachDebugInfo(mod, obj)
		modules = append(modules, mod)
	}
	return modules, warnings
}

// segmentAddressRange returns the lowest and highest runtime address obj's
// PT_LOAD segments span once biased by bias — the rendezvous-walk
// equivalent of the NT_FILE-derived [Min,Max) range used for modules found
// directly from the core's own mapping list.
func segmentAddressRange(obj *elfview.Object, bias uint64) (low, high uint64) {
	have := false
	for _, seg := range obj.SegmentsOfType(elfview.PT_LOAD) {
		segLow := seg.Vaddr + bias
		segHigh := segLow + seg.Memsz
		if !have || segLow < low {
			low = segLow
		}
		if segHigh > high {
			high = segHigh
		}
		have = true
	}
	return low, high
}

func pointerWidth(c elfview.Class) int {
	if c == elfview.Class32 {
		return 4
	}
	return 8
}

// computeLoadBias anchors the object's lowest mapped page against the
// lowest p_vaddr among its own PT_LOAD segments: for a non-PIE executable
// this is usually zero, for a PIE executable or shared object it is the
// runtime slide ASLR applied.
func computeLoadBias(obj *elfview.Object, entries []FileMapping) uint64 {
	var lowestVaddr uint64
	have := false
	for _, seg := range obj.SegmentsOfType(elfview.PT_LOAD) {
		if !have || seg.Vaddr < lowestVaddr {
			lowestVaddr = seg.Vaddr
			have = true
		}
	}
	if !have || len(entries) == 0 {
		return 0
	}
	return entries[0].Min - lowestVaddr
}
