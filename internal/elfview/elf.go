// Package elfview is a from-scratch, read-only ELF object reader: it parses
// just enough of the ELF header, program headers, section headers, and
// symbol tables for the DWARF and CFI layers to locate sections, and for
// the process adapter to find loadable segments, per spec.md §6 ("ELF file
// format. Consumed read-only").
package elfview

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// Class is the ELF address width.
type Class int

const (
	Class32 Class = 1
	Class64 Class = 2
)

// Machine identifies the target instruction set (a tiny subset of
// EM_* values, enough to pick a register table in package regs).
type Machine uint16

const (
	EM_386     Machine = 3
	EM_ARM     Machine = 40
	EM_X86_64  Machine = 62
	EM_AARCH64 Machine = 183
)

// Type is the ELF object type (ET_EXEC, ET_DYN, ET_CORE, ...).
type Type uint16

const (
	ET_EXEC Type = 2
	ET_DYN  Type = 3
	ET_CORE Type = 4
)

// SegmentType is a program header's p_type.
type SegmentType uint32

const (
	PT_LOAD    SegmentType = 1
	PT_DYNAMIC SegmentType = 2
	PT_INTERP  SegmentType = 3
	PT_NOTE    SegmentType = 4
)

// SegmentFlags is a program header's p_flags.
type SegmentFlags uint32

const (
	PF_X SegmentFlags = 1
	PF_W SegmentFlags = 2
	PF_R SegmentFlags = 4
)

// Segment is one program header; Object.Segments keeps them in file order
// and SegmentsOfType selects them by Type.
type Segment struct {
	Type   SegmentType
	Flags  SegmentFlags
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// SectionType is a section header's sh_type.
type SectionType uint32

const (
	SHT_SYMTAB SectionType = 2
	SHT_STRTAB SectionType = 3
	SHT_NOBITS SectionType = 8
	SHT_DYNSYM SectionType = 11
	SHT_HASH   SectionType = 5
)

// SectionFlags is a section header's sh_flags.
type SectionFlags uint64

const SHF_ALLOC SectionFlags = 2

// Section is one section header plus a lazily-readable view of its bytes.
type Section struct {
	Name    string
	Type    SectionType
	Flags   SectionFlags
	Addr    uint64
	Offset  uint64
	Size    uint64
	Link    uint32
	Info    uint32
	EntSize uint64

	obj *Object
}

// Reader returns this section's bytes as a reader.Reader. SHT_NOBITS
// sections (.bss) have no file backing and return a zero-filled reader.
func (s *Section) Reader() reader.Reader {
	if s.Type == SHT_NOBITS {
		return reader.NewSliceReader(s.Name, make([]byte, s.Size))
	}
	return &sectionReader{obj: s.obj, off: int64(s.Offset), size: int64(s.Size), name: s.Name}
}

type sectionReader struct {
	obj  *Object
	off  int64
	size int64
	name string
}

func (r *sectionReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > r.size {
		return 0, fmt.Errorf("elfview: offset %d out of range for section %s (size %d)", off, r.name, r.size)
	}
	n := int64(len(p))
	if off+n > r.size {
		n = r.size - off
	}
	got, err := r.obj.src.ReadAt(p[:n], r.off+off)
	if err != nil {
		return got, err
	}
	if n < int64(len(p)) {
		return got, nil // caller asked past EOF of the section; short read, no error
	}
	return got, nil
}

func (r *sectionReader) Size() int64      { return r.size }
func (r *sectionReader) Describe() string { return r.name }

// Symbol is one entry of .symtab or .dynsym.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	Shndx uint16
}

// Object is a parsed, immutable ELF object: spec.md §3 ("ELF Object").
type Object struct {
	src reader.Reader

	Class   Class
	Machine Machine
	Type    Type
	Entry   uint64

	Segments     []Segment
	Sections     []Section
	sectionByName map[string]*Section

	symbols    []Symbol
	symbolsErr error
}

// Describe returns the backing reader's label, for diagnostics.
func (o *Object) Describe() string { return o.src.Describe() }

// Source returns the raw backing reader, for callers (like procmem) that
// need to read program-header-relative bytes rather than named sections.
func (o *Object) Source() reader.Reader { return o.src }

// Section looks up a section by name, satisfying dwarf.SectionProvider and
// frame.SectionProvider.
func (o *Object) Section(name string) (reader.Reader, bool) {
	s, ok := o.sectionByName[name]
	if !ok {
		return nil, false
	}
	return s.Reader(), true
}

// SectionHeader looks up a section header (for callers that need sh_addr,
// sh_size, etc. rather than just its bytes).
func (o *Object) SectionHeader(name string) (*Section, bool) {
	s, ok := o.sectionByName[name]
	return s, ok
}

// SegmentsOfType returns every program header with the given type, in file
// order, per spec.md §3 ("ordered sequence of program headers grouped by
// segment type").
func (o *Object) SegmentsOfType(t SegmentType) []Segment {
	var out []Segment
	for _, seg := range o.Segments {
		if seg.Type == t {
			out = append(out, seg)
		}
	}
	return out
}

const elfMagic = "\x7fELF"

// Parse reads and validates the ELF header, program headers, and section
// headers of r, and indexes sections by name.
func Parse(r reader.Reader) (*Object, error) {
	ident := make([]byte, 16)
	if _, err := r.ReadAt(ident, 0); err != nil {
		return nil, fmt.Errorf("elfview: reading e_ident: %w", err)
	}
	if string(ident[:4]) != elfMagic {
		return nil, fmt.Errorf("elfview: %s is not an ELF object (bad magic)", r.Describe())
	}
	class := Class(ident[4])
	if class != Class32 && class != Class64 {
		return nil, fmt.Errorf("elfview: %s has unknown EI_CLASS %d", r.Describe(), ident[4])
	}
	var order binary.ByteOrder = binary.LittleEndian
	if ident[5] == 2 {
		order = binary.BigEndian
	}

	o := &Object{src: r, Class: class, sectionByName: map[string]*Section{}}

	c := reader.NewCursor(r, 16, r.Size()-16, order)
	typ, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_type: %w", err)
	}
	o.Type = Type(typ)
	machine, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_machine: %w", err)
	}
	o.Machine = Machine(machine)
	if _, err := c.U32(); err != nil { // e_version
		return nil, fmt.Errorf("elfview: reading e_version: %w", err)
	}

	var entry, phoff, shoff uint64
	if class == Class64 {
		entry, err = c.U64()
	} else {
		var v uint32
		v, err = c.U32()
		entry = uint64(v)
	}
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_entry: %w", err)
	}
	o.Entry = entry

	if class == Class64 {
		phoff, err = c.U64()
	} else {
		var v uint32
		v, err = c.U32()
		phoff = uint64(v)
	}
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_phoff: %w", err)
	}

	if class == Class64 {
		shoff, err = c.U64()
	} else {
		var v uint32
		v, err = c.U32()
		shoff = uint64(v)
	}
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_shoff: %w", err)
	}

	if _, err := c.U32(); err != nil { // e_flags
		return nil, fmt.Errorf("elfview: reading e_flags: %w", err)
	}
	if _, err := c.U16(); err != nil { // e_ehsize
		return nil, fmt.Errorf("elfview: reading e_ehsize: %w", err)
	}
	phentsize, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_phentsize: %w", err)
	}
	phnum, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_phnum: %w", err)
	}
	shentsize, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_shentsize: %w", err)
	}
	shnum, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_shnum: %w", err)
	}
	shstrndx, err := c.U16()
	if err != nil {
		return nil, fmt.Errorf("elfview: reading e_shstrndx: %w", err)
	}

	if err := o.parseProgramHeaders(r, order, class, phoff, phentsize, phnum); err != nil {
		return nil, err
	}
	if err := o.parseSectionHeaders(r, order, class, shoff, shentsize, shnum, shstrndx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Object) parseProgramHeaders(r reader.Reader, order binary.ByteOrder, class Class, off uint64, entsize, num uint16) error {
	for i := 0; i < int(num); i++ {
		c := reader.NewCursor(r, int64(off)+int64(i)*int64(entsize), int64(entsize), order)
		var seg Segment
		typ, err := c.U32()
		if err != nil {
			return fmt.Errorf("elfview: program header %d: reading p_type: %w", i, err)
		}
		seg.Type = SegmentType(typ)
		if class == Class64 {
			flags, err := c.U32()
			if err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_flags: %w", i, err)
			}
			seg.Flags = SegmentFlags(flags)
			if seg.Offset, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_offset: %w", i, err)
			}
			if seg.Vaddr, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_vaddr: %w", i, err)
			}
			if _, err = c.U64(); err != nil { // p_paddr
				return fmt.Errorf("elfview: program header %d: reading p_paddr: %w", i, err)
			}
			if seg.Filesz, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_filesz: %w", i, err)
			}
			if seg.Memsz, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_memsz: %w", i, err)
			}
			if seg.Align, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_align: %w", i, err)
			}
		} else {
			var v32 uint32
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_offset: %w", i, err)
			}
			seg.Offset = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_vaddr: %w", i, err)
			}
			seg.Vaddr = uint64(v32)
			if _, err = c.U32(); err != nil { // p_paddr
				return fmt.Errorf("elfview: program header %d: reading p_paddr: %w", i, err)
			}
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_filesz: %w", i, err)
			}
			seg.Filesz = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_memsz: %w", i, err)
			}
			seg.Memsz = uint64(v32)
			flags, err := c.U32()
			if err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_flags: %w", i, err)
			}
			seg.Flags = SegmentFlags(flags)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: program header %d: reading p_align: %w", i, err)
			}
			seg.Align = uint64(v32)
		}
		o.Segments = append(o.Segments, seg)
	}
	return nil
}

func (o *Object) parseSectionHeaders(r reader.Reader, order binary.ByteOrder, class Class, off uint64, entsize, num, shstrndx uint16) error {
	if num == 0 {
		return nil
	}
	type raw struct {
		name                             uint32
		typ                              uint32
		flags, addr, offset, size        uint64
		link, info                       uint32
		entsize                          uint64
	}
	raws := make([]raw, num)
	for i := 0; i < int(num); i++ {
		c := reader.NewCursor(r, int64(off)+int64(i)*int64(entsize), int64(entsize), order)
		var rw raw
		var err error
		if rw.name, err = c.U32(); err != nil {
			return fmt.Errorf("elfview: section header %d: reading sh_name: %w", i, err)
		}
		if rw.typ, err = c.U32(); err != nil {
			return fmt.Errorf("elfview: section header %d: reading sh_type: %w", i, err)
		}
		if class == Class64 {
			if rw.flags, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_flags: %w", i, err)
			}
			if rw.addr, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_addr: %w", i, err)
			}
			if rw.offset, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_offset: %w", i, err)
			}
			if rw.size, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_size: %w", i, err)
			}
		} else {
			var v32 uint32
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_flags: %w", i, err)
			}
			rw.flags = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_addr: %w", i, err)
			}
			rw.addr = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_offset: %w", i, err)
			}
			rw.offset = uint64(v32)
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_size: %w", i, err)
			}
			rw.size = uint64(v32)
		}
		if rw.link, err = c.U32(); err != nil {
			return fmt.Errorf("elfview: section header %d: reading sh_link: %w", i, err)
		}
		if rw.info, err = c.U32(); err != nil {
			return fmt.Errorf("elfview: section header %d: reading sh_info: %w", i, err)
		}
		if class == Class64 {
			if _, err = c.U64(); err != nil { // sh_addralign
				return fmt.Errorf("elfview: section header %d: reading sh_addralign: %w", i, err)
			}
			if rw.entsize, err = c.U64(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_entsize: %w", i, err)
			}
		} else {
			if _, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_addralign: %w", i, err)
			}
			var v32 uint32
			if v32, err = c.U32(); err != nil {
				return fmt.Errorf("elfview: section header %d: reading sh_entsize: %w", i, err)
			}
			rw.entsize = uint64(v32)
		}
		raws[i] = rw
	}

	o.Sections = make([]Section, num)
	for i, rw := range raws {
		o.Sections[i] = Section{
			Type:    SectionType(rw.typ),
			Flags:   SectionFlags(rw.flags),
			Addr:    rw.addr,
			Offset:  rw.offset,
			Size:    rw.size,
			Link:    rw.link,
			Info:    rw.info,
			EntSize: rw.entsize,
			obj:     o,
		}
	}

	if int(shstrndx) < len(raws) {
		shstrtab := o.Sections[shstrndx]
		strReader := shstrtab.Reader()
		for i, rw := range raws {
			name, err := cStringAt(strReader, int64(rw.name))
			if err != nil {
				return fmt.Errorf("elfview: section header %d: resolving name: %w", i, err)
			}
			o.Sections[i].Name = name
		}
	}
	for i := range o.Sections {
		o.sectionByName[o.Sections[i].Name] = &o.Sections[i]
	}
	return nil
}

func cStringAt(r reader.Reader, off int64) (string, error) {
	var buf []byte
	const chunk = 64
	for {
		tmp := make([]byte, chunk)
		n, rerr := r.ReadAt(tmp, off+int64(len(buf)))
		tmp = tmp[:n]
		if i := indexByte(tmp, 0); i >= 0 {
			buf = append(buf, tmp[:i]...)
			return string(buf), nil
		}
		buf = append(buf, tmp...)
		if rerr != nil || n == 0 {
			return string(buf), nil
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
