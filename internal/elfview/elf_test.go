package elfview

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// buildELF64 assembles a minimal little-endian ELF64 object by hand: one
// PT_LOAD segment and two named sections (.shstrtab, .text), enough to
// exercise header, program-header, and section-header decoding without a
// real binary fixture.
func buildELF64(t *testing.T) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phSize   = 56
		shSize   = 64
	)
	strtab := []byte("\x00.shstrtab\x00.text\x00")
	nameShstrtab := uint32(1)
	nameText := uint32(11)

	phoff := int64(ehdrSize)
	strtabOff := phoff + phSize
	shoff := strtabOff + int64(len(strtab))

	var buf bytes.Buffer
	w := func(v any) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding to 16
	w(uint16(ET_EXEC))         // e_type
	w(uint16(EM_X86_64))       // e_machine
	w(uint32(1))               // e_version
	w(uint64(0x401000))        // e_entry
	w(uint64(phoff))           // e_phoff
	w(uint64(shoff))           // e_shoff
	w(uint32(0))               // e_flags
	w(uint16(ehdrSize))        // e_ehsize
	w(uint16(phSize))          // e_phentsize
	w(uint16(1))               // e_phnum
	w(uint16(shSize))          // e_shentsize
	w(uint16(3))               // e_shnum
	w(uint16(1))               // e_shstrndx

	if int64(buf.Len()) != ehdrSize {
		t.Fatalf("ehdr = %d bytes, want %d", buf.Len(), ehdrSize)
	}

	// program header: one PT_LOAD
	w(uint32(PT_LOAD))
	w(uint32(PF_R | PF_X))
	w(uint64(0))
	w(uint64(0x400000))
	w(uint64(0))
	w(uint64(0x2000))
	w(uint64(0x2000))
	w(uint64(0x1000))

	if int64(buf.Len()) != strtabOff {
		t.Fatalf("post-phdr offset = %d, want %d", buf.Len(), strtabOff)
	}
	buf.Write(strtab)

	if int64(buf.Len()) != shoff {
		t.Fatalf("post-strtab offset = %d, want %d", buf.Len(), shoff)
	}

	// section 0: null
	buf.Write(make([]byte, shSize))

	// section 1: .shstrtab
	w(nameShstrtab)
	w(uint32(SHT_STRTAB))
	w(uint64(0))
	w(uint64(0))
	w(uint64(strtabOff))
	w(uint64(len(strtab)))
	w(uint32(0))
	w(uint32(0))
	w(uint64(1))
	w(uint64(0))

	// section 2: .text
	w(nameText)
	w(uint32(1))
	w(uint64(SHF_ALLOC))
	w(uint64(0x401000))
	w(uint64(0))
	w(uint64(16))
	w(uint32(0))
	w(uint32(0))
	w(uint64(16))
	w(uint64(0))

	return buf.Bytes()
}

func TestParseHeader(t *testing.T) {
	obj, err := Parse(reader.NewSliceReader("test", buildELF64(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if obj.Class != Class64 {
		t.Errorf("Class = %v, want Class64", obj.Class)
	}
	if obj.Machine != EM_X86_64 {
		t.Errorf("Machine = %v, want EM_X86_64", obj.Machine)
	}
	if obj.Type != ET_EXEC {
		t.Errorf("Type = %v, want ET_EXEC", obj.Type)
	}
	if obj.Entry != 0x401000 {
		t.Errorf("Entry = %#x, want 0x401000", obj.Entry)
	}
}

func TestParseSegments(t *testing.T) {
	obj, err := Parse(reader.NewSliceReader("test", buildELF64(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	loads := obj.SegmentsOfType(PT_LOAD)
	if len(loads) != 1 {
		t.Fatalf("got %d PT_LOAD segments, want 1", len(loads))
	}
	if loads[0].Vaddr != 0x400000 || loads[0].Memsz != 0x2000 {
		t.Fatalf("segment = %+v, want vaddr=0x400000 memsz=0x2000", loads[0])
	}
}

func TestParseSectionNames(t *testing.T) {
	obj, err := Parse(reader.NewSliceReader("test", buildELF64(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(obj.Sections) != 3 {
		t.Fatalf("got %d sections, want 3", len(obj.Sections))
	}
	if obj.Sections[1].Name != ".shstrtab" {
		t.Errorf("section 1 name = %q, want .shstrtab", obj.Sections[1].Name)
	}
	if obj.Sections[2].Name != ".text" {
		t.Errorf("section 2 name = %q, want .text", obj.Sections[2].Name)
	}
	sh, ok := obj.SectionHeader(".text")
	if !ok || sh.Addr != 0x401000 {
		t.Fatalf("SectionHeader(.text) = %+v, %v; want addr 0x401000, true", sh, ok)
	}
}

func TestSectionReaderReadsBytes(t *testing.T) {
	obj, err := Parse(reader.NewSliceReader("test", buildELF64(t)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r, ok := obj.Section(".shstrtab")
	if !ok {
		t.Fatal(".shstrtab not found")
	}
	buf := make([]byte, 9)
	if _, err := r.ReadAt(buf, 1); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != ".shstrtab" {
		t.Fatalf("got %q, want %q", buf, ".shstrtab")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := buildELF64(t)
	data[0] = 0
	if _, err := Parse(reader.NewSliceReader("bad", data)); err == nil {
		t.Fatal("expected an error for bad ELF magic")
	}
}
