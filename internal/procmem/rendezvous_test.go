package procmem

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/reader"
)

// buildDynamicELF64 assembles a minimal ELF64 executable with a single
// PT_DYNAMIC segment holding one DT_DEBUG entry, enough to exercise
// FindRDebugAddr without a real binary fixture.
func buildDynamicELF64(t *testing.T, dtDebugValue uint64) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phSize   = 56
	)
	dynOff := int64(ehdrSize + phSize)
	// Two Elf64_Dyn entries: DT_DEBUG (value patched by ld.so at runtime,
	// so the on-disk value is deliberately a placeholder) and DT_NULL.
	var dyn bytes.Buffer
	binary.Write(&dyn, binary.LittleEndian, uint64(dtDebug))
	binary.Write(&dyn, binary.LittleEndian, uint64(0))
	binary.Write(&dyn, binary.LittleEndian, uint64(0)) // DT_NULL
	binary.Write(&dyn, binary.LittleEndian, uint64(0))

	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) }

	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8))
	w(uint16(elfview.ET_DYN))
	w(uint16(elfview.EM_X86_64))
	w(uint32(1))
	w(uint64(0x1000)) // e_entry
	w(uint64(ehdrSize))
	w(uint64(0)) // e_shoff
	w(uint32(0))
	w(uint16(ehdrSize))
	w(uint16(phSize))
	w(uint16(1))
	w(uint16(0))
	w(uint16(0))
	w(uint16(0))

	// PT_DYNAMIC segment, file offset dynOff, vaddr mirrors offset for
	// simplicity (bias applied separately in the test).
	w(uint32(elfview.PT_DYNAMIC))
	w(uint32(elfview.PF_R | elfview.PF_W))
	w(uint64(dynOff))
	w(uint64(dynOff))
	w(uint64(0))
	w(uint64(dyn.Len()))
	w(uint64(dyn.Len()))
	w(uint64(8))

	buf.Write(dyn.Bytes())
	return buf.Bytes()
}

func TestFindRDebugAddr(t *testing.T) {
	raw := buildDynamicELF64(t, 0)
	obj, err := elfview.Parse(reader.NewSliceReader("test", raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	const bias = 0x10000
	const rDebugAddr = 0x555000

	// The dynamic section's vaddr (unbiased) plus bias is where the live
	// DT_DEBUG value lives; the on-disk value is irrelevant.
	segs := obj.SegmentsOfType(elfview.PT_DYNAMIC)
	if len(segs) != 1 {
		t.Fatalf("got %d PT_DYNAMIC segments, want 1", len(segs))
	}
	dynVaddr := segs[0].Vaddr

	as := NewAddressSpace()
	mustAdd(t, as, (dynVaddr+bias)&^0xfff, 0x1000, 0)
	valBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(valBuf, rDebugAddr)
	writeAt(t, as, dynVaddr+bias+8, valBuf) // value follows the 8-byte tag

	got, err := FindRDebugAddr(obj, bias, as, 8)
	if err != nil {
		t.Fatalf("FindRDebugAddr: %v", err)
	}
	if got != rDebugAddr {
		t.Fatalf("FindRDebugAddr = %#x, want %#x", got, rDebugAddr)
	}
}

func TestLoadSharedObjects(t *testing.T) {
	as := NewAddressSpace()
	mustAdd(t, as, 0x600000, 0x2000, 0)

	const rDebugAddr = 0x600000
	const mapA = 0x600100
	const mapB = 0x600200
	const nameA = 0x600300

	put64 := func(addr uint64, v uint64) {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, v)
		writeAt(t, as, addr, buf)
	}

	// struct r_debug: r_version (4 bytes) + padding, then r_map.
	put64(rDebugAddr+8, mapA)

	// link_map A: l_addr=0x10000, l_name -> nameA, l_ld=0, l_next=mapB
	put64(mapA+0, 0x10000)
	put64(mapA+8, nameA)
	put64(mapA+16, 0)
	put64(mapA+24, mapB)
	writeAt(t, as, nameA, append([]byte("libfoo.so"), 0))

	// link_map B: terminates the list.
	put64(mapB+0, 0x20000)
	put64(mapB+8, 0)
	put64(mapB+16, 0)
	put64(mapB+24, 0)

	objs, err := LoadSharedObjects(as, rDebugAddr, 8)
	if err != nil {
		t.Fatalf("LoadSharedObjects: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}
	if objs[0].Base != 0x10000 || objs[0].Path != "libfoo.so" {
		t.Errorf("objs[0] = %+v, want {0x10000 libfoo.so}", objs[0])
	}
	if objs[1].Base != 0x20000 || objs[1].Path != "" {
		t.Errorf("objs[1] = %+v, want {0x20000 \"\"}", objs[1])
	}
}

func mustAdd(t *testing.T, as *AddressSpace, min, size uint64, fill byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	if err := as.Add(&Mapping{Min: min, Max: min + size, Perm: PermRead | PermWrite, data: data}); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func writeAt(t *testing.T, as *AddressSpace, addr uint64, b []byte) {
	t.Helper()
	m := as.find(addr)
	if m == nil {
		t.Fatalf("no mapping covers %#x", addr)
	}
	copy(m.data[addr-m.Min:], b)
}
