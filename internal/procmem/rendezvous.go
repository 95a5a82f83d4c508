package procmem

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/reader"
)

// dtDebug is the Elf{32,64}_Dyn tag the dynamic linker patches, at runtime,
// to point at its private struct r_debug — the classic rendezvous protocol
// every native debugger uses to enumerate loaded shared objects.
const dtDebug = 21

// maxLinkMapEntries bounds the r_debug linked-list walk against a corrupt
// or cyclic list, the same posture as unwind.MaxFrames.
const maxLinkMapEntries = 4096

// maxCStringLen bounds readCString against an unterminated run of memory.
const maxCStringLen = 4096

// LoadedObject is one entry of the dynamic linker's link_map list: a
// shared object's load bias and the path it was opened from.
type LoadedObject struct {
	Base uint64
	Path string
}

// FindRDebugAddr scans exec's PT_DYNAMIC segment for its DT_DEBUG entry and
// returns the runtime address of struct r_debug. DT_DEBUG's value is only
// ever meaningful at runtime (ld.so overwrites it after relocating itself),
// so the tag is located in the executable's own file bytes but its value is
// read back out of the inferior's address space, mirroring
// Process::findRDebugAddr in the system this package was modeled on.
func FindRDebugAddr(exec *elfview.Object, bias uint64, mem reader.Reader, ptrSize int) (uint64, error) {
	entrySize := int64(2 * ptrSize)
	for _, seg := range exec.SegmentsOfType(elfview.PT_DYNAMIC) {
		src := exec.Source()
		for off := int64(0); off+entrySize <= int64(seg.Filesz); off += entrySize {
			buf := make([]byte, entrySize)
			if _, err := src.ReadAt(buf, int64(seg.Offset)+off); err != nil {
				return 0, fmt.Errorf("procmem: reading dynamic entry at %#x: %w", seg.Offset+uint64(off), err)
			}
			tag := decodePtr(buf[:ptrSize], ptrSize)
			if tag != dtDebug {
				continue
			}
			// The on-disk value is whatever the linker was built with; the
			// live one lives at the matching runtime address.
			valAddr := seg.Vaddr + uint64(off) + uint64(ptrSize) + bias
			val := make([]byte, ptrSize)
			if _, err := mem.ReadAt(val, int64(valAddr)); err != nil {
				return 0, fmt.Errorf("procmem: reading DT_DEBUG value at %#x: %w", valAddr, err)
			}
			return decodePtr(val, ptrSize), nil
		}
	}
	return 0, nil
}

// LoadSharedObjects walks the glibc struct r_debug / link_map chain rooted
// at rDebugAddr, returning every object the dynamic linker has mapped. The
// first entry is conventionally the main executable itself and usually
// carries no l_name; callers that already have the executable's module
// from another source (e.g. a core's NT_FILE notes) should skip entries
// with an empty Path.
func LoadSharedObjects(mem reader.Reader, rDebugAddr uint64, ptrSize int) ([]LoadedObject, error) {
	if rDebugAddr == 0 {
		return nil, nil
	}

	// struct r_debug { int r_version; struct link_map *r_map; ... }: r_map
	// sits right after r_version, padded up to the pointer's own alignment.
	mapPtrAddr := rDebugAddr + uint64(ptrSize)
	mapAddrBuf := make([]byte, ptrSize)
	if _, err := mem.ReadAt(mapAddrBuf, int64(mapPtrAddr)); err != nil {
		return nil, fmt.Errorf("procmem: reading r_debug.r_map at %#x: %w", mapPtrAddr, err)
	}
	mapAddr := decodePtr(mapAddrBuf, ptrSize)

	var objs []LoadedObject
	for i := 0; mapAddr != 0 && i < maxLinkMapEntries; i++ {
		// struct link_map { ElfW(Addr) l_addr; char *l_name; ElfW(Dyn) *l_ld;
		// struct link_map *l_next, *l_prev; ... }: every field here is
		// pointer-sized, so no architecture-dependent padding to account for.
		fields := make([]byte, 4*ptrSize)
		if _, err := mem.ReadAt(fields, int64(mapAddr)); err != nil {
			return objs, fmt.Errorf("procmem: reading link_map at %#x: %w", mapAddr, err)
		}
		lAddr := decodePtr(fields[0:ptrSize], ptrSize)
		lNamePtr := decodePtr(fields[ptrSize:2*ptrSize], ptrSize)
		lNext := decodePtr(fields[3*ptrSize:4*ptrSize], ptrSize)

		var path string
		if lNamePtr != 0 {
			name, err := readCString(mem, lNamePtr)
			if err == nil {
				path = name
			}
		}
		objs = append(objs, LoadedObject{Base: lAddr, Path: path})
		mapAddr = lNext
	}
	return objs, nil
}

func decodePtr(b []byte, ptrSize int) uint64 {
	if ptrSize == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// readCString reads a NUL-terminated string out of mem one chunk at a time.
func readCString(mem reader.Reader, addr uint64) (string, error) {
	var out []byte
	buf := make([]byte, 64)
	for len(out) < maxCStringLen {
		n, err := mem.ReadAt(buf, int64(addr)+int64(len(out)))
		if n == 0 && err != nil {
			return "", fmt.Errorf("procmem: reading string at %#x: %w", addr, err)
		}
		for _, b := range buf[:n] {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		if n < len(buf) {
			break
		}
	}
	return string(out), nil
}
