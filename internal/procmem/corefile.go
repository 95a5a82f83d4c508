package procmem

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/regs"
)

// noteType mirrors the small subset of Linux core-dump note types this
// module interprets; not exposed by internal/elfview since only the core
// reader cares about note payloads.
type noteType uint32

const (
	ntPRStatus noteType = 1
	ntPRPSInfo noteType = 3
	ntFile     noteType = 0x46494c45
)

// Thread is one NT_PRSTATUS entry: a single OS thread's saved registers
// at the moment of the dump.
type Thread struct {
	Registers regs.Set
}

// FileMapping is one NT_FILE entry: an address range backed by a named
// file on disk, used to attribute PT_LOAD ranges to the executable or a
// shared object and to compute that object's load bias.
type FileMapping struct {
	Min, Max   uint64
	FileOffset uint64 // byte offset into the named file
	Path       string
}

// CoreFile is a parsed ELF core dump: its address space, its per-thread
// register snapshots, and the file-backed mapping list used to find and
// bias-correct the executable and any shared objects, per spec.md §3's
// "Core-file Process Adapter" and the PT_LOAD/PT_NOTE handling it names.
type CoreFile struct {
	Object  *elfview.Object
	Memory  *AddressSpace
	Threads []Thread
	Files   []FileMapping
	Args    string

	Machine regs.Machine
}

// Load parses a core dump already opened as obj (ET_CORE), building its
// address space from PT_LOAD segments and its thread/file lists from
// PT_NOTE.
func Load(obj *elfview.Object) (*CoreFile, error) {
	if obj.Type != elfview.ET_CORE {
		return nil, fmt.Errorf("procmem: %s is not a core file", obj.Describe())
	}
	cf := &CoreFile{Object: obj, Memory: NewAddressSpace()}
	switch obj.Machine {
	case elfview.EM_AARCH64:
		cf.Machine = regs.ARM64
	default:
		cf.Machine = regs.AMD64
	}

	for _, seg := range obj.SegmentsOfType(elfview.PT_LOAD) {
		if err := cf.addLoadSegment(seg); err != nil {
			return nil, err
		}
	}
	for _, seg := range obj.SegmentsOfType(elfview.PT_NOTE) {
		if err := cf.readNotes(seg.Offset, seg.Filesz); err != nil {
			return nil, fmt.Errorf("procmem: %s: reading notes: %w", obj.Describe(), err)
		}
	}
	return cf, nil
}

func (cf *CoreFile) addLoadSegment(seg elfview.Segment) error {
	var perm Perm
	if seg.Flags&elfview.PF_R != 0 {
		perm |= PermRead
	}
	if seg.Flags&elfview.PF_W != 0 {
		perm |= PermWrite
	}
	if seg.Flags&elfview.PF_X != 0 {
		perm |= PermExec
	}
	if perm == 0 {
		return nil
	}

	min := seg.Vaddr
	max := min + seg.Memsz
	// PT_LOAD ranges are only guaranteed page-aligned at the segment's own
	// boundaries; core dumps in practice always satisfy this since the
	// kernel writes whole pages.
	data := make([]byte, max-min)
	if seg.Filesz > 0 {
		n, err := cf.Object.Source().ReadAt(data[:seg.Filesz], int64(seg.Offset))
		if err != nil && uint64(n) < seg.Filesz {
			return fmt.Errorf("procmem: reading PT_LOAD [%#x,%#x): %w", min, max, err)
		}
	}
	return cf.Memory.Add(&Mapping{Min: min, Max: max, Perm: perm, data: data})
}

func (cf *CoreFile) readNotes(off, size uint64) error {
	buf := make([]byte, size)
	if _, err := cf.Object.Source().ReadAt(buf, int64(off)); err != nil {
		return err
	}
	order := binary.LittleEndian
	for len(buf) >= 12 {
		namesz := order.Uint32(buf[0:4])
		descsz := order.Uint32(buf[4:8])
		typ := noteType(order.Uint32(buf[8:12]))
		buf = buf[12:]

		nameEnd := align4(namesz)
		if uint64(len(buf)) < nameEnd {
			break
		}
		name := ""
		if namesz > 0 {
			name = string(buf[:namesz-1]) // drop the NUL terminator
		}
		buf = buf[nameEnd:]

		descEnd := align4(uint32(descsz))
		if uint64(len(buf)) < descEnd {
			break
		}
		desc := buf[:descsz]
		buf = buf[descEnd:]

		if name != "CORE" {
			continue
		}
		switch typ {
		case ntPRStatus:
			if err := cf.readPRStatus(desc); err != nil {
				return fmt.Errorf("NT_PRSTATUS: %w", err)
			}
		case ntFile:
			if err := cf.readNTFile(desc); err != nil {
				return fmt.Errorf("NT_FILE: %w", err)
			}
		case ntPRPSInfo:
			// Recognised but not decoded (its layout is
			// architecture-specific); CoreFile.Args stays empty.
		}
	}
	return nil
}

func align4(n uint32) uint64 { return uint64((n + 3) / 4 * 4) }

// readPRStatus extracts one thread's general-purpose register set from an
// NT_PRSTATUS note. The elf_prstatus layout (pr_pid at offset 32,
// pr_reg — the raw gregset — at offset 112 on amd64 Linux) is fixed ABI,
// not DWARF, and is reproduced here exactly as the teacher's core reader
// hardcoded it.
func (cf *CoreFile) readPRStatus(desc []byte) error {
	switch cf.Machine {
	case regs.ARM64:
		const gregOff = 112 // struct elf_prstatus on arm64 Linux
		if len(desc) < gregOff+34*8 {
			return fmt.Errorf("NT_PRSTATUS payload too short for arm64")
		}
		greg := decodeU64Slice(desc[gregOff : gregOff+34*8])
		set, err := regs.FromPRStatusARM64(greg)
		if err != nil {
			return err
		}
		cf.Threads = append(cf.Threads, Thread{Registers: set})
	default:
		const gregOff = 112 // struct elf_prstatus on amd64 Linux
		if len(desc) < gregOff+27*8 {
			return fmt.Errorf("NT_PRSTATUS payload too short for amd64")
		}
		greg := decodeU64Slice(desc[gregOff : gregOff+27*8])
		set, err := regs.FromPRStatusAMD64(greg)
		if err != nil {
			return err
		}
		cf.Threads = append(cf.Threads, Thread{Registers: set})
	}
	return nil
}

// readNTFile parses the NT_FILE note: a count, a page size, `count`
// (min, max, file-page-offset) triples, then a NUL-separated path table,
// exactly as spec'd by the Linux kernel's fill_files_note.
func (cf *CoreFile) readNTFile(desc []byte) error {
	order := binary.LittleEndian
	if len(desc) < 16 {
		return fmt.Errorf("NT_FILE payload too short")
	}
	count := order.Uint64(desc[0:8])
	pageSize := order.Uint64(desc[8:16])
	desc = desc[16:]

	if uint64(len(desc)) < count*24 {
		return fmt.Errorf("NT_FILE payload too short for %d entries", count)
	}
	entries := desc[:count*24]
	names := string(desc[count*24:])

	for i := uint64(0); i < count; i++ {
		e := entries[i*24 : i*24+24]
		min := order.Uint64(e[0:8])
		max := order.Uint64(e[8:16])
		fileOff := order.Uint64(e[16:24]) * pageSize

		var name string
		if j := strings.IndexByte(names, 0); j >= 0 {
			name = names[:j]
			names = names[j+1:]
		} else {
			name = names
			names = ""
		}
		cf.Files = append(cf.Files, FileMapping{Min: min, Max: max, FileOffset: fileOff, Path: name})
	}
	return nil
}

// BackingPath returns the resolved path for a mapping's backing file,
// joined against searchDir if the recorded path is not itself readable
// (e.g. the core was moved since it was captured).
func BackingPath(searchDir, recorded string) string {
	if searchDir == "" {
		return recorded
	}
	return filepath.Join(searchDir, filepath.Base(recorded))
}

func decodeU64Slice(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8 : i*8+8])
	}
	return out
}
