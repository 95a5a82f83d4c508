// Package regs implements the Register Set abstraction of spec.md §3 and
// §6: a map keyed by DWARF register number, with an
// OS-specific translation from the raw prstatus/mcontext register blob
// each platform actually exposes.
package regs

import "fmt"

// Machine identifies the target architecture's DWARF register numbering.
type Machine int

const (
	AMD64 Machine = iota
	ARM64
)

// StackPointer and ProgramCounter report which DWARF register number this
// architecture uses for the stack pointer and for the program counter,
// per spec.md §6.
func (m Machine) StackPointer() uint64 {
	switch m {
	case ARM64:
		return arm64SP
	default:
		return amd64RSP
	}
}

func (m Machine) ProgramCounter() uint64 {
	switch m {
	case ARM64:
		return arm64PC
	default:
		return amd64RIP
	}
}

// Set is a snapshot of one thread's integer registers, addressed by DWARF
// register number. It is the value type the Unwinder (§4.11) reads rules
// against and produces a new Set from at each step.
type Set struct {
	Machine Machine
	values  map[uint64]uint64
}

// NewSet returns an empty register set for the given machine.
func NewSet(m Machine) Set {
	return Set{Machine: m, values: make(map[uint64]uint64)}
}

// Get returns the value of DWARF register reg, or false if it has never
// been set (spec.md §4.11 treats an unknown register as fatal to
// unwinding past this frame unless the rule that needed it is undefined).
func (s Set) Get(reg uint64) (uint64, bool) {
	v, ok := s.values[reg]
	return v, ok
}

// Set assigns the value of DWARF register reg in place (values is
// reference-shared, so every copy of s sees the change; Clone gives an
// independent snapshot).
func (s Set) Set(reg, value uint64) {
	s.values[reg] = value
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := Set{Machine: s.Machine, values: make(map[uint64]uint64, len(s.values))}
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}

// PC and SP read back the architecture's program-counter and
// stack-pointer registers.
func (s Set) PC() (uint64, bool) { return s.Get(s.Machine.ProgramCounter()) }
func (s Set) SP() (uint64, bool) { return s.Get(s.Machine.StackPointer()) }

// FromPRStatusAMD64 builds a Set from the elf_gregset_t layout an
// NT_PRSTATUS note carries on amd64 Linux: 27 little-endian uint64s in
// the kernel's pt_regs order, starting at r15 (spec.md's "OS-machine-
// context translation"). This mirrors the raw-offset table a core-dump
// reader has always had to hardcode, generalized into named DWARF slots
// instead of positional ones.
func FromPRStatusAMD64(greg []uint64) (Set, error) {
	if len(greg) < 27 {
		return Set{}, fmt.Errorf("regs: amd64 gregset has %d entries, want >= 27", len(greg))
	}
	s := NewSet(AMD64)
	order := []uint64{
		amd64R15, amd64R14, amd64R13, amd64R12, amd64RBP, amd64RBX,
		amd64R11, amd64R10, amd64R9, amd64R8, amd64RAX, amd64RCX,
		amd64RDX, amd64RSI, amd64RDI, amd64OrigRAX, amd64RIP, amd64CS,
		amd64EFlags, amd64RSP, amd64SS, amd64FSBase, amd64GSBase,
		amd64DS, amd64ES, amd64FS, amd64GS,
	}
	for i, dwreg := range order {
		s.Set(dwreg, greg[i])
	}
	return s, nil
}

// FromPRStatusARM64 builds a Set from the struct user_pt_regs layout an
// NT_PRSTATUS note carries on arm64 Linux: x0-x30, sp, pc, pstate.
func FromPRStatusARM64(greg []uint64) (Set, error) {
	if len(greg) < 34 {
		return Set{}, fmt.Errorf("regs: arm64 gregset has %d entries, want >= 34", len(greg))
	}
	s := NewSet(ARM64)
	for i := 0; i <= 30; i++ {
		s.Set(uint64(i), greg[i])
	}
	s.Set(arm64SP, greg[31])
	s.Set(arm64PC, greg[32])
	return s, nil
}
