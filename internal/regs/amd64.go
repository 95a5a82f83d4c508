package regs

// amd64 DWARF register numbers (System V AMD64 ABI psABI register
// numbering table), the numbering CFI rules and DW_OP_breg/reg refer to.
const (
	amd64RAX = 0
	amd64RDX = 1
	amd64RCX = 2
	amd64RBX = 3
	amd64RSI = 4
	amd64RDI = 5
	amd64RBP = 6
	amd64RSP = 7
	amd64R8  = 8
	amd64R9  = 9
	amd64R10 = 10
	amd64R11 = 11
	amd64R12 = 12
	amd64R13 = 13
	amd64R14 = 14
	amd64R15 = 15
	amd64RIP = 16

	// Not part of the psABI DWARF numbering but needed to receive every
	// field of an NT_PRSTATUS gregset; these are never referenced by CFI
	// rules.
	amd64OrigRAX = 100
	amd64CS      = 101
	amd64EFlags  = 102
	amd64SS      = 103
	amd64FSBase  = 104
	amd64GSBase  = 105
	amd64DS      = 106
	amd64ES      = 107
	amd64FS      = 108
	amd64GS      = 109
)

// AMD64Name returns the conventional register name for a DWARF register
// number, or "" if unknown.
func AMD64Name(reg uint64) string {
	switch reg {
	case amd64RAX:
		return "rax"
	case amd64RDX:
		return "rdx"
	case amd64RCX:
		return "rcx"
	case amd64RBX:
		return "rbx"
	case amd64RSI:
		return "rsi"
	case amd64RDI:
		return "rdi"
	case amd64RBP:
		return "rbp"
	case amd64RSP:
		return "rsp"
	case amd64R8:
		return "r8"
	case amd64R9:
		return "r9"
	case amd64R10:
		return "r10"
	case amd64R11:
		return "r11"
	case amd64R12:
		return "r12"
	case amd64R13:
		return "r13"
	case amd64R14:
		return "r14"
	case amd64R15:
		return "r15"
	case amd64RIP:
		return "rip"
	default:
		return ""
	}
}
