package regs

// arm64 DWARF register numbers: x0-x30 map directly, 31 is the stack
// pointer, 32 is the program counter (AArch64 DWARF register numbering,
// as used by .eh_frame/.debug_frame on that architecture).
const (
	arm64X0 = 0
	// x1..x30 follow consecutively; only x29 (fp) and x30 (lr) are
	// named individually.
	arm64FP = 29 // x29, frame pointer
	arm64LR = 30 // x30, link register (return address)
	arm64SP = 31
	arm64PC = 32
)

// ARM64Name returns the conventional register name for a DWARF register
// number, or "" if unknown.
func ARM64Name(reg uint64) string {
	switch {
	case reg <= 28:
		return xRegName(reg)
	case reg == arm64FP:
		return "x29"
	case reg == arm64LR:
		return "x30"
	case reg == arm64SP:
		return "sp"
	case reg == arm64PC:
		return "pc"
	default:
		return ""
	}
}

func xRegName(reg uint64) string {
	names := [...]string{
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28",
	}
	if int(reg) < len(names) {
		return names[reg]
	}
	return ""
}
