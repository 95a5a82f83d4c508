//go:build linux && arm64

package ptrace

import (
	"golang.org/x/sys/unix"

	"github.com/nwtrace/nwtrace/internal/regs"
)

func ptraceGetRegs(pid int, machine regs.Machine) (regs.Set, error) {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return regs.Set{}, err
	}
	greg := make([]uint64, 0, 34)
	greg = append(greg, raw.Regs[:]...)
	greg = append(greg, raw.Sp, raw.Pc, raw.Pstate)
	return regs.FromPRStatusARM64(greg)
}
