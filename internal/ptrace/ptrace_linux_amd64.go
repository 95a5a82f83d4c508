//go:build linux && amd64

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
	// Field order matches struct elf_prstatus's pr_reg gregset exactly,
	// so the same translation table serves both the core-file reader and
	// the live-attach path.
	greg := []uint64{
		raw.R15, raw.R14, raw.R13, raw.R12, raw.Rbp, raw.Rbx, raw.R11, raw.R10,
		raw.R9, raw.R8, raw.Rax, raw.Rcx, raw.Rdx, raw.Rsi, raw.Rdi, raw.Orig_rax,
		raw.Rip, raw.Cs, raw.Eflags, raw.Rsp, raw.Ss, raw.Fs_base, raw.Gs_base,
		raw.Ds, raw.Es, raw.Fs, raw.Gs,
	}
	return regs.FromPRStatusAMD64(greg)
}
