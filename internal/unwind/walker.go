package unwind

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/regs"
)

// MaxFrames is the package default for Config.MaxFrames, per spec.md
// §4.12 ("bounded iteration, default 1024 frames") — a guard against CFI
// cycles or corrupt state producing an unbounded walk.
const MaxFrames = 1024

// Frame is one entry of a walked stack: the address, the CFA computed to
// reach it, and (when symbolization succeeded) its name and source
// location.
type Frame struct {
	PC          uint64
	CFA         uint64
	HasFDE      bool
	Function    string
	File        string
	Line        int
	Args        []string
}

// Walk produces the call chain starting at (pc, regSet), stepping through
// Unwinder.Step until the chain terminates, u.Config's frame limit is
// reached, or a step fails. A failed step still returns the frames
// successfully walked so far, together with the error, matching spec.md
// §7's "partial results plus a reported error" posture.
func Walk(u *Unwinder, pc uint64, regSet regs.Set, sym *Symbolizer) ([]Frame, error) {
	frames := make([]Frame, 0, 32)
	cur := pc
	curRegs := regSet

	for i := 0; i < u.Config.maxFrames(); i++ {
		f := Frame{PC: cur}
		mod := u.ModuleForPC(cur)
		if mod != nil {
			fi := mod.frameInfo(u.Config.PreferDebugFrame)
			if fi != nil {
				if _, ok := fi.FDEForPC(cur - mod.LoadBias - 1); ok {
					f.HasFDE = true
				}
			}
		}
		if sym != nil {
			sym.Fill(&f, mod, cur)
		}

		step, err := u.Step(cur, curRegs)
		if err != nil {
			frames = append(frames, f)
			return frames, fmt.Errorf("unwind: stack walk stopped at frame %d (pc %#x): %w", i, cur, err)
		}
		f.CFA, _ = func() (uint64, bool) {
			if sp, ok := step.Registers.SP(); ok {
				return sp, true
			}
			return 0, false
		}()
		frames = append(frames, f)

		if step.Done || step.ReturnPC == 0 {
			break
		}
		cur = step.ReturnPC
		curRegs = step.Registers
	}
	return frames, nil
}
