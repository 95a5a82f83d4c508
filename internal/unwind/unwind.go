// Package unwind implements the one-step Unwinder (spec.md §4.11) and the
// Stack Walker built on top of it (§4.12): given a return address and a
// register set, produce the caller's registers, and iterate that until
// the call chain bottoms out.
package unwind

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/dwarf"
	"github.com/nwtrace/nwtrace/internal/elfview"
	"github.com/nwtrace/nwtrace/internal/expr"
	"github.com/nwtrace/nwtrace/internal/frame"
	"github.com/nwtrace/nwtrace/internal/reader"
	"github.com/nwtrace/nwtrace/internal/regs"
)

// Module is one loaded ELF object (the main executable or a shared
// object) along with the indexes this package needs to unwind through it.
type Module struct {
	Name       string
	Object     *elfview.Object
	Info       *dwarf.Info  // DWARF navigator, may be nil if stripped
	DebugFrame *frame.Info  // parsed .debug_frame, preferred when present
	EHFrame    *frame.Info  // parsed .eh_frame, fallback
	LoadBias   uint64       // runtime address - link-time (module-relative) address
	LowAddr    uint64       // runtime load range, for module lookup
	HighAddr   uint64
}

// Contains reports whether pc (a runtime, load-biased address) falls
// within this module's mapped range.
func (m *Module) Contains(pc uint64) bool { return pc >= m.LowAddr && pc < m.HighAddr }

// frameInfo returns whichever CFI section this module has. When
// preferDebugFrame is true and both sections are present, .debug_frame
// wins; a module that only ships one of the two always uses that one
// regardless of the preference, since stripped binaries commonly carry
// only .eh_frame.
func (m *Module) frameInfo(preferDebugFrame bool) *frame.Info {
	if preferDebugFrame {
		if m.DebugFrame != nil {
			return m.DebugFrame
		}
		return m.EHFrame
	}
	if m.EHFrame != nil {
		return m.EHFrame
	}
	return m.DebugFrame
}

// Unwinder computes one caller frame at a time from a set of loaded
// modules and a reader over the inferior's address space.
type Unwinder struct {
	Modules []*Module
	Mem     reader.Reader
	Machine regs.Machine
	Config  Config
}

// NewUnwinder builds an Unwinder over modules, reading inferior memory
// through mem, using cfg for its tunables.
func NewUnwinder(modules []*Module, mem reader.Reader, machine regs.Machine, cfg Config) *Unwinder {
	return &Unwinder{Modules: modules, Mem: mem, Machine: machine, Config: cfg}
}

// ModuleForPC returns the module mapped at pc, or nil.
func (u *Unwinder) ModuleForPC(pc uint64) *Module {
	for _, m := range u.Modules {
		if m.Contains(pc) {
			return m
		}
	}
	return nil
}

// StepResult is what one unwind step produces: the caller's registers and
// whether the chain continues.
type StepResult struct {
	Registers regs.Set
	ReturnPC  uint64
	Done      bool // true when there is no further caller (retAddr == 0)
}

// Step computes the caller's frame given the current PC and register set,
// following spec.md §4.11:
//  1. locate the loaded module containing pc;
//  2. find the FDE covering the module-relative PC, preferring
//     .debug_frame over .eh_frame;
//  3. evaluate the CFI program up to that PC to get a Frame Table Row;
//  4. compute the CFA;
//  5. apply every register rule to build the caller's register set;
//  6. the caller's SP is the CFA unless a rule overrides it;
//  7. stop when the return address is zero.
func (u *Unwinder) Step(pc uint64, cur regs.Set) (StepResult, error) {
	mod := u.ModuleForPC(pc)
	if mod == nil {
		return StepResult{}, fmt.Errorf("unwind: no loaded module contains pc %#x", pc)
	}
	fi := mod.frameInfo(u.Config.PreferDebugFrame)
	if fi == nil {
		return StepResult{}, fmt.Errorf("unwind: module %q has no CFI section", mod.Name)
	}
	objpc := pc - mod.LoadBias

	// pc is normally a return address, i.e. the instruction after the call
	// that produced this frame; wantAddr backs up one byte into the call
	// itself so the FDE/row lookup describes the call site rather than
	// whatever comes next (spec.md §4.11 step 3).
	wantAddr := objpc - 1

	fde, ok := fi.FDEForPC(wantAddr)
	if !ok {
		return StepResult{}, fmt.Errorf("unwind: no FDE covers %#x in module %q", objpc, mod.Name)
	}
	row, err := frame.RowForPC(fde.CIE, fde, wantAddr)
	if err != nil {
		return StepResult{}, fmt.Errorf("unwind: %w", err)
	}

	regCtx := func(reg uint64) (uint64, bool) { return cur.Get(reg) }

	var cfa uint64
	switch {
	case row.CFA.IsExpression:
		res, err := expr.Evaluate(row.CFA.Expression, expr.Context{Register: regCtx, Mem: u.Mem, AddrSize: 8, CFA: 0})
		if err != nil {
			return StepResult{}, fmt.Errorf("unwind: evaluating CFA expression: %w", err)
		}
		cfa = res.Address
	default:
		base, ok := cur.Get(row.CFA.Register)
		if !ok {
			return StepResult{}, fmt.Errorf("unwind: CFA register %d not available", row.CFA.Register)
		}
		cfa = uint64(int64(base) + row.CFA.Offset)
	}

	next := regs.NewSet(u.Machine)
	for reg, rule := range row.Registers {
		v, haveValue, err := u.resolveRule(reg, rule, cur, cfa, regCtx)
		if err != nil {
			return StepResult{}, fmt.Errorf("unwind: register %d: %w", reg, err)
		}
		if haveValue {
			next.Set(reg, v)
		}
	}

	// The caller's stack pointer is the CFA unless something overrode it
	// (spec.md §4.11's SP-fallback-to-CFA).
	if _, ok := next.Get(u.Machine.StackPointer()); !ok {
		next.Set(u.Machine.StackPointer(), cfa)
	}

	retAddr, ok := next.Get(fde.CIE.ReturnAddressRegister)
	if !ok {
		// No rule restored the return-address register: treat as the end
		// of the chain rather than fail the whole walk.
		return StepResult{Done: true}, nil
	}
	next.Set(u.Machine.ProgramCounter(), retAddr)

	return StepResult{Registers: next, ReturnPC: retAddr, Done: retAddr == 0}, nil
}

func (u *Unwinder) resolveRule(reg uint64, rule frame.RegisterRule, cur regs.Set, cfa uint64, regCtx func(uint64) (uint64, bool)) (value uint64, ok bool, err error) {
	switch rule.Kind {
	case frame.RuleUndefined, frame.RuleArchitectural:
		return 0, false, nil
	case frame.RuleSameValue:
		v, have := cur.Get(reg)
		return v, have, nil
	case frame.RuleOffset:
		addr := uint64(int64(cfa) + rule.Offset)
		buf := make([]byte, 8)
		if _, err := u.Mem.ReadAt(buf, int64(addr)); err != nil {
			return 0, false, fmt.Errorf("reading saved register at %#x: %w", addr, err)
		}
		return binary.LittleEndian.Uint64(buf), true, nil
	case frame.RuleValOffset:
		return uint64(int64(cfa) + rule.Offset), true, nil
	case frame.RuleRegister:
		v, have := cur.Get(rule.Register)
		return v, have, nil
	case frame.RuleExpression:
		res, err := expr.Evaluate(rule.Expression, expr.Context{Register: regCtx, Mem: u.Mem, AddrSize: 8, CFA: cfa})
		if err != nil {
			return 0, false, err
		}
		buf := make([]byte, 8)
		if _, err := u.Mem.ReadAt(buf, int64(res.Address)); err != nil {
			return 0, false, fmt.Errorf("reading expression-located register at %#x: %w", res.Address, err)
		}
		return binary.LittleEndian.Uint64(buf), true, nil
	case frame.RuleValExpression:
		res, err := expr.Evaluate(rule.Expression, expr.Context{Register: regCtx, Mem: u.Mem, AddrSize: 8, CFA: cfa})
		if err != nil {
			return 0, false, err
		}
		if res.Kind == expr.ResultValue {
			return res.Value, true, nil
		}
		return res.Address, true, nil
	default:
		return 0, false, fmt.Errorf("unknown register rule %d", rule.Kind)
	}
}

