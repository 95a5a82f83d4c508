// Package expr implements the DWARF Expression Evaluator of spec.md
// §4.10: the postfix stack machine used by location lists, DW_AT_frame_base,
// and CFI register/CFA rules alike.
package expr

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// DW_OP opcodes this evaluator understands. Unlisted opcodes are a decode
// error, per spec.md §7 ("unsupported constructs are reported, not
// silently approximated").
const (
	opAddr      = 0x03
	opDeref     = 0x06
	opConst1u   = 0x08
	opConst1s   = 0x09
	opConst2u   = 0x0a
	opConst2s   = 0x0b
	opConst4u   = 0x0c
	opConst4s   = 0x0d
	opConst8u   = 0x0e
	opConst8s   = 0x0f
	opConstu    = 0x10
	opConsts    = 0x11
	opDup       = 0x12
	opDrop      = 0x13
	opOver      = 0x14
	opPick      = 0x15
	opSwap      = 0x16
	opRot       = 0x17
	opAbs       = 0x19
	opAnd       = 0x1a
	opDiv       = 0x1b
	opMinus     = 0x1c
	opMod       = 0x1d
	opMul       = 0x1e
	opNeg       = 0x1f
	opNot       = 0x20
	opOr        = 0x21
	opPlus      = 0x22
	opPlusConst = 0x23
	opShl       = 0x24
	opShr       = 0x25
	opShra      = 0x26
	opXor       = 0x27
	opSkip      = 0x28
	opBra       = 0x29
	opEq        = 0x2a
	opGe        = 0x2b
	opGt        = 0x2c
	opLe        = 0x2d
	opLt        = 0x2e
	opNe        = 0x2f
	opLit0      = 0x30
	opLit31     = 0x4f
	opReg0      = 0x50
	opReg31     = 0x6f
	opBreg0     = 0x70
	opBreg31    = 0x8f
	opRegx      = 0x90
	opFbreg     = 0x91
	opBregx     = 0x92
	opCallFrameCFA = 0x9c
	opStackValue   = 0x9f
)

// ResultKind distinguishes "this expression names a memory address" from
// "this expression names a register holding the value itself", the
// "distinguished result" spec.md §4.10 requires callers be able to tell
// apart (a location description vs. a value).
type ResultKind int

const (
	ResultAddress ResultKind = iota
	ResultRegister
	ResultValue // a computed value, not a memory address (DW_OP_stack_value)
)

// Result is what evaluating a DWARF expression produces.
type Result struct {
	Kind     ResultKind
	Address  uint64 // valid when Kind == ResultAddress
	Register uint64 // valid when Kind == ResultRegister
	Value    uint64 // valid when Kind == ResultValue
}

// Context supplies the machine state an expression may read: the register
// file, the current CFA (for DW_CFA-derived and DW_OP_call_frame_cfa
// expressions), the frame base (for DW_OP_fbreg), and the inferior's
// memory (for DW_OP_deref).
type Context struct {
	Register  func(dwarfReg uint64) (uint64, bool)
	FrameBase int64
	CFA       uint64
	Mem       reader.Reader
	AddrSize  int
}

// Evaluate runs expr as a DWARF location expression and returns its
// result, per spec.md §4.10.
func Evaluate(code []byte, ctx Context) (Result, error) {
	m := &machine{ctx: ctx}
	r := reader.NewSliceReader("dwarf-expression", code)
	c := reader.NewCursor(r, 0, int64(len(code)), binary.LittleEndian)

	isValue := false
	for !c.Exhausted() {
		op, err := c.U8()
		if err != nil {
			return Result{}, err
		}

		switch {
		case op >= opLit0 && op <= opLit31:
			m.push(uint64(op - opLit0))
			continue
		case op >= opReg0 && op <= opReg31:
			return Result{Kind: ResultRegister, Register: uint64(op - opReg0)}, nil
		case op >= opBreg0 && op <= opBreg31:
			off, err := c.Sleb128()
			if err != nil {
				return Result{}, fmt.Errorf("expr: DW_OP_breg%d: %w", op-opBreg0, err)
			}
			v, ok := ctx.Register(uint64(op - opBreg0))
			if !ok {
				return Result{}, fmt.Errorf("expr: DW_OP_breg%d: register not available", op-opBreg0)
			}
			m.push(uint64(int64(v) + off))
			continue
		}

		switch op {
		case opAddr:
			v, err := c.Uint(ctx.AddrSize)
			if err != nil {
				return Result{}, fmt.Errorf("expr: DW_OP_addr: %w", err)
			}
			m.push(v)
		case opDeref:
			addr := m.pop()
			if ctx.Mem == nil {
				return Result{}, fmt.Errorf("expr: DW_OP_deref: no memory reader available")
			}
			buf := make([]byte, ctx.AddrSize)
			if _, err := ctx.Mem.ReadAt(buf, int64(addr)); err != nil {
				return Result{}, fmt.Errorf("expr: DW_OP_deref at %#x: %w", addr, err)
			}
			var v uint64
			switch ctx.AddrSize {
			case 4:
				v = uint64(binary.LittleEndian.Uint32(buf))
			default:
				v = binary.LittleEndian.Uint64(buf)
			}
			m.push(v)
		case opConst1u:
			v, err := c.U8()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(v))
		case opConst1s:
			v, err := c.I8()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(int64(v)))
		case opConst2u:
			v, err := c.U16()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(v))
		case opConst2s:
			v, err := c.I16()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(int64(v)))
		case opConst4u:
			v, err := c.U32()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(v))
		case opConst4s:
			v, err := c.I32()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(int64(v)))
		case opConst8u:
			v, err := c.U64()
			if err != nil {
				return Result{}, err
			}
			m.push(v)
		case opConst8s:
			v, err := c.I64()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(v))
		case opConstu:
			v, err := c.Uleb128()
			if err != nil {
				return Result{}, err
			}
			m.push(v)
		case opConsts:
			v, err := c.Sleb128()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(v))
		case opDup:
			v := m.pop()
			m.push(v)
			m.push(v)
		case opDrop:
			m.pop()
		case opOver:
			if len(m.stack) < 2 {
				return Result{}, fmt.Errorf("expr: DW_OP_over: stack underflow")
			}
			m.push(m.stack[len(m.stack)-2])
		case opPick:
			idx, err := c.U8()
			if err != nil {
				return Result{}, err
			}
			if int(idx) >= len(m.stack) {
				return Result{}, fmt.Errorf("expr: DW_OP_pick: index %d out of range", idx)
			}
			m.push(m.stack[len(m.stack)-1-int(idx)])
		case opSwap:
			a, b := m.pop(), m.pop()
			m.push(a)
			m.push(b)
		case opRot:
			if len(m.stack) < 3 {
				return Result{}, fmt.Errorf("expr: DW_OP_rot: stack underflow")
			}
			n := len(m.stack)
			m.stack[n-1], m.stack[n-2], m.stack[n-3] = m.stack[n-3], m.stack[n-1], m.stack[n-2]
		case opAbs:
			v := int64(m.pop())
			if v < 0 {
				v = -v
			}
			m.push(uint64(v))
		case opAnd:
			b, a := m.pop(), m.pop()
			m.push(a & b)
		case opDiv:
			b, a := int64(m.pop()), int64(m.pop())
			if b == 0 {
				return Result{}, fmt.Errorf("expr: DW_OP_div: division by zero")
			}
			m.push(uint64(a / b))
		case opMinus:
			b, a := m.pop(), m.pop()
			m.push(a - b)
		case opMod:
			b, a := m.pop(), m.pop()
			if b == 0 {
				return Result{}, fmt.Errorf("expr: DW_OP_mod: division by zero")
			}
			m.push(a % b)
		case opMul:
			b, a := m.pop(), m.pop()
			m.push(a * b)
		case opNeg:
			m.push(uint64(-int64(m.pop())))
		case opNot:
			m.push(^m.pop())
		case opOr:
			b, a := m.pop(), m.pop()
			m.push(a | b)
		case opPlus:
			b, a := m.pop(), m.pop()
			m.push(a + b)
		case opPlusConst:
			v, err := c.Uleb128()
			if err != nil {
				return Result{}, err
			}
			m.push(m.pop() + v)
		case opShl:
			b, a := m.pop(), m.pop()
			m.push(a << b)
		case opShr:
			b, a := m.pop(), m.pop()
			m.push(a >> b)
		case opShra:
			b, a := m.pop(), int64(m.pop())
			m.push(uint64(a >> b))
		case opXor:
			b, a := m.pop(), m.pop()
			m.push(a ^ b)
		case opSkip:
			off, err := c.I16()
			if err != nil {
				return Result{}, err
			}
			if err := jump(&c, off); err != nil {
				return Result{}, err
			}
		case opBra:
			off, err := c.I16()
			if err != nil {
				return Result{}, err
			}
			if m.pop() != 0 {
				if err := jump(&c, off); err != nil {
					return Result{}, err
				}
			}
		case opEq, opGe, opGt, opLe, opLt, opNe:
			b, a := int64(m.pop()), int64(m.pop())
			var result bool
			switch op {
			case opEq:
				result = a == b
			case opGe:
				result = a >= b
			case opGt:
				result = a > b
			case opLe:
				result = a <= b
			case opLt:
				result = a < b
			case opNe:
				result = a != b
			}
			if result {
				m.push(1)
			} else {
				m.push(0)
			}
		case opRegx:
			reg, err := c.Uleb128()
			if err != nil {
				return Result{}, err
			}
			return Result{Kind: ResultRegister, Register: reg}, nil
		case opFbreg:
			off, err := c.Sleb128()
			if err != nil {
				return Result{}, err
			}
			m.push(uint64(ctx.FrameBase + off))
		case opBregx:
			reg, err := c.Uleb128()
			if err != nil {
				return Result{}, err
			}
			off, err := c.Sleb128()
			if err != nil {
				return Result{}, err
			}
			v, ok := ctx.Register(reg)
			if !ok {
				return Result{}, fmt.Errorf("expr: DW_OP_bregx: register %d not available", reg)
			}
			m.push(uint64(int64(v) + off))
		case opCallFrameCFA:
			m.push(ctx.CFA)
		case opStackValue:
			isValue = true
		default:
			return Result{}, fmt.Errorf("expr: unsupported opcode %#x", op)
		}
	}

	if len(m.stack) == 0 {
		return Result{}, fmt.Errorf("expr: expression produced no result")
	}
	top := m.stack[len(m.stack)-1]
	if isValue {
		return Result{Kind: ResultValue, Value: top}, nil
	}
	return Result{Kind: ResultAddress, Address: top}, nil
}

// jump repositions c by a signed byte offset relative to c's current
// position, as DW_OP_skip/DW_OP_bra require.
func jump(c *reader.Cursor, off int16) error {
	target := c.Off + int64(off)
	if target < 0 || target > c.Limit {
		return fmt.Errorf("expr: jump target %#x out of range", target)
	}
	c.Off = target
	return nil
}

type machine struct {
	ctx   Context
	stack []uint64
}

func (m *machine) push(v uint64) { m.stack = append(m.stack, v) }

func (m *machine) pop() uint64 {
	if len(m.stack) == 0 {
		return 0
	}
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}
