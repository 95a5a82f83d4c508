package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// high-bits-set opcodes pack an operand into the low 6 bits.
const (
	cfaAdvanceLoc = 0x40
	cfaOffset     = 0x80
	cfaRestore    = 0xc0
)

// extended (high-2-bits-zero) opcodes, spec.md §4.9.
const (
	dwCFANop                    = 0x00
	dwCFASetLoc                 = 0x01
	dwCFAAdvanceLoc1            = 0x02
	dwCFAAdvanceLoc2            = 0x03
	dwCFAAdvanceLoc4            = 0x04
	dwCFAOffsetExtended         = 0x05
	dwCFARestoreExtended        = 0x06
	dwCFAUndefined              = 0x07
	dwCFASameValue              = 0x08
	dwCFARegister               = 0x09
	dwCFARememberState          = 0x0a
	dwCFARestoreState           = 0x0b
	dwCFADefCFA                 = 0x0c
	dwCFADefCFARegister         = 0x0d
	dwCFADefCFAOffset           = 0x0e
	dwCFADefCFAExpression       = 0x0f
	dwCFAExpression             = 0x10
	dwCFAOffsetExtendedSF       = 0x11
	dwCFADefCFASF               = 0x12
	dwCFADefCFAOffsetSF         = 0x13
	dwCFAValOffset              = 0x14
	dwCFAValOffsetSF            = 0x15
	dwCFAValExpression          = 0x16
)

// Run executes a CIE's initial instructions followed by one FDE's
// instructions and returns the Frame Table rows produced, in address
// order, per spec.md §4.9. Every row's Address marks where that row's
// rules take effect; they remain in effect until the next row (or the end
// of the FDE's address range).
func Run(cie *CIE, fde *FDE) ([]Row, error) {
	interp := &interpreter{
		cie:          cie,
		codeAlign:    cie.CodeAlignmentFactor,
		dataAlign:    cie.DataAlignmentFactor,
		current:      newRow(),
		addrSize:     8,
		pointerOrder: binary.LittleEndian,
	}
	interp.current.Address = fde.InitialLocation

	if err := interp.exec(cie.InitialInstructions); err != nil {
		return nil, fmt.Errorf("running CIE initial instructions: %w", err)
	}
	interp.initial = interp.current.clone()

	if err := interp.exec(fde.Instructions); err != nil {
		return nil, fmt.Errorf("running FDE instructions: %w", err)
	}
	interp.emit()

	return interp.rows, nil
}

type interpreter struct {
	cie          *CIE
	codeAlign    uint64
	dataAlign    int64
	current      Row
	initial      Row // state after CIE initial instructions; target of DW_CFA_restore*
	stack        []Row
	rows         []Row
	addrSize     int
	pointerOrder binary.ByteOrder
}

// emit appends a snapshot of the current row to the table; called whenever
// the address is about to advance, and once more at the very end.
func (in *interpreter) emit() {
	in.rows = append(in.rows, in.current.clone())
}

func (in *interpreter) advance(delta uint64) {
	in.emit()
	in.current.Address += delta * in.codeAlign
}

func (in *interpreter) exec(code []byte) error {
	r := reader.NewSliceReader("cfi-program", code)
	c := reader.NewCursor(r, 0, int64(len(code)), binary.LittleEndian)

	for !c.Exhausted() {
		b, err := c.U8()
		if err != nil {
			return err
		}
		op := b & 0xc0
		operand := uint64(b & 0x3f)

		switch op {
		case cfaAdvanceLoc:
			in.advance(operand)
			continue
		case cfaOffset:
			off, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_offset: %w", err)
			}
			in.current.Registers[operand] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * in.dataAlign}
			continue
		case cfaRestore:
			if rule, ok := in.initial.Registers[operand]; ok {
				in.current.Registers[operand] = rule
			} else {
				delete(in.current.Registers, operand)
			}
			continue
		}

		switch b {
		case dwCFANop:
		case dwCFASetLoc:
			addr, err := c.Uint(in.addrSize)
			if err != nil {
				return fmt.Errorf("DW_CFA_set_loc: %w", err)
			}
			in.emit()
			in.current.Address = addr
		case dwCFAAdvanceLoc1:
			v, err := c.U8()
			if err != nil {
				return fmt.Errorf("DW_CFA_advance_loc1: %w", err)
			}
			in.advance(uint64(v))
		case dwCFAAdvanceLoc2:
			v, err := c.U16()
			if err != nil {
				return fmt.Errorf("DW_CFA_advance_loc2: %w", err)
			}
			in.advance(uint64(v))
		case dwCFAAdvanceLoc4:
			v, err := c.U32()
			if err != nil {
				return fmt.Errorf("DW_CFA_advance_loc4: %w", err)
			}
			in.advance(uint64(v))
		case dwCFAOffsetExtended:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_offset_extended: reading register: %w", err)
			}
			off, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_offset_extended: reading offset: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleOffset, Offset: int64(off) * in.dataAlign}
		case dwCFARestoreExtended:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_restore_extended: %w", err)
			}
			if rule, ok := in.initial.Registers[reg]; ok {
				in.current.Registers[reg] = rule
			} else {
				delete(in.current.Registers, reg)
			}
		case dwCFAUndefined:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_undefined: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleUndefined}
		case dwCFASameValue:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_same_value: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleSameValue}
		case dwCFARegister:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_register: reading register: %w", err)
			}
			reg2, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_register: reading target register: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleRegister, Register: reg2}
		case dwCFARememberState:
			in.stack = append(in.stack, in.current.clone())
		case dwCFARestoreState:
			if len(in.stack) == 0 {
				return fmt.Errorf("DW_CFA_restore_state: empty state stack")
			}
			addr := in.current.Address
			in.current = in.stack[len(in.stack)-1]
			in.stack = in.stack[:len(in.stack)-1]
			in.current.Address = addr
		case dwCFADefCFA:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa: reading register: %w", err)
			}
			off, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa: reading offset: %w", err)
			}
			in.current.CFA = CFARule{Register: reg, Offset: int64(off)}
		case dwCFADefCFARegister:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_register: %w", err)
			}
			in.current.CFA.Register = reg
			in.current.CFA.IsExpression = false
		case dwCFADefCFAOffset:
			off, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_offset: %w", err)
			}
			in.current.CFA.Offset = int64(off)
		case dwCFADefCFAExpression:
			n, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_expression: reading length: %w", err)
			}
			block, err := c.Bytes(int64(n))
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_expression: reading block: %w", err)
			}
			in.current.CFA = CFARule{IsExpression: true, Expression: block}
		case dwCFAExpression:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_expression: reading register: %w", err)
			}
			n, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_expression: reading length: %w", err)
			}
			block, err := c.Bytes(int64(n))
			if err != nil {
				return fmt.Errorf("DW_CFA_expression: reading block: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleExpression, Expression: block}
		case dwCFAOffsetExtendedSF:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_offset_extended_sf: reading register: %w", err)
			}
			off, err := c.Sleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_offset_extended_sf: reading offset: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleOffset, Offset: off * in.dataAlign}
		case dwCFADefCFASF:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_sf: reading register: %w", err)
			}
			off, err := c.Sleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_sf: reading offset: %w", err)
			}
			in.current.CFA = CFARule{Register: reg, Offset: off * in.dataAlign}
		case dwCFADefCFAOffsetSF:
			off, err := c.Sleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_def_cfa_offset_sf: %w", err)
			}
			in.current.CFA.Offset = off * in.dataAlign
		case dwCFAValOffset:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_offset: reading register: %w", err)
			}
			off, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_offset: reading offset: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleValOffset, Offset: int64(off) * in.dataAlign}
		case dwCFAValOffsetSF:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_offset_sf: reading register: %w", err)
			}
			off, err := c.Sleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_offset_sf: reading offset: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleValOffset, Offset: off * in.dataAlign}
		case dwCFAValExpression:
			reg, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_expression: reading register: %w", err)
			}
			n, err := c.Uleb128()
			if err != nil {
				return fmt.Errorf("DW_CFA_val_expression: reading length: %w", err)
			}
			block, err := c.Bytes(int64(n))
			if err != nil {
				return fmt.Errorf("DW_CFA_val_expression: reading block: %w", err)
			}
			in.current.Registers[reg] = RegisterRule{Kind: RuleValExpression, Expression: block}
		default:
			return fmt.Errorf("unsupported CFI opcode %#x", b)
		}
	}
	return nil
}

// RowForPC runs cie/fde and returns the row in effect at pc (module-
// relative): it builds the whole table with Run and returns the last row
// whose address is not above pc.
func RowForPC(cie *CIE, fde *FDE, pc uint64) (Row, error) {
	rows, err := Run(cie, fde)
	if err != nil {
		return Row{}, err
	}
	var best Row
	found := false
	for _, row := range rows {
		if row.Address > pc {
			break
		}
		best = row
		found = true
	}
	if !found {
		return Row{}, fmt.Errorf("frame: no row covers pc %#x", pc)
	}
	return best, nil
}
