package dwarf

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// LineRow is one row of the line-number matrix, spec.md §3 ("Line Matrix").
type LineRow struct {
	Address     uint64
	File        int
	Line        int
	Column      int
	IsStmt      bool
	BasicBlock  bool
	EndSequence bool
}

// FileEntry is one entry of a line program's file-name table.
type FileEntry struct {
	Name    string
	DirIdx  uint64
	ModTime uint64
	Length  uint64
}

type lineProgHeader struct {
	unitLength         uint64
	is64               bool
	version            uint16
	prologueLength     uint64
	minInsnLength      uint8
	defaultIsStmt      bool
	lineBase           int8
	lineRange          uint8
	opcodeBase         uint8
	stdOpcodeLengths   []uint8
	includeDirectories []string
	files              []FileEntry
}

// ParseLineProgram executes the .debug_line state machine described in
// spec.md §4.5, starting at off in section r, and returns the resulting
// line matrix.
func ParseLineProgram(r reader.Reader, off int64) ([]LineRow, []FileEntry, error) {
	s := NewStream(r, off, r.Size()-off)
	hdr, err := parseLineHeader(&s)
	if err != nil {
		return nil, nil, fmt.Errorf("dwarf: line program at %#x: %w", off, err)
	}
	unitEnd := off + int64(hdr.unitLength) + lengthPrefixSize(hdr.is64)
	prog, err := s.Sub(unitEnd - s.Off)
	if err != nil {
		return nil, nil, fmt.Errorf("dwarf: line program at %#x: truncated program: %w", off, err)
	}
	rows, err := runLineProgram(&prog, hdr)
	if err != nil {
		return nil, nil, err
	}
	return rows, hdr.files, nil
}

func lengthPrefixSize(is64 bool) int64 {
	if is64 {
		return 12
	}
	return 4
}

func parseLineHeader(s *Stream) (*lineProgHeader, error) {
	h := &lineProgHeader{}
	unitLength, err := s.InitialLength()
	if err != nil {
		return nil, fmt.Errorf("reading unit length: %w", err)
	}
	h.unitLength = unitLength
	h.is64 = s.Fmt == Format64

	version, err := s.U16()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	h.version = version

	prologueLength, err := s.Offset()
	if err != nil {
		return nil, fmt.Errorf("reading prologue length: %w", err)
	}
	h.prologueLength = prologueLength
	prologueStart := s.Off

	minInsn, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("reading minimum instruction length: %w", err)
	}
	h.minInsnLength = minInsn

	defaultIsStmt, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("reading default_is_stmt: %w", err)
	}
	h.defaultIsStmt = defaultIsStmt != 0

	lineBase, err := s.I8()
	if err != nil {
		return nil, fmt.Errorf("reading line_base: %w", err)
	}
	h.lineBase = lineBase

	lineRange, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("reading line_range: %w", err)
	}
	h.lineRange = lineRange

	opcodeBase, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("reading opcode_base: %w", err)
	}
	h.opcodeBase = opcodeBase

	h.stdOpcodeLengths = make([]uint8, opcodeBase-1)
	for i := range h.stdOpcodeLengths {
		v, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("reading standard_opcode_lengths[%d]: %w", i, err)
		}
		h.stdOpcodeLengths[i] = v
	}

	// index 0 of directories is an implicit "compiler CWD" (spec.md §4.5).
	h.includeDirectories = []string{""}
	for {
		dir, err := s.CString()
		if err != nil {
			return nil, fmt.Errorf("reading include_directories: %w", err)
		}
		if dir == "" {
			break
		}
		h.includeDirectories = append(h.includeDirectories, dir)
	}

	// index 0 of files is reserved/unknown (spec.md §4.5).
	h.files = []FileEntry{{}}
	for {
		name, err := s.CString()
		if err != nil {
			return nil, fmt.Errorf("reading file_names: %w", err)
		}
		if name == "" {
			break
		}
		dirIdx, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading file dir index: %w", err)
		}
		modTime, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading file mtime: %w", err)
		}
		length, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading file length: %w", err)
		}
		h.files = append(h.files, FileEntry{Name: name, DirIdx: dirIdx, ModTime: modTime, Length: length})
	}

	// Per spec.md §9: non-zero padding remaining after the prologue is
	// skipped silently, never rejected.
	programStart := prologueStart + int64(prologueLength)
	if programStart < s.Off {
		return nil, fmt.Errorf("prologue_length %d places program start before end of parsed header", prologueLength)
	}
	if err := s.Skip(programStart - s.Off); err != nil {
		return nil, fmt.Errorf("skipping to program start: %w", err)
	}
	return h, nil
}

func runLineProgram(s *Stream, h *lineProgHeader) ([]LineRow, error) {
	var matrix []LineRow

	type state struct {
		address     uint64
		file        int
		line        int
		column      int
		isStmt      bool
		basicBlock  bool
		endSequence bool
	}
	initial := func() state {
		return state{address: 0, file: 1, line: 1, column: 0, isStmt: h.defaultIsStmt}
	}
	st := initial()

	emit := func() {
		matrix = append(matrix, LineRow{
			Address:     st.address,
			File:        st.file,
			Line:        st.line,
			Column:      st.column,
			IsStmt:      st.isStmt,
			BasicBlock:  st.basicBlock,
			EndSequence: st.endSequence,
		})
	}

	for !s.Exhausted() {
		opcode, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("reading opcode: %w", err)
		}
		switch {
		case opcode >= h.opcodeBase:
			adj := int(opcode - h.opcodeBase)
			addrAdv := (adj / int(h.lineRange)) * int(h.minInsnLength)
			lineAdv := int(h.lineBase) + adj%int(h.lineRange)
			st.address += uint64(addrAdv)
			st.line += lineAdv
			emit()
			st.basicBlock = false

		case opcode == 0: // extended opcode
			length, err := s.Uleb128()
			if err != nil {
				return nil, fmt.Errorf("reading extended opcode length: %w", err)
			}
			sub, err := s.Sub(int64(length))
			if err != nil {
				return nil, fmt.Errorf("reading extended opcode body: %w", err)
			}
			subOpcode, err := sub.U8()
			if err != nil {
				return nil, fmt.Errorf("reading extended sub-opcode: %w", err)
			}
			switch subOpcode {
			case dwLNEEndSequence:
				st.endSequence = true
				emit()
				st = initial()
			case dwLNESetAddress:
				addr, err := sub.Addr()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNE_set_address: %w", err)
				}
				st.address = addr
			case dwLNESetDiscriminator:
				if _, err := sub.Uleb128(); err != nil {
					return nil, fmt.Errorf("reading DW_LNE_set_discriminator: %w", err)
				}
			default:
				// Unknown sub-opcode: s already advanced past the whole
				// length-byte body when sub was carved out above, so
				// there is nothing further to skip.
			}

		default: // standard opcode
			switch opcode {
			case dwLNSCopy:
				emit()
				st.basicBlock = false
			case dwLNSAdvancePC:
				v, err := s.Uleb128()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNS_advance_pc: %w", err)
				}
				st.address += v * uint64(h.minInsnLength)
			case dwLNSAdvanceLine:
				v, err := s.Sleb128()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNS_advance_line: %w", err)
				}
				st.line += int(v)
			case dwLNSSetFile:
				v, err := s.Uleb128()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNS_set_file: %w", err)
				}
				st.file = int(v)
			case dwLNSSetColumn:
				v, err := s.Uleb128()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNS_set_column: %w", err)
				}
				st.column = int(v)
			case dwLNSNegateStmt:
				st.isStmt = !st.isStmt
			case dwLNSSetBasicBlock:
				st.basicBlock = true
			case dwLNSConstAddPC:
				adj := (255 - int(h.opcodeBase)) / int(h.lineRange)
				st.address += uint64(adj * int(h.minInsnLength))
			case dwLNSFixedAdvancePC:
				v, err := s.U16()
				if err != nil {
					return nil, fmt.Errorf("reading DW_LNS_fixed_advance_pc: %w", err)
				}
				st.address += uint64(v)
			default:
				n := int(h.stdOpcodeLengths[opcode-1])
				for i := 0; i < n; i++ {
					if _, err := s.Uleb128(); err != nil {
						return nil, fmt.Errorf("skipping operand %d of unknown standard opcode %d: %w", i, opcode, err)
					}
				}
			}
		}
	}
	return matrix, nil
}

const (
	dwLNSCopy            = 0x01
	dwLNSAdvancePC       = 0x02
	dwLNSAdvanceLine     = 0x03
	dwLNSSetFile         = 0x04
	dwLNSSetColumn       = 0x05
	dwLNSNegateStmt      = 0x06
	dwLNSSetBasicBlock   = 0x07
	dwLNSConstAddPC      = 0x08
	dwLNSFixedAdvancePC  = 0x09

	dwLNEEndSequence      = 0x01
	dwLNESetAddress       = 0x02
	dwLNESetDiscriminator = 0x04
)

// LookupAddress finds (file, line, column) for address addr within matrix,
// per spec.md §3: the last row with row.Address <= addr in the same
// end_sequence-terminated run, skipping end_sequence rows themselves.
func LookupAddress(matrix []LineRow, addr uint64) (LineRow, bool) {
	var best LineRow
	found := false
	for _, row := range matrix {
		if row.EndSequence {
			if found && best.Address <= addr && addr < row.Address {
				return best, true
			}
			found = false
			continue
		}
		if row.Address <= addr {
			best = row
			found = true
		} else if found {
			return best, true
		}
	}
	return LineRow{}, false
}
