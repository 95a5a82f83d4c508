package dwarf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// buildLineProgram assembles a minimal 32-bit DWARF4 .debug_line unit: one
// sequence that sets the address to 0x401000, copies (line 1), advances to
// 0x401004 and line 2, copies again, then ends the sequence.
func buildLineProgram(t *testing.T) []byte {
	t.Helper()

	var prologue bytes.Buffer
	prologue.WriteByte(1)  // minimum_instruction_length
	prologue.WriteByte(1)  // default_is_stmt
	prologue.WriteByte(0xfb) // line_base = -5
	prologue.WriteByte(14) // line_range
	prologue.WriteByte(13) // opcode_base
	prologue.Write(make([]byte, 12)) // standard_opcode_lengths[1..12]
	prologue.WriteByte(0)            // include_directories terminator
	prologue.WriteString("main.c")
	prologue.WriteByte(0) // NUL
	prologue.WriteByte(0) // dir index
	prologue.WriteByte(0) // mtime
	prologue.WriteByte(0) // length
	prologue.WriteByte(0) // file_names terminator

	var program bytes.Buffer
	// DW_LNE_set_address 0x401000
	program.WriteByte(0x00)
	program.WriteByte(9) // length: subopcode + 8-byte address
	program.WriteByte(0x02)
	addr := make([]byte, 8)
	binary.LittleEndian.PutUint64(addr, 0x401000)
	program.Write(addr)
	// DW_LNS_copy
	program.WriteByte(0x01)
	// DW_LNS_advance_pc 4
	program.WriteByte(0x02)
	program.WriteByte(4)
	// DW_LNS_advance_line +1
	program.WriteByte(0x03)
	program.WriteByte(1)
	// DW_LNS_copy
	program.WriteByte(0x01)
	// DW_LNE_end_sequence
	program.WriteByte(0x00)
	program.WriteByte(1)
	program.WriteByte(0x01)

	var buf bytes.Buffer
	unitLength := uint32(2 /* version */ + 4 /* prologue_length field */ + prologue.Len() + program.Len())
	binary.Write(&buf, binary.LittleEndian, unitLength)
	binary.Write(&buf, binary.LittleEndian, uint16(4)) // version
	binary.Write(&buf, binary.LittleEndian, uint32(prologue.Len()))
	buf.Write(prologue.Bytes())
	buf.Write(program.Bytes())
	return buf.Bytes()
}

func TestParseLineProgram(t *testing.T) {
	raw := buildLineProgram(t)
	matrix, files, err := ParseLineProgram(reader.NewSliceReader("line", raw), 0)
	if err != nil {
		t.Fatalf("ParseLineProgram: %v", err)
	}
	if len(matrix) != 3 {
		t.Fatalf("got %d rows, want 3", len(matrix))
	}
	if matrix[0].Address != 0x401000 || matrix[0].Line != 1 {
		t.Errorf("row 0 = %+v, want address 0x401000 line 1", matrix[0])
	}
	if matrix[1].Address != 0x401004 || matrix[1].Line != 2 {
		t.Errorf("row 1 = %+v, want address 0x401004 line 2", matrix[1])
	}
	if !matrix[2].EndSequence {
		t.Errorf("row 2 = %+v, want EndSequence", matrix[2])
	}
	if len(files) != 2 || files[1].Name != "main.c" {
		t.Fatalf("files = %+v, want [{} {main.c ...}]", files)
	}
}

func TestLookupAddress(t *testing.T) {
	raw := buildLineProgram(t)
	matrix, _, err := ParseLineProgram(reader.NewSliceReader("line", raw), 0)
	if err != nil {
		t.Fatalf("ParseLineProgram: %v", err)
	}
	row, ok := LookupAddress(matrix, 0x401002)
	if !ok || row.Line != 1 {
		t.Fatalf("LookupAddress(0x401002) = %+v, %v; want line 1, true", row, ok)
	}
	if _, ok := LookupAddress(matrix, 0x400000); ok {
		t.Fatal("LookupAddress before the first row should not match")
	}
}
