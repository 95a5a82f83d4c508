package dwarf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// buildPubnames assembles a single 32-bit .debug_pubnames set naming one
// DIE ("main") at CU offset 0, DIE offset 0x2c.
func buildPubnames(t *testing.T) []byte {
	t.Helper()

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(2)) // version
	binary.Write(&body, binary.LittleEndian, uint32(0)) // CU offset
	binary.Write(&body, binary.LittleEndian, uint32(0xbe))  // CU length, unused
	binary.Write(&body, binary.LittleEndian, uint32(0x2c))  // DIE offset
	body.WriteString("main")
	body.WriteByte(0)
	binary.Write(&body, binary.LittleEndian, uint32(0)) // terminator

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(body.Len()))
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func TestParsePubnames(t *testing.T) {
	raw := buildPubnames(t)
	names, err := ParsePubnames(reader.NewSliceReader("pubnames", raw))
	if err != nil {
		t.Fatalf("ParsePubnames: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("got %d names, want 1", len(names))
	}
	if names[0].Name != "main" || names[0].DIEOffset != 0x2c || names[0].CUOffset != 0 {
		t.Errorf("got %+v, want {main 0 0x2c}", names[0])
	}
}
