package dwarf

import (
	"encoding/binary"
	"testing"

	"github.com/nwtrace/nwtrace/internal/reader"
)

func TestInitialLength32Bit(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 0x100)
	s := NewStream(reader.NewSliceReader("s", raw), 0, int64(len(raw)))
	n, err := s.InitialLength()
	if err != nil {
		t.Fatalf("InitialLength: %v", err)
	}
	if n != 0x100 || s.Fmt != Format32 {
		t.Fatalf("got (%d, %v), want (0x100, Format32)", n, s.Fmt)
	}
}

func TestInitialLength64Bit(t *testing.T) {
	raw := make([]byte, 12)
	binary.LittleEndian.PutUint32(raw, dwarf64Sentinel)
	binary.LittleEndian.PutUint64(raw[4:], 0x123456789)
	s := NewStream(reader.NewSliceReader("s", raw), 0, int64(len(raw)))
	n, err := s.InitialLength()
	if err != nil {
		t.Fatalf("InitialLength: %v", err)
	}
	if n != 0x123456789 || s.Fmt != Format64 {
		t.Fatalf("got (%#x, %v), want (0x123456789, Format64)", n, s.Fmt)
	}
}

func TestInitialLengthReservedValueIsError(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, 0xFFFFFFF5)
	s := NewStream(reader.NewSliceReader("s", raw), 0, int64(len(raw)))
	if _, err := s.InitialLength(); err == nil {
		t.Fatal("expected an error for a reserved initial-length value")
	}
}

func TestOffsetSize(t *testing.T) {
	if Format32.OffsetSize() != 4 {
		t.Errorf("Format32.OffsetSize() = %d, want 4", Format32.OffsetSize())
	}
	if Format64.OffsetSize() != 8 {
		t.Errorf("Format64.OffsetSize() = %d, want 8", Format64.OffsetSize())
	}
}
