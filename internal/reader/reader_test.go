package reader

import (
	"encoding/binary"
	"testing"
)

func TestSliceReaderReadAt(t *testing.T) {
	r := NewSliceReader("test", []byte{1, 2, 3, 4, 5})
	buf := make([]byte, 3)
	n, err := r.ReadAt(buf, 2)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 3 || buf[0] != 3 || buf[1] != 4 || buf[2] != 5 {
		t.Fatalf("got %v, want [3 4 5]", buf[:n])
	}
}

func TestCursorUintWidths(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	r := NewSliceReader("test", data)
	tests := []struct {
		n    int
		want uint64
	}{
		{1, 0x01},
		{2, 0x0201},
		{4, 0x04030201},
		{8, 0x0807060504030201},
	}
	for _, tt := range tests {
		c := NewCursor(r, 0, int64(len(data)), binary.LittleEndian)
		got, err := c.Uint(tt.n)
		if err != nil {
			t.Fatalf("Uint(%d): %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("Uint(%d) = %#x, want %#x", tt.n, got, tt.want)
		}
	}
}

func TestCursorSliceOverrun(t *testing.T) {
	r := NewSliceReader("test", []byte{1, 2, 3})
	c := NewCursor(r, 0, 2, binary.LittleEndian)
	if _, err := c.Slice(3); err == nil {
		t.Fatal("expected overrun error, got nil")
	}
}

func TestLEB128RoundTrip(t *testing.T) {
	unsigned := []uint64{0, 1, 127, 128, 300, 1 << 32, ^uint64(0)}
	for _, v := range unsigned {
		enc := encodeUleb128(v)
		r := NewSliceReader("u", enc)
		c := NewCursor(r, 0, int64(len(enc)), binary.LittleEndian)
		got, err := c.Uleb128()
		if err != nil {
			t.Fatalf("Uleb128 decode %d: %v", v, err)
		}
		if got != v {
			t.Errorf("Uleb128 round trip: got %d, want %d", got, v)
		}
	}

	signed := []int64{0, 1, -1, 63, -64, 64, -65, 1 << 40, -(1 << 40)}
	for _, v := range signed {
		enc := encodeSleb128(v)
		r := NewSliceReader("s", enc)
		c := NewCursor(r, 0, int64(len(enc)), binary.LittleEndian)
		got, err := c.Sleb128()
		if err != nil {
			t.Fatalf("Sleb128 decode %d: %v", v, err)
		}
		if got != v {
			t.Errorf("Sleb128 round trip: got %d, want %d", got, v)
		}
	}
}

func TestCStringStopsAtNUL(t *testing.T) {
	r := NewSliceReader("s", []byte("hello\x00garbage"))
	c := NewCursor(r, 0, int64(r.Size()), binary.LittleEndian)
	s, err := c.CString()
	if err != nil {
		t.Fatalf("CString: %v", err)
	}
	if s != "hello" {
		t.Fatalf("CString = %q, want %q", s, "hello")
	}
	if c.Off != 6 {
		t.Fatalf("cursor offset = %d, want 6 (past the NUL)", c.Off)
	}
}

func encodeUleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func encodeSleb128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		done := (v == 0 && !signBitSet) || (v == -1 && signBitSet)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			break
		}
	}
	return out
}
