package dwarf

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/reader"
)

// StringTable is the eagerly loaded .debug_str section (spec.md §3, DWARF
// Info: "The debug string table is eagerly loaded into a private buffer;
// all string-form attribute values point into it and share its lifetime").
type StringTable struct {
	buf []byte
	src string
}

// NewStringTable copies r's contents into a private buffer.
func NewStringTable(r reader.Reader) (*StringTable, error) {
	if r == nil {
		return &StringTable{}, nil
	}
	n := r.Size()
	buf := make([]byte, n)
	if n > 0 {
		if _, err := r.ReadAt(buf, 0); err != nil {
			return nil, fmt.Errorf("dwarf: loading .debug_str: %w", err)
		}
	}
	return &StringTable{buf: buf, src: r.Describe()}, nil
}

// At returns the NUL-terminated string starting at off.
func (t *StringTable) At(off int64) (string, error) {
	if off < 0 || off > int64(len(t.buf)) {
		return "", fmt.Errorf("dwarf: .debug_str offset %#x out of range (size %d) in %s", off, len(t.buf), t.src)
	}
	end := off
	for end < int64(len(t.buf)) && t.buf[end] != 0 {
		end++
	}
	if end >= int64(len(t.buf)) {
		return "", fmt.Errorf("dwarf: unterminated string at %#x in %s", off, t.src)
	}
	return string(t.buf[off:end]), nil
}
