package diag

import "fmt"

// DecodeError distinguishes a malformed-input failure (a bad DWARF form,
// a truncated CIE, an out-of-range section offset) from an ordinary
// lookup miss, so callers can use errors.As to tell "this object is
// corrupt" apart from "this address just isn't covered by anything",
// per spec.md §7.
type DecodeError struct {
	Section string // e.g. ".debug_info", ".eh_frame"
	Offset  int64
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error in %s at %#x: %v", e.Section, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewDecodeError wraps err as a DecodeError for section at offset.
func NewDecodeError(section string, offset int64, err error) *DecodeError {
	return &DecodeError{Section: section, Offset: offset, Err: err}
}
