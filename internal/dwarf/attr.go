package dwarf

import "fmt"

// Value is the closed tagged union over attribute forms described in
// spec.md §3 ("Attribute Value"). Exactly one of the fields is meaningful,
// selected by Form.
type Value struct {
	Form Form

	Uint  uint64 // addr, data1/2/4/8, udata, flag (0/1)
	Int   int64  // sdata
	Str   string // string, or resolved strp
	Block struct {
		Off, Len int64 // offset+length into the CU's data; bytes are not copied
	}
	Ref int64 // resolved absolute .debug_info offset, for ref* forms
}

// Uint64 returns the value as an integer, accepting exactly the forms
// spec.md §3 calls "integer-like": data1/2/4/8, udata, sdata. Any other form
// is a decode error, per §9 ("make integer-like accessors explicit").
func (v Value) Uint64() (uint64, error) {
	switch v.Form {
	case FormData1, FormData2, FormData4, FormData8, FormUdata:
		return v.Uint, nil
	case FormSdata:
		return uint64(v.Int), nil
	default:
		return 0, fmt.Errorf("dwarf: attribute form %#x is not integer-like", v.Form)
	}
}

// decodeAttr decodes one attribute value per the form table in spec.md §4.4.
// strTab resolves DW_FORM_strp offsets into the eagerly-loaded debug-string
// buffer; it may be nil if no .debug_str section is present (strp then
// fails).
func decodeAttr(s *Stream, cuStart int64, form Form, strTab *StringTable) (Value, error) {
	switch form {
	case FormAddr:
		a, err := s.Addr()
		return Value{Form: form, Uint: a}, err
	case FormData1:
		v, err := s.U8()
		return Value{Form: form, Uint: uint64(v)}, err
	case FormData2:
		v, err := s.U16()
		return Value{Form: form, Uint: uint64(v)}, err
	case FormData4:
		v, err := s.U32()
		return Value{Form: form, Uint: uint64(v)}, err
	case FormData8:
		v, err := s.U64()
		return Value{Form: form, Uint: v}, err
	case FormUdata:
		v, err := s.Uleb128()
		return Value{Form: form, Uint: v}, err
	case FormSdata:
		v, err := s.Sleb128()
		return Value{Form: form, Int: v}, err
	case FormStrp:
		off, err := s.Offset()
		if err != nil {
			return Value{}, err
		}
		if strTab == nil {
			return Value{}, fmt.Errorf("dwarf: DW_FORM_strp at offset %#x with no .debug_str section", off)
		}
		str, err := strTab.At(int64(off))
		return Value{Form: form, Str: str}, err
	case FormString:
		str, err := s.CString()
		return Value{Form: form, Str: str}, err
	case FormRef1:
		v, err := s.U8()
		return Value{Form: form, Ref: cuStart + int64(v)}, err
	case FormRef2:
		v, err := s.U16()
		return Value{Form: form, Ref: cuStart + int64(v)}, err
	case FormRef4:
		v, err := s.U32()
		return Value{Form: form, Ref: cuStart + int64(v)}, err
	case FormRef8:
		v, err := s.U64()
		return Value{Form: form, Ref: cuStart + int64(v)}, err
	case FormRefAddr:
		off, err := s.Offset()
		return Value{Form: form, Ref: int64(off)}, err
	case FormBlock1:
		n, err := s.U8()
		if err != nil {
			return Value{}, err
		}
		return decodeBlock(s, form, int64(n))
	case FormBlock2:
		n, err := s.U16()
		if err != nil {
			return Value{}, err
		}
		return decodeBlock(s, form, int64(n))
	case FormBlock4:
		n, err := s.U32()
		if err != nil {
			return Value{}, err
		}
		return decodeBlock(s, form, int64(n))
	case FormBlock:
		n, err := s.Uleb128()
		if err != nil {
			return Value{}, err
		}
		return decodeBlock(s, form, int64(n))
	case FormFlag:
		v, err := s.U8()
		return Value{Form: form, Uint: boolToUint(v != 0)}, err
	default:
		return Value{}, fmt.Errorf("dwarf: unknown attribute form %#x", form)
	}
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// decodeBlock records the (offset, length) span of a block-form attribute
// and skips over the bytes without copying them, per spec.md §4.4
// ("bytes are skipped, not copied").
func decodeBlock(s *Stream, form Form, n int64) (Value, error) {
	off := s.Off
	if err := s.Skip(n); err != nil {
		return Value{}, fmt.Errorf("dwarf: block form %#x: %w", form, err)
	}
	v := Value{Form: form}
	v.Block.Off = off
	v.Block.Len = n
	return v, nil
}
