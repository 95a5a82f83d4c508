package dwarf

import "fmt"

// Tag identifies the kind of a DIE, e.g. TagCompileUnit, TagSubprogram.
type Tag uint64

// Attr identifies a DIE attribute, e.g. AttrName, AttrLowpc.
type Attr uint64

// Form identifies how an attribute's value is encoded.
type Form uint64

// A small, spec-relevant subset of DW_TAG_*, DW_AT_*, and DW_FORM_*
// constants; values match the DWARF standard.
const (
	TagCompileUnit  Tag = 0x11
	TagSubprogram   Tag = 0x2e
	TagVariable     Tag = 0x34
	TagFormalParam  Tag = 0x05
	TagBaseType     Tag = 0x24
	TagPointerType  Tag = 0x0f
	TagStructType   Tag = 0x13
	TagLexicalBlock Tag = 0x0b
)

const (
	AttrName        Attr = 0x03
	AttrStmtList    Attr = 0x10
	AttrLowpc       Attr = 0x11
	AttrHighpc      Attr = 0x12
	AttrCompDir     Attr = 0x1b
	AttrProducer    Attr = 0x25
	AttrLocation    Attr = 0x02
	AttrFrameBase   Attr = 0x40
	AttrType        Attr = 0x49
	AttrDeclFile    Attr = 0x3a
	AttrDeclLine    Attr = 0x3b
	AttrByteSize    Attr = 0x0b
	AttrExternal    Attr = 0x3f
	AttrRanges      Attr = 0x55
	AttrSpecif      Attr = 0x47
	AttrAbstractOri Attr = 0x31
)

const (
	FormAddr    Form = 0x01
	FormBlock2  Form = 0x03
	FormBlock4  Form = 0x04
	FormData2   Form = 0x05
	FormData4   Form = 0x06
	FormData8   Form = 0x07
	FormString  Form = 0x08
	FormBlock   Form = 0x09
	FormBlock1  Form = 0x0a
	FormData1   Form = 0x0b
	FormFlag    Form = 0x0c
	FormSdata   Form = 0x0d
	FormStrp    Form = 0x0e
	FormUdata   Form = 0x0f
	FormRefAddr Form = 0x10
	FormRef1    Form = 0x11
	FormRef2    Form = 0x12
	FormRef4    Form = 0x13
	FormRef8    Form = 0x14
	FormRefUdat Form = 0x15
	FormIndirct Form = 0x16
)

// AttrSpec is one (attribute name, form) pair of an abbreviation.
type AttrSpec struct {
	Name Attr
	Form Form
}

// Abbrev is one entry of a compile unit's abbreviation table: spec.md §4.2.
type Abbrev struct {
	Tag         Tag
	HasChildren bool
	Attrs       []AttrSpec
}

// AbbrevTable maps abbreviation code -> Abbrev for a single compile unit.
type AbbrevTable map[uint64]Abbrev

// parseAbbrevTable consumes abbreviation declarations from the
// .debug_abbrev section, per spec.md §4.2: for each non-zero code, tag
// (ULEB128), has-children flag (1 byte), then (name, form) ULEB128 pairs
// until a (0, 0) terminator; the table itself terminates on a code of 0.
func parseAbbrevTable(s Stream) (AbbrevTable, error) {
	table := AbbrevTable{}
	for {
		code, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("dwarf: abbrev table: reading code: %w", err)
		}
		if code == 0 {
			return table, nil
		}
		tag, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("dwarf: abbrev table: reading tag for code %d: %w", code, err)
		}
		hasChildByte, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("dwarf: abbrev table: reading children flag for code %d: %w", code, err)
		}
		var specs []AttrSpec
		for {
			name, err := s.Uleb128()
			if err != nil {
				return nil, fmt.Errorf("dwarf: abbrev table: reading attr name for code %d: %w", code, err)
			}
			form, err := s.Uleb128()
			if err != nil {
				return nil, fmt.Errorf("dwarf: abbrev table: reading attr form for code %d: %w", code, err)
			}
			if name == 0 && form == 0 {
				break
			}
			specs = append(specs, AttrSpec{Name: Attr(name), Form: Form(form)})
		}
		if _, dup := table[code]; dup {
			return nil, fmt.Errorf("dwarf: abbrev table: duplicate code %d", code)
		}
		table[code] = Abbrev{Tag: Tag(tag), HasChildren: hasChildByte != 0, Attrs: specs}
	}
}

// Lookup returns the Abbrev for code, or an error if it is missing — a
// fatal decode error per spec.md §4.2 ("missing code is a fatal decode
// error").
func (t AbbrevTable) Lookup(code uint64) (Abbrev, error) {
	a, ok := t[code]
	if !ok {
		return Abbrev{}, fmt.Errorf("dwarf: no abbreviation for code %d", code)
	}
	return a, nil
}
