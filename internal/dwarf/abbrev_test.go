package dwarf

import (
	"testing"

	"github.com/nwtrace/nwtrace/internal/reader"
)

func TestParseAbbrevTable(t *testing.T) {
	// code 1: TagCompileUnit, has children, one attr (AttrName, FormString)
	// code 0 terminates the table.
	raw := []byte{
		1, byte(TagCompileUnit), 1,
		byte(AttrName), byte(FormString),
		0, 0,
		0,
	}
	s := NewStream(reader.NewSliceReader("abbrev", raw), 0, int64(len(raw)))
	table, err := parseAbbrevTable(s)
	if err != nil {
		t.Fatalf("parseAbbrevTable: %v", err)
	}
	ab, err := table.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup(1): %v", err)
	}
	if ab.Tag != TagCompileUnit || !ab.HasChildren {
		t.Fatalf("abbrev = %+v, want CompileUnit with children", ab)
	}
	if len(ab.Attrs) != 1 || ab.Attrs[0].Name != AttrName || ab.Attrs[0].Form != FormString {
		t.Fatalf("attrs = %+v, want [{Name Form}]", ab.Attrs)
	}
}

func TestAbbrevLookupMissingCodeIsError(t *testing.T) {
	table := AbbrevTable{}
	if _, err := table.Lookup(7); err == nil {
		t.Fatal("expected an error for a missing abbreviation code")
	}
}

func TestParseAbbrevTableDuplicateCodeIsError(t *testing.T) {
	raw := []byte{
		1, byte(TagBaseType), 0,
		0, 0,
		1, byte(TagBaseType), 0,
		0, 0,
		0,
	}
	s := NewStream(reader.NewSliceReader("abbrev", raw), 0, int64(len(raw)))
	if _, err := parseAbbrevTable(s); err == nil {
		t.Fatal("expected an error for a duplicate abbreviation code")
	}
}
