package frame

import "testing"

// TestRunSimplePrologue exercises the round-trip scenario: a "push rbp"-free
// prologue described by "def_cfa rsp, 8; offset rip, -8" against a data
// alignment factor of -8, which must yield CFA = rsp+8 and a return-address
// rule of offset(-8) once the factor is applied.
func TestRunSimplePrologue(t *testing.T) {
	const dwRSP = 7
	const dwRIP = 16

	instructions := []byte{
		dwCFADefCFA, dwRSP, 8, // def_cfa rsp, +8 (ULEB128 operands)
		cfaOffset | dwRIP, 1, // offset(rip, factored 1) => -8 * 1 = -8
	}

	cie := &CIE{
		CodeAlignmentFactor:   1,
		DataAlignmentFactor:   -8,
		ReturnAddressRegister: dwRIP,
	}
	fde := &FDE{
		CIE:             cie,
		InitialLocation: 0x401000,
		AddressRange:    0x10,
		Instructions:    instructions,
	}

	row, err := RowForPC(cie, fde, 0x401000)
	if err != nil {
		t.Fatalf("RowForPC: %v", err)
	}
	if row.CFA.IsExpression || row.CFA.Register != dwRSP || row.CFA.Offset != 8 {
		t.Fatalf("CFA rule = %+v, want register+offset(rsp, 8)", row.CFA)
	}
	rule, ok := row.Registers[dwRIP]
	if !ok {
		t.Fatalf("no rule recorded for rip")
	}
	if rule.Kind != RuleOffset || rule.Offset != -8 {
		t.Fatalf("rip rule = %+v, want offset(-8)", rule)
	}
}

func TestRunDeterministic(t *testing.T) {
	cie := &CIE{CodeAlignmentFactor: 1, DataAlignmentFactor: -8, ReturnAddressRegister: 16}
	fde := &FDE{
		CIE:             cie,
		InitialLocation: 0x1000,
		AddressRange:    0x20,
		Instructions: []byte{
			dwCFADefCFA, 7, 8,
			cfaOffset | 16, 1,
			dwCFAAdvanceLoc1, 4,
			cfaOffset | 6, 2, // offset(rbp, factored 2) => -16
		},
	}
	r1, err := Run(cie, fde)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r2, err := Run(cie, fde)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(r1) != len(r2) {
		t.Fatalf("non-deterministic row count: %d vs %d", len(r1), len(r2))
	}
	for i := range r1 {
		a, b := r1[i], r2[i]
		if a.Address != b.Address || a.CFA.IsExpression != b.CFA.IsExpression ||
			a.CFA.Register != b.CFA.Register || a.CFA.Offset != b.CFA.Offset {
			t.Fatalf("non-deterministic row %d: %+v vs %+v", i, a, b)
		}
	}
}

func TestRunUnknownOpcodeFails(t *testing.T) {
	cie := &CIE{CodeAlignmentFactor: 1, DataAlignmentFactor: -8, ReturnAddressRegister: 16}
	fde := &FDE{
		CIE:             cie,
		InitialLocation: 0x1000,
		AddressRange:    0x10,
		Instructions:    []byte{0x17}, // reserved/unassigned extended opcode
	}
	if _, err := Run(cie, fde); err == nil {
		t.Fatal("expected a decode error for an unknown CFI opcode")
	}
}
