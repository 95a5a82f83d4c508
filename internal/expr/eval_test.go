package expr

import (
	"encoding/binary"
	"testing"
)

type fakeMem struct {
	words map[uint64]uint64
}

func (f fakeMem) ReadAt(p []byte, off int64) (int, error) {
	v := f.words[uint64(off)]
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	n := copy(p, buf)
	return n, nil
}
func (f fakeMem) Size() int64      { return -1 }
func (f fakeMem) Describe() string { return "fake" }

func TestEvaluateBregDeref(t *testing.T) {
	// DW_OP_breg6 -16, DW_OP_deref
	code := []byte{opBreg0 + 6, 0x70, opDeref} // -16 as SLEB128 is 0x70
	ctx := Context{
		Register: func(r uint64) (uint64, bool) {
			if r == 6 {
				return 0x600000, true
			}
			return 0, false
		},
		Mem:      fakeMem{words: map[uint64]uint64{0x5ffff0: 0xdeadbeef}},
		AddrSize: 8,
	}
	res, err := Evaluate(code, ctx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Kind != ResultAddress || res.Address != 0xdeadbeef {
		t.Fatalf("got %+v, want address 0xdeadbeef", res)
	}
}

func TestEvaluateCallFrameCFA(t *testing.T) {
	code := []byte{opCallFrameCFA}
	res, err := Evaluate(code, Context{CFA: 0x7ffff000})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Address != 0x7ffff000 {
		t.Fatalf("got %#x, want CFA", res.Address)
	}
}

func TestEvaluateStackValue(t *testing.T) {
	code := []byte{opLit0 + 5, opStackValue}
	res, err := Evaluate(code, Context{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Kind != ResultValue || res.Value != 5 {
		t.Fatalf("got %+v, want value 5", res)
	}
}

func TestEvaluateRegisterResult(t *testing.T) {
	code := []byte{opReg0 + 3}
	res, err := Evaluate(code, Context{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Kind != ResultRegister || res.Register != 3 {
		t.Fatalf("got %+v, want register 3", res)
	}
}

func TestEvaluateComparisonOpcodes(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		a, b int64
		want uint64
	}{
		{"eq-true", opEq, 4, 4, 1},
		{"eq-false", opEq, 4, 5, 0},
		{"lt-true", opLt, 3, 4, 1},
		{"gt-false", opGt, 3, 4, 0},
		{"ge-true", opGe, 4, 4, 1},
		{"ne-true", opNe, 4, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := []byte{
				opConst1s, byte(tt.a),
				opConst1s, byte(tt.b),
				tt.op,
			}
			res, err := Evaluate(code, Context{})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if res.Address != tt.want {
				t.Fatalf("op %#x: got %d, want %d", tt.op, res.Address, tt.want)
			}
		})
	}
}

func TestEvaluateSkipAndBranch(t *testing.T) {
	// push 0, skip 2 bytes (over a const1u 99), push 7: stack should hold
	// [0, 7], result is 7.
	code := []byte{
		opLit0,
		opSkip, 2, 0, // skip forward 2 bytes, past the const1u pair below
		opConst1u, 99,
		opLit0 + 7,
	}
	res, err := Evaluate(code, Context{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Address != 7 {
		t.Fatalf("got %d, want 7 (const1u 99 should have been skipped)", res.Address)
	}

	// push 1, bra 2 bytes (taken: the popped value is nonzero), push 7.
	code = []byte{
		opLit0 + 1,
		opBra, 2, 0,
		opConst1u, 99,
		opLit0 + 7,
	}
	res, err = Evaluate(code, Context{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Address != 7 {
		t.Fatalf("got %d, want 7 (bra should have jumped over const1u 99)", res.Address)
	}
}

func TestEvaluateEmptyStackIsError(t *testing.T) {
	if _, err := Evaluate(nil, Context{}); err == nil {
		t.Fatal("expected error for an expression with no result")
	}
}
