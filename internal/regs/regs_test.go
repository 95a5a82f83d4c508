package regs

import "testing"

func TestFromPRStatusAMD64(t *testing.T) {
	greg := make([]uint64, 27)
	// index 16 is rip, 19 is rsp in the gregset order FromPRStatusAMD64
	// decodes (see regs.go's `order` slice).
	greg[16] = 0x401000
	greg[19] = 0x7ffffff0

	set, err := FromPRStatusAMD64(greg)
	if err != nil {
		t.Fatalf("FromPRStatusAMD64: %v", err)
	}
	if pc, ok := set.PC(); !ok || pc != 0x401000 {
		t.Fatalf("PC = %#x, %v; want 0x401000, true", pc, ok)
	}
	if sp, ok := set.SP(); !ok || sp != 0x7ffffff0 {
		t.Fatalf("SP = %#x, %v; want 0x7ffffff0, true", sp, ok)
	}
}

func TestFromPRStatusAMD64ShortGregset(t *testing.T) {
	if _, err := FromPRStatusAMD64(make([]uint64, 10)); err == nil {
		t.Fatal("expected an error for a short gregset")
	}
}

func TestFromPRStatusARM64(t *testing.T) {
	greg := make([]uint64, 34)
	greg[0] = 0x1111 // x0
	greg[31] = 0x7ffff000 // sp
	greg[32] = 0x402000   // pc

	set, err := FromPRStatusARM64(greg)
	if err != nil {
		t.Fatalf("FromPRStatusARM64: %v", err)
	}
	if pc, ok := set.PC(); !ok || pc != 0x402000 {
		t.Fatalf("PC = %#x, %v; want 0x402000, true", pc, ok)
	}
	if sp, ok := set.SP(); !ok || sp != 0x7ffff000 {
		t.Fatalf("SP = %#x, %v; want 0x7ffff000, true", sp, ok)
	}
	if v, ok := set.Get(0); !ok || v != 0x1111 {
		t.Fatalf("x0 = %#x, %v; want 0x1111, true", v, ok)
	}
}

func TestSetCloneIsIndependent(t *testing.T) {
	s := NewSet(AMD64)
	s.Set(amd64RAX, 1)
	clone := s.Clone()
	clone.Set(amd64RAX, 2)

	if v, _ := s.Get(amd64RAX); v != 1 {
		t.Fatalf("original mutated by clone: rax = %d, want 1", v)
	}
	if v, _ := clone.Get(amd64RAX); v != 2 {
		t.Fatalf("clone not updated: rax = %d, want 2", v)
	}
}
