package procmem

import "testing"

func newTestMapping(min, max uint64, fill byte) *Mapping {
	data := make([]byte, max-min)
	for i := range data {
		data[i] = fill
	}
	return &Mapping{Min: min, Max: max, Perm: PermRead, data: data}
}

func TestAddressSpaceReadWithinOneMapping(t *testing.T) {
	as := NewAddressSpace()
	if err := as.Add(newTestMapping(0x1000, 0x2000, 0xAB)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	buf := make([]byte, 4)
	n, err := as.ReadAt(buf, 0x1004)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 4 || buf[0] != 0xAB || buf[3] != 0xAB {
		t.Fatalf("got %v, n=%d", buf, n)
	}
}

func TestAddressSpaceReadSpansMappings(t *testing.T) {
	as := NewAddressSpace()
	if err := as.Add(newTestMapping(0x1000, 0x2000, 0x11)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := as.Add(newTestMapping(0x2000, 0x3000, 0x22)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	buf := make([]byte, 8)
	n, err := as.ReadAt(buf, 0x1ffc)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}
	for i := 0; i < 4; i++ {
		if buf[i] != 0x11 {
			t.Errorf("buf[%d] = %#x, want 0x11", i, buf[i])
		}
	}
	for i := 4; i < 8; i++ {
		if buf[i] != 0x22 {
			t.Errorf("buf[%d] = %#x, want 0x22", i, buf[i])
		}
	}
}

func TestAddressSpaceReadUnmappedIsError(t *testing.T) {
	as := NewAddressSpace()
	buf := make([]byte, 4)
	if _, err := as.ReadAt(buf, 0x9000); err == nil {
		t.Fatal("expected an error reading an unmapped address")
	}
}

func TestAddressSpaceAddRejectsMisalignedMapping(t *testing.T) {
	as := NewAddressSpace()
	m := &Mapping{Min: 0x1001, Max: 0x2000}
	if err := as.Add(m); err == nil {
		t.Fatal("expected an error for a non-page-aligned mapping start")
	}
}

func TestAddressSpaceFindAcrossPageTableLevels(t *testing.T) {
	as := NewAddressSpace()
	// An address with nonzero bits at every page-table level below the top.
	const base = uint64(0x7f0123456000)
	if err := as.Add(newTestMapping(base, base+0x1000, 0x33)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := as.ReadAt(buf, int64(base+0x10)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 0x33 {
		t.Fatalf("got %#x, want 0x33", buf[0])
	}
}
