// Package procmem implements the Core-file Process Adapter of spec.md
// §3/§4.11's external collaborators: a reader.Reader over a core dump's
// virtual address space, built from its PT_LOAD segments and indexed by
// a five-level page table, plus NT_PRSTATUS/NT_FILE note parsing.
package procmem

import "fmt"

// Perm is the set of access permissions a Mapping grants.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// pageShift/pageSize assume 4K OS pages, as every PT_LOAD segment's
// virtual address and offset are page-aligned.
const (
	pageShift = 12
	pageSize  = 1 << pageShift
)

// Mapping is a contiguous, page-aligned region of the inferior's address
// space and the bytes backing it.
type Mapping struct {
	Min, Max uint64
	Perm     Perm
	data     []byte // length Max-Min; may be all zero for anonymous ranges
}

func (m *Mapping) readAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= m.Max-m.Min {
		return 0, fmt.Errorf("procmem: offset %#x out of range for mapping [%#x,%#x)", off, m.Min, m.Max)
	}
	n := copy(p, m.data[off:])
	return n, nil
}

// mapping index: a five-level page table exactly like the one the
// teacher's core-dump reader used, generalized from its own Address type
// to a plain uint64 and from *core.Mapping to *Mapping.
type pageTable0 [1 << 10]*Mapping
type pageTable1 [1 << 10]*pageTable0
type pageTable2 [1 << 10]*pageTable1
type pageTable3 [1 << 10]*pageTable2
type pageTable4 [1 << 12]*pageTable3

// AddressSpace is the full set of mappings for one inferior, queryable by
// address in O(1) via the page table and satisfying reader.Reader so the
// rest of this module can treat it like any other byte-addressable view.
type AddressSpace struct {
	table    pageTable4
	mappings []*Mapping
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace { return &AddressSpace{} }

// Add inserts m into the page table. min and max must be page-aligned.
func (as *AddressSpace) Add(m *Mapping) error {
	if m.Min%pageSize != 0 {
		return fmt.Errorf("procmem: mapping start %#x isn't page-aligned", m.Min)
	}
	if m.Max%pageSize != 0 {
		return fmt.Errorf("procmem: mapping end %#x isn't page-aligned", m.Max)
	}
	as.mappings = append(as.mappings, m)
	for a := m.Min; a < m.Max; a += pageSize {
		i3 := a >> 52
		t3 := as.table[i3]
		if t3 == nil {
			t3 = new(pageTable3)
			as.table[i3] = t3
		}
		i2 := a >> 42 % (1 << 10)
		t2 := t3[i2]
		if t2 == nil {
			t2 = new(pageTable2)
			t3[i2] = t2
		}
		i1 := a >> 32 % (1 << 10)
		t1 := t2[i1]
		if t1 == nil {
			t1 = new(pageTable1)
			t2[i1] = t1
		}
		i0 := a >> 22 % (1 << 10)
		t0 := t1[i0]
		if t0 == nil {
			t0 = new(pageTable0)
			t1[i0] = t0
		}
		t0[a>>12%(1<<10)] = m
	}
	return nil
}

// find returns the mapping covering address a, or nil.
func (as *AddressSpace) find(a uint64) *Mapping {
	t3 := as.table[a>>52]
	if t3 == nil {
		return nil
	}
	t2 := t3[a>>42%(1<<10)]
	if t2 == nil {
		return nil
	}
	t1 := t2[a>>32%(1<<10)]
	if t1 == nil {
		return nil
	}
	t0 := t1[a>>22%(1<<10)]
	if t0 == nil {
		return nil
	}
	return t0[a>>12%(1<<10)]
}

// ReadAt implements reader.Reader by locating the covering mapping(s);
// a read spanning more than one mapping is split at each boundary.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	total := 0
	for total < len(p) {
		m := as.find(addr)
		if m == nil {
			return total, fmt.Errorf("procmem: address %#x is not mapped", addr)
		}
		chunk := p[total:]
		avail := m.Max - addr
		if uint64(len(chunk)) > avail {
			chunk = chunk[:avail]
		}
		n, err := m.readAt(chunk, int64(addr-m.Min))
		total += n
		addr += uint64(n)
		if err != nil {
			return total, err
		}
		if uint64(n) < avail {
			break
		}
	}
	return total, nil
}

// Size returns -1: a sparse address space has no single meaningful size,
// per spec.md §4.1's definition of Reader.Size for unbounded views.
func (as *AddressSpace) Size() int64 { return -1 }

func (as *AddressSpace) Describe() string { return "core address space" }

// Mappings returns every mapping, in insertion order.
func (as *AddressSpace) Mappings() []*Mapping { return as.mappings }
