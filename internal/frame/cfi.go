package frame

import (
	"fmt"

	"github.com/nwtrace/nwtrace/internal/dwarf"
	"github.com/nwtrace/nwtrace/internal/reader"
)

// SectionKind distinguishes the two sections this module can read CFI
// from: .eh_frame (augmented, used at runtime by unwinders) and
// .debug_frame (the DWARF-proper equivalent, no augmentation games),
// per spec.md §4.7.
type SectionKind int

const (
	EHFrame SectionKind = iota
	DebugFrame
)

// CIE is a parsed Common Information Entry: the fields shared by every FDE
// that refers to it (spec.md §4.7).
type CIE struct {
	Offset                int64
	Version               uint8
	Augmentation          string
	CodeAlignmentFactor   uint64
	DataAlignmentFactor   int64
	ReturnAddressRegister uint64

	// Set only when the augmentation string contains the matching letter.
	HasPointerEncoding bool
	PointerEncoding    PointerEncoding // from 'R'
	HasLSDAEncoding    bool
	LSDAEncoding       PointerEncoding // from 'L'
	HasPersonality     bool
	Personality        uint64 // resolved address, from 'P'
	IsSignalFrame      bool   // from 'S'

	InitialInstructions []byte
}

// FDE is a parsed Frame Description Entry: one contiguous address range and
// the CFI program describing how to unwind out of it (spec.md §4.7).
type FDE struct {
	Offset          int64
	CIE             *CIE
	InitialLocation uint64 // module-relative; see DESIGN.md on pcrel bases
	AddressRange    uint64
	HasLSDA         bool
	LSDA            uint64
	Instructions    []byte
}

// Covers reports whether pc (module-relative) falls within this FDE's
// address range.
func (f *FDE) Covers(pc uint64) bool {
	return pc >= f.InitialLocation && pc < f.InitialLocation+f.AddressRange
}

// Info is the decoded contents of one CFI section: every CIE (keyed by its
// byte offset, for FDE back-reference resolution) and every FDE in the
// order they appeared.
type Info struct {
	Kind SectionKind
	CIEs map[int64]*CIE
	FDEs []*FDE
}

// FDEForPC returns the first FDE covering pc, or false if none does.
// spec.md §4.11 prefers .debug_frame's Info over .eh_frame's when both are
// present; this method does not itself choose between sections.
func (fi *Info) FDEForPC(pc uint64) (*FDE, bool) {
	for _, fde := range fi.FDEs {
		if fde.Covers(pc) {
			return fde, true
		}
	}
	return nil, false
}

const (
	cieIDEHFrame = 0
)

// Parse decodes every CIE and FDE in r, a reader scoped to exactly one
// .eh_frame or .debug_frame section (so that Cursor offsets are
// section-relative, matching the module-relative convention used
// throughout this package). addrSize is the target's pointer width (4 or
// 8), used for CIEs whose augmentation omits an explicit 'R' encoding.
func Parse(r reader.Reader, kind SectionKind, addrSize int) (*Info, error) {
	info := &Info{Kind: kind, CIEs: make(map[int64]*CIE)}
	size := r.Size()
	var off int64
	for off < size {
		recordStart := off
		s := dwarf.NewStream(r, off, size-off)
		s.AddrSize = addrSize

		length, err := s.InitialLength()
		if err != nil {
			return nil, fmt.Errorf("frame: record at %#x: %w", recordStart, err)
		}
		if length == 0 {
			// A zero-length record is the conventional terminator for both
			// sections; nothing meaningful follows.
			break
		}
		bodyEnd := s.Off + int64(length)
		idFieldPos := s.Off

		cieIDField, err := s.Offset()
		if err != nil {
			return nil, fmt.Errorf("frame: record at %#x: reading CIE id/pointer: %w", recordStart, err)
		}

		isCIE := false
		switch kind {
		case EHFrame:
			isCIE = cieIDField == cieIDEHFrame
		case DebugFrame:
			allOnes := uint64(1)<<(uint(s.Fmt.OffsetSize())*8) - 1
			isCIE = cieIDField == allOnes
		}

		if isCIE {
			cie, err := parseCIE(&s, recordStart, bodyEnd, idFieldPos)
			if err != nil {
				return nil, fmt.Errorf("frame: CIE at %#x: %w", recordStart, err)
			}
			info.CIEs[recordStart] = cie
		} else {
			fde, err := parseFDE(&s, kind, recordStart, bodyEnd, idFieldPos, cieIDField, info.CIEs, addrSize)
			if err != nil {
				return nil, fmt.Errorf("frame: FDE at %#x: %w", recordStart, err)
			}
			info.FDEs = append(info.FDEs, fde)
		}
		off = bodyEnd
	}
	return info, nil
}

func parseCIE(s *dwarf.Stream, recordStart, bodyEnd, idFieldPos int64) (*CIE, error) {
	cie := &CIE{Offset: recordStart}

	version, err := s.U8()
	if err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	cie.Version = version

	aug, err := s.CString()
	if err != nil {
		return nil, fmt.Errorf("reading augmentation string: %w", err)
	}
	cie.Augmentation = aug

	if version >= 4 {
		addrSize, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("reading address_size: %w", err)
		}
		if _, err := s.U8(); err != nil { // segment_selector_size, unused
			return nil, fmt.Errorf("reading segment_selector_size: %w", err)
		}
		s.AddrSize = int(addrSize)
	}

	codeAlign, err := s.Uleb128()
	if err != nil {
		return nil, fmt.Errorf("reading code_alignment_factor: %w", err)
	}
	cie.CodeAlignmentFactor = codeAlign

	dataAlign, err := s.Sleb128()
	if err != nil {
		return nil, fmt.Errorf("reading data_alignment_factor: %w", err)
	}
	cie.DataAlignmentFactor = dataAlign

	if version == 1 {
		b, err := s.U8()
		if err != nil {
			return nil, fmt.Errorf("reading return_address_register: %w", err)
		}
		cie.ReturnAddressRegister = uint64(b)
	} else {
		r, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading return_address_register: %w", err)
		}
		cie.ReturnAddressRegister = r
	}

	if len(aug) > 0 && aug[0] == 'z' {
		augLen, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading augmentation data length: %w", err)
		}
		augDataEnd := s.Off + int64(augLen)

		for _, letter := range aug[1:] {
			switch letter {
			case 'L':
				enc, err := s.U8()
				if err != nil {
					return nil, fmt.Errorf("augmentation 'L': %w", err)
				}
				cie.HasLSDAEncoding = true
				cie.LSDAEncoding = PointerEncoding(enc)
			case 'R':
				enc, err := s.U8()
				if err != nil {
					return nil, fmt.Errorf("augmentation 'R': %w", err)
				}
				cie.HasPointerEncoding = true
				cie.PointerEncoding = PointerEncoding(enc)
			case 'P':
				enc, err := s.U8()
				if err != nil {
					return nil, fmt.Errorf("augmentation 'P': reading encoding: %w", err)
				}
				pcrelBase := uint64(s.Off)
				val, err := decodePointer(s, PointerEncoding(enc), s.AddrSize, pcrelBase)
				if err != nil {
					return nil, fmt.Errorf("augmentation 'P': %w", err)
				}
				cie.HasPersonality = true
				cie.Personality = val
			case 'S':
				cie.IsSignalFrame = true
			default:
				// Unrelated augmentation letter (e.g. 'B' for ARM exception
				// tables): its payload, if any, is skipped by the augLen
				// jump below rather than interpreted.
			}
		}
		if s.Off < augDataEnd {
			if err := s.Skip(augDataEnd - s.Off); err != nil {
				return nil, fmt.Errorf("skipping trailing augmentation data: %w", err)
			}
		}
	}

	instr, err := s.Bytes(bodyEnd - s.Off)
	if err != nil {
		return nil, fmt.Errorf("reading initial instructions: %w", err)
	}
	cie.InitialInstructions = instr
	return cie, nil
}

func parseFDE(s *dwarf.Stream, kind SectionKind, recordStart, bodyEnd, idFieldPos int64, cieIDField uint64, cies map[int64]*CIE, addrSize int) (*FDE, error) {
	var cieOffset int64
	switch kind {
	case EHFrame:
		// eh_frame stores a "CIE pointer": the distance back from this
		// field's own position to the CIE it refers to.
		cieOffset = idFieldPos - int64(cieIDField)
	case DebugFrame:
		// debug_frame stores the CIE's absolute section offset directly.
		cieOffset = int64(cieIDField)
	}
	cie, ok := cies[cieOffset]
	if !ok {
		return nil, fmt.Errorf("references CIE at %#x, not yet seen", cieOffset)
	}

	encoding := PointerEncoding(0x00) // DW_EH_PE_absptr
	if cie.HasPointerEncoding {
		encoding = cie.PointerEncoding
	}

	locPos := uint64(s.Off)
	initialLoc, err := decodePointer(s, encoding, addrSize, locPos)
	if err != nil {
		return nil, fmt.Errorf("reading initial_location: %w", err)
	}

	// The address range is always an unsigned value of the same width as
	// the format nibble of the location's encoding (not pc-relative).
	rangeEncoding := PointerEncoding(byte(encoding) &^ 0x70)
	addrRange, err := decodePointer(s, rangeEncoding, addrSize, 0)
	if err != nil {
		return nil, fmt.Errorf("reading address_range: %w", err)
	}

	fde := &FDE{Offset: recordStart, CIE: cie, InitialLocation: initialLoc, AddressRange: addrRange}

	if len(cie.Augmentation) > 0 && cie.Augmentation[0] == 'z' {
		augLen, err := s.Uleb128()
		if err != nil {
			return nil, fmt.Errorf("reading augmentation data length: %w", err)
		}
		augDataEnd := s.Off + int64(augLen)
		if cie.HasLSDAEncoding && !cie.LSDAEncoding.Omitted() {
			lsdaPos := uint64(s.Off)
			lsda, err := decodePointer(s, cie.LSDAEncoding, addrSize, lsdaPos)
			if err != nil {
				return nil, fmt.Errorf("reading LSDA: %w", err)
			}
			fde.HasLSDA = true
			fde.LSDA = lsda
		}
		if s.Off < augDataEnd {
			if err := s.Skip(augDataEnd - s.Off); err != nil {
				return nil, fmt.Errorf("skipping trailing FDE augmentation data: %w", err)
			}
		}
	}

	instr, err := s.Bytes(bodyEnd - s.Off)
	if err != nil {
		return nil, fmt.Errorf("reading call frame instructions: %w", err)
	}
	fde.Instructions = instr
	return fde, nil
}
