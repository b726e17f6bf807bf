package restack

// On-disk call-site metadata, bit-exact with the compiler emitter. All
// records are packed little-endian and 4-byte aligned section-wise; the
// layouts here must not drift from what the linker puts into the
// .stack_transform sections.

import (
	"encoding/binary"
)

// Section names for call-site metadata
const (
	SectionPrefix     = ".stack_transform"
	SectionFunc       = SectionPrefix + ".function"
	SectionStackSlot  = SectionPrefix + ".stack_slot"
	SectionUnwind     = SectionPrefix + ".unwind"
	SectionUnwindAddr = SectionPrefix + ".unwind_arange"
	SectionID         = SectionPrefix + ".id"
	SectionAddr       = SectionPrefix + ".addr"
	SectionLive       = SectionPrefix + ".live"
	SectionArch       = SectionPrefix + ".arch_const"
	SectionConstants  = SectionPrefix + ".constants"
)

// Packed entry sizes
const (
	sectionRefSize    = 10
	functionRecSize   = 36
	stackSlotSize     = 12
	unwindLocSize     = 4
	unwindARangeSize  = 16
	callSiteSize      = 40
	liveValueSize     = 12
	archLiveValueSize = 20
)

// SectionRef is a reference to a contiguous run of entries in another
// section: a count plus a byte offset into that section
type SectionRef struct {
	Num    uint16
	Offset uint64
}

// FunctionRecord describes one function: its address, code size, frame
// size and references to its unwind entries and stack slots
type FunctionRecord struct {
	Addr      uint64
	CodeSize  uint32
	FrameSize uint32
	Unwind    SectionRef
	StackSlot SectionRef
}

// StackSlot is a slot's location, size and alignment within a frame
type StackSlot struct {
	BaseReg   uint16
	Offset    int16
	Size      uint32
	Alignment uint32
}

// UnwindLoc records where a callee-saved register was spilled in a
// function's prologue-allocated save area, as an offset from the
// frame's CFA
type UnwindLoc struct {
	Reg    uint16
	Offset int16
}

// UnwindARange maps a function address to its unwind slice
type UnwindARange struct {
	FnAddr uint64
	Offset uint64
}

// CallSite is the transformation metadata for one equivalence point.
// ID is stable across the sibling binaries and is the join key.
type CallSite struct {
	ID       uint64
	Func     uint32
	Addr     uint64 // call site return address, absolute in this binary
	Live     SectionRef
	ArchLive SectionRef
}

// Location kinds for live values
const (
	LocRegister = 0x1
	LocDirect   = 0x2
	LocIndirect = 0x3
	LocConstant = 0x4
	LocConstIdx = 0x5
)

// LiveValue describes where one live value resides in this binary's
// frame convention at a call site
type LiveValue struct {
	IsTemporary      bool
	IsDuplicate      bool
	IsAlloca         bool
	IsPtr            bool
	Type             uint8
	Size             uint8
	RegNum           uint16
	OffsetOrConstant int32
	AllocaSize       uint32
}

// ArchLiveValue is a live value that exists on only one side, together
// with the operand of the value-generation step that reconstructs it
type ArchLiveValue struct {
	IsPtr  bool
	Type   uint8
	Size   uint8
	RegNum uint16
	Offset uint32

	OperandType             uint8
	IsGen                   bool
	InstType                uint8
	OperandSize             uint8
	OperandReg              uint16
	OperandOffsetOrConstant int64
}

func parseSectionRef(b []byte) SectionRef {
	return SectionRef{
		Num:    binary.LittleEndian.Uint16(b[0:]),
		Offset: binary.LittleEndian.Uint64(b[2:]),
	}
}

func putSectionRef(b []byte, r SectionRef) {
	binary.LittleEndian.PutUint16(b[0:], r.Num)
	binary.LittleEndian.PutUint64(b[2:], r.Offset)
}

func parseFunctionRecords(b []byte) []FunctionRecord {
	n := len(b) / functionRecSize
	out := make([]FunctionRecord, n)
	for i := 0; i < n; i++ {
		e := b[i*functionRecSize:]
		out[i] = FunctionRecord{
			Addr:      binary.LittleEndian.Uint64(e[0:]),
			CodeSize:  binary.LittleEndian.Uint32(e[8:]),
			FrameSize: binary.LittleEndian.Uint32(e[12:]),
			Unwind:    parseSectionRef(e[16:]),
			StackSlot: parseSectionRef(e[26:]),
		}
	}
	return out
}

func parseStackSlots(b []byte) []StackSlot {
	n := len(b) / stackSlotSize
	out := make([]StackSlot, n)
	for i := 0; i < n; i++ {
		e := b[i*stackSlotSize:]
		out[i] = StackSlot{
			BaseReg:   binary.LittleEndian.Uint16(e[0:]),
			Offset:    int16(binary.LittleEndian.Uint16(e[2:])),
			Size:      binary.LittleEndian.Uint32(e[4:]),
			Alignment: binary.LittleEndian.Uint32(e[8:]),
		}
	}
	return out
}

func parseUnwindLocs(b []byte) []UnwindLoc {
	n := len(b) / unwindLocSize
	out := make([]UnwindLoc, n)
	for i := 0; i < n; i++ {
		e := b[i*unwindLocSize:]
		out[i] = UnwindLoc{
			Reg:    binary.LittleEndian.Uint16(e[0:]),
			Offset: int16(binary.LittleEndian.Uint16(e[2:])),
		}
	}
	return out
}

func parseUnwindARanges(b []byte) []UnwindARange {
	n := len(b) / unwindARangeSize
	out := make([]UnwindARange, n)
	for i := 0; i < n; i++ {
		e := b[i*unwindARangeSize:]
		out[i] = UnwindARange{
			FnAddr: binary.LittleEndian.Uint64(e[0:]),
			Offset: binary.LittleEndian.Uint64(e[8:]),
		}
	}
	return out
}

func parseCallSites(b []byte) []CallSite {
	n := len(b) / callSiteSize
	out := make([]CallSite, n)
	for i := 0; i < n; i++ {
		e := b[i*callSiteSize:]
		out[i] = CallSite{
			ID:       binary.LittleEndian.Uint64(e[0:]),
			Func:     binary.LittleEndian.Uint32(e[8:]),
			Addr:     binary.LittleEndian.Uint64(e[12:]),
			Live:     parseSectionRef(e[20:]),
			ArchLive: parseSectionRef(e[30:]),
		}
	}
	return out
}

// The flag byte packs bit fields least-significant first:
// is_temporary, is_duplicate, is_alloca, is_ptr, then a 4-bit type
func parseLiveValues(b []byte) []LiveValue {
	n := len(b) / liveValueSize
	out := make([]LiveValue, n)
	for i := 0; i < n; i++ {
		e := b[i*liveValueSize:]
		flags := e[0]
		out[i] = LiveValue{
			IsTemporary:      flags&0x1 != 0,
			IsDuplicate:      flags&0x2 != 0,
			IsAlloca:         flags&0x4 != 0,
			IsPtr:            flags&0x8 != 0,
			Type:             flags >> 4,
			Size:             e[1],
			RegNum:           binary.LittleEndian.Uint16(e[2:]),
			OffsetOrConstant: int32(binary.LittleEndian.Uint32(e[4:])),
			AllocaSize:       binary.LittleEndian.Uint32(e[8:]),
		}
	}
	return out
}

func parseArchLiveValues(b []byte) []ArchLiveValue {
	n := len(b) / archLiveValueSize
	out := make([]ArchLiveValue, n)
	for i := 0; i < n; i++ {
		e := b[i*archLiveValueSize:]
		loc := e[0]
		op := e[8]
		out[i] = ArchLiveValue{
			IsPtr:  loc&0x1 != 0,
			Type:   loc >> 4,
			Size:   e[1],
			RegNum: binary.LittleEndian.Uint16(e[2:]),
			Offset: binary.LittleEndian.Uint32(e[4:]),

			OperandType:             op & 0x7,
			IsGen:                   op&0x8 != 0,
			InstType:                op >> 4,
			OperandSize:             e[9],
			OperandReg:              binary.LittleEndian.Uint16(e[10:]),
			OperandOffsetOrConstant: int64(binary.LittleEndian.Uint64(e[12:])),
		}
	}
	return out
}

func parseConstants(b []byte) []uint64 {
	n := len(b) / 8
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}
