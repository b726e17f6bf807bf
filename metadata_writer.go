package restack

// Emission of the .stack_transform metadata sections into a minimal
// ELF64 image. The compiler toolchain writes these sections the same
// way; the test suite uses this to fabricate sibling binaries.

import (
	"bytes"
	"sort"
)

// MetadataBuilder accumulates rewrite metadata and serializes it as an
// ELF object for the given architecture
type MetadataBuilder struct {
	arch      Arch
	funcs     []FunctionRecord
	slots     []StackSlot
	unwind    []UnwindLoc
	aranges   []UnwindARange
	sites     []CallSite
	live      []LiveValue
	archLive  []ArchLiveValue
	constants []uint64

	constantsAddr uint64
}

// NewMetadataBuilder starts an empty metadata image
func NewMetadataBuilder(arch Arch) *MetadataBuilder {
	return &MetadataBuilder{arch: arch, constantsAddr: 0x600000}
}

// AddFunction records a function together with its unwind entries and
// stack slots, returning its function index. Unwind entries are kept in
// ascending offset-magnitude order so frames lay out deterministically.
func (mb *MetadataBuilder) AddFunction(addr uint64, codeSize, frameSize uint32, unwind []UnwindLoc, slots []StackSlot) uint32 {
	sort.SliceStable(unwind, func(i, j int) bool {
		return abs16(unwind[i].Offset) < abs16(unwind[j].Offset)
	})
	fn := FunctionRecord{
		Addr:      addr,
		CodeSize:  codeSize,
		FrameSize: frameSize,
		Unwind: SectionRef{
			Num:    uint16(len(unwind)),
			Offset: uint64(len(mb.unwind)) * unwindLocSize,
		},
		StackSlot: SectionRef{
			Num:    uint16(len(slots)),
			Offset: uint64(len(mb.slots)) * stackSlotSize,
		},
	}
	mb.aranges = append(mb.aranges, UnwindARange{FnAddr: addr, Offset: fn.Unwind.Offset})
	mb.unwind = append(mb.unwind, unwind...)
	mb.slots = append(mb.slots, slots...)
	mb.funcs = append(mb.funcs, fn)
	return uint32(len(mb.funcs) - 1)
}

// AddCallSite records one equivalence point
func (mb *MetadataBuilder) AddCallSite(id uint64, fnIndex uint32, retAddr uint64, live []LiveValue, archLive []ArchLiveValue) {
	cs := CallSite{
		ID:   id,
		Func: fnIndex,
		Addr: retAddr,
		Live: SectionRef{
			Num:    uint16(len(live)),
			Offset: uint64(len(mb.live)) * liveValueSize,
		},
		ArchLive: SectionRef{
			Num:    uint16(len(archLive)),
			Offset: uint64(len(mb.archLive)) * archLiveValueSize,
		},
	}
	mb.live = append(mb.live, live...)
	mb.archLive = append(mb.archLive, archLive...)
	mb.sites = append(mb.sites, cs)
}

// SetConstants installs the per-stackmap constant pool and the virtual
// address it will be loaded at
func (mb *MetadataBuilder) SetConstants(addr uint64, vals []uint64) {
	mb.constantsAddr = addr
	mb.constants = vals
}

func abs16(v int16) int16 {
	if v < 0 {
		return -v
	}
	return v
}

// Build serializes the metadata as a relocatable ELF64 image
func (mb *MetadataBuilder) Build() []byte {
	byID := make([]CallSite, len(mb.sites))
	copy(byID, mb.sites)
	sort.Slice(byID, func(i, j int) bool { return byID[i].ID < byID[j].ID })
	byAddr := make([]CallSite, len(mb.sites))
	copy(byAddr, mb.sites)
	sort.Slice(byAddr, func(i, j int) bool { return byAddr[i].Addr < byAddr[j].Addr })

	sort.SliceStable(mb.aranges, func(i, j int) bool { return mb.aranges[i].FnAddr < mb.aranges[j].FnAddr })

	type section struct {
		name    string
		data    []byte
		addr    uint64
		entsize uint64
	}
	sections := []section{
		{SectionFunc, writeFunctionRecords(mb.funcs), 0, functionRecSize},
		{SectionStackSlot, writeStackSlots(mb.slots), 0, stackSlotSize},
		{SectionUnwind, writeUnwindLocs(mb.unwind), 0, unwindLocSize},
		{SectionUnwindAddr, writeUnwindARanges(mb.aranges), 0, unwindARangeSize},
		{SectionID, writeCallSites(byID), 0, callSiteSize},
		{SectionAddr, writeCallSites(byAddr), 0, callSiteSize},
		{SectionLive, writeLiveValues(mb.live), 0, liveValueSize},
		{SectionArch, writeArchLiveValues(mb.archLive), 0, archLiveValueSize},
		{SectionConstants, writeConstants(mb.constants), mb.constantsAddr, 8},
	}

	// Section name string table
	strtab := []byte{0}
	nameOff := make([]uint32, len(sections))
	for i, s := range sections {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, []byte(s.name)...)
		strtab = append(strtab, 0)
	}
	shstrtabName := uint32(len(strtab))
	strtab = append(strtab, []byte(".shstrtab")...)
	strtab = append(strtab, 0)

	out := newELFOut()
	out.writeHeader(mb.arch, len(sections)+2)

	// Section data follows the ELF header
	dataOff := make([]uint64, len(sections))
	for i := range sections {
		out.align(8)
		dataOff[i] = uint64(out.buf.Len())
		out.buf.Write(sections[i].data)
	}
	out.align(8)
	strtabOff := uint64(out.buf.Len())
	out.buf.Write(strtab)

	// Section header table: NULL entry, metadata sections, .shstrtab
	out.align(8)
	shoff := uint64(out.buf.Len())
	out.writeSectionHeader(0, 0, 0, 0, 0, 0)
	for i, s := range sections {
		out.writeSectionHeader(nameOff[i], 1 /* SHT_PROGBITS */, s.addr, dataOff[i], uint64(len(s.data)), s.entsize)
	}
	out.writeSectionHeader(shstrtabName, 3 /* SHT_STRTAB */, 0, strtabOff, uint64(len(strtab)), 0)

	image := out.buf.Bytes()
	putUint64(image[0x28:], shoff)        // e_shoff
	image[0x3E] = byte(len(sections) + 1) // e_shstrndx low byte
	return image
}

// elfOut is a sequential ELF byte writer
type elfOut struct {
	buf bytes.Buffer
}

func newELFOut() *elfOut {
	return &elfOut{}
}

func (o *elfOut) write(b uint8) { o.buf.WriteByte(b) }
func (o *elfOut) write2(v uint16) {
	o.write(uint8(v))
	o.write(uint8(v >> 8))
}
func (o *elfOut) write4(v uint32) {
	o.write2(uint16(v))
	o.write2(uint16(v >> 16))
}
func (o *elfOut) write8(v uint64) {
	o.write4(uint32(v))
	o.write4(uint32(v >> 32))
}
func (o *elfOut) align(n int) {
	for o.buf.Len()%n != 0 {
		o.write(0)
	}
}

func (o *elfOut) writeHeader(arch Arch, shnum int) {
	// Magic
	o.write(0x7f)
	o.write(0x45) // E
	o.write(0x4c) // L
	o.write(0x46) // F
	o.write(2)    // 64-bit
	o.write(1)    // little endian
	o.write(1)    // ELF version
	o.write(0)    // System V ABI
	o.write(0)    // ABI version
	for i := 0; i < 7; i++ {
		o.write(0) // padding
	}
	o.write2(1)                         // object file type: relocatable
	o.write2(uint16(arch.ELFMachine())) // machine
	o.write4(1)                         // ELF version again
	o.write8(0)                         // no entry point
	o.write8(0)                         // no program header table
	o.write8(0)                         // e_shoff, patched after layout
	o.write4(0)                         // flags
	o.write2(64)                        // size of this header
	o.write2(0)                         // program header entry size
	o.write2(0)                         // no program headers
	o.write2(64)                        // section header entry size
	o.write2(uint16(shnum))             // section header count
	o.write2(uint16(shnum - 1))         // .shstrtab index, patched too
}

func (o *elfOut) writeSectionHeader(name uint32, typ uint32, addr, off, size, entsize uint64) {
	o.write4(name)
	o.write4(typ)
	o.write8(0) // flags
	o.write8(addr)
	o.write8(off)
	o.write8(size)
	o.write4(0) // link
	o.write4(0) // info
	o.write8(8) // alignment
	o.write8(entsize)
}

func writeFunctionRecords(fns []FunctionRecord) []byte {
	b := make([]byte, len(fns)*functionRecSize)
	for i, fn := range fns {
		e := b[i*functionRecSize:]
		putUint64(e[0:], fn.Addr)
		putUint32(e[8:], fn.CodeSize)
		putUint32(e[12:], fn.FrameSize)
		putSectionRef(e[16:], fn.Unwind)
		putSectionRef(e[26:], fn.StackSlot)
	}
	return b
}

func writeStackSlots(slots []StackSlot) []byte {
	b := make([]byte, len(slots)*stackSlotSize)
	for i, s := range slots {
		e := b[i*stackSlotSize:]
		putUint16(e[0:], s.BaseReg)
		putUint16(e[2:], uint16(s.Offset))
		putUint32(e[4:], s.Size)
		putUint32(e[8:], s.Alignment)
	}
	return b
}

func writeUnwindLocs(locs []UnwindLoc) []byte {
	b := make([]byte, len(locs)*unwindLocSize)
	for i, u := range locs {
		e := b[i*unwindLocSize:]
		putUint16(e[0:], u.Reg)
		putUint16(e[2:], uint16(u.Offset))
	}
	return b
}

func writeUnwindARanges(ar []UnwindARange) []byte {
	b := make([]byte, len(ar)*unwindARangeSize)
	for i, a := range ar {
		e := b[i*unwindARangeSize:]
		putUint64(e[0:], a.FnAddr)
		putUint64(e[8:], a.Offset)
	}
	return b
}

func writeCallSites(sites []CallSite) []byte {
	b := make([]byte, len(sites)*callSiteSize)
	for i, cs := range sites {
		e := b[i*callSiteSize:]
		putUint64(e[0:], cs.ID)
		putUint32(e[8:], cs.Func)
		putUint64(e[12:], cs.Addr)
		putSectionRef(e[20:], cs.Live)
		putSectionRef(e[30:], cs.ArchLive)
	}
	return b
}

func writeLiveValues(lvs []LiveValue) []byte {
	b := make([]byte, len(lvs)*liveValueSize)
	for i, lv := range lvs {
		e := b[i*liveValueSize:]
		var flags uint8
		if lv.IsTemporary {
			flags |= 0x1
		}
		if lv.IsDuplicate {
			flags |= 0x2
		}
		if lv.IsAlloca {
			flags |= 0x4
		}
		if lv.IsPtr {
			flags |= 0x8
		}
		flags |= lv.Type << 4
		e[0] = flags
		e[1] = lv.Size
		putUint16(e[2:], lv.RegNum)
		putUint32(e[4:], uint32(lv.OffsetOrConstant))
		putUint32(e[8:], lv.AllocaSize)
	}
	return b
}

func writeArchLiveValues(avs []ArchLiveValue) []byte {
	b := make([]byte, len(avs)*archLiveValueSize)
	for i, av := range avs {
		e := b[i*archLiveValueSize:]
		var loc uint8
		if av.IsPtr {
			loc |= 0x1
		}
		loc |= av.Type << 4
		e[0] = loc
		e[1] = av.Size
		putUint16(e[2:], av.RegNum)
		putUint32(e[4:], av.Offset)
		op := av.OperandType & 0x7
		if av.IsGen {
			op |= 0x8
		}
		op |= av.InstType << 4
		e[8] = op
		e[9] = av.OperandSize
		putUint16(e[10:], av.OperandReg)
		putUint64(e[12:], uint64(av.OperandOffsetOrConstant))
	}
	return b
}

func writeConstants(vals []uint64) []byte {
	b := make([]byte, len(vals)*8)
	for i, v := range vals {
		putUint64(b[i*8:], v)
	}
	return b
}

func putUint16(b []byte, v uint16) {
	_ = b[1]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func putUint32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
