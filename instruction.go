package restack

// Translation of machine instructions into portable value-generation
// programs. This hook is used only while building metadata: the
// compiler records, per architecture, the instruction that materializes
// a derived value, and this maps the small set of observed encodings
// (LEA, address moves, immediate moves, FP moves, bit-field extracts)
// into the interpreter's dialect. Opcodes outside that set fail with
// ErrUnknownInstruction rather than silently producing wrong values; do
// not widen the set without regression tests.

import (
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// MachineInstruction is a raw instruction at a known address
type MachineInstruction struct {
	Arch  Arch
	Addr  uint64
	Bytes []byte
}

// ValueFromInstruction disassembles one machine instruction into a
// value-generation program computing the value the instruction would
// have produced
func ValueFromInstruction(mi MachineInstruction) (ValueGenProgram, error) {
	switch mi.Arch {
	case ArchX86_64:
		return x86ValueProgram(mi)
	case ArchAArch64:
		return aarch64ValueProgram(mi)
	case ArchPowerPC64:
		return ppc64ValueProgram(mi)
	case ArchRiscv64:
		return riscvValueProgram(mi)
	}
	return nil, wrapf(ErrBadArgument, "no instruction translator for %v", mi.Arch)
}

func x86ValueProgram(mi MachineInstruction) (ValueGenProgram, error) {
	inst, err := x86asm.Decode(mi.Bytes, 64)
	if err != nil {
		return nil, wrapf(ErrUnknownInstruction, "x86-64 decode at %#x: %v", mi.Addr, err)
	}

	switch inst.Op {
	case x86asm.LEA:
		mem, ok := inst.Args[1].(x86asm.Mem)
		if !ok || mem.Index != 0 || mem.Segment != 0 {
			return nil, wrapf(ErrUnknownInstruction, "x86-64 LEA form at %#x", mi.Addr)
		}
		if mem.Base == x86asm.RIP {
			// RIP-relative: the target is a link-time constant
			target := mi.Addr + uint64(inst.Len) + uint64(mem.Disp)
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: int64(target)},
			}, nil
		}
		base, err := x86DwarfReg(mem.Base)
		if err != nil {
			return nil, err
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: base},
			{Op: VGAdd, OperandKind: OperandImmediate, Size: 8, Imm: mem.Disp},
		}, nil

	case x86asm.MOV, x86asm.MOVSD_XMM, x86asm.MOVAPS, x86asm.MOVAPD, x86asm.MOVQ:
		switch src := inst.Args[1].(type) {
		case x86asm.Imm:
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: int64(src)},
			}, nil
		case x86asm.Reg:
			n, err := x86DwarfReg(src)
			if err != nil {
				return nil, err
			}
			return ValueGenProgram{{Op: VGSet, OperandKind: OperandRegister, Reg: n}}, nil
		}
	}
	return nil, wrapf(ErrUnknownInstruction, "x86-64 %v at %#x", inst.Op, mi.Addr)
}

func x86DwarfReg(r x86asm.Reg) (uint16, error) {
	switch r {
	case x86asm.RAX:
		return X86RAX, nil
	case x86asm.RDX:
		return X86RDX, nil
	case x86asm.RCX:
		return X86RCX, nil
	case x86asm.RBX:
		return X86RBX, nil
	case x86asm.RSI:
		return X86RSI, nil
	case x86asm.RDI:
		return X86RDI, nil
	case x86asm.RBP:
		return X86RBP, nil
	case x86asm.RSP:
		return X86RSP, nil
	}
	if r >= x86asm.R8 && r <= x86asm.R15 {
		return X86R8 + uint16(r-x86asm.R8), nil
	}
	if r >= x86asm.X0 && r <= x86asm.X15 {
		return X86XMM0 + uint16(r-x86asm.X0), nil
	}
	return 0, wrapf(ErrUnknownRegister, "x86asm register %v", r)
}

// The decoder identifies opcode and register operands; immediates are
// pulled from the raw instruction word, since the fixed A64 encodings
// carry them in well-known bit fields
func aarch64ValueProgram(mi MachineInstruction) (ValueGenProgram, error) {
	if len(mi.Bytes) < 4 {
		return nil, wrapf(ErrUnknownInstruction, "aarch64 truncated instruction at %#x", mi.Addr)
	}
	inst, err := arm64asm.Decode(mi.Bytes)
	if err != nil {
		return nil, wrapf(ErrUnknownInstruction, "aarch64 decode at %#x: %v", mi.Addr, err)
	}
	word := getUint32(mi.Bytes)

	switch inst.Op {
	case arm64asm.ADR:
		off, ok := arm64PCRel(inst.Args[1])
		if !ok {
			break
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: int64(mi.Addr) + off},
		}, nil

	case arm64asm.ADRP:
		off, ok := arm64PCRel(inst.Args[1])
		if !ok {
			break
		}
		page := int64(mi.Addr&^0xFFF) + off
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: page},
		}, nil

	case arm64asm.ADD:
		// ADD (immediate): imm12 at bit 10, optionally shifted left 12
		if word&0x1F000000 != 0x11000000 {
			break
		}
		base, ok := arm64DwarfReg(inst.Args[1])
		if !ok {
			break
		}
		imm := int64((word >> 10) & 0xFFF)
		if word&(1<<22) != 0 {
			imm <<= 12
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: base},
			{Op: VGAdd, OperandKind: OperandImmediate, Size: 8, Imm: imm},
		}, nil

	case arm64asm.MOVZ:
		// imm16 at bit 5, shifted by 16*hw
		imm := int64((word>>5)&0xFFFF) << (16 * ((word >> 21) & 3))
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: imm},
		}, nil

	case arm64asm.MOV, arm64asm.FMOV:
		if src, ok := arm64DwarfReg(inst.Args[1]); ok {
			return ValueGenProgram{{Op: VGSet, OperandKind: OperandRegister, Reg: src}}, nil
		}
		// MOV (wide immediate) aliases MOVZ
		if word&0x7F800000 == 0x52800000 {
			imm := int64((word>>5)&0xFFFF) << (16 * ((word >> 21) & 3))
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: imm},
			}, nil
		}

	case arm64asm.UBFX, arm64asm.UBFM:
		src, ok := arm64DwarfReg(inst.Args[1])
		if !ok {
			break
		}
		// UBFM: immr at bit 16, imms at bit 10; UBFX is the alias with
		// lsb = immr, width = imms - immr + 1
		immr := int64((word >> 16) & 0x3F)
		imms := int64((word >> 10) & 0x3F)
		width := imms - immr + 1
		if width <= 0 || width > 64 {
			break
		}
		mask := int64(-1)
		if width < 64 {
			mask = int64(1)<<uint(width) - 1
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: src},
			{Op: VGRightShiftLog, OperandKind: OperandImmediate, Size: 1, Imm: immr},
			{Op: VGMask, OperandKind: OperandImmediate, Size: 8, Imm: mask},
		}, nil
	}
	return nil, wrapf(ErrUnknownInstruction, "aarch64 %v at %#x", inst.Op, mi.Addr)
}

func arm64PCRel(arg arm64asm.Arg) (int64, bool) {
	if rel, ok := arg.(arm64asm.PCRel); ok {
		return int64(rel), true
	}
	return 0, false
}

func arm64DwarfReg(arg arm64asm.Arg) (uint16, bool) {
	switch r := arg.(type) {
	case arm64asm.Reg:
		switch {
		case r >= arm64asm.X0 && r <= arm64asm.X30:
			return uint16(r - arm64asm.X0), true
		case r == arm64asm.SP:
			return AArch64SP, true
		case r >= arm64asm.V0 && r <= arm64asm.V31:
			return AArch64V0 + uint16(r-arm64asm.V0), true
		case r >= arm64asm.D0 && r <= arm64asm.D31:
			return AArch64V0 + uint16(r-arm64asm.D0), true
		}
	case arm64asm.RegSP:
		return arm64DwarfReg(arm64asm.Reg(r))
	}
	return 0, false
}

// The powerpc64 compiler emits only addi/addis to rebuild derived
// values (the TOC pointer arithmetic); decode those two forms by hand
func ppc64ValueProgram(mi MachineInstruction) (ValueGenProgram, error) {
	if len(mi.Bytes) < 4 {
		return nil, wrapf(ErrUnknownInstruction, "powerpc64 truncated instruction at %#x", mi.Addr)
	}
	word := getUint32(mi.Bytes)
	opcd := word >> 26
	ra := uint16((word >> 16) & 31)
	si := int64(int16(word & 0xFFFF))

	switch opcd {
	case 14: // addi
		if ra == 0 {
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: si},
			}, nil
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: ra},
			{Op: VGAdd, OperandKind: OperandImmediate, Size: 8, Imm: si},
		}, nil
	case 15: // addis
		if ra == 0 {
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: si << 16},
			}, nil
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: ra},
			{Op: VGAdd, OperandKind: OperandImmediate, Size: 8, Imm: si << 16},
		}, nil
	}
	return nil, wrapf(ErrUnknownInstruction, "powerpc64 opcode %d at %#x", opcd, mi.Addr)
}

// riscv64 derived values come from addi/lui/auipc
func riscvValueProgram(mi MachineInstruction) (ValueGenProgram, error) {
	if len(mi.Bytes) < 4 {
		return nil, wrapf(ErrUnknownInstruction, "riscv64 truncated instruction at %#x", mi.Addr)
	}
	word := getUint32(mi.Bytes)
	opcode := word & 0x7F
	funct3 := (word >> 12) & 7
	rs1 := uint16((word >> 15) & 31)

	switch {
	case opcode == 0x13 && funct3 == 0: // addi
		imm := int64(int32(word)) >> 20
		if rs1 == 0 {
			return ValueGenProgram{
				{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: imm},
			}, nil
		}
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandRegister, Reg: rs1},
			{Op: VGAdd, OperandKind: OperandImmediate, Size: 8, Imm: imm},
		}, nil
	case opcode == 0x37: // lui
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: int64(int32(word &^ 0xFFF))},
		}, nil
	case opcode == 0x17: // auipc
		return ValueGenProgram{
			{Op: VGSet, OperandKind: OperandImmediate, Size: 8, Imm: int64(mi.Addr) + int64(int32(word&^0xFFF))},
		}, nil
	}
	return nil, wrapf(ErrUnknownInstruction, "riscv64 opcode %#x at %#x", opcode, mi.Addr)
}

func getUint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
