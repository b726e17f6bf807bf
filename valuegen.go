package restack

// The value-generation interpreter: a tiny stack machine over a single
// 64-bit accumulator, used to reconstruct derived values that exist on
// only one side of a migration (a TOC pointer, an intermediate address
// computation). Programs are short, branch-free and never write memory;
// they only compute a value that the frame rewriter then stores.

import (
	"github.com/sirupsen/logrus"
)

// Value-generation opcodes
type ValueGenOp uint8

const (
	VGSet ValueGenOp = iota
	VGAdd
	VGSubtract
	VGMultiply
	VGLeftShift
	VGRightShiftLog
	VGMask
)

func (op ValueGenOp) String() string {
	switch op {
	case VGSet:
		return "set"
	case VGAdd:
		return "add"
	case VGSubtract:
		return "sub"
	case VGMultiply:
		return "mul"
	case VGLeftShift:
		return "lsl"
	case VGRightShiftLog:
		return "lsr"
	case VGMask:
		return "mask"
	}
	return "op?"
}

// Operand kinds for value-generation instructions
const (
	OperandImmediate = iota
	OperandRegister
	OperandStackSlot
	OperandConstPool
	OperandSymbol
)

// ValueGenInst is one typed instruction of a value-generation program
type ValueGenInst struct {
	Op          ValueGenOp
	OperandKind uint8
	Size        uint8  // immediate width in bytes, for sign extension
	Reg         uint16 // DWARF register number for register operands
	Imm         int64  // immediate, slot index, pool index or symbol index
}

// ValueGenProgram is a short sequence of instructions, typically at most
// eight
type ValueGenProgram []ValueGenInst

// valueGenEnv is what the interpreter needs to resolve operands: the
// register set of the frame being built, the frame's geometry for stack
// slot addresses, and the binary for constant-pool and symbol addresses.
type valueGenEnv struct {
	regs   RegSet
	handle *Handle
	slots  []StackSlot
	cfa    uint64
	sp     uint64
}

// Eval runs a program and returns the accumulator. Arithmetic wraps at
// 64 bits; no 128-bit or high-half state is kept.
func (p ValueGenProgram) Eval(env *valueGenEnv) (uint64, error) {
	var acc uint64
	for i, inst := range p {
		operand, err := inst.operand(env)
		if err != nil {
			return 0, err
		}
		switch inst.Op {
		case VGSet:
			acc = operand
		case VGAdd:
			acc += operand
		case VGSubtract:
			acc -= operand
		case VGMultiply:
			acc *= operand
		case VGLeftShift:
			acc <<= uint(operand & 63)
		case VGRightShiftLog:
			acc >>= uint(operand & 63)
		case VGMask:
			acc &= operand
		default:
			return 0, wrapf(ErrUnknownInstruction, "value-gen opcode %d at %d", inst.Op, i)
		}
	}
	logrus.WithFields(logrus.Fields{"insts": len(p), "value": acc}).Trace("value-gen program")
	return acc, nil
}

func (inst *ValueGenInst) operand(env *valueGenEnv) (uint64, error) {
	switch inst.OperandKind {
	case OperandImmediate:
		return signExtend(uint64(inst.Imm), int(inst.Size)), nil
	case OperandRegister:
		v, err := env.regs.Reg(inst.Reg)
		if err != nil {
			return 0, err
		}
		return v, nil
	case OperandStackSlot:
		idx := int(inst.Imm)
		if idx < 0 || idx >= len(env.slots) {
			return 0, wrapf(ErrBadArgument, "stack slot %d out of range", idx)
		}
		return resolveSlotAddr(env.regs.Arch(), &env.slots[idx], env.cfa, env.sp)
	case OperandConstPool:
		return env.handle.ConstantAddr(uint64(inst.Imm))
	case OperandSymbol:
		return env.handle.SymbolAddr(uint64(inst.Imm))
	}
	return 0, wrapf(ErrUnknownInstruction, "value-gen operand kind %d", inst.OperandKind)
}

// resolveSlotAddr computes the address of a stack slot in the frame with
// the given geometry
func resolveSlotAddr(a Arch, slot *StackSlot, cfa, sp uint64) (uint64, error) {
	base, err := frameBaseValue(a, slot.BaseReg, cfa, sp)
	if err != nil {
		return 0, err
	}
	return base + uint64(int64(slot.Offset)), nil
}

// programForArchValue converts an on-disk arch live value's operand
// descriptor into an executable program. A non-generated record, or a
// generated Set, is a single Set of the operand; any other generated
// operation becomes a two-instruction program that loads the record's
// operand register and then applies the operation with the record's
// operand. Each record yields its own program; records are not combined.
func programForArchValue(av *ArchLiveValue) (ValueGenProgram, error) {
	inst := ValueGenInst{
		OperandKind: av.OperandType,
		Size:        av.OperandSize,
		Reg:         av.OperandReg,
		Imm:         av.OperandOffsetOrConstant,
	}
	if !av.IsGen {
		inst.Op = VGSet
		return ValueGenProgram{inst}, nil
	}
	op := ValueGenOp(av.InstType)
	if op > VGMask {
		return nil, wrapf(ErrUnknownInstruction, "arch value inst type %d", av.InstType)
	}
	inst.Op = op
	if op == VGSet {
		return ValueGenProgram{inst}, nil
	}
	// A non-Set operation starts the accumulator from the operand
	// register; emit the canonical two-instruction form.
	return ValueGenProgram{
		{Op: VGSet, OperandKind: OperandRegister, Reg: av.OperandReg},
		inst,
	}, nil
}
