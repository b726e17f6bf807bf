package restack

// powerpc64 register set and stack conventions.
//
// DWARF numbering: r0-r31 are 0-31, f0-f31 are 32-63, the link register
// is 65 and the count register 66. r1 is the stack pointer, r2 the TOC
// pointer and r31 the frame pointer under the ELFv2 ABI.

import (
	"encoding/binary"
)

// powerpc64 DWARF register numbers
const (
	PPC64R0  uint16 = 0
	PPC64R1  uint16 = 1 // stack pointer
	PPC64R2  uint16 = 2 // TOC pointer
	PPC64R14 uint16 = 14
	PPC64R31 uint16 = 31 // frame pointer
	PPC64F0  uint16 = 32
	PPC64F14 uint16 = 46
	PPC64F31 uint16 = 63
	PPC64LR  uint16 = 65
	PPC64CTR uint16 = 66
)

const (
	ppc64RAOffset       = 16 // LR save doubleword in the caller's frame
	ppc64CFAOffsetEntry = 0
	ppc64RawSize        = 8 + 32*8 + 32*8 + 4*8
)

// RegSetPowerPC64 holds the powerpc64 register file
type RegSetPowerPC64 struct {
	Nip uint64
	Gpr [32]uint64
	Fpr [32]uint64
	Lr  uint64
	Ctr uint64
	Xer uint64
	Ccr uint64
}

func (r *RegSetPowerPC64) Arch() Arch      { return ArchPowerPC64 }
func (r *RegSetPowerPC64) PC() uint64      { return r.Nip }
func (r *RegSetPowerPC64) SetPC(pc uint64) { r.Nip = pc }
func (r *RegSetPowerPC64) SP() uint64      { return r.Gpr[1] }
func (r *RegSetPowerPC64) SetSP(sp uint64) { r.Gpr[1] = sp }
func (r *RegSetPowerPC64) FBP() uint64     { return r.Gpr[31] }
func (r *RegSetPowerPC64) SetFBP(v uint64) { r.Gpr[31] = v }
func (r *RegSetPowerPC64) HasRA() bool     { return true }
func (r *RegSetPowerPC64) RA() uint64      { return r.Lr }
func (r *RegSetPowerPC64) SetRA(ra uint64) { r.Lr = ra }

func (r *RegSetPowerPC64) Reg(n uint16) (uint64, error) {
	switch {
	case n <= PPC64R31:
		return r.Gpr[n], nil
	case n >= PPC64F0 && n <= PPC64F31:
		return r.Fpr[n-PPC64F0], nil
	case n == PPC64LR:
		return r.Lr, nil
	case n == PPC64CTR:
		return r.Ctr, nil
	}
	return 0, wrapf(ErrUnknownRegister, "powerpc64 register %d", n)
}

func (r *RegSetPowerPC64) SetReg(n uint16, v uint64) error {
	switch {
	case n <= PPC64R31:
		r.Gpr[n] = v
		return nil
	case n >= PPC64F0 && n <= PPC64F31:
		r.Fpr[n-PPC64F0] = v
		return nil
	case n == PPC64LR:
		r.Lr = v
		return nil
	case n == PPC64CTR:
		r.Ctr = v
		return nil
	}
	return wrapf(ErrUnknownRegister, "powerpc64 register %d", n)
}

func (r *RegSetPowerPC64) RegBytes(n uint16) ([]byte, error) {
	switch {
	case n <= PPC64R31:
		return u64bytes(&r.Gpr[n]), nil
	case n >= PPC64F0 && n <= PPC64F31:
		return u64bytes(&r.Fpr[n-PPC64F0]), nil
	case n == PPC64LR:
		return u64bytes(&r.Lr), nil
	case n == PPC64CTR:
		return u64bytes(&r.Ctr), nil
	}
	return nil, wrapf(ErrUnknownRegister, "powerpc64 register %d", n)
}

func (r *RegSetPowerPC64) RegSize(n uint16) (int, error) {
	if n <= PPC64F31 || n == PPC64LR || n == PPC64CTR {
		return 8, nil
	}
	return 0, wrapf(ErrUnknownRegister, "powerpc64 register %d", n)
}

func (r *RegSetPowerPC64) Clone() RegSet {
	c := *r
	return &c
}

func (r *RegSetPowerPC64) RawSize() int { return ppc64RawSize }

func (r *RegSetPowerPC64) CopyIn(raw []byte) error {
	if len(raw) < ppc64RawSize {
		return wrapf(ErrBadArgument, "powerpc64 regset needs %d bytes, got %d", ppc64RawSize, len(raw))
	}
	le := binary.LittleEndian
	r.Nip = le.Uint64(raw[0:])
	off := 8
	for i := range r.Gpr {
		r.Gpr[i] = le.Uint64(raw[off:])
		off += 8
	}
	for i := range r.Fpr {
		r.Fpr[i] = le.Uint64(raw[off:])
		off += 8
	}
	r.Lr = le.Uint64(raw[off:])
	r.Ctr = le.Uint64(raw[off+8:])
	r.Xer = le.Uint64(raw[off+16:])
	r.Ccr = le.Uint64(raw[off+24:])
	return nil
}

func (r *RegSetPowerPC64) CopyOut(raw []byte) error {
	if len(raw) < ppc64RawSize {
		return wrapf(ErrBadArgument, "powerpc64 regset needs %d bytes, got %d", ppc64RawSize, len(raw))
	}
	le := binary.LittleEndian
	le.PutUint64(raw[0:], r.Nip)
	off := 8
	for i := range r.Gpr {
		le.PutUint64(raw[off:], r.Gpr[i])
		off += 8
	}
	for i := range r.Fpr {
		le.PutUint64(raw[off:], r.Fpr[i])
		off += 8
	}
	le.PutUint64(raw[off:], r.Lr)
	le.PutUint64(raw[off+8:], r.Ctr)
	le.PutUint64(raw[off+16:], r.Xer)
	le.PutUint64(raw[off+24:], r.Ccr)
	return nil
}

var ppc64CalleeSaved = []CalleeReg{
	{PPC64R1, 8}, {PPC64R2, 8},
	{PPC64R14, 8}, {15, 8}, {16, 8}, {17, 8}, {18, 8}, {19, 8}, {20, 8}, {21, 8},
	{22, 8}, {23, 8}, {24, 8}, {25, 8}, {26, 8}, {27, 8}, {28, 8}, {29, 8},
	{30, 8}, {PPC64R31, 8},
	{PPC64LR, 8},
	{PPC64F14, 8}, {47, 8}, {48, 8}, {49, 8}, {50, 8}, {51, 8}, {52, 8}, {53, 8},
	{54, 8}, {55, 8}, {56, 8}, {57, 8}, {58, 8}, {59, 8}, {60, 8}, {61, 8},
	{62, 8}, {PPC64F31, 8},
}

func ppc64IsCalleeSaved(n uint16) bool {
	switch {
	case n == PPC64R1 || n == PPC64R2 || n == PPC64LR:
		return true
	case n >= PPC64R14 && n <= PPC64R31:
		return true
	case n >= PPC64F14 && n <= PPC64F31:
		return true
	}
	return false
}

// Mask the low 3 bits, then keep the 16-byte phase: if the result sits on
// a 16-byte boundary the call site expects the other phase, so back off
// one doubleword
func ppc64AlignSP(sp uint64) uint64 {
	sp &^= 7
	if sp%16 == 0 {
		sp -= 8
	}
	return sp
}
