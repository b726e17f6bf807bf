package restack

// riscv64 register set and stack conventions.
//
// DWARF numbering: x0-x31 are 0-31 and f0-f31 are 32-63. x1 is the
// return address register, x2 the stack pointer and x8 (s0) the frame
// pointer.

import (
	"encoding/binary"
)

// riscv64 DWARF register numbers
const (
	RiscvX0  uint16 = 0
	RiscvX1  uint16 = 1 // return address
	RiscvX2  uint16 = 2 // stack pointer
	RiscvX8  uint16 = 8 // s0 / frame pointer
	RiscvX9  uint16 = 9
	RiscvX18 uint16 = 18
	RiscvX27 uint16 = 27
	RiscvF0  uint16 = 32
	RiscvF8  uint16 = 40
	RiscvF9  uint16 = 41
	RiscvF18 uint16 = 50
	RiscvF27 uint16 = 59
	RiscvF31 uint16 = 63
)

const (
	riscvRAOffset       = -8
	riscvSavedFBPOffset = -16
	riscvCFAOffsetEntry = 0
	riscvRawSize        = 8 + 32*8 + 32*8
)

// RegSetRiscv64 holds the riscv64 register file
type RegSetRiscv64 struct {
	Pc uint64
	X  [32]uint64
	F  [32]uint64
}

func (r *RegSetRiscv64) Arch() Arch      { return ArchRiscv64 }
func (r *RegSetRiscv64) PC() uint64      { return r.Pc }
func (r *RegSetRiscv64) SetPC(pc uint64) { r.Pc = pc }
func (r *RegSetRiscv64) SP() uint64      { return r.X[2] }
func (r *RegSetRiscv64) SetSP(sp uint64) { r.X[2] = sp }
func (r *RegSetRiscv64) FBP() uint64     { return r.X[8] }
func (r *RegSetRiscv64) SetFBP(v uint64) { r.X[8] = v }
func (r *RegSetRiscv64) HasRA() bool     { return true }
func (r *RegSetRiscv64) RA() uint64      { return r.X[1] }
func (r *RegSetRiscv64) SetRA(ra uint64) { r.X[1] = ra }

func (r *RegSetRiscv64) Reg(n uint16) (uint64, error) {
	switch {
	case n <= 31:
		return r.X[n], nil
	case n >= RiscvF0 && n <= RiscvF31:
		return r.F[n-RiscvF0], nil
	}
	return 0, wrapf(ErrUnknownRegister, "riscv64 register %d", n)
}

func (r *RegSetRiscv64) SetReg(n uint16, v uint64) error {
	switch {
	case n == RiscvX0:
		// x0 is hardwired to zero
		return nil
	case n <= 31:
		r.X[n] = v
		return nil
	case n >= RiscvF0 && n <= RiscvF31:
		r.F[n-RiscvF0] = v
		return nil
	}
	return wrapf(ErrUnknownRegister, "riscv64 register %d", n)
}

func (r *RegSetRiscv64) RegBytes(n uint16) ([]byte, error) {
	switch {
	case n <= 31:
		return u64bytes(&r.X[n]), nil
	case n >= RiscvF0 && n <= RiscvF31:
		return u64bytes(&r.F[n-RiscvF0]), nil
	}
	return nil, wrapf(ErrUnknownRegister, "riscv64 register %d", n)
}

func (r *RegSetRiscv64) RegSize(n uint16) (int, error) {
	if n <= RiscvF31 {
		return 8, nil
	}
	return 0, wrapf(ErrUnknownRegister, "riscv64 register %d", n)
}

func (r *RegSetRiscv64) Clone() RegSet {
	c := *r
	return &c
}

func (r *RegSetRiscv64) RawSize() int { return riscvRawSize }

func (r *RegSetRiscv64) CopyIn(raw []byte) error {
	if len(raw) < riscvRawSize {
		return wrapf(ErrBadArgument, "riscv64 regset needs %d bytes, got %d", riscvRawSize, len(raw))
	}
	le := binary.LittleEndian
	r.Pc = le.Uint64(raw[0:])
	off := 8
	for i := range r.X {
		r.X[i] = le.Uint64(raw[off:])
		off += 8
	}
	for i := range r.F {
		r.F[i] = le.Uint64(raw[off:])
		off += 8
	}
	return nil
}

func (r *RegSetRiscv64) CopyOut(raw []byte) error {
	if len(raw) < riscvRawSize {
		return wrapf(ErrBadArgument, "riscv64 regset needs %d bytes, got %d", riscvRawSize, len(raw))
	}
	le := binary.LittleEndian
	le.PutUint64(raw[0:], r.Pc)
	off := 8
	for i := range r.X {
		le.PutUint64(raw[off:], r.X[i])
		off += 8
	}
	for i := range r.F {
		le.PutUint64(raw[off:], r.F[i])
		off += 8
	}
	return nil
}

var riscvCalleeSaved = []CalleeReg{
	{RiscvX1, 8}, {RiscvX8, 8}, {RiscvX9, 8},
	{RiscvX18, 8}, {19, 8}, {20, 8}, {21, 8}, {22, 8}, {23, 8}, {24, 8},
	{25, 8}, {26, 8}, {RiscvX27, 8},
	{RiscvF8, 8}, {RiscvF9, 8},
	{RiscvF18, 8}, {51, 8}, {52, 8}, {53, 8}, {54, 8}, {55, 8}, {56, 8},
	{57, 8}, {58, 8}, {RiscvF27, 8},
}

func riscvIsCalleeSaved(n uint16) bool {
	switch {
	case n == RiscvX1 || n == RiscvX8 || n == RiscvX9:
		return true
	case n >= RiscvX18 && n <= RiscvX27:
		return true
	case n == RiscvF8 || n == RiscvF9:
		return true
	case n >= RiscvF18 && n <= RiscvF27:
		return true
	}
	return false
}

// The riscv64 ABI requires SP mod 16 = 0 whenever memory is accessed
// through it
func riscvAlignSP(sp uint64) uint64 {
	return sp &^ 15
}
