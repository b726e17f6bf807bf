package restack

// aarch64 register set and stack conventions.
//
// DWARF register numbers follow the AArch64 DWARF ABI: x0-x30 are 0-30,
// sp is 31 and the SIMD registers v0-v31 are 64-95. The raw byte layout
// matches the migration primitive's regset_aarch64.

import (
	"encoding/binary"
)

// aarch64 DWARF register numbers
const (
	AArch64X0  uint16 = 0
	AArch64X19 uint16 = 19
	AArch64X28 uint16 = 28
	AArch64X29 uint16 = 29 // frame pointer
	AArch64X30 uint16 = 30 // link register
	AArch64SP  uint16 = 31
	AArch64V0  uint16 = 64
	AArch64V8  uint16 = 72
	AArch64V15 uint16 = 79
	AArch64V31 uint16 = 95
)

const (
	aarch64RAOffset       = -8
	aarch64SavedFBPOffset = -16
	aarch64CFAOffsetEntry = 0
	aarch64NumX           = 31
	aarch64NumV           = 32
	aarch64RawSize        = 8 + 8 + aarch64NumX*8 + aarch64NumV*16
)

// RegSetAArch64 holds the aarch64 register file
type RegSetAArch64 struct {
	Pc uint64
	Sp uint64
	X  [aarch64NumX]uint64
	V  [aarch64NumV][16]byte
}

func (r *RegSetAArch64) Arch() Arch      { return ArchAArch64 }
func (r *RegSetAArch64) PC() uint64      { return r.Pc }
func (r *RegSetAArch64) SetPC(pc uint64) { r.Pc = pc }
func (r *RegSetAArch64) SP() uint64      { return r.Sp }
func (r *RegSetAArch64) SetSP(sp uint64) { r.Sp = sp }
func (r *RegSetAArch64) FBP() uint64     { return r.X[29] }
func (r *RegSetAArch64) SetFBP(v uint64) { r.X[29] = v }
func (r *RegSetAArch64) HasRA() bool     { return true }
func (r *RegSetAArch64) RA() uint64      { return r.X[30] }
func (r *RegSetAArch64) SetRA(ra uint64) { r.X[30] = ra }

func (r *RegSetAArch64) Reg(n uint16) (uint64, error) {
	switch {
	case n < aarch64NumX:
		return r.X[n], nil
	case n == AArch64SP:
		return r.Sp, nil
	case n >= AArch64V0 && n <= AArch64V31:
		return binary.LittleEndian.Uint64(r.V[n-AArch64V0][:8]), nil
	}
	return 0, wrapf(ErrUnknownRegister, "aarch64 register %d", n)
}

func (r *RegSetAArch64) SetReg(n uint16, v uint64) error {
	switch {
	case n < aarch64NumX:
		r.X[n] = v
		return nil
	case n == AArch64SP:
		r.Sp = v
		return nil
	case n >= AArch64V0 && n <= AArch64V31:
		binary.LittleEndian.PutUint64(r.V[n-AArch64V0][:8], v)
		return nil
	}
	return wrapf(ErrUnknownRegister, "aarch64 register %d", n)
}

func (r *RegSetAArch64) RegBytes(n uint16) ([]byte, error) {
	if n >= AArch64V0 && n <= AArch64V31 {
		return r.V[n-AArch64V0][:], nil
	}
	switch {
	case n < aarch64NumX:
		return u64bytes(&r.X[n]), nil
	case n == AArch64SP:
		return u64bytes(&r.Sp), nil
	}
	return nil, wrapf(ErrUnknownRegister, "aarch64 register %d", n)
}

func (r *RegSetAArch64) RegSize(n uint16) (int, error) {
	switch {
	case n <= AArch64SP:
		return 8, nil
	case n >= AArch64V0 && n <= AArch64V31:
		return 16, nil
	}
	return 0, wrapf(ErrUnknownRegister, "aarch64 register %d", n)
}

func (r *RegSetAArch64) Clone() RegSet {
	c := *r
	return &c
}

func (r *RegSetAArch64) RawSize() int { return aarch64RawSize }

func (r *RegSetAArch64) CopyIn(raw []byte) error {
	if len(raw) < aarch64RawSize {
		return wrapf(ErrBadArgument, "aarch64 regset needs %d bytes, got %d", aarch64RawSize, len(raw))
	}
	r.Pc = binary.LittleEndian.Uint64(raw[0:])
	r.Sp = binary.LittleEndian.Uint64(raw[8:])
	off := 16
	for i := range r.X {
		r.X[i] = binary.LittleEndian.Uint64(raw[off:])
		off += 8
	}
	for i := range r.V {
		copy(r.V[i][:], raw[off:off+16])
		off += 16
	}
	return nil
}

func (r *RegSetAArch64) CopyOut(raw []byte) error {
	if len(raw) < aarch64RawSize {
		return wrapf(ErrBadArgument, "aarch64 regset needs %d bytes, got %d", aarch64RawSize, len(raw))
	}
	binary.LittleEndian.PutUint64(raw[0:], r.Pc)
	binary.LittleEndian.PutUint64(raw[8:], r.Sp)
	off := 16
	for i := range r.X {
		binary.LittleEndian.PutUint64(raw[off:], r.X[i])
		off += 8
	}
	for i := range r.V {
		copy(raw[off:off+16], r.V[i][:])
		off += 16
	}
	return nil
}

var aarch64CalleeSaved = []CalleeReg{
	{AArch64X19, 8}, {20, 8}, {21, 8}, {22, 8}, {23, 8}, {24, 8},
	{25, 8}, {26, 8}, {27, 8}, {AArch64X28, 8}, {AArch64X29, 8}, {AArch64X30, 8},
	// Floating-point/SIMD, only the least-significant 64 bits are preserved
	{AArch64V8, 8}, {73, 8}, {74, 8}, {75, 8}, {76, 8}, {77, 8}, {78, 8}, {AArch64V15, 8},
}

func aarch64IsCalleeSaved(n uint16) bool {
	if n >= AArch64X19 && n <= AArch64X30 {
		return true
	}
	return n >= AArch64V8 && n <= AArch64V15
}

// Stack pointer is already at the correct alignment on aarch64 call sites
func aarch64AlignSP(sp uint64) uint64 {
	return sp
}
