package restack

// x86-64 register set and stack conventions.
//
// DWARF register number to name mappings are derived from the x86-64 ABI.
// The raw byte layout matches the migration primitive's regset_x86_64.

import (
	"encoding/binary"
)

// x86-64 DWARF register numbers
const (
	X86RAX   uint16 = 0
	X86RDX   uint16 = 1
	X86RCX   uint16 = 2
	X86RBX   uint16 = 3
	X86RSI   uint16 = 4
	X86RDI   uint16 = 5
	X86RBP   uint16 = 6
	X86RSP   uint16 = 7
	X86R8    uint16 = 8
	X86R15   uint16 = 15
	X86RIP   uint16 = 16
	X86XMM0  uint16 = 17
	X86XMM15 uint16 = 32
)

const (
	x86RAOffset       = -8
	x86SavedFBPOffset = -16
	x86CFAOffsetEntry = 8 // the return address pushed by call
	x86NumXMM         = 16
	x86RawSize        = 8 + 16*8 + 8*8 + x86NumXMM*16 + 8*16 + 6*4 + 8
)

// RegSetX86_64 holds the x86-64 register file. The layout mirrors the
// kernel's pt_regs extension used by the migration primitive: rip, the
// sixteen general-purpose registers, MMX, SSE and x87 state, segment
// registers and rflags.
type RegSetX86_64 struct {
	Rip                    uint64
	Rax, Rdx, Rcx, Rbx     uint64
	Rsi, Rdi, Rbp, Rsp     uint64
	R8, R9, R10, R11       uint64
	R12, R13, R14, R15     uint64
	Mmx                    [8]uint64
	Xmm                    [x86NumXMM][16]byte
	St                     [8][16]byte
	Cs, Ss, Ds, Es, Fs, Gs uint32
	Rflags                 uint64
}

func (r *RegSetX86_64) Arch() Arch      { return ArchX86_64 }
func (r *RegSetX86_64) PC() uint64      { return r.Rip }
func (r *RegSetX86_64) SetPC(pc uint64) { r.Rip = pc }
func (r *RegSetX86_64) SP() uint64      { return r.Rsp }
func (r *RegSetX86_64) SetSP(sp uint64) { r.Rsp = sp }
func (r *RegSetX86_64) FBP() uint64     { return r.Rbp }
func (r *RegSetX86_64) SetFBP(v uint64) { r.Rbp = v }

// x86-64 has no dedicated return-address register; the return address
// lives on the stack at CFA-8
func (r *RegSetX86_64) HasRA() bool     { return false }
func (r *RegSetX86_64) RA() uint64      { return 0 }
func (r *RegSetX86_64) SetRA(ra uint64) {}

func (r *RegSetX86_64) gpr(n uint16) *uint64 {
	switch n {
	case X86RAX:
		return &r.Rax
	case X86RDX:
		return &r.Rdx
	case X86RCX:
		return &r.Rcx
	case X86RBX:
		return &r.Rbx
	case X86RSI:
		return &r.Rsi
	case X86RDI:
		return &r.Rdi
	case X86RBP:
		return &r.Rbp
	case X86RSP:
		return &r.Rsp
	case X86R8:
		return &r.R8
	case 9:
		return &r.R9
	case 10:
		return &r.R10
	case 11:
		return &r.R11
	case 12:
		return &r.R12
	case 13:
		return &r.R13
	case 14:
		return &r.R14
	case X86R15:
		return &r.R15
	case X86RIP:
		return &r.Rip
	}
	return nil
}

func (r *RegSetX86_64) Reg(n uint16) (uint64, error) {
	if p := r.gpr(n); p != nil {
		return *p, nil
	}
	if n >= X86XMM0 && n <= X86XMM15 {
		return binary.LittleEndian.Uint64(r.Xmm[n-X86XMM0][:8]), nil
	}
	return 0, wrapf(ErrUnknownRegister, "x86-64 register %d", n)
}

func (r *RegSetX86_64) SetReg(n uint16, v uint64) error {
	if p := r.gpr(n); p != nil {
		*p = v
		return nil
	}
	if n >= X86XMM0 && n <= X86XMM15 {
		binary.LittleEndian.PutUint64(r.Xmm[n-X86XMM0][:8], v)
		return nil
	}
	return wrapf(ErrUnknownRegister, "x86-64 register %d", n)
}

func (r *RegSetX86_64) RegBytes(n uint16) ([]byte, error) {
	if p := r.gpr(n); p != nil {
		return u64bytes(p), nil
	}
	if n >= X86XMM0 && n <= X86XMM15 {
		return r.Xmm[n-X86XMM0][:], nil
	}
	return nil, wrapf(ErrUnknownRegister, "x86-64 register %d", n)
}

func (r *RegSetX86_64) RegSize(n uint16) (int, error) {
	if n <= X86RIP {
		return 8, nil
	}
	if n >= X86XMM0 && n <= X86XMM15 {
		return 16, nil
	}
	return 0, wrapf(ErrUnknownRegister, "x86-64 register %d", n)
}

func (r *RegSetX86_64) Clone() RegSet {
	c := *r
	return &c
}

func (r *RegSetX86_64) RawSize() int { return x86RawSize }

func (r *RegSetX86_64) CopyIn(raw []byte) error {
	if len(raw) < x86RawSize {
		return wrapf(ErrBadArgument, "x86-64 regset needs %d bytes, got %d", x86RawSize, len(raw))
	}
	le := binary.LittleEndian
	r.Rip = le.Uint64(raw[0:])
	gprs := []*uint64{
		&r.Rax, &r.Rdx, &r.Rcx, &r.Rbx, &r.Rsi, &r.Rdi, &r.Rbp, &r.Rsp,
		&r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15,
	}
	off := 8
	for _, p := range gprs {
		*p = le.Uint64(raw[off:])
		off += 8
	}
	for i := range r.Mmx {
		r.Mmx[i] = le.Uint64(raw[off:])
		off += 8
	}
	for i := range r.Xmm {
		copy(r.Xmm[i][:], raw[off:off+16])
		off += 16
	}
	for i := range r.St {
		copy(r.St[i][:], raw[off:off+16])
		off += 16
	}
	segs := []*uint32{&r.Cs, &r.Ss, &r.Ds, &r.Es, &r.Fs, &r.Gs}
	for _, p := range segs {
		*p = le.Uint32(raw[off:])
		off += 4
	}
	r.Rflags = le.Uint64(raw[off:])
	return nil
}

func (r *RegSetX86_64) CopyOut(raw []byte) error {
	if len(raw) < x86RawSize {
		return wrapf(ErrBadArgument, "x86-64 regset needs %d bytes, got %d", x86RawSize, len(raw))
	}
	le := binary.LittleEndian
	le.PutUint64(raw[0:], r.Rip)
	gprs := []uint64{
		r.Rax, r.Rdx, r.Rcx, r.Rbx, r.Rsi, r.Rdi, r.Rbp, r.Rsp,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
	}
	off := 8
	for _, v := range gprs {
		le.PutUint64(raw[off:], v)
		off += 8
	}
	for i := range r.Mmx {
		le.PutUint64(raw[off:], r.Mmx[i])
		off += 8
	}
	for i := range r.Xmm {
		copy(raw[off:off+16], r.Xmm[i][:])
		off += 16
	}
	for i := range r.St {
		copy(raw[off:off+16], r.St[i][:])
		off += 16
	}
	segs := []uint32{r.Cs, r.Ss, r.Ds, r.Es, r.Fs, r.Gs}
	for _, v := range segs {
		le.PutUint32(raw[off:], v)
		off += 4
	}
	le.PutUint64(raw[off:], r.Rflags)
	return nil
}

var x86CalleeSaved = []CalleeReg{
	{X86RBX, 8}, {X86RBP, 8}, {12, 8}, {13, 8}, {14, 8}, {X86R15, 8},
	// RIP is implicitly callee-saved through the return-address slot
	{X86RIP, 8},
}

func x86IsCalleeSaved(n uint16) bool {
	switch n {
	case X86RBX, X86RBP, 12, 13, 14, X86R15, X86RIP:
		return true
	}
	return false
}

// At an x86-64 call site SP+8 must be a multiple of 16, so pad the stack
// pointer down until SP mod 16 equals 8
func x86AlignSP(sp uint64) uint64 {
	return sp - (sp+8)%16
}
