package restack

import (
	"errors"
	"math"
	"testing"
)

// The synthetic program used throughout: a thread suspended in
// compute() at an equivalence point, called from main(), with the
// process entry below. compute keeps a double in a SIMD register, an
// int on its stack and a pointer to a local of main in a callee-saved
// register; main has the pointed-to local, a 16-byte alloca and a
// callee-saved integer live across the call.

const (
	testSrcLow  = 0x7f0000
	testSrcHigh = 0x7f1000
	testDstLow  = 0x7f1000
	testDstHigh = 0x7f2000
)

func newTestRegion(low, high uint64) StackRegion {
	return StackRegion{Low: low, High: high, Mem: make([]byte, high-low)}
}

func poke8(t *testing.T, r StackRegion, addr, val uint64) {
	t.Helper()
	b, err := r.slice(addr, 8)
	if err != nil {
		t.Fatalf("poke8(%#x): %v", addr, err)
	}
	putUint64(b, val)
}

func peek8(t *testing.T, r StackRegion, addr uint64) uint64 {
	t.Helper()
	b, err := r.slice(addr, 8)
	if err != nil {
		t.Fatalf("peek8(%#x): %v", addr, err)
	}
	return getUint64(b)
}

// buildAArch64Side builds the aarch64 sibling's metadata with the given
// bottom-of-stack sentinel
func buildAArch64Side(t *testing.T, sentinel uint64) *Handle {
	t.Helper()
	mb := NewMetadataBuilder(ArchAArch64)

	compute := mb.AddFunction(0x1000, 0x100, 32, []UnwindLoc{
		{Reg: AArch64X30, Offset: -8},
		{Reg: AArch64X29, Offset: -16},
		{Reg: 19, Offset: -24},
	}, nil)
	mainFn := mb.AddFunction(0x2000, 0x100, 48, []UnwindLoc{
		{Reg: AArch64X30, Offset: -8},
		{Reg: AArch64X29, Offset: -16},
	}, nil)
	start := mb.AddFunction(0x3000, 0x100, 16, nil, nil)

	mb.AddCallSite(10, compute, 0x1040, []LiveValue{
		{Type: LocRegister, RegNum: AArch64V8, Size: 8},
		{Type: LocDirect, RegNum: AArch64SP, OffsetOrConstant: 0, Size: 8},
		{Type: LocRegister, RegNum: 20, Size: 8, IsPtr: true},
	}, nil)
	mb.AddCallSite(20, mainFn, 0x2050, []LiveValue{
		{Type: LocDirect, RegNum: AArch64SP, OffsetOrConstant: 8, Size: 8},
		{Type: LocDirect, RegNum: AArch64SP, OffsetOrConstant: 16, Size: 8, IsAlloca: true, AllocaSize: 16},
		{Type: LocRegister, RegNum: 19, Size: 8},
	}, nil)
	mb.AddCallSite(sentinel, start, 0x3040, nil, nil)

	h, err := OpenBytes(mb.Build(), "prog_aarch64")
	if err != nil {
		t.Fatalf("OpenBytes aarch64: %v", err)
	}
	return h
}

// buildX86Side builds the x86-64 sibling: same IDs, different frame
// conventions and value locations
func buildX86Side(t *testing.T, sentinel uint64) *Handle {
	t.Helper()
	mb := NewMetadataBuilder(ArchX86_64)

	compute := mb.AddFunction(0x11000, 0x100, 32, []UnwindLoc{
		{Reg: X86RBP, Offset: -16},
	}, nil)
	mainFn := mb.AddFunction(0x12000, 0x100, 40, []UnwindLoc{
		{Reg: X86RBP, Offset: -16},
	}, nil)
	start := mb.AddFunction(0x13000, 0x100, 16, nil, nil)

	mb.AddCallSite(10, compute, 0x11040, []LiveValue{
		{Type: LocIndirect, RegNum: X86RSP, OffsetOrConstant: 8, Size: 8},
		{Type: LocDirect, RegNum: X86RSP, OffsetOrConstant: 16, Size: 8},
		{Type: LocRegister, RegNum: X86RBX, Size: 8, IsPtr: true},
	}, nil)
	mb.AddCallSite(20, mainFn, 0x12050, []LiveValue{
		{Type: LocDirect, RegNum: X86RSP, OffsetOrConstant: 8, Size: 8},
		{Type: LocDirect, RegNum: X86RSP, OffsetOrConstant: 16, Size: 8, IsAlloca: true, AllocaSize: 16},
		{Type: LocRegister, RegNum: 12, Size: 8},
	}, nil)
	mb.AddCallSite(sentinel, start, 0x13040, nil, nil)

	h, err := OpenBytes(mb.Build(), "prog_x86-64")
	if err != nil {
		t.Fatalf("OpenBytes x86-64: %v", err)
	}
	return h
}

// buildSourceState fills the source stack half and register file with
// the suspended thread's state
func buildSourceState(t *testing.T) (RegSet, StackRegion) {
	t.Helper()
	src := newTestRegion(testSrcLow, testSrcHigh)

	// main: CFA 0x7f1000, SP 0x7f0fd0
	poke8(t, src, 0x7f0ff0, 0xdead)             // saved x29 of the entry routine
	poke8(t, src, 0x7f0ff8, 0x3040)             // saved x30: return into the entry routine
	poke8(t, src, 0x7f0fd8, 0x1111222233334444) // pointed-to local
	for i := uint64(0); i < 16; i++ {           // alloca block
		src.Mem[0x7f0fe0-testSrcLow+i] = byte(0x50 + i)
	}

	// compute: CFA 0x7f0fd0, SP 0x7f0fb0
	poke8(t, src, 0x7f0fc0, 0x7f0ff0) // saved x29: main's frame pointer
	poke8(t, src, 0x7f0fc8, 0x2050)   // saved x30: main's call-site return address
	poke8(t, src, 0x7f0fb8, 0xA)      // saved x19: main's live callee-saved value
	poke8(t, src, 0x7f0fb0, 0x42)     // compute's int local

	regs := new(RegSetAArch64)
	regs.SetPC(0x1040)
	regs.SetSP(0x7f0fb0)
	regs.SetFBP(0x7f0fc0)
	regs.SetReg(AArch64V8, math.Float64bits(1.2))
	regs.SetReg(20, 0x7f0fd8) // pointer to main's local
	regs.SetReg(19, 0xB)      // compute's own scratch x19
	return regs, src
}

// TestRewriteIdentity tests the aarch64 to aarch64 identity rewrite:
// same PC, and the destination stack byte-equivalent to the source
// modulo intra-stack pointer translation
func TestRewriteIdentity(t *testing.T) {
	h := buildAArch64Side(t, CallSiteMainID)
	srcRegs, src := buildSourceState(t)
	dst := newTestRegion(testDstLow, testDstHigh)
	dstRegs := new(RegSetAArch64)

	if err := RewriteStack(h, srcRegs, src, h, dstRegs, dst); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}

	// Resume state
	if dstRegs.PC() != 0x1040 {
		t.Errorf("pc = %#x, want 0x1040", dstRegs.PC())
	}
	if dstRegs.SP() != 0x7f1fb0 {
		t.Errorf("sp = %#x, want 0x7f1fb0", dstRegs.SP())
	}
	if dstRegs.FBP() != 0x7f1fc0 {
		t.Errorf("fbp = %#x, want 0x7f1fc0", dstRegs.FBP())
	}
	if dstRegs.RA() != 0x1040 {
		t.Errorf("lr = %#x, want 0x1040", dstRegs.RA())
	}
	if v, _ := dstRegs.Reg(AArch64V8); v != math.Float64bits(1.2) {
		t.Errorf("v8 = %#x, double not preserved", v)
	}
	// The pointer moved exactly one stack-half over
	if v, _ := dstRegs.Reg(20); v != 0x7f1fd8 {
		t.Errorf("x20 = %#x, want translated 0x7f1fd8", v)
	}

	// Alignment invariant for the resumed frame
	if got := ArchAArch64.AlignSP(dstRegs.SP()); got != dstRegs.SP() {
		t.Errorf("resumed SP %#x not aligned", dstRegs.SP())
	}

	// Destination stack contents, frame by frame
	checks := []struct {
		addr uint64
		want uint64
		what string
	}{
		{0x7f1fb0, 0x42, "compute int local"},
		{0x7f1fb8, 0xA, "compute's spilled x19 (main's value)"},
		{0x7f1fc0, 0x7f1ff0, "compute's spilled x29 (translated main FBP)"},
		{0x7f1fc8, 0x2050, "compute's spilled x30 (main's return address)"},
		{0x7f1fd8, 0x1111222233334444, "main's local"},
		{0x7f1ff8, 0x3040, "main's return address into the entry routine"},
		{0x7f1fa8, 0x1040, "return-address slot of the suspended call"},
	}
	for _, c := range checks {
		if got := peek8(t, dst, c.addr); got != c.want {
			t.Errorf("%s at %#x = %#x, want %#x", c.what, c.addr, got, c.want)
		}
	}
	for i := uint64(0); i < 16; i++ {
		if got := dst.Mem[0x7f1fe0-testDstLow+i]; got != byte(0x50+i) {
			t.Errorf("alloca byte %d = %#x, want %#x", i, got, 0x50+i)
		}
	}
}

// TestRewriteCross tests aarch64 to x86-64: every live value must land
// in the x86-64 convention's location and pointers must translate
func TestRewriteCross(t *testing.T) {
	src := buildAArch64Side(t, CallSiteMainID)
	dst := buildX86Side(t, CallSiteMainID)
	srcRegs, srcStack := buildSourceState(t)
	dstStack := newTestRegion(testDstLow, testDstHigh)
	dstRegs := new(RegSetX86_64)

	if err := RewriteStack(src, srcRegs, srcStack, dst, dstRegs, dstStack); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}

	// main': CFA 0x7f2000, SP 0x7f1fd0; compute': CFA 0x7f1fd0, SP 0x7f1fa8
	if dstRegs.PC() != 0x11040 {
		t.Errorf("pc = %#x, want 0x11040", dstRegs.PC())
	}
	if dstRegs.SP() != 0x7f1fa8 {
		t.Errorf("sp = %#x, want 0x7f1fa8", dstRegs.SP())
	}
	if got := ArchX86_64.AlignSP(dstRegs.SP()); got != dstRegs.SP() {
		t.Errorf("resumed SP %#x violates x86-64 call-site alignment", dstRegs.SP())
	}
	if dstRegs.FBP() != 0x7f1fc0 {
		t.Errorf("rbp = %#x, want 0x7f1fc0", dstRegs.FBP())
	}
	if v, _ := dstRegs.Reg(X86RBX); v != 0x7f1fd8 {
		t.Errorf("rbx = %#x, want translated pointer 0x7f1fd8", v)
	}

	checks := []struct {
		addr uint64
		want uint64
		what string
	}{
		{0x7f1fb0, math.Float64bits(1.2), "double spilled to compute's frame"},
		{0x7f1fb8, 0x42, "compute int local"},
		{0x7f1fc0, 0x7f1ff0, "compute's spilled rbp (translated main FBP)"},
		{0x7f1fc8, 0x12050, "main's call-site return address"},
		{0x7f1fd8, 0x1111222233334444, "main's local"},
		{0x7f1ff8, 0x13040, "main's return address into the entry routine"},
		{0x7f1fa0, 0x11040, "return-address slot of the suspended call"},
	}
	for _, c := range checks {
		if got := peek8(t, dstStack, c.addr); got != c.want {
			t.Errorf("%s at %#x = %#x, want %#x", c.what, c.addr, got, c.want)
		}
	}
	for i := uint64(0); i < 16; i++ {
		if got := dstStack.Mem[0x7f1fe0-testDstLow+i]; got != byte(0x50+i) {
			t.Errorf("alloca byte %d = %#x, want %#x", i, got, 0x50+i)
		}
	}

	// main's callee-saved live value sits in r12. Nothing between main
	// and the migration point spills r12, so the physical register must
	// still hold it in the resume state.
	if v, _ := dstRegs.Reg(12); v != 0xA {
		t.Errorf("r12 = %#x, want 0xA carried in the register", v)
	}
}

// buildPPC64Side builds the powerpc64 sibling: same IDs again, ELFv2
// frame conventions. The LR save doubleword sits at SP+16 of the
// callee-side frame, so live locals are placed clear of it.
func buildPPC64Side(t *testing.T, sentinel uint64) *Handle {
	t.Helper()
	mb := NewMetadataBuilder(ArchPowerPC64)

	compute := mb.AddFunction(0x21000, 0x100, 32, []UnwindLoc{
		{Reg: PPC64R31, Offset: -8},
	}, nil)
	mainFn := mb.AddFunction(0x22000, 0x100, 48, []UnwindLoc{
		{Reg: PPC64R31, Offset: -8},
	}, nil)
	start := mb.AddFunction(0x23000, 0x100, 16, nil, nil)

	mb.AddCallSite(10, compute, 0x21040, []LiveValue{
		{Type: LocIndirect, RegNum: PPC64R1, OffsetOrConstant: 8, Size: 8},
		{Type: LocDirect, RegNum: PPC64R1, OffsetOrConstant: 0, Size: 8},
		{Type: LocRegister, RegNum: PPC64R14, Size: 8, IsPtr: true},
	}, nil)
	mb.AddCallSite(20, mainFn, 0x22050, []LiveValue{
		{Type: LocDirect, RegNum: PPC64R1, OffsetOrConstant: 24, Size: 8},
		{Type: LocDirect, RegNum: PPC64R1, OffsetOrConstant: 32, Size: 8, IsAlloca: true, AllocaSize: 16},
		{Type: LocRegister, RegNum: 15, Size: 8},
	}, nil)
	mb.AddCallSite(sentinel, start, 0x23040, nil, nil)

	h, err := OpenBytes(mb.Build(), "prog_powerpc64")
	if err != nil {
		t.Fatalf("OpenBytes powerpc64: %v", err)
	}
	return h
}

// TestRewriteCrossPowerPC64 tests aarch64 to powerpc64: the destination
// SP must come out on the ELFv2 doubleword phase and every live value
// must land in the r1-relative locations
func TestRewriteCrossPowerPC64(t *testing.T) {
	src := buildAArch64Side(t, CallSiteMainID)
	dst := buildPPC64Side(t, CallSiteMainID)
	srcRegs, srcStack := buildSourceState(t)
	dstStack := newTestRegion(testDstLow, testDstHigh)
	dstRegs := new(RegSetPowerPC64)

	if err := RewriteStack(src, srcRegs, srcStack, dst, dstRegs, dstStack); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}

	// main': CFA 0x7f2000, SP 0x7f1fc8 (aligned off the 16-byte
	// boundary); compute': CFA 0x7f1fc8, SP 0x7f1fa8
	if dstRegs.PC() != 0x21040 {
		t.Errorf("pc = %#x, want 0x21040", dstRegs.PC())
	}
	if dstRegs.SP() != 0x7f1fa8 {
		t.Errorf("sp = %#x, want 0x7f1fa8", dstRegs.SP())
	}
	if got := ArchPowerPC64.AlignSP(dstRegs.SP()); got != dstRegs.SP() {
		t.Errorf("resumed SP %#x violates powerpc64 call-site alignment", dstRegs.SP())
	}
	if dstRegs.FBP() != 0x7f1fa8 {
		t.Errorf("r31 = %#x, want r1 0x7f1fa8", dstRegs.FBP())
	}
	if dstRegs.RA() != 0x21040 {
		t.Errorf("lr = %#x, want 0x21040", dstRegs.RA())
	}
	if v, _ := dstRegs.Reg(PPC64R14); v != 0x7f1fe0 {
		t.Errorf("r14 = %#x, want translated pointer 0x7f1fe0", v)
	}
	// main's callee-saved live value rides in r15, unspilled below main
	if v, _ := dstRegs.Reg(15); v != 0xA {
		t.Errorf("r15 = %#x, want 0xA carried in the register", v)
	}

	checks := []struct {
		addr uint64
		want uint64
		what string
	}{
		{0x7f1fb0, math.Float64bits(1.2), "double spilled to compute's frame"},
		{0x7f1fa8, 0x42, "compute int local"},
		{0x7f1fb8, 0x21040, "LR save doubleword of the suspended call"},
		{0x7f1fc0, 0x7f1fc8, "compute's spilled r31 (main's frame pointer)"},
		{0x7f1fd8, 0x22050, "main's call-site return address"},
		{0x7f1fe0, 0x1111222233334444, "main's local"},
	}
	for _, c := range checks {
		if got := peek8(t, dstStack, c.addr); got != c.want {
			t.Errorf("%s at %#x = %#x, want %#x", c.what, c.addr, got, c.want)
		}
	}
	for i := uint64(0); i < 16; i++ {
		if got := dstStack.Mem[0x7f1fe8-testDstLow+i]; got != byte(0x50+i) {
			t.Errorf("alloca byte %d = %#x, want %#x", i, got, 0x50+i)
		}
	}
}

// TestRewriteIdentityRiscv64 tests a riscv64 to riscv64 rewrite of a
// single frame, driving the riscv64 plugin through the whole pipeline
func TestRewriteIdentityRiscv64(t *testing.T) {
	mb := NewMetadataBuilder(ArchRiscv64)
	fn := mb.AddFunction(0x31000, 0x100, 32, []UnwindLoc{
		{Reg: RiscvX1, Offset: -8},
		{Reg: RiscvX8, Offset: -16},
	}, nil)
	start := mb.AddFunction(0x33000, 0x100, 16, nil, nil)
	mb.AddCallSite(7, fn, 0x31040, []LiveValue{
		{Type: LocDirect, RegNum: RiscvX2, OffsetOrConstant: 0, Size: 8},
		{Type: LocRegister, RegNum: RiscvX18, Size: 8},
	}, nil)
	mb.AddCallSite(CallSiteMainID, start, 0x3040, nil, nil)
	h, err := OpenBytes(mb.Build(), "prog_riscv64")
	if err != nil {
		t.Fatalf("OpenBytes riscv64: %v", err)
	}

	src := newTestRegion(testSrcLow, testSrcHigh)
	poke8(t, src, 0x7f0ff8, 0x3040) // saved ra: return into the entry routine
	poke8(t, src, 0x7f0ff0, 0xbbb0) // saved s0
	poke8(t, src, 0x7f0fe0, 0x77)   // int local

	regs := new(RegSetRiscv64)
	regs.SetPC(0x31040)
	regs.SetSP(0x7f0fe0)
	regs.SetReg(RiscvX18, 0xCC)

	dst := newTestRegion(testDstLow, testDstHigh)
	out := new(RegSetRiscv64)
	if err := RewriteStack(h, regs, src, h, out, dst); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}

	if out.PC() != 0x31040 || out.SP() != 0x7f1fe0 {
		t.Errorf("resume state pc=%#x sp=%#x", out.PC(), out.SP())
	}
	if got := ArchRiscv64.AlignSP(out.SP()); got != out.SP() {
		t.Errorf("resumed SP %#x not 16-byte aligned", out.SP())
	}
	if out.FBP() != 0x7f1ff0 {
		t.Errorf("s0 = %#x, want 0x7f1ff0", out.FBP())
	}
	if out.RA() != 0x31040 {
		t.Errorf("ra = %#x, want 0x31040", out.RA())
	}
	if v, _ := out.Reg(RiscvX18); v != 0xCC {
		t.Errorf("s2 = %#x, want 0xCC", v)
	}
	if got := peek8(t, dst, 0x7f1fe0); got != 0x77 {
		t.Errorf("int local = %#x, want 0x77", got)
	}
	if got := peek8(t, dst, 0x7f1ff8); got != 0x3040 {
		t.Errorf("entry return address = %#x, want 0x3040", got)
	}
}

// TestRewriteRoundTrip tests A to B to A: the original register state
// must reappear modulo non-live scratch registers
func TestRewriteRoundTrip(t *testing.T) {
	a := buildAArch64Side(t, CallSiteMainID)
	b := buildX86Side(t, CallSiteMainID)
	srcRegs, srcStack := buildSourceState(t)

	mid := newTestRegion(testDstLow, testDstHigh)
	midRegs := new(RegSetX86_64)
	if err := RewriteStack(a, srcRegs, srcStack, b, midRegs, mid); err != nil {
		t.Fatalf("A->B: %v", err)
	}

	back := newTestRegion(testSrcLow, testSrcHigh)
	backRegs := new(RegSetAArch64)
	if err := RewriteStack(b, midRegs, mid, a, backRegs, back); err != nil {
		t.Fatalf("B->A: %v", err)
	}

	if backRegs.PC() != srcRegs.PC() {
		t.Errorf("pc = %#x, want %#x", backRegs.PC(), srcRegs.PC())
	}
	if backRegs.SP() != srcRegs.SP() {
		t.Errorf("sp = %#x, want %#x", backRegs.SP(), srcRegs.SP())
	}
	if v, _ := backRegs.Reg(AArch64V8); v != math.Float64bits(1.2) {
		t.Errorf("v8 = %#x after round trip", v)
	}
	if v, _ := backRegs.Reg(20); v != 0x7f0fd8 {
		t.Errorf("x20 = %#x, want 0x7f0fd8 after round trip", v)
	}
	if got := peek8(t, back, 0x7f0fb0); got != 0x42 {
		t.Errorf("int local = %#x after round trip", got)
	}
	if got := peek8(t, back, 0x7f0fb8); got != 0xA {
		t.Errorf("spilled x19 = %#x after round trip", got)
	}
	for i := uint64(0); i < 16; i++ {
		if got := back.Mem[0x7f0fe0-testSrcLow+i]; got != byte(0x50+i) {
			t.Errorf("alloca byte %d = %#x after round trip", i, got)
		}
	}
}

// TestRewriteLeafFrame tests a single frame with zero live values: the
// rewrite succeeds with an empty worklist
func TestRewriteLeafFrame(t *testing.T) {
	mb := NewMetadataBuilder(ArchAArch64)
	leaf := mb.AddFunction(0x1000, 0x100, 32, []UnwindLoc{
		{Reg: AArch64X30, Offset: -8},
		{Reg: AArch64X29, Offset: -16},
	}, nil)
	start := mb.AddFunction(0x3000, 0x100, 16, nil, nil)
	mb.AddCallSite(5, leaf, 0x1040, nil, nil)
	mb.AddCallSite(CallSiteMainID, start, 0x3040, nil, nil)
	h, err := OpenBytes(mb.Build(), "leaf_aarch64")
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}

	src := newTestRegion(testSrcLow, testSrcHigh)
	poke8(t, src, 0x7f0ff0, 0xbbb0)
	poke8(t, src, 0x7f0ff8, 0x3040)

	regs := new(RegSetAArch64)
	regs.SetPC(0x1040)
	regs.SetSP(0x7f0fe0)

	dst := newTestRegion(testDstLow, testDstHigh)
	out := new(RegSetAArch64)
	if err := RewriteStack(h, regs, src, h, out, dst); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}
	if out.SP() != 0x7f1fe0 || out.PC() != 0x1040 {
		t.Errorf("resume state pc=%#x sp=%#x", out.PC(), out.SP())
	}
	if got := peek8(t, dst, 0x7f1ff8); got != 0x3040 {
		t.Errorf("entry return address = %#x", got)
	}
}

// TestRewriteThreadSentinel tests that the POSIX thread entry sentinel
// terminates the unwind like the process entry does
func TestRewriteThreadSentinel(t *testing.T) {
	h := buildAArch64Side(t, CallSitePthreadID)
	srcRegs, src := buildSourceState(t)
	dst := newTestRegion(testDstLow, testDstHigh)
	dstRegs := new(RegSetAArch64)

	if err := RewriteStack(h, srcRegs, src, h, dstRegs, dst); err != nil {
		t.Fatalf("RewriteStack with pthread sentinel: %v", err)
	}
	if dstRegs.PC() != 0x1040 {
		t.Errorf("pc = %#x", dstRegs.PC())
	}
}

// TestRewriteMany tests a frame with many mixed integer and float live
// values: all must be preserved across the rewrite
func TestRewriteMany(t *testing.T) {
	mb := NewMetadataBuilder(ArchAArch64)
	var live []LiveValue
	for i := 0; i < 8; i++ {
		live = append(live, LiveValue{
			Type: LocDirect, RegNum: AArch64SP, OffsetOrConstant: int32(8 * i), Size: 8,
		})
	}
	for i := 0; i < 4; i++ {
		live = append(live, LiveValue{Type: LocRegister, RegNum: uint16(19 + i), Size: 8})
	}
	for i := 0; i < 4; i++ {
		live = append(live, LiveValue{Type: LocRegister, RegNum: AArch64V8 + uint16(i), Size: 8})
	}
	fn := mb.AddFunction(0x1000, 0x100, 96, []UnwindLoc{
		{Reg: AArch64X30, Offset: -8},
		{Reg: AArch64X29, Offset: -16},
	}, nil)
	start := mb.AddFunction(0x3000, 0x100, 16, nil, nil)
	mb.AddCallSite(30, fn, 0x1080, live, nil)
	mb.AddCallSite(CallSiteMainID, start, 0x3040, nil, nil)
	h, err := OpenBytes(mb.Build(), "many_aarch64")
	if err != nil {
		t.Fatalf("OpenBytes: %v", err)
	}

	src := newTestRegion(testSrcLow, testSrcHigh)
	const srcSP = 0x7f0f00
	poke8(t, src, srcSP+96-8, 0x3040)  // saved x30
	poke8(t, src, srcSP+96-16, 0xbbb0) // saved x29
	regs := new(RegSetAArch64)
	regs.SetPC(0x1080)
	regs.SetSP(srcSP)
	for i := uint64(0); i < 8; i++ {
		poke8(t, src, srcSP+8*i, 0x0101010100000000+i)
	}
	for i := uint16(0); i < 4; i++ {
		regs.SetReg(19+i, uint64(0xA0+i))
		regs.SetReg(AArch64V8+i, math.Float64bits(1.5*float64(i+1)))
	}

	dst := newTestRegion(testDstLow, testDstHigh)
	out := new(RegSetAArch64)
	if err := RewriteStack(h, regs, src, h, out, dst); err != nil {
		t.Fatalf("RewriteStack: %v", err)
	}

	dstSP := out.SP()
	if dstSP != testDstHigh-96 {
		t.Fatalf("sp = %#x, want %#x", dstSP, uint64(testDstHigh-96))
	}
	for i := uint64(0); i < 8; i++ {
		if got := peek8(t, dst, dstSP+8*i); got != 0x0101010100000000+i {
			t.Errorf("stack local %d = %#x", i, got)
		}
	}
	for i := uint16(0); i < 4; i++ {
		if v, _ := out.Reg(19 + i); v != uint64(0xA0+i) {
			t.Errorf("x%d = %#x", 19+i, v)
		}
		if v, _ := out.Reg(AArch64V8 + i); v != math.Float64bits(1.5*float64(i+1)) {
			t.Errorf("v%d = %#x", 8+i, v)
		}
	}
}

// TestRewriteFailures tests the error taxonomy of the rewriter
func TestRewriteFailures(t *testing.T) {
	srcRegs, src := buildSourceState(t)
	a := buildAArch64Side(t, CallSiteMainID)

	t.Run("no call site", func(t *testing.T) {
		regs := srcRegs.Clone()
		regs.SetPC(0xbad)
		dst := newTestRegion(testDstLow, testDstHigh)
		err := RewriteStack(a, regs, src, a, new(RegSetAArch64), dst)
		if !errors.Is(err, ErrNoCallSite) {
			t.Errorf("expected ErrNoCallSite, got %v", err)
		}
	})

	t.Run("id missing", func(t *testing.T) {
		mb := NewMetadataBuilder(ArchX86_64)
		fn := mb.AddFunction(0x11000, 0x100, 32, nil, nil)
		mb.AddCallSite(999, fn, 0x11040, nil, nil)
		h, err := OpenBytes(mb.Build(), "missing_x86-64")
		if err != nil {
			t.Fatalf("OpenBytes: %v", err)
		}
		dst := newTestRegion(testDstLow, testDstHigh)
		err = RewriteStack(a, srcRegs.Clone(), src, h, new(RegSetX86_64), dst)
		if !errors.Is(err, ErrIDMissing) {
			t.Errorf("expected ErrIDMissing, got %v", err)
		}
	})

	t.Run("live count mismatch", func(t *testing.T) {
		mb := NewMetadataBuilder(ArchX86_64)
		compute := mb.AddFunction(0x11000, 0x100, 32, nil, nil)
		mainFn := mb.AddFunction(0x12000, 0x100, 40, nil, nil)
		start := mb.AddFunction(0x13000, 0x100, 16, nil, nil)
		// Only two live values against the source's three
		mb.AddCallSite(10, compute, 0x11040, []LiveValue{
			{Type: LocDirect, RegNum: X86RSP, OffsetOrConstant: 8, Size: 8},
			{Type: LocRegister, RegNum: X86RBX, Size: 8},
		}, nil)
		mb.AddCallSite(20, mainFn, 0x12050, nil, nil)
		mb.AddCallSite(CallSiteMainID, start, 0x13040, nil, nil)
		h, err := OpenBytes(mb.Build(), "short_x86-64")
		if err != nil {
			t.Fatalf("OpenBytes: %v", err)
		}
		dst := newTestRegion(testDstLow, testDstHigh)
		err = RewriteStack(a, srcRegs.Clone(), src, h, new(RegSetX86_64), dst)
		if !errors.Is(err, ErrLiveCountMismatch) {
			t.Errorf("expected ErrLiveCountMismatch, got %v", err)
		}
	})

	t.Run("dangling fixup", func(t *testing.T) {
		regs := srcRegs.Clone()
		// Point below every recorded live location: the translation can
		// never resolve
		regs.SetReg(20, 0x7f0fa0)
		dst := newTestRegion(testDstLow, testDstHigh)
		err := RewriteStack(a, regs, src, a, new(RegSetAArch64), dst)
		if !errors.Is(err, ErrDanglingFixup) {
			t.Errorf("expected ErrDanglingFixup, got %v", err)
		}
	})

	t.Run("dest overflow", func(t *testing.T) {
		dst := newTestRegion(testDstLow, testDstLow+64)
		err := RewriteStack(a, srcRegs.Clone(), src, a, new(RegSetAArch64), dst)
		if !errors.Is(err, ErrDestOverflow) {
			t.Errorf("expected ErrDestOverflow, got %v", err)
		}
	})

	t.Run("src overflow", func(t *testing.T) {
		mb := NewMetadataBuilder(ArchAArch64)
		huge := mb.AddFunction(0x1000, 0x100, 0x10000, nil, nil)
		start := mb.AddFunction(0x3000, 0x100, 16, nil, nil)
		mb.AddCallSite(10, huge, 0x1040, nil, nil)
		mb.AddCallSite(CallSiteMainID, start, 0x3040, nil, nil)
		h, err := OpenBytes(mb.Build(), "huge_aarch64")
		if err != nil {
			t.Fatalf("OpenBytes: %v", err)
		}
		dst := newTestRegion(testDstLow, testDstHigh)
		err = RewriteStack(h, srcRegs.Clone(), src, h, new(RegSetAArch64), dst)
		if !errors.Is(err, ErrSrcOverflow) {
			t.Errorf("expected ErrSrcOverflow, got %v", err)
		}
	})

	t.Run("bad arguments", func(t *testing.T) {
		dst := newTestRegion(testDstLow, testDstHigh)
		if err := RewriteStack(nil, srcRegs, src, a, new(RegSetAArch64), dst); !errors.Is(err, ErrBadArgument) {
			t.Errorf("nil handle: expected ErrBadArgument, got %v", err)
		}
		if err := RewriteStack(a, new(RegSetX86_64), src, a, new(RegSetAArch64), dst); !errors.Is(err, ErrBadArgument) {
			t.Errorf("arch mismatch: expected ErrBadArgument, got %v", err)
		}
	})
}

// TestRewriteOnDemandDeclared tests that the on-demand entry point is
// declared but refuses to run
func TestRewriteOnDemandDeclared(t *testing.T) {
	a := buildAArch64Side(t, CallSiteMainID)
	srcRegs, src := buildSourceState(t)
	dst := newTestRegion(testDstLow, testDstHigh)
	if err := RewriteOnDemand(a, srcRegs, src, a, new(RegSetAArch64), dst); err == nil {
		t.Fatal("RewriteOnDemand unexpectedly succeeded")
	}
}
