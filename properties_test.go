package restack

import (
	"testing"
)

// TestAlignSP tests the per-architecture call-site alignment rules
func TestAlignSP(t *testing.T) {
	tests := []struct {
		arch Arch
		in   uint64
		want uint64
	}{
		// aarch64 call sites are already aligned
		{ArchAArch64, 0x7f1fb0, 0x7f1fb0},
		{ArchAArch64, 0x7f1fb4, 0x7f1fb4},
		// x86-64 wants SP+8 to be a multiple of 16
		{ArchX86_64, 0x7f1fa8, 0x7f1fa8},
		{ArchX86_64, 0x7f1fb0, 0x7f1fa8},
		{ArchX86_64, 0x7f1fbe, 0x7f1fb8},
		// powerpc64 masks the low 3 bits, then backs off a doubleword
		// when the result lands on a 16-byte boundary
		{ArchPowerPC64, 0x7f1fb0, 0x7f1fa8},
		{ArchPowerPC64, 0x7f1fb8, 0x7f1fb8},
		{ArchPowerPC64, 0x7f1fbe, 0x7f1fb8},
		// riscv64 is 16-byte aligned
		{ArchRiscv64, 0x7f1fb0, 0x7f1fb0},
		{ArchRiscv64, 0x7f1fbf, 0x7f1fb0},
	}
	for _, tt := range tests {
		got := tt.arch.AlignSP(tt.in)
		if got != tt.want {
			t.Errorf("%v AlignSP(%#x) = %#x, want %#x", tt.arch, tt.in, got, tt.want)
		}
		// Alignment must be a fixpoint
		if again := tt.arch.AlignSP(got); again != got {
			t.Errorf("%v AlignSP not idempotent: %#x -> %#x", tt.arch, got, again)
		}
	}
}

// TestCalleeSaved tests callee-saved membership per architecture
func TestCalleeSaved(t *testing.T) {
	tests := []struct {
		arch Arch
		reg  uint16
		want bool
	}{
		{ArchAArch64, AArch64X19, true},
		{ArchAArch64, AArch64X30, true},
		{ArchAArch64, AArch64V8, true},
		{ArchAArch64, AArch64V15, true},
		{ArchAArch64, 0, false},  // x0 is an argument register
		{ArchAArch64, 73, true},  // v9
		{ArchAArch64, 80, false}, // v16
		{ArchX86_64, X86RBX, true},
		{ArchX86_64, X86RBP, true},
		{ArchX86_64, 12, true},
		{ArchX86_64, X86RIP, true},
		{ArchX86_64, X86RAX, false},
		{ArchX86_64, X86XMM0, false},
		{ArchPowerPC64, PPC64R1, true},
		{ArchPowerPC64, PPC64R2, true},
		{ArchPowerPC64, PPC64R14, true},
		{ArchPowerPC64, PPC64LR, true},
		{ArchPowerPC64, PPC64F14, true},
		{ArchPowerPC64, 3, false},
		{ArchRiscv64, RiscvX1, true},
		{ArchRiscv64, RiscvX8, true},
		{ArchRiscv64, RiscvX27, true},
		{ArchRiscv64, RiscvF8, true},
		{ArchRiscv64, 10, false}, // a0
	}
	for _, tt := range tests {
		if got := tt.arch.IsCalleeSaved(tt.reg); got != tt.want {
			t.Errorf("%v IsCalleeSaved(%d) = %v, want %v", tt.arch, tt.reg, got, tt.want)
		}
	}
	// Every register in the enumerated list must be callee-saved
	for _, a := range []Arch{ArchAArch64, ArchX86_64, ArchPowerPC64, ArchRiscv64} {
		for _, cr := range a.CalleeSaved() {
			if !a.IsCalleeSaved(cr.Reg) {
				t.Errorf("%v: listed register %d not reported callee-saved", a, cr.Reg)
			}
		}
	}
}

// TestFrameOffsets tests the RA and CFA conventions
func TestFrameOffsets(t *testing.T) {
	if off := ArchX86_64.RAOffset(); off != -8 {
		t.Errorf("x86-64 RA offset = %d, want -8", off)
	}
	if off := ArchAArch64.RAOffset(); off != -8 {
		t.Errorf("aarch64 RA offset = %d, want -8", off)
	}
	if off := ArchX86_64.CFAOffsetFuncEntry(); off != 8 {
		t.Errorf("x86-64 CFA entry offset = %d, want 8", off)
	}
	if off := ArchAArch64.CFAOffsetFuncEntry(); off != 0 {
		t.Errorf("aarch64 CFA entry offset = %d, want 0", off)
	}

	// FBP conventions: FP/RA pair at the top of the frame, r31 = r1 on
	// powerpc64
	if fbp := ArchAArch64.FBPFromCFA(0x1000, 0xf00); fbp != 0xff0 {
		t.Errorf("aarch64 FBP = %#x, want 0xff0", fbp)
	}
	if fbp := ArchRiscv64.FBPFromCFA(0x1000, 0xf00); fbp != 0xff0 {
		t.Errorf("riscv64 FBP = %#x, want 0xff0", fbp)
	}
	if fbp := ArchPowerPC64.FBPFromCFA(0x1000, 0xf00); fbp != 0xf00 {
		t.Errorf("powerpc64 FBP = %#x, want 0xf00", fbp)
	}
}

// TestEntryIDs tests the reserved bottom-of-stack sentinels
func TestEntryIDs(t *testing.T) {
	for _, id := range []uint64{CallSiteMainID, CallSitePthreadID, CallSiteC11ThreadID} {
		if !IsEntryID(id) {
			t.Errorf("IsEntryID(%#x) = false", id)
		}
	}
	if IsEntryID(CallSiteC11ThreadID - 1) {
		t.Error("IsEntryID accepted a regular call-site ID")
	}
	if IsEntryID(10) {
		t.Error("IsEntryID accepted 10")
	}
}
