package restack

// Per-architecture stack-frame conventions. Dispatch is a single switch
// on the Arch tag at the boundary of each operation; there are no
// function tables.

// CalleeReg is one callee-saved register and the number of bytes of it
// the callee must preserve
type CalleeReg struct {
	Reg  uint16
	Size uint16
}

// CalleeSaved returns the architecture's callee-saved register list
func (a Arch) CalleeSaved() []CalleeReg {
	switch a {
	case ArchAArch64:
		return aarch64CalleeSaved
	case ArchX86_64:
		return x86CalleeSaved
	case ArchPowerPC64:
		return ppc64CalleeSaved
	case ArchRiscv64:
		return riscvCalleeSaved
	}
	return nil
}

// NumCalleeSaved returns the number of callee-saved registers
func (a Arch) NumCalleeSaved() int {
	return len(a.CalleeSaved())
}

// IsCalleeSaved reports whether the register survives a call
func (a Arch) IsCalleeSaved(n uint16) bool {
	switch a {
	case ArchAArch64:
		return aarch64IsCalleeSaved(n)
	case ArchX86_64:
		return x86IsCalleeSaved(n)
	case ArchPowerPC64:
		return ppc64IsCalleeSaved(n)
	case ArchRiscv64:
		return riscvIsCalleeSaved(n)
	}
	return false
}

// AlignSP returns sp aligned to the architecture's incoming-call-site
// alignment. The result is a fixpoint: AlignSP(AlignSP(sp)) == AlignSP(sp).
func (a Arch) AlignSP(sp uint64) uint64 {
	switch a {
	case ArchAArch64:
		return aarch64AlignSP(sp)
	case ArchX86_64:
		return x86AlignSP(sp)
	case ArchPowerPC64:
		return ppc64AlignSP(sp)
	case ArchRiscv64:
		return riscvAlignSP(sp)
	}
	return sp
}

// RAOffset is the byte offset from a frame's CFA at which that frame's
// own return address (the resume point in its caller) is stored
func (a Arch) RAOffset() int64 {
	switch a {
	case ArchAArch64:
		return aarch64RAOffset
	case ArchX86_64:
		return x86RAOffset
	case ArchPowerPC64:
		return ppc64RAOffset
	case ArchRiscv64:
		return riscvRAOffset
	}
	return 0
}

// CFAOffsetFuncEntry is the offset of the CFA from SP on function entry.
// Only x86-64 is nonzero, to account for the return address pushed by
// the call instruction.
func (a Arch) CFAOffsetFuncEntry() uint64 {
	switch a {
	case ArchX86_64:
		return x86CFAOffsetEntry
	}
	return 0
}

// FBPFromCFA computes the frame-base-pointer value for a frame with the
// given CFA and SP. AArch64 and riscv64 store the FP/RA pair at the top
// of the frame, so the FBP is CFA-16; x86-64's push rbp prologue yields
// the same offset; powerpc64 uses r31 = r1.
func (a Arch) FBPFromCFA(cfa, sp uint64) uint64 {
	switch a {
	case ArchAArch64:
		return cfa - 16
	case ArchX86_64:
		return cfa - 16
	case ArchPowerPC64:
		return sp
	case ArchRiscv64:
		return cfa - 16
	}
	return cfa
}

// SetupFBP installs the frame-base pointer for a frame with the given
// geometry into the register set, following the architecture's convention
func (a Arch) SetupFBP(rs RegSet, cfa, sp uint64) {
	rs.SetFBP(a.FBPFromCFA(cfa, sp))
}
