package restack

// Register name tables for all supported architectures, used by the
// debug dumps a failed rewrite emits.

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// aarch64 registers by DWARF number
var aarch64RegNames = map[uint16]string{
	0: "x0", 1: "x1", 2: "x2", 3: "x3", 4: "x4", 5: "x5", 6: "x6", 7: "x7",
	8: "x8", 9: "x9", 10: "x10", 11: "x11", 12: "x12", 13: "x13", 14: "x14", 15: "x15",
	16: "x16", 17: "x17", 18: "x18", 19: "x19", 20: "x20", 21: "x21", 22: "x22", 23: "x23",
	24: "x24", 25: "x25", 26: "x26", 27: "x27", 28: "x28",
	29: "x29", // frame pointer
	30: "x30", // link register
	31: "sp",
}

// x86-64 registers by DWARF number
var x86RegNames = map[uint16]string{
	0: "rax", 1: "rdx", 2: "rcx", 3: "rbx", 4: "rsi", 5: "rdi",
	6: "rbp", 7: "rsp",
	8: "r8", 9: "r9", 10: "r10", 11: "r11", 12: "r12", 13: "r13", 14: "r14", 15: "r15",
	16: "rip",
}

// powerpc64 registers by DWARF number
var ppc64RegNames = map[uint16]string{
	0: "r0",
	1: "r1", // stack pointer
	2: "r2", // TOC pointer
	3: "r3", 4: "r4", 5: "r5", 6: "r6", 7: "r7", 8: "r8", 9: "r9", 10: "r10",
	11: "r11", 12: "r12", 13: "r13", 14: "r14", 15: "r15", 16: "r16", 17: "r17",
	18: "r18", 19: "r19", 20: "r20", 21: "r21", 22: "r22", 23: "r23", 24: "r24",
	25: "r25", 26: "r26", 27: "r27", 28: "r28", 29: "r29", 30: "r30",
	31: "r31", // frame pointer
	65: "lr", 66: "ctr",
}

// riscv64 registers by DWARF number, ABI names
var riscvRegNames = map[uint16]string{
	0: "zero", 1: "ra", 2: "sp", 3: "gp", 4: "tp",
	5: "t0", 6: "t1", 7: "t2",
	8:  "s0", // frame pointer
	9:  "s1",
	10: "a0", 11: "a1", 12: "a2", 13: "a3", 14: "a4", 15: "a5", 16: "a6", 17: "a7",
	18: "s2", 19: "s3", 20: "s4", 21: "s5", 22: "s6", 23: "s7", 24: "s8", 25: "s9",
	26: "s10", 27: "s11",
	28: "t3", 29: "t4", 30: "t5", 31: "t6",
}

// RegName returns the architecture's name for a DWARF register number
func RegName(a Arch, n uint16) string {
	var name string
	var ok bool
	switch a {
	case ArchAArch64:
		name, ok = aarch64RegNames[n]
		if !ok && n >= AArch64V0 && n <= AArch64V31 {
			return fmt.Sprintf("v%d", n-AArch64V0)
		}
	case ArchX86_64:
		name, ok = x86RegNames[n]
		if !ok && n >= X86XMM0 && n <= X86XMM15 {
			return fmt.Sprintf("xmm%d", n-X86XMM0)
		}
	case ArchPowerPC64:
		name, ok = ppc64RegNames[n]
		if !ok && n >= PPC64F0 && n <= PPC64F31 {
			return fmt.Sprintf("f%d", n-PPC64F0)
		}
	case ArchRiscv64:
		name, ok = riscvRegNames[n]
		if !ok && n >= RiscvF0 && n <= RiscvF31 {
			return fmt.Sprintf("f%d", n-RiscvF0)
		}
	}
	if !ok {
		return fmt.Sprintf("reg%d", n)
	}
	return name
}

// DumpRegSet logs a register set at debug level; a production build with
// the default warn level emits nothing
func DumpRegSet(rs RegSet) {
	if rs == nil || !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	a := rs.Arch()
	logrus.Debugf("%v regset: pc=%#x sp=%#x fbp=%#x", a, rs.PC(), rs.SP(), rs.FBP())
	for _, cr := range a.CalleeSaved() {
		v, err := rs.Reg(cr.Reg)
		if err != nil {
			continue
		}
		logrus.Debugf("  %s = %#x", RegName(a, cr.Reg), v)
	}
}
