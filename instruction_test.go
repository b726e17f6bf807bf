package restack

import (
	"errors"
	"testing"
)

// TestX86ValueFromInstruction tests LEA and MOV translation
func TestX86ValueFromInstruction(t *testing.T) {
	// lea rax, [rbp-0x10]
	prog, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchX86_64,
		Addr:  0x401000,
		Bytes: []byte{0x48, 0x8d, 0x45, 0xf0},
	})
	if err != nil {
		t.Fatalf("lea: %v", err)
	}
	if len(prog) != 2 || prog[0].Op != VGSet || prog[0].Reg != X86RBP || prog[1].Op != VGAdd || prog[1].Imm != -16 {
		t.Errorf("lea program = %+v", prog)
	}

	rs := new(RegSetX86_64)
	rs.SetFBP(0x7f0fc0)
	got, err := prog.Eval(&valueGenEnv{regs: rs})
	if err != nil || got != 0x7f0fb0 {
		t.Errorf("lea evaluates to %#x, %v", got, err)
	}

	// mov rbx, 0x42 (REX.W C7 /0 with rm=rbx)
	prog, err = ValueFromInstruction(MachineInstruction{
		Arch:  ArchX86_64,
		Addr:  0x401010,
		Bytes: []byte{0x48, 0xc7, 0xc3, 0x42, 0x00, 0x00, 0x00},
	})
	if err != nil {
		t.Fatalf("mov imm: %v", err)
	}
	if prog[0].Op != VGSet || prog[0].OperandKind != OperandImmediate || prog[0].Imm != 0x42 {
		t.Errorf("mov imm program = %+v", prog)
	}

	// An opcode outside the supported set must not translate
	if _, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchX86_64,
		Addr:  0x401020,
		Bytes: []byte{0x0f, 0x05}, // syscall
	}); !errors.Is(err, ErrUnknownInstruction) {
		t.Errorf("syscall: expected ErrUnknownInstruction, got %v", err)
	}
}

// TestPPC64ValueFromInstruction tests the addi/addis forms
func TestPPC64ValueFromInstruction(t *testing.T) {
	// addi r2, r2, 256 -> 0x38420100, little-endian in memory
	prog, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchPowerPC64,
		Addr:  0x10000000,
		Bytes: []byte{0x00, 0x01, 0x42, 0x38},
	})
	if err != nil {
		t.Fatalf("addi: %v", err)
	}
	if len(prog) != 2 || prog[0].Reg != PPC64R2 || prog[1].Imm != 256 {
		t.Errorf("addi program = %+v", prog)
	}

	rs := new(RegSetPowerPC64)
	rs.SetReg(PPC64R2, 0x10010000)
	got, err := prog.Eval(&valueGenEnv{regs: rs})
	if err != nil || got != 0x10010100 {
		t.Errorf("addi evaluates to %#x, %v", got, err)
	}

	// A load is outside the supported set
	if _, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchPowerPC64,
		Addr:  0x10000004,
		Bytes: []byte{0x00, 0x00, 0x22, 0xe8}, // ld r1, 0(r2)
	}); !errors.Is(err, ErrUnknownInstruction) {
		t.Errorf("ld: expected ErrUnknownInstruction, got %v", err)
	}
}

// TestRiscvValueFromInstruction tests addi, lui and auipc
func TestRiscvValueFromInstruction(t *testing.T) {
	// addi a0, sp, 16 -> 0x01010513
	prog, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchRiscv64,
		Addr:  0x10000,
		Bytes: []byte{0x13, 0x05, 0x01, 0x01},
	})
	if err != nil {
		t.Fatalf("addi: %v", err)
	}
	if len(prog) != 2 || prog[0].Reg != RiscvX2 || prog[1].Imm != 16 {
		t.Errorf("addi program = %+v", prog)
	}

	// lui a0, 0x12345 -> 0x12345537
	prog, err = ValueFromInstruction(MachineInstruction{
		Arch:  ArchRiscv64,
		Addr:  0x10004,
		Bytes: []byte{0x37, 0x55, 0x34, 0x12},
	})
	if err != nil {
		t.Fatalf("lui: %v", err)
	}
	if prog[0].Imm != 0x12345000 {
		t.Errorf("lui immediate = %#x", prog[0].Imm)
	}

	// auipc a0, 1 -> 0x00001517
	prog, err = ValueFromInstruction(MachineInstruction{
		Arch:  ArchRiscv64,
		Addr:  0x10008,
		Bytes: []byte{0x17, 0x15, 0x00, 0x00},
	})
	if err != nil {
		t.Fatalf("auipc: %v", err)
	}
	if prog[0].Imm != 0x10008+0x1000 {
		t.Errorf("auipc immediate = %#x", prog[0].Imm)
	}

	// ecall is outside the supported set
	if _, err := ValueFromInstruction(MachineInstruction{
		Arch:  ArchRiscv64,
		Addr:  0x1000c,
		Bytes: []byte{0x73, 0x00, 0x00, 0x00},
	}); !errors.Is(err, ErrUnknownInstruction) {
		t.Errorf("ecall: expected ErrUnknownInstruction, got %v", err)
	}
}
