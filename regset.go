package restack

// RegSet is a polymorphic container holding all general-purpose,
// floating-point/SIMD and special registers for one architecture.
// Registers are addressed by the DWARF-style number recorded in the
// call-site metadata. The raw byte layout of each regset is fixed per
// architecture and is exactly what the OS migration primitive consumes.
type RegSet interface {
	Arch() Arch

	PC() uint64
	SetPC(pc uint64)
	SP() uint64
	SetSP(sp uint64)
	FBP() uint64
	SetFBP(fbp uint64)

	// RA accesses the dedicated return-address (link) register.
	// HasRA reports whether the architecture has one; x86-64 does not.
	HasRA() bool
	RA() uint64
	SetRA(ra uint64)

	// Reg and SetReg access a register's low 64 bits by DWARF number.
	Reg(n uint16) (uint64, error)
	SetReg(n uint16, v uint64) error

	// RegBytes returns a mutable view of the register's full storage
	// (16 bytes for SIMD registers, 8 otherwise).
	RegBytes(n uint16) ([]byte, error)
	RegSize(n uint16) (int, error)

	Clone() RegSet

	// RawSize, CopyIn and CopyOut work on the fixed per-architecture
	// byte layout consumed by the migration primitive.
	RawSize() int
	CopyIn(raw []byte) error
	CopyOut(raw []byte) error
}

// NewRegSet returns a zeroed register set for the given architecture
func NewRegSet(a Arch) (RegSet, error) {
	switch a {
	case ArchAArch64:
		return new(RegSetAArch64), nil
	case ArchX86_64:
		return new(RegSetX86_64), nil
	case ArchPowerPC64:
		return new(RegSetPowerPC64), nil
	case ArchRiscv64:
		return new(RegSetRiscv64), nil
	default:
		return nil, wrapf(ErrBadArgument, "no register set for %v", a)
	}
}

// RegSetFromBytes builds a register set from its raw byte layout
func RegSetFromBytes(a Arch, raw []byte) (RegSet, error) {
	rs, err := NewRegSet(a)
	if err != nil {
		return nil, err
	}
	if err := rs.CopyIn(raw); err != nil {
		return nil, err
	}
	return rs, nil
}

// RegsetBytes serializes a register set into the raw layout the migration
// primitive consumes
func RegsetBytes(rs RegSet) []byte {
	raw := make([]byte, rs.RawSize())
	rs.CopyOut(raw)
	return raw
}
