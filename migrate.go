package restack

// The OS migration primitive contract. The kernel side is a single
// syscall accepting a destination node and a pointer to the full
// destination-architecture register state; it places the thread on the
// destination node and resumes it at the regset's PC with its SP. The
// syscall itself is out of scope here; callers supply it and this file
// fixes the interface it is invoked through.

import (
	"github.com/sirupsen/logrus"
)

// NodeID identifies a node in the heterogeneous setup
type NodeID int

// MigrateFunc is the migration primitive: it consumes the destination
// node and the destination regset's raw bytes. It must only be called
// after a successful rewrite; the successful RewriteStack return acts
// as the release for the destination stack bytes and the remote
// kernel's resume as the acquire.
type MigrateFunc func(node NodeID, regset []byte) error

// DefaultNodeForArch returns the conventional node hosting each
// architecture: nodes 0 to 3 for aarch64, x86-64, powerpc64 and riscv64,
// and -1 for any other value
func DefaultNodeForArch(a Arch) NodeID {
	switch a {
	case ArchAArch64:
		return 0
	case ArchX86_64:
		return 1
	case ArchPowerPC64:
		return 2
	case ArchRiscv64:
		return 3
	}
	return -1
}

// MigrateTo rewrites the calling thread's stack for dstArch and, on
// success only, hands the destination register state to the migration
// primitive. On failure the primitive is never invoked and the caller
// should continue executing locally.
func MigrateTo(migrate MigrateFunc, node NodeID, sp uint64, srcArch Arch, srcRegs RegSet, dstArch Arch, dstRegs RegSet) error {
	if migrate == nil {
		return wrapf(ErrBadArgument, "nil migration primitive")
	}
	if err := UserspaceRewrite(sp, srcArch, srcRegs, dstArch, dstRegs); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"node": node, "arch": dstArch}).Debug("invoking migration primitive")
	return migrate(node, RegsetBytes(dstRegs))
}
