package restack

// User-space rewriting entry points. A per-process registry holds one
// metadata handle per architecture; handles are loaded once, outside
// the migration critical section, and shared read-only across threads.

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"
)

// Environment variables overriding the sibling binary path per
// architecture
const (
	EnvAArch64Bin   = "AARCH64_BIN"
	EnvX86_64Bin    = "X86_64_BIN"
	EnvPowerPC64Bin = "POWERPC64_BIN"
	EnvRiscv64Bin   = "RISCV64_BIN"
	EnvDebug        = "RESTACK_DEBUG"
)

func init() {
	if env.Bool(EnvDebug) {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}
}

var registry struct {
	mu      sync.RWMutex
	handles map[Arch]*Handle
}

func binEnvVar(a Arch) string {
	switch a {
	case ArchAArch64:
		return EnvAArch64Bin
	case ArchX86_64:
		return EnvX86_64Bin
	case ArchPowerPC64:
		return EnvPowerPC64Bin
	case ArchRiscv64:
		return EnvRiscv64Bin
	}
	return ""
}

// binSuffix matches the naming convention the toolchain uses for
// sibling binaries
func binSuffix(a Arch) string {
	switch a {
	case ArchAArch64:
		return "_aarch64"
	case ArchX86_64:
		return "_x86-64"
	case ArchPowerPC64:
		return "_powerpc64"
	case ArchRiscv64:
		return "_riscv64"
	}
	return ""
}

// siblingPath resolves the binary path for an architecture: the
// environment override wins, then the program name with the
// architecture suffix appended
func siblingPath(a Arch) string {
	if v := env.Str(binEnvVar(a)); v != "" {
		return v
	}
	prog, err := os.Executable()
	if err != nil {
		prog = filepath.Base(os.Args[0])
	}
	return prog + binSuffix(a)
}

// LoadArchBinaries opens the sibling binaries for the given
// architectures concurrently and registers their handles. Call once at
// program start, before any migration.
func LoadArchBinaries(archs ...Arch) error {
	handles := make([]*Handle, len(archs))
	var g errgroup.Group
	for i, a := range archs {
		i, a := i, a
		g.Go(func() error {
			h, err := Open(siblingPath(a))
			if err != nil {
				return err
			}
			if h.Arch != a {
				h.Close()
				return wrapf(ErrBadBinary, "%s is %v, expected %v", h.Path, h.Arch, a)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, h := range handles {
			if h != nil {
				h.Close()
			}
		}
		return err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.handles == nil {
		registry.handles = make(map[Arch]*Handle)
	}
	for i, a := range archs {
		if old := registry.handles[a]; old != nil {
			old.Close()
		}
		registry.handles[a] = handles[i]
	}
	return nil
}

// RegisterHandle installs an already opened handle, mainly so tests and
// embedders can bypass the file lookup
func RegisterHandle(h *Handle) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.handles == nil {
		registry.handles = make(map[Arch]*Handle)
	}
	registry.handles[h.Arch] = h
}

// ArchHandle returns the registered handle for an architecture
func ArchHandle(a Arch) (*Handle, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	h := registry.handles[a]
	if h == nil {
		return nil, wrapf(ErrBadArgument, "no binary registered for %v", a)
	}
	return h, nil
}

// UnloadArchBinaries drops every registered handle
func UnloadArchBinaries() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	for a, h := range registry.handles {
		h.Close()
		delete(registry.handles, a)
	}
}

// UserspaceRewrite rewrites the calling thread's stack from srcArch to
// dstArch using the registered binaries. sp must be the thread's
// current stack pointer; the destination half of the thread's stack is
// written and dstRegs filled with the resume state. The source thread
// is untouched on failure.
func UserspaceRewrite(sp uint64, srcArch Arch, srcRegs RegSet, dstArch Arch, dstRegs RegSet) error {
	src, err := ArchHandle(srcArch)
	if err != nil {
		return err
	}
	dst, err := ArchHandle(dstArch)
	if err != nil {
		return err
	}

	bounds, err := GetStackBounds()
	if err != nil {
		return err
	}
	if sp < bounds.Low || sp >= bounds.High {
		return wrapf(ErrBadArgument, "stack pointer %#x outside stack %#x-%#x", sp, bounds.Low, bounds.High)
	}

	cur, next := SelectHalves(bounds, sp)
	logrus.WithFields(logrus.Fields{
		"src": srcArch, "dst": dstArch, "from": cur.Low, "to": next.Low,
	}).Debug("beginning user-space rewrite")

	return RewriteStack(src, srcRegs, liveStackView(cur), dst, dstRegs, liveStackView(next))
}

// UserspaceRewriteAArch64 rewrites aarch64 to aarch64, useful for
// debugging homogeneously
func UserspaceRewriteAArch64(sp uint64, regs, dstRegs *RegSetAArch64) error {
	return UserspaceRewrite(sp, ArchAArch64, regs, ArchAArch64, dstRegs)
}

// UserspaceRewriteX86_64 rewrites x86-64 to x86-64, useful for
// debugging homogeneously
func UserspaceRewriteX86_64(sp uint64, regs, dstRegs *RegSetX86_64) error {
	return UserspaceRewrite(sp, ArchX86_64, regs, ArchX86_64, dstRegs)
}
