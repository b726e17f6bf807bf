package restack

// The rewrite context: a per-call work object owning both register
// sets, both stack cursors, the source-to-destination address map and
// the pointer-fixup worklist. All reads of the source stack happen
// before any dependent write to the destination stack; the context is
// owned by the calling thread and never shared.

import (
	"github.com/sirupsen/logrus"
)

// StackRegion is a window onto one half of a thread's stack: the
// address range [Low, High) and the bytes backing it
type StackRegion struct {
	Low  uint64
	High uint64
	Mem  []byte
}

// Contains reports whether addr falls inside the region
func (r *StackRegion) Contains(addr uint64) bool {
	return addr >= r.Low && addr < r.High
}

func (r *StackRegion) slice(addr, size uint64) ([]byte, error) {
	if addr < r.Low || addr+size > r.High {
		return nil, wrapf(ErrBadArgument, "address %#x+%d outside stack region [%#x,%#x)", addr, size, r.Low, r.High)
	}
	off := addr - r.Low
	return r.Mem[off : off+size], nil
}

// addrSpan maps a run of source-stack bytes to its destination location
type addrSpan struct {
	src  uint64
	dst  uint64
	size uint64
}

// fixup is a deferred pointer translation: a destination write site
// whose value depends on a frame that has not been laid out yet
type fixup struct {
	srcAddr uint64 // source-stack address the pointer refers to
	dstAddr uint64 // destination stack slot to patch, when isReg is false
	reg     uint16 // destination register to patch, when isReg is true
	isReg   bool
	out     bool // register also lives in the resume snapshot
}

// spill is a queued callee-saved store into a frame's save area. The
// value is taken from the destination register set at commit time, once
// the caller's live values have been transferred into it.
type spill struct {
	reg  uint16
	addr uint64
	size uint64
}

// rewriteContext is allocation-free on the hot path: the span, fixup and
// spill storage is pre-sized at initialization
type rewriteContext struct {
	src *Handle
	dst *Handle

	srcRegs RegSet // evolves toward the caller state while unwinding
	dstRegs RegSet // working destination register state
	outRegs RegSet // snapshot of the top frame's state, the final result

	srcStack StackRegion
	dstStack StackRegion

	spans  []addrSpan
	fixups []fixup
	spills []spill

	// Registers spilled by some inner frame's prologue. A register-held
	// live value of an outer frame survives in the physical register
	// only while no inner function saves and reuses it; shadowed
	// registers must not leak into the resume snapshot.
	shadowed map[uint16]bool
}

const worklistCapacity = 128

func newRewriteContext(src *Handle, srcRegs RegSet, srcStack StackRegion, dst *Handle, dstStack StackRegion) (*rewriteContext, error) {
	dstRegs, err := NewRegSet(dst.Arch)
	if err != nil {
		return nil, err
	}
	return &rewriteContext{
		src:      src,
		dst:      dst,
		srcRegs:  srcRegs.Clone(),
		dstRegs:  dstRegs,
		srcStack: srcStack,
		dstStack: dstStack,
		spans:    make([]addrSpan, 0, worklistCapacity),
		fixups:   make([]fixup, 0, worklistCapacity),
		spills:   make([]spill, 0, worklistCapacity),
		shadowed: make(map[uint16]bool, 32),
	}, nil
}

// ReadSrc reads size bytes from the source stack half
func (ctx *rewriteContext) ReadSrc(addr, size uint64) ([]byte, error) {
	return ctx.srcStack.slice(addr, size)
}

// WriteDst writes bytes to the destination stack half
func (ctx *rewriteContext) WriteDst(addr uint64, b []byte) error {
	out, err := ctx.dstStack.slice(addr, uint64(len(b)))
	if err != nil {
		return wrapf(ErrDestOverflow, "%v", err)
	}
	copy(out, b)
	return nil
}

// recordSpan notes that the source bytes [src, src+size) now live at dst
// on the destination stack, and resolves any fixups waiting on them
func (ctx *rewriteContext) recordSpan(src, dst, size uint64) error {
	ctx.spans = append(ctx.spans, addrSpan{src: src, dst: dst, size: size})
	return ctx.sweepFixups()
}

// MapStackAddr translates a source-stack pointer to its destination
// equivalent. The second return is false while the frame holding the
// target has not been laid out yet.
func (ctx *rewriteContext) MapStackAddr(srcAddr uint64) (uint64, bool) {
	for i := range ctx.spans {
		s := &ctx.spans[i]
		if srcAddr >= s.src && srcAddr < s.src+s.size {
			return s.dst + (srcAddr - s.src), true
		}
	}
	return 0, false
}

// NoteFixup defers a pointer translation until the target frame is
// placed
func (ctx *rewriteContext) NoteFixup(f fixup) {
	ctx.fixups = append(ctx.fixups, f)
	logrus.WithFields(logrus.Fields{"src": f.srcAddr, "reg": f.isReg}).Trace("deferred pointer fixup")
}

// sweepFixups commits every pending translation whose target frame is
// now placed. Stacks grow monotonically, so a single sweep per frame
// resolves all back-pointers and no cycles can exist.
func (ctx *rewriteContext) sweepFixups() error {
	kept := ctx.fixups[:0]
	for _, f := range ctx.fixups {
		dst, ok := ctx.MapStackAddr(f.srcAddr)
		if !ok {
			kept = append(kept, f)
			continue
		}
		if f.isReg {
			if err := ctx.dstRegs.SetReg(f.reg, dst); err != nil {
				return err
			}
			// A register already snapshotted into the resume state must
			// be patched there as well
			if f.out && ctx.outRegs != nil {
				if err := ctx.outRegs.SetReg(f.reg, dst); err != nil {
					return err
				}
			}
		} else {
			var buf [8]byte
			putUint64(buf[:], dst)
			if err := ctx.WriteDst(f.dstAddr, buf[:]); err != nil {
				return err
			}
		}
	}
	ctx.fixups = kept
	return nil
}

// pendingFixups reports how many translations are still unresolved
func (ctx *rewriteContext) pendingFixups() int {
	return len(ctx.fixups)
}

// queueSpill schedules a callee-saved store into the current frame's
// save area; it commits once the caller's register values exist on the
// destination side
func (ctx *rewriteContext) queueSpill(reg uint16, addr, size uint64) {
	ctx.spills = append(ctx.spills, spill{reg: reg, addr: addr, size: size})
}

// commitSpills writes all queued callee-saved stores using the current
// destination register state, then clears the queue
func (ctx *rewriteContext) commitSpills() error {
	for _, s := range ctx.spills {
		b, err := ctx.dstRegs.RegBytes(s.reg)
		if err != nil {
			return err
		}
		if s.size > uint64(len(b)) {
			s.size = uint64(len(b))
		}
		if err := ctx.WriteDst(s.addr, b[:s.size]); err != nil {
			return err
		}
	}
	ctx.spills = ctx.spills[:0]
	return nil
}

// frameBaseValue resolves a live value's base register against a frame's
// geometry rather than a live register file, so destination addresses
// can be computed before the destination registers exist
func frameBaseValue(a Arch, baseReg uint16, cfa, sp uint64) (uint64, error) {
	switch a {
	case ArchAArch64:
		switch baseReg {
		case AArch64SP:
			return sp, nil
		case AArch64X29:
			return a.FBPFromCFA(cfa, sp), nil
		}
	case ArchX86_64:
		switch baseReg {
		case X86RSP:
			return sp, nil
		case X86RBP:
			return a.FBPFromCFA(cfa, sp), nil
		}
	case ArchPowerPC64:
		switch baseReg {
		case PPC64R1:
			return sp, nil
		case PPC64R31:
			return a.FBPFromCFA(cfa, sp), nil
		}
	case ArchRiscv64:
		switch baseReg {
		case RiscvX2:
			return sp, nil
		case RiscvX8:
			return a.FBPFromCFA(cfa, sp), nil
		}
	}
	return 0, wrapf(ErrUnknownRegister, "%v live value base register %d", a, baseReg)
}
