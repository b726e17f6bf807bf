package restack

// The frame-by-frame rewriter and the top-level driver.
//
// Rewriting runs in two phases. The first unwinds the source stack to
// discover every frame down to the entry sentinel, matches each call
// site with its twin in the destination binary and places every
// destination frame top-down, so that the outermost frame's CFA lands
// exactly at the top of the destination stack half. The second phase
// re-materializes the frames innermost-first: live values, arch-specific
// values, callee-saved state, frame pointer and return-address slot.
//
// The rewrite is all-or-nothing. Any failure leaves the source thread
// runnable on the source architecture, because the destination half is
// not observed by anything until the migration primitive fires.

import (
	"github.com/sirupsen/logrus"
)

// Per-frame rewrite states
type frameState int

const (
	frameStart frameState = iota
	frameGeomComputed
	frameLiveXferred
	frameArchXferred
	frameCalleesRestored
	frameCalleesSpilled
	frameFBPSet
	frameRASet
	frameAdvanced
)

// framePlacement is one activation's geometry on both sides
type framePlacement struct {
	srcCS *CallSite
	dstCS *CallSite
	srcFn *FunctionRecord
	dstFn *FunctionRecord

	srcSP  uint64
	srcCFA uint64
	dstSP  uint64
	dstCFA uint64
}

// An upper bound on rewritable call depth; walking past it without
// hitting an entry sentinel means the unwind went off the rails
const maxFrames = 512

// RewriteStack rewrites the whole stack described by srcRegs and
// srcStack into dstStack, filling dstRegs with the register state the
// migration primitive should resume with. On failure the destination
// half is garbage and the source thread is unchanged.
func RewriteStack(src *Handle, srcRegs RegSet, srcStack StackRegion, dst *Handle, dstRegs RegSet, dstStack StackRegion) error {
	if src == nil || dst == nil || srcRegs == nil || dstRegs == nil {
		return wrapf(ErrBadArgument, "nil handle or register set")
	}
	if srcRegs.Arch() != src.Arch || dstRegs.Arch() != dst.Arch {
		return wrapf(ErrBadArgument, "register set architecture does not match binary")
	}
	if !srcStack.Contains(srcRegs.SP()) {
		return wrapf(ErrBadArgument, "source SP %#x outside source stack half", srcRegs.SP())
	}

	ctx, err := newRewriteContext(src, srcRegs, srcStack, dst, dstStack)
	if err != nil {
		return err
	}

	if err := rewriteInternal(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"src": src.Arch, "dst": dst.Arch, "pc": srcRegs.PC(),
		}).WithError(err).Warn("stack transformation failed")
		DumpRegSet(srcRegs)
		return err
	}

	// Publish the rewritten register file to the caller's regset
	return dstRegs.CopyIn(RegsetBytes(ctx.outRegs))
}

func rewriteInternal(ctx *rewriteContext) error {
	frames, bottom, err := unwindAndSize(ctx)
	if err != nil {
		return err
	}
	if err := placeFrames(ctx, frames); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"frames": len(frames),
		"top":    ctx.dstStack.High,
		"sp":     frames[0].dstSP,
	}).Debug("destination frames placed")

	for i := range frames {
		if err := rewriteFrame(ctx, frames, i); err != nil {
			return err
		}
	}
	return finalize(ctx, frames, bottom)
}

// unwindAndSize walks the source stack innermost-first, resolving each
// call site's twin and frame geometry, until an entry sentinel is found
func unwindAndSize(ctx *rewriteContext) ([]framePlacement, *CallSite, error) {
	srcArch := ctx.src.Arch

	srcCS, err := ctx.src.CallSiteByReturnAddr(ctx.srcRegs.PC())
	if err != nil {
		return nil, nil, err
	}

	// Walk with a scratch register set: callee-saved restores are needed
	// here only to recover each caller's return address.
	regs := ctx.srcRegs.Clone()
	sp := regs.SP()

	var frames []framePlacement
	for !IsEntryID(srcCS.ID) {
		if len(frames) >= maxFrames {
			return nil, nil, wrapf(ErrSrcOverflow, "no entry sentinel within %d frames", maxFrames)
		}

		dstCS, err := ctx.dst.CallSiteByID(srcCS.ID)
		if err != nil {
			return nil, nil, err
		}
		srcFn, err := ctx.src.Function(srcCS.Func)
		if err != nil {
			return nil, nil, err
		}
		dstFn, err := ctx.dst.Function(dstCS.Func)
		if err != nil {
			return nil, nil, err
		}

		cfa := sp + uint64(srcFn.FrameSize) + srcArch.CFAOffsetFuncEntry()
		if cfa > ctx.srcStack.High {
			return nil, nil, wrapf(ErrSrcOverflow, "frame CFA %#x past stack base %#x", cfa, ctx.srcStack.High)
		}
		frames = append(frames, framePlacement{
			srcCS: srcCS, dstCS: dstCS,
			srcFn: srcFn, dstFn: dstFn,
			srcSP: sp, srcCFA: cfa,
		})

		// Make the scratch regset reflect the caller's state so the
		// return-address register reads correctly on link-register ISAs
		if err := restoreCalleeSaved(ctx, regs, srcFn, cfa); err != nil {
			return nil, nil, err
		}

		var ra uint64
		if regs.HasRA() {
			ra = regs.RA()
		} else {
			b, err := ctx.ReadSrc(addOffset(cfa, srcArch.RAOffset()), 8)
			if err != nil {
				return nil, nil, err
			}
			ra = getUint64(b)
		}

		srcCS, err = ctx.src.CallSiteByReturnAddr(ra)
		if err != nil {
			return nil, nil, err
		}
		sp = cfa
	}

	if len(frames) == 0 {
		return nil, nil, wrapf(ErrNoCallSite, "thread suspended in entry code")
	}
	return frames, srcCS, nil
}

// placeFrames lays the destination frames out top-down: the outermost
// CFA equals the top of the destination half, every inner frame's CFA
// is the SP of the frame above it, and each SP is aligned per the
// destination architecture
func placeFrames(ctx *rewriteContext, frames []framePlacement) error {
	dstArch := ctx.dst.Arch
	cfa := ctx.dstStack.High
	for i := len(frames) - 1; i >= 0; i-- {
		f := &frames[i]
		f.dstCFA = cfa
		f.dstSP = dstArch.AlignSP(cfa - uint64(f.dstFn.FrameSize) - dstArch.CFAOffsetFuncEntry())
		cfa = f.dstSP
	}
	// Room below the innermost frame for the return-address slot of the
	// call suspended there
	if frames[0].dstSP < ctx.dstStack.Low+16 {
		return wrapf(ErrDestOverflow, "frames need %d bytes, half has %d",
			ctx.dstStack.High-frames[0].dstSP, ctx.dstStack.High-ctx.dstStack.Low)
	}
	return nil
}

// rewriteFrame re-materializes one activation in the destination ABI,
// following the per-frame step order of the transformation algorithm
func rewriteFrame(ctx *rewriteContext, frames []framePlacement, i int) error {
	f := &frames[i]
	state := frameGeomComputed

	fail := func(err error) error {
		logrus.WithFields(logrus.Fields{
			"frame": i, "state": state, "id": f.srcCS.ID,
		}).WithError(err).Debug("frame rewrite aborted")
		return err
	}

	// Live value transfer
	if err := transferLiveValues(ctx, f); err != nil {
		return fail(err)
	}
	state = frameLiveXferred

	// Arch-specific live values
	if err := transferArchValues(ctx, f); err != nil {
		return fail(err)
	}
	state = frameArchXferred

	// Callee-saved restore from source unwind data: the source regset
	// now reflects what the source CPU held at the call site that
	// produced this frame
	if err := restoreCalleeSaved(ctx, ctx.srcRegs, f.srcFn, f.srcCFA); err != nil {
		return fail(err)
	}
	state = frameCalleesRestored

	// Callee-saved spill into this frame's destination save area. The
	// values belong to the caller, so the stores are queued and commit
	// after the caller's live values land in the destination regset.
	dstUnwind, err := ctx.dst.UnwindEntries(f.dstFn)
	if err != nil {
		return fail(err)
	}
	var queued []spill
	for _, u := range dstUnwind {
		size, err := ctx.dstRegs.RegSize(u.Reg)
		if err != nil {
			return fail(err)
		}
		if size > 8 {
			size = 8 // only the low half of SIMD registers is preserved
		}
		queued = append(queued, spill{reg: u.Reg, addr: addOffset(f.dstCFA, int64(u.Offset)), size: uint64(size)})
	}
	state = frameCalleesSpilled

	// Frame pointer per the destination ABI
	ctx.dst.Arch.SetupFBP(ctx.dstRegs, f.dstCFA, f.dstSP)
	state = frameFBPSet

	// Return-address slot for the call suspended in this frame: the
	// "pushed by call" slot on x86-64, the LR half of the FP/LR pair on
	// aarch64
	if err := writeReturnAddress(ctx, f.dstSP, f.dstCS.Addr); err != nil {
		return fail(err)
	}
	if ctx.dstRegs.HasRA() {
		ctx.dstRegs.SetRA(f.dstCS.Addr)
	}
	state = frameRASet

	// The previous (inner) frame's queued spills now see this frame's
	// register values, which are exactly its caller's
	if err := ctx.commitSpills(); err != nil {
		return fail(err)
	}
	ctx.spills = append(ctx.spills, queued...)

	// The top frame's register state is what the thread resumes with
	if i == 0 {
		out := ctx.dstRegs.Clone()
		out.SetPC(f.dstCS.Addr)
		out.SetSP(f.dstSP)
		ctx.outRegs = out
	}

	// Registers this function's prologue saves are shadowed for every
	// outer frame from here on
	for _, u := range dstUnwind {
		ctx.shadowed[u.Reg] = true
	}
	state = frameAdvanced
	_ = state

	return nil
}

// finalize handles the entry sentinel: the outermost function's own
// return address, the last save area, and the no-fixup-leak check
func finalize(ctx *rewriteContext, frames []framePlacement, bottom *CallSite) error {
	dstBottom, err := ctx.dst.CallSiteByID(bottom.ID)
	if err != nil {
		return err
	}

	outer := &frames[len(frames)-1]

	// The outermost rewritten function returns into the entry routine.
	// Its return-address slot hangs off the entry frame's geometry; skip
	// it when it falls into the environment clearance above the top.
	raSlot := addOffset(outer.dstCFA, ctx.dst.Arch.RAOffset())
	if ctx.dstStack.Contains(raSlot) {
		var buf [8]byte
		putUint64(buf[:], dstBottom.Addr)
		if err := ctx.WriteDst(raSlot, buf[:]); err != nil {
			return err
		}
	} else {
		logrus.WithField("slot", raSlot).Debug("entry return-address slot outside half, skipped")
	}
	if ctx.dstRegs.HasRA() {
		ctx.dstRegs.SetRA(dstBottom.Addr)
	}
	if err := ctx.commitSpills(); err != nil {
		return err
	}

	if err := ctx.sweepFixups(); err != nil {
		return err
	}
	if n := ctx.pendingFixups(); n > 0 {
		return wrapf(ErrDanglingFixup, "%d pointer fixups never resolved", n)
	}
	if ctx.outRegs == nil {
		return wrapf(ErrBadArgument, "no top frame was rewritten")
	}

	logrus.WithFields(logrus.Fields{
		"pc": ctx.outRegs.PC(), "sp": ctx.outRegs.SP(),
	}).Debug("stack transformation complete")
	return nil
}

// transferLiveValues copies or recomputes each live value pair. The
// counts must match across the twin call sites.
func transferLiveValues(ctx *rewriteContext, f *framePlacement) error {
	srcLVs, err := ctx.src.LiveValues(f.srcCS)
	if err != nil {
		return err
	}
	dstLVs, err := ctx.dst.LiveValues(f.dstCS)
	if err != nil {
		return err
	}
	if len(srcLVs) != len(dstLVs) {
		return wrapf(ErrLiveCountMismatch, "call site %#x: %d source vs %d destination live values",
			f.srcCS.ID, len(srcLVs), len(dstLVs))
	}
	for j := range srcLVs {
		if err := transferLive(ctx, f, &srcLVs[j], &dstLVs[j]); err != nil {
			return err
		}
	}
	return nil
}

func transferLive(ctx *rewriteContext, f *framePlacement, srcLV, dstLV *LiveValue) error {
	if srcLV.IsAlloca || dstLV.IsAlloca {
		return transferAlloca(ctx, f, srcLV, dstLV)
	}

	val, raw, err := readLiveValue(ctx, f, srcLV)
	if err != nil {
		return err
	}

	// A pointer into the source stack must be rewritten to point at the
	// equivalent destination bytes
	pending := false
	if srcLV.IsPtr && ctx.srcStack.Contains(val) {
		if dst, ok := ctx.MapStackAddr(val); ok {
			val = dst
		} else {
			pending = true
		}
		putUint64(raw[:8], val)
	}

	return writeLiveValue(ctx, f, dstLV, raw, srcLV, pending)
}

// transferAlloca copies a stack-allocated block bytewise and records the
// address mapping so pointers into it translate
func transferAlloca(ctx *rewriteContext, f *framePlacement, srcLV, dstLV *LiveValue) error {
	srcAddr, err := liveValueAddr(ctx.src.Arch, srcLV, f.srcCFA, f.srcSP)
	if err != nil {
		return err
	}
	dstAddr, err := liveValueAddr(ctx.dst.Arch, dstLV, f.dstCFA, f.dstSP)
	if err != nil {
		return err
	}
	size := uint64(srcLV.AllocaSize)
	if dstLV.AllocaSize != 0 && uint64(dstLV.AllocaSize) < size {
		size = uint64(dstLV.AllocaSize)
	}
	b, err := ctx.ReadSrc(srcAddr, size)
	if err != nil {
		return err
	}
	if err := ctx.WriteDst(dstAddr, b); err != nil {
		return err
	}
	if dstLV.Type == LocRegister {
		// The register carries the block's (translated) address
		if err := ctx.dstRegs.SetReg(dstLV.RegNum, dstAddr); err != nil {
			return err
		}
		if ctx.outRegs != nil && !ctx.shadowed[dstLV.RegNum] {
			if err := ctx.outRegs.SetReg(dstLV.RegNum, dstAddr); err != nil {
				return err
			}
		}
	}
	return ctx.recordSpan(srcAddr, dstAddr, size)
}

// readLiveValue evaluates a source descriptor into up to 16 bytes plus
// the low 64 bits as a scalar
func readLiveValue(ctx *rewriteContext, f *framePlacement, lv *LiveValue) (uint64, [16]byte, error) {
	var raw [16]byte
	size := uint64(lv.Size)
	if size == 0 || size > 16 {
		size = 8
	}

	switch lv.Type {
	case LocRegister:
		b, err := ctx.srcRegs.RegBytes(lv.RegNum)
		if err != nil {
			return 0, raw, err
		}
		if size > uint64(len(b)) {
			size = uint64(len(b))
		}
		copy(raw[:], b[:size])
	case LocDirect, LocIndirect:
		addr, err := liveValueAddr(ctx.src.Arch, lv, f.srcCFA, f.srcSP)
		if err != nil {
			return 0, raw, err
		}
		b, err := ctx.ReadSrc(addr, size)
		if err != nil {
			return 0, raw, err
		}
		copy(raw[:], b)
	case LocConstant:
		putUint64(raw[:8], signExtend(uint64(int64(lv.OffsetOrConstant)), int(lv.Size)))
	case LocConstIdx:
		c, err := ctx.src.Constant(uint64(lv.OffsetOrConstant))
		if err != nil {
			return 0, raw, err
		}
		putUint64(raw[:8], c)
	default:
		return 0, raw, wrapf(ErrUnknownValueKind, "source live value type %d", lv.Type)
	}
	return getUint64(raw[:8]), raw, nil
}

// writeLiveValue stores a value at a destination descriptor's location.
// Constant destinations carry no location and are skipped.
func writeLiveValue(ctx *rewriteContext, f *framePlacement, lv *LiveValue, raw [16]byte, srcLV *LiveValue, pending bool) error {
	size := uint64(lv.Size)
	if size == 0 || size > 16 {
		size = 8
	}

	switch lv.Type {
	case LocRegister:
		b, err := ctx.dstRegs.RegBytes(lv.RegNum)
		if err != nil {
			return err
		}
		if size > uint64(len(b)) {
			size = uint64(len(b))
		}
		copy(b[:size], raw[:size])
		// An unshadowed register survives in the hardware across the
		// inner calls, so it is part of the resume state
		if ctx.outRegs != nil && !ctx.shadowed[lv.RegNum] {
			ob, err := ctx.outRegs.RegBytes(lv.RegNum)
			if err != nil {
				return err
			}
			copy(ob[:size], raw[:size])
		}
		if pending {
			ctx.NoteFixup(fixup{srcAddr: getUint64(raw[:8]), reg: lv.RegNum, isReg: true, out: !ctx.shadowed[lv.RegNum]})
		}
	case LocDirect, LocIndirect:
		addr, err := liveValueAddr(ctx.dst.Arch, lv, f.dstCFA, f.dstSP)
		if err != nil {
			return err
		}
		if err := ctx.WriteDst(addr, raw[:size]); err != nil {
			return err
		}
		if pending {
			ctx.NoteFixup(fixup{srcAddr: getUint64(raw[:8]), dstAddr: addr})
		}
		// Keep spilled locals addressable for pointer translation
		if lv.Type == LocDirect && srcLV != nil && (srcLV.Type == LocDirect || srcLV.Type == LocIndirect) {
			srcAddr, err := liveValueAddr(ctx.src.Arch, srcLV, f.srcCFA, f.srcSP)
			if err == nil {
				return ctx.recordSpan(srcAddr, addr, size)
			}
		}
	case LocConstant, LocConstIdx:
		logrus.WithField("id", f.dstCS.ID).Trace("constant destination descriptor, nothing to store")
	default:
		return wrapf(ErrUnknownValueKind, "destination live value type %d", lv.Type)
	}
	return nil
}

// liveValueAddr resolves a stack descriptor's address against a frame's
// geometry
func liveValueAddr(a Arch, lv *LiveValue, cfa, sp uint64) (uint64, error) {
	base, err := frameBaseValue(a, lv.RegNum, cfa, sp)
	if err != nil {
		return 0, err
	}
	return addOffset(base, int64(lv.OffsetOrConstant)), nil
}

// transferArchValues runs the destination call site's value-generation
// programs and stores each result. These restore quantities that exist
// only on the destination side, like the TOC pointer on powerpc64.
func transferArchValues(ctx *rewriteContext, f *framePlacement) error {
	avs, err := ctx.dst.ArchLiveValues(f.dstCS)
	if err != nil {
		return err
	}
	if len(avs) == 0 {
		return nil
	}
	slots, err := ctx.dst.StackSlots(f.dstFn)
	if err != nil {
		return err
	}
	env := &valueGenEnv{
		regs:   ctx.dstRegs,
		handle: ctx.dst,
		slots:  slots,
		cfa:    f.dstCFA,
		sp:     f.dstSP,
	}
	for i := range avs {
		av := &avs[i]
		prog, err := programForArchValue(av)
		if err != nil {
			return err
		}
		val, err := prog.Eval(env)
		if err != nil {
			return err
		}
		switch av.Type {
		case LocRegister:
			if err := ctx.dstRegs.SetReg(av.RegNum, val); err != nil {
				return err
			}
			if ctx.outRegs != nil && !ctx.shadowed[av.RegNum] {
				if err := ctx.outRegs.SetReg(av.RegNum, val); err != nil {
					return err
				}
			}
		case LocDirect, LocIndirect:
			base, err := frameBaseValue(ctx.dst.Arch, av.RegNum, f.dstCFA, f.dstSP)
			if err != nil {
				return err
			}
			var buf [8]byte
			putUint64(buf[:], val)
			size := uint64(av.Size)
			if size == 0 || size > 8 {
				size = 8
			}
			if err := ctx.WriteDst(base+uint64(av.Offset), buf[:size]); err != nil {
				return err
			}
		default:
			return wrapf(ErrUnknownValueKind, "arch live value type %d", av.Type)
		}
	}
	return nil
}

// restoreCalleeSaved loads a function's spilled callee-saved registers
// from its save area into the given register set
func restoreCalleeSaved(ctx *rewriteContext, regs RegSet, fn *FunctionRecord, cfa uint64) error {
	entries, err := ctx.src.UnwindEntries(fn)
	if err != nil {
		return err
	}
	for _, u := range entries {
		size, err := regs.RegSize(u.Reg)
		if err != nil {
			return err
		}
		if size > 8 {
			size = 8
		}
		b, err := ctx.ReadSrc(addOffset(cfa, int64(u.Offset)), uint64(size))
		if err != nil {
			return err
		}
		rb, err := regs.RegBytes(u.Reg)
		if err != nil {
			return err
		}
		copy(rb[:size], b)
	}
	return nil
}

// writeReturnAddress stores ra in the return-address slot hanging off
// the given frame's SP
func writeReturnAddress(ctx *rewriteContext, sp, ra uint64) error {
	slot := addOffset(sp, ctx.dst.Arch.RAOffset())
	var buf [8]byte
	putUint64(buf[:], ra)
	return ctx.WriteDst(slot, buf[:])
}

// RewriteOnDemand would rewrite only the top frame, leaving trampolines
// that re-invoke the rewriter as the thread unwinds. Declared for future
// use; conformance requires RewriteStack.
func RewriteOnDemand(src *Handle, srcRegs RegSet, srcStack StackRegion, dst *Handle, dstRegs RegSet, dstStack StackRegion) error {
	return wrapf(ErrBadArgument, "on-demand rewriting is not implemented")
}

// addOffset applies a signed offset to an address
func addOffset(addr uint64, off int64) uint64 {
	return addr + uint64(off)
}
