package restack

// The metadata store. A Handle owns one binary's call-site metadata,
// loaded once per binary per process and shared read-only across
// threads.

import (
	"bytes"
	"debug/elf"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Handle contains the rewriting metadata for one architecture binary
type Handle struct {
	Path string
	Arch Arch

	funcs      []FunctionRecord
	slots      []StackSlot
	unwind     []UnwindLoc
	unwindAddr []UnwindARange
	csByID     []CallSite
	csByAddr   []CallSite
	live       []LiveValue
	archLive   []ArchLiveValue
	constants  []uint64

	// Virtual address of the constant pool section; the value-generation
	// interpreter hands out addresses into it.
	constantsAddr uint64

	symbols []elf.Symbol
}

// Open maps the binary at path and prepares it for rewriting. It fails
// with ErrBadBinary on an unknown ISA or missing metadata sections.
// Open performs file I/O and must be called outside the migration
// critical section.
func Open(path string) (*Handle, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, wrapf(ErrBadBinary, "open %s: %v", path, err)
	}
	defer f.Close()
	return newHandle(f, path)
}

// OpenBytes prepares a binary image already in memory
func OpenBytes(image []byte, name string) (*Handle, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, wrapf(ErrBadBinary, "parse %s: %v", name, err)
	}
	defer f.Close()
	return newHandle(f, name)
}

func newHandle(f *elf.File, path string) (*Handle, error) {
	arch, err := ArchFromELF(f.Machine)
	if err != nil {
		return nil, err
	}

	h := &Handle{Path: path, Arch: arch}

	section := func(name string) ([]byte, uint64, error) {
		s := f.Section(name)
		if s == nil {
			return nil, 0, wrapf(ErrBadBinary, "%s: missing section %s", path, name)
		}
		data, err := readSection(s)
		if err != nil {
			return nil, 0, wrapf(ErrBadBinary, "%s: section %s: %v", path, name, err)
		}
		return data, s.Addr, nil
	}

	var data []byte
	if data, _, err = section(SectionFunc); err != nil {
		return nil, err
	}
	h.funcs = parseFunctionRecords(data)
	if data, _, err = section(SectionStackSlot); err != nil {
		return nil, err
	}
	h.slots = parseStackSlots(data)
	if data, _, err = section(SectionUnwind); err != nil {
		return nil, err
	}
	h.unwind = parseUnwindLocs(data)
	if data, _, err = section(SectionUnwindAddr); err != nil {
		return nil, err
	}
	h.unwindAddr = parseUnwindARanges(data)
	if data, _, err = section(SectionID); err != nil {
		return nil, err
	}
	h.csByID = parseCallSites(data)
	if data, _, err = section(SectionAddr); err != nil {
		return nil, err
	}
	h.csByAddr = parseCallSites(data)
	if data, _, err = section(SectionLive); err != nil {
		return nil, err
	}
	h.live = parseLiveValues(data)
	if data, _, err = section(SectionArch); err != nil {
		return nil, err
	}
	h.archLive = parseArchLiveValues(data)
	if data, h.constantsAddr, err = section(SectionConstants); err != nil {
		return nil, err
	}
	h.constants = parseConstants(data)

	if !sort.SliceIsSorted(h.csByID, func(i, j int) bool { return h.csByID[i].ID < h.csByID[j].ID }) {
		return nil, wrapf(ErrBadBinary, "%s: call sites not sorted by ID", path)
	}
	if !sort.SliceIsSorted(h.csByAddr, func(i, j int) bool { return h.csByAddr[i].Addr < h.csByAddr[j].Addr }) {
		return nil, wrapf(ErrBadBinary, "%s: call sites not sorted by address", path)
	}

	// The symbol table is optional; only SetSymbol value-generation
	// programs need it.
	if syms, err := f.Symbols(); err == nil {
		h.symbols = syms
	}

	logrus.WithFields(logrus.Fields{
		"path":      path,
		"arch":      arch,
		"functions": len(h.funcs),
		"callsites": len(h.csByID),
	}).Debug("loaded rewrite metadata")

	return h, nil
}

func readSection(s *elf.Section) ([]byte, error) {
	if s.Type == elf.SHT_NOBITS {
		return nil, errors.New("section has no bits")
	}
	data := make([]byte, s.Size)
	if _, err := io.ReadFull(io.NewSectionReader(s, 0, int64(s.Size)), data); err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the handle. The section data is process-private memory,
// so there is nothing to unmap; the method exists for lifecycle symmetry
// with Open.
func (h *Handle) Close() error {
	h.funcs = nil
	h.csByID = nil
	h.csByAddr = nil
	return nil
}

// CallSiteByID finds the call site with the given stable ID
func (h *Handle) CallSiteByID(id uint64) (*CallSite, error) {
	i := sort.Search(len(h.csByID), func(i int) bool { return h.csByID[i].ID >= id })
	if i < len(h.csByID) && h.csByID[i].ID == id {
		return &h.csByID[i], nil
	}
	return nil, wrapf(ErrIDMissing, "call site %#x in %s", id, h.Path)
}

// CallSiteByReturnAddr finds the call site whose return address is pc.
// Used when unwinding: after computing a frame's return address, this
// finds the call site at which the caller is suspended.
func (h *Handle) CallSiteByReturnAddr(pc uint64) (*CallSite, error) {
	i := sort.Search(len(h.csByAddr), func(i int) bool { return h.csByAddr[i].Addr >= pc })
	if i < len(h.csByAddr) && h.csByAddr[i].Addr == pc {
		return &h.csByAddr[i], nil
	}
	return nil, wrapf(ErrNoCallSite, "pc %#x in %s", pc, h.Path)
}

// FunctionAt finds the function record covering pc
func (h *Handle) FunctionAt(pc uint64) (*FunctionRecord, error) {
	// Function records are emitted in address order
	i := sort.Search(len(h.funcs), func(i int) bool { return h.funcs[i].Addr > pc })
	if i > 0 {
		fn := &h.funcs[i-1]
		if pc >= fn.Addr && pc < fn.Addr+uint64(fn.CodeSize) {
			return fn, nil
		}
	}
	return nil, wrapf(ErrNoCallSite, "no function covers pc %#x in %s", pc, h.Path)
}

// Function returns the function record at the given index
func (h *Handle) Function(idx uint32) (*FunctionRecord, error) {
	if int(idx) >= len(h.funcs) {
		return nil, wrapf(ErrBadBinary, "function index %d out of range in %s", idx, h.Path)
	}
	return &h.funcs[idx], nil
}

// UnwindEntries returns a function's callee-saved spill records, sorted
// by ascending offset magnitude from the CFA
func (h *Handle) UnwindEntries(fn *FunctionRecord) ([]UnwindLoc, error) {
	return h.unwindSlice(fn.Unwind)
}

// UnwindEntriesAt returns the unwind slice for the function at fnAddr
// through the address-range index
func (h *Handle) UnwindEntriesAt(fnAddr uint64) ([]UnwindLoc, error) {
	i := sort.Search(len(h.unwindAddr), func(i int) bool { return h.unwindAddr[i].FnAddr >= fnAddr })
	if i < len(h.unwindAddr) && h.unwindAddr[i].FnAddr == fnAddr {
		fn, err := h.FunctionAt(fnAddr)
		if err != nil {
			return nil, err
		}
		return h.unwindSlice(SectionRef{Num: fn.Unwind.Num, Offset: h.unwindAddr[i].Offset})
	}
	return nil, wrapf(ErrBadBinary, "no unwind entries for function %#x in %s", fnAddr, h.Path)
}

func (h *Handle) unwindSlice(ref SectionRef) ([]UnwindLoc, error) {
	first := ref.Offset / unwindLocSize
	end := first + uint64(ref.Num)
	if ref.Offset%unwindLocSize != 0 || end > uint64(len(h.unwind)) {
		return nil, wrapf(ErrBadBinary, "unwind reference out of range in %s", h.Path)
	}
	return h.unwind[first:end], nil
}

// LiveValues returns the live-value slice for a call site
func (h *Handle) LiveValues(cs *CallSite) ([]LiveValue, error) {
	first := cs.Live.Offset / liveValueSize
	end := first + uint64(cs.Live.Num)
	if cs.Live.Offset%liveValueSize != 0 || end > uint64(len(h.live)) {
		return nil, wrapf(ErrBadBinary, "live value reference out of range in %s", h.Path)
	}
	return h.live[first:end], nil
}

// ArchLiveValues returns the arch-specific live-value slice for a call site
func (h *Handle) ArchLiveValues(cs *CallSite) ([]ArchLiveValue, error) {
	first := cs.ArchLive.Offset / archLiveValueSize
	end := first + uint64(cs.ArchLive.Num)
	if cs.ArchLive.Offset%archLiveValueSize != 0 || end > uint64(len(h.archLive)) {
		return nil, wrapf(ErrBadBinary, "arch live value reference out of range in %s", h.Path)
	}
	return h.archLive[first:end], nil
}

// StackSlots returns a function's stack slot records
func (h *Handle) StackSlots(fn *FunctionRecord) ([]StackSlot, error) {
	first := fn.StackSlot.Offset / stackSlotSize
	end := first + uint64(fn.StackSlot.Num)
	if fn.StackSlot.Offset%stackSlotSize != 0 || end > uint64(len(h.slots)) {
		return nil, wrapf(ErrBadBinary, "stack slot reference out of range in %s", h.Path)
	}
	return h.slots[first:end], nil
}

// ConstantAddr returns the virtual address of constant-pool entry idx
func (h *Handle) ConstantAddr(idx uint64) (uint64, error) {
	if idx >= uint64(len(h.constants)) {
		return 0, wrapf(ErrBadArgument, "constant index %d out of range in %s", idx, h.Path)
	}
	return h.constantsAddr + idx*8, nil
}

// Constant returns the value of constant-pool entry idx
func (h *Handle) Constant(idx uint64) (uint64, error) {
	if idx >= uint64(len(h.constants)) {
		return 0, wrapf(ErrBadArgument, "constant index %d out of range in %s", idx, h.Path)
	}
	return h.constants[idx], nil
}

// SymbolAddr resolves a symbol's address by symbol-table index
func (h *Handle) SymbolAddr(idx uint64) (uint64, error) {
	if idx >= uint64(len(h.symbols)) {
		return 0, wrapf(ErrBadArgument, "symbol index %d out of range in %s", idx, h.Path)
	}
	return h.symbols[idx].Value, nil
}

// SymbolName returns the name of the symbol covering pc, if any. Used
// only by debug logging.
func (h *Handle) SymbolName(pc uint64) string {
	for i := range h.symbols {
		s := &h.symbols[i]
		if s.Size > 0 && pc >= s.Value && pc < s.Value+s.Size {
			return s.Name
		}
	}
	return ""
}
