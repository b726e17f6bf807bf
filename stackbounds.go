package restack

// Stack-bounds acquisition and the two-halves split. Each thread's
// OS-allocated stack is divided into two equal halves: the thread
// executes on one half while the rewriter fills the other, and the
// migration primitive resumes with SP pointing into the freshly written
// half.

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// StackBounds is a thread's stack address range [Low, High)
type StackBounds struct {
	Low  uint64
	High uint64
}

// Size of the stack region
func (b StackBounds) Size() uint64 {
	return b.High - b.Low
}

var (
	boundsOnce  sync.Once
	boundsCache StackBounds
	boundsErr   error

	// Clearance kept free at the top of the upper half so the process's
	// environment block and argv are never clobbered, 16-byte rounded.
	envClearance uint64
)

// GetStackBounds returns the main stack's bounds, reading
// /proc/self/maps once and caching the result
func GetStackBounds() (StackBounds, error) {
	boundsOnce.Do(func() {
		boundsCache, boundsErr = readMainStackBounds()
		if boundsErr == nil {
			logrus.WithFields(logrus.Fields{
				"low": boundsCache.Low, "high": boundsCache.High,
			}).Debug("procfs stack limits")
		}
	})
	return boundsCache, boundsErr
}

func readMainStackBounds() (StackBounds, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return StackBounds{}, wrapf(ErrBadArgument, "open maps: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasSuffix(strings.TrimSpace(line), "[stack]") {
			continue
		}
		rng := strings.SplitN(strings.Fields(line)[0], "-", 2)
		if len(rng) != 2 {
			continue
		}
		low, err1 := strconv.ParseUint(rng[0], 16, 64)
		high, err2 := strconv.ParseUint(rng[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		return StackBounds{Low: low, High: high}, nil
	}
	return StackBounds{}, wrapf(ErrBadArgument, "no [stack] mapping in /proc/self/maps")
}

var touchSink uint64

// PrepStack grows the stack region to the RLIMIT_STACK limit by
// touching every page from high to low, so the rewriter never incurs a
// page fault mid-rewrite, and records the environment clearance from
// the given startup stack pointer. Must run once at thread start,
// outside any migration critical section.
func PrepStack(sp uint64) (StackBounds, error) {
	bounds, err := GetStackBounds()
	if err != nil {
		return bounds, err
	}

	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_STACK, &rlim); err != nil {
		return bounds, wrapf(ErrBadArgument, "getrlimit: %v", err)
	}
	pageSize := uint64(unix.Getpagesize())
	limit := rlim.Cur
	if limit == unix.RLIM_INFINITY || limit > bounds.High-pageSize {
		limit = 8 << 20 // default thread stack size
	}

	low := bounds.High
	target := bounds.High - limit
	touched := 0
	for low-pageSize >= target {
		low -= pageSize
		// A volatile-equivalent read forces the kernel to materialize
		// the page
		atomic.StoreUint64(&touchSink, *(*uint64)(unsafe.Pointer(uintptr(low))))
		touched++
	}
	bounds.Low = low
	boundsCache = bounds

	if sp < bounds.High {
		envClearance = bounds.High - sp
		if envClearance%16 != 0 {
			envClearance += 16 - envClearance%16
		}
	}

	logrus.WithFields(logrus.Fields{
		"pages": touched, "low": bounds.Low, "high": bounds.High, "clearance": envClearance,
	}).Debug("prepped stack pages")
	return bounds, nil
}

// SelectHalves splits the stack region and picks the halves: the first
// return is the half sp currently runs on, the second the half the
// rewriter should fill. The upper half's usable top excludes the
// environment clearance.
func SelectHalves(b StackBounds, sp uint64) (cur, dst StackRegion) {
	half := b.Size() / 2
	lower := StackRegion{Low: b.Low, High: b.Low + half}
	upper := StackRegion{Low: b.Low + half, High: b.High - envClearance}

	if sp >= lower.High {
		return upper, lower
	}
	return lower, upper
}

// liveStackView maps a region onto the thread's actual stack memory so
// the rewriter can read and write it in place
func liveStackView(r StackRegion) StackRegion {
	r.Mem = unsafe.Slice((*byte)(unsafe.Pointer(uintptr(r.Low))), r.High-r.Low)
	return r
}
