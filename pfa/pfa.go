// Package pfa implements the kernel's page frame allocator: a stack
// of free physical 4 KiB frames that backs every higher layer (the
// virtual memory manager, the kernel heap, block buffers).
//
// Adapted from Biscuit's mem.Physmem_t (mem/mem.go), trimmed to a
// single-spinlock-guarded stack: this rewrite drops Biscuit's per-CPU
// free-list sharding (a latency optimization for a real multi-socket
// machine) and its pmap-specific free list, keeping the
// refcount-per-frame bookkeeping that the copy-on-write path in
// package vmm depends on.
package pfa

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"biscuit-core/stats"
	"biscuit-core/util"
)

// / PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// / PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// / Frame is a page-aligned physical address.
type Frame uintptr

// / Aligned reports whether f is a multiple of PGSIZE.
func (f Frame) Aligned() bool {
	return uintptr(f)%PGSIZE == 0
}

// MemRangeType classifies a bootloader-reported physical memory
// range.
type MemRangeType int

const (
	RangeReserved MemRangeType = iota
	RangeUsable
)

// / MemRange mirrors the bootloader's memory-map entry: a physical
// / range, its type, and the subset of ACPI attributes the allocator
// / cares about.
type MemRange struct {
	Start            Frame
	Length           uintptr
	Type             MemRangeType
	ACPIValid        bool
	ACPINonvolatile  bool
}

// identityHorizon is the first 512 GiB, the span covered by the
// VMM's IDENTITY slot; frames above it cannot be accessed during
// early boot and are not offered to the allocator.
const identityHorizon = 512 << 30

// belowOneMiB is the legacy low-memory region the allocator never
// hands out (BIOS data area, real-mode IVT, etc).
const belowOneMiB = 1 << 20

// / page holds per-frame bookkeeping: a free-list link and a
// / reference count. A frame with refcount 0 is free.
type page struct {
	refcount int32
	next     uint32 // index into pages, or sentinel when last
}

const sentinel = ^uint32(0)

// / Allocator is the single stack of free physical frames backing
// / every higher layer. One spinlock (embedded Mutex) protects the
// / stack; freeLen is changed only by push and pop, so it always
// / equals the real stack depth.
type Allocator struct {
	mu       sync.Mutex
	pages    []page
	startn   uint32 // frame number of pages[0]
	freeHead uint32 // index of the top of the free stack, or sentinel
	freeLen  int
	log      logr.Logger

	Stats AllocStats
}

// / AllocStats holds the allocator's diagnostic counters, read with
// / stats.Stats2String for a cmd/kernelsim summary.
type AllocStats struct {
	Allocs stats.Counter_t
	Frees  stats.Counter_t
}

// / New builds an allocator from the bootloader's memory map,
// / keeping only usable, ACPI-valid ranges not marked non-volatile, below the
// / identity-mapping horizon and above 1 MiB.
func New(log logr.Logger, ranges []MemRange) *Allocator {
	a := &Allocator{freeHead: sentinel, log: log}

	var usable []MemRange
	var minFrame, maxFrame Frame
	first := true
	for _, r := range ranges {
		if r.Type != RangeUsable || !r.ACPIValid || r.ACPINonvolatile {
			continue
		}
		start := Frame(util.Roundup(int(r.Start), PGSIZE))
		end := Frame(util.Rounddown(int(uintptr(r.Start)+r.Length), PGSIZE))
		if uintptr(start) < belowOneMiB {
			start = Frame(util.Roundup(belowOneMiB, PGSIZE))
		}
		if uintptr(end) > identityHorizon {
			end = Frame(identityHorizon)
		}
		if end <= start {
			continue
		}
		usable = append(usable, MemRange{Start: start, Length: uintptr(end - start)})
		if first || start < minFrame {
			minFrame = start
		}
		if Frame(uintptr(end)) > maxFrame {
			maxFrame = Frame(end)
		}
		first = false
	}
	if len(usable) == 0 {
		a.log.Info("no usable memory ranges reported by bootloader")
		return a
	}

	a.startn = uint32(minFrame / PGSIZE)
	npages := uint32((maxFrame / PGSIZE)) - a.startn
	a.pages = make([]page, npages)
	for i := range a.pages {
		a.pages[i].refcount = -1 // not backed by a usable range
	}

	for _, r := range usable {
		n := int(r.Length / PGSIZE)
		base := uint32(r.Start/PGSIZE) - a.startn
		for i := 0; i < n; i++ {
			idx := base + uint32(i)
			a.pages[idx].refcount = 0
			a.push(idx)
		}
	}
	a.log.Info("page frame allocator initialized", "frames", a.freeLen, "bytes", a.freeLen*PGSIZE)
	return a
}

func (a *Allocator) push(idx uint32) {
	a.pages[idx].next = a.freeHead
	a.freeHead = idx
	a.freeLen++
}

func (a *Allocator) pop() (uint32, bool) {
	if a.freeHead == sentinel {
		return 0, false
	}
	idx := a.freeHead
	a.freeHead = a.pages[idx].next
	a.freeLen--
	return idx, true
}

func (a *Allocator) frameOf(idx uint32) Frame {
	return Frame(uint64(idx+a.startn) << PGSHIFT)
}

func (a *Allocator) idxOf(f Frame) uint32 {
	return uint32(uint64(f)>>PGSHIFT) - a.startn
}

// / Alloc pops a frame from the free stack. Its contents are not
// / cleared. Returns (0, false) when the stack is empty.
func (a *Allocator) Alloc() (Frame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.pop()
	if !ok {
		return 0, false
	}
	a.pages[idx].refcount = 1
	a.Stats.Allocs.Inc()
	return a.frameOf(idx), true
}

// / AllocClear pops a frame and zeroes it via zero, the caller's
// / identity-window accessor for the frame. zero is supplied by
// / package vmm so pfa stays free of any page-table dependency.
func (a *Allocator) AllocClear(zero func(Frame)) (Frame, bool) {
	f, ok := a.Alloc()
	if !ok {
		return 0, false
	}
	zero(f)
	return f, true
}

// / Free pushes frame back onto the stack once its refcount reaches
// / zero, and returns whether the frame was actually freed (false if
// / another owner still holds a reference).
func (a *Allocator) Free(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idxOf(f)
	if a.pages[idx].refcount <= 0 {
		panic(fmt.Sprintf("pfa: double free of frame %#x", f))
	}
	a.pages[idx].refcount--
	if a.pages[idx].refcount != 0 {
		return false
	}
	a.push(idx)
	a.Stats.Frees.Inc()
	return true
}

// / Refup increments a frame's reference count; used by the VMM when
// / a page gets a second mapping (e.g. a shared or COW page).
func (a *Allocator) Refup(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idxOf(f)
	if a.pages[idx].refcount <= 0 {
		panic("pfa: refup on free frame")
	}
	a.pages[idx].refcount++
}

// / Refcount reports the current reference count of an allocated
// / frame; zero means free.
func (a *Allocator) Refcount(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.idxOf(f)
	if idx >= uint32(len(a.pages)) {
		return 0
	}
	c := a.pages[idx].refcount
	if c < 0 {
		return 0
	}
	return int(c)
}

// / FreeCount returns the number of frames currently on the free
// / stack.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

// / StatsString renders the allocator's diagnostic counters.
func (a *Allocator) StatsString() string {
	return stats.Stats2String(a.Stats)
}
