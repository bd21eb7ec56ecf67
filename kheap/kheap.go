// Package kheap implements the kernel heap allocator: a doubly-linked,
// boundary-tagged region list over a growable address window,
// first-fit allocation with splitting, and immediate coalescing on
// free.
//
// Biscuit itself has no standalone heap allocator file; this package
// is grounded on the bookkeeping idioms visible in mem/mem.go
// (index-linked free lists under a single mutex, push/pop at the
// head) and on fs/blk.go's use of container/list to thread block
// queues. Because pfa and vmm already simulate "physical memory" as
// Go-heap-backed stand-ins rather than raw addressable bytes, this
// allocator manages region *objects* linked by pointers instead of
// byte offsets into a raw arena — the same substitution of
// platform-specific addressing for Go-native structures used
// throughout this rewrite, preserving every ordering, splitting, and
// coalescing invariant a boundary-tagged allocator must.
package kheap

import (
	"sync"

	"github.com/go-logr/logr"

	"biscuit-core/defs"
	"biscuit-core/util"
)

const (
	minAlloc  = 16   // malloc(n) rounds n up to 16 bytes
	pageSize  = 4096 // increment granularity when extending the heap
	minExtend = 64 * 1024
)

// / Mapper supplies fresh zero-filled backing pages when the heap
// / must grow. In a real kernel this calls vmm.MapPages against the
// / dedicated kernel-heap top-level slot; tests and this package's
// / own Heap constructor can supply a trivial host-memory mapper.
type Mapper interface {
	// Map returns count*pageSize zero-filled bytes, or ok=false on
	// ENOMEM (page frame exhaustion propagated from pfa).
	Map(count int) (buf []byte, ok bool)
}

// / region is one boundary-tagged block: either free (payload sits on
// / the free list) or allocated (payload handed to the caller). The
// / sentinel is a zero-length region permanently marked allocated so
// / the free list is never empty.
type region struct {
	allocated bool
	sentinel  bool
	size      int // payload size in bytes; 0 for the sentinel
	payload   []byte

	prev, next         *region // region list, address-ordered, circular
	freePrev, freeNext *region // free list membership, nil when not a member
}

// / Heap is the kernel heap allocator over a growable address window.
type Heap struct {
	mu       sync.Mutex
	mapper   Mapper
	log      logr.Logger
	max      int
	mapped   int
	sentinel *region
	freeHead *region // the always-present free-list sentinel
}

// / New creates an empty heap bounded to max bytes of backing storage
// / (the span between the heap's start and its fixed maximum).
func New(log logr.Logger, mapper Mapper, max int) *Heap {
	h := &Heap{mapper: mapper, log: log, max: max}
	h.sentinel = &region{allocated: true, sentinel: true}
	h.sentinel.prev = h.sentinel
	h.sentinel.next = h.sentinel
	h.freeHead = &region{allocated: true, sentinel: true}
	h.freeHead.freePrev = h.freeHead
	h.freeHead.freeNext = h.freeHead
	return h
}

func roundSize(n int) int {
	n = util.Roundup(n, minAlloc)
	if n < minAlloc {
		n = minAlloc
	}
	return n
}

func (h *Heap) freeListInsert(r *region) {
	r.freeNext = h.freeHead.freeNext
	r.freePrev = h.freeHead
	h.freeHead.freeNext.freePrev = r
	h.freeHead.freeNext = r
}

func (h *Heap) freeListRemove(r *region) {
	if r.freePrev == nil && r.freeNext == nil {
		return
	}
	r.freePrev.freeNext = r.freeNext
	r.freeNext.freePrev = r.freePrev
	r.freePrev, r.freeNext = nil, nil
}

func (h *Heap) regionInsertAfter(after, r *region) {
	r.next = after.next
	r.prev = after
	after.next.prev = r
	after.next = r
}

func (h *Heap) regionUnlink(r *region) {
	r.prev.next = r.next
	r.next.prev = r.prev
}

// firstFit scans the free list head-to-tail (matching Biscuit's
// head-insertion push/pop order in mem.go's free stack) and returns
// the first region whose payload is at least n bytes.
func (h *Heap) firstFit(n int) *region {
	for r := h.freeHead.freeNext; r != h.freeHead; r = r.freeNext {
		if r.size >= n {
			return r
		}
	}
	return nil
}

// / Malloc allocates n bytes, returning a slice the caller owns until
// / Free. Extends the heap automatically when no free region fits.
func (h *Heap) Malloc(n int) ([]byte, defs.Err_t) {
	if n <= 0 {
		return nil, defs.EINVALARG
	}
	want := roundSize(n)

	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.firstFit(want)
	if r == nil {
		if !h.extend(want) {
			return nil, defs.ENOMEM
		}
		r = h.firstFit(want)
		if r == nil {
			return nil, defs.ENOMEM
		}
	}

	h.freeListRemove(r)
	if r.size >= want+minAlloc {
		h.split(r, want)
	}
	r.allocated = true
	return r.payload[:n:want], 0
}

// split carves a new free region out of r's tail once r has at least
// want+minAlloc bytes of slack.
func (h *Heap) split(r *region, want int) {
	remainder := r.size - want
	tail := &region{size: remainder, payload: r.payload[want:]}
	r.size = want
	r.payload = r.payload[:want]
	h.regionInsertAfter(r, tail)
	h.freeListInsert(tail)
}

// extend grows the heap by max(n+overhead, minExtend) rounded to
// pages, creates a fresh sentinel at the new top, and coalesces the
// old sentinel into the newly available tail if the region before it
// is free.
func (h *Heap) extend(n int) bool {
	grow := n
	if grow < minExtend {
		grow = minExtend
	}
	grow = util.Roundup(grow, pageSize)
	if h.mapped+grow > h.max {
		grow = h.max - h.mapped
		grow = util.Rounddown(grow, pageSize)
		if grow < n {
			return false
		}
	}
	buf, ok := h.mapper.Map(grow / pageSize)
	if !ok {
		return false
	}
	h.mapped += grow

	// The old sentinel becomes a live region spanning the new bytes;
	// a fresh sentinel takes its place at the new top.
	old := h.sentinel
	old.sentinel = false
	old.allocated = true // provisional; may be merged into a free neighbor below
	old.size = len(buf)
	old.payload = buf

	newSentinel := &region{allocated: true, sentinel: true}
	h.regionInsertAfter(old, newSentinel)
	h.sentinel = newSentinel

	if prev := old.prev; prev != h.sentinel && !prev.allocated {
		h.mergeInto(prev, old)
	} else {
		old.allocated = false
		h.freeListInsert(old)
	}
	return true
}

// mergeInto absorbs next (which must be free or provisional) into
// prev, which must already be a free-list member.
func (h *Heap) mergeInto(prev, next *region) {
	prev.size += next.size
	prev.payload = append(prev.payload, next.payload...)
	h.regionUnlink(next)
}

// / Free releases a previously allocated payload, coalescing with
// / either neighbor that is currently free: try the next region
// / first, then the previous.
func (h *Heap) Free(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.findByPayload(payload)
	if r == nil || !r.allocated || r.sentinel {
		panic("kheap: free of untracked or already-free pointer")
	}
	r.allocated = false

	if !r.next.allocated && !r.next.sentinel {
		nxt := r.next
		h.freeListRemove(nxt)
		r.size += nxt.size
		r.payload = append(r.payload, nxt.payload...)
		h.regionUnlink(nxt)
	}
	if !r.prev.allocated && !r.prev.sentinel {
		prev := r.prev
		prev.size += r.size
		prev.payload = append(prev.payload, r.payload...)
		h.regionUnlink(r)
		return
	}
	h.freeListInsert(r)
}

// findByPayload walks the address-ordered region list to find the
// region that owns payload. A real kernel instead computes header =
// p - sizeof(header) in O(1); the pointer-linked simulation this
// package uses trades that for a bounded scan, which is acceptable
// here since callers hold the only reference to their own region.
func (h *Heap) findByPayload(payload []byte) *region {
	for r := h.sentinel.next; r != h.sentinel; r = r.next {
		if len(r.payload) > 0 && &r.payload[0] == &payload[0] {
			return r
		}
	}
	return nil
}

// / Realloc always allocates fresh storage, copies min(old, n) bytes,
// / and frees the original — explicitly forgoes an
// / in-place grow attempt.
func (h *Heap) Realloc(payload []byte, n int) ([]byte, defs.Err_t) {
	nb, err := h.Malloc(n)
	if err != 0 {
		return nil, err
	}
	copy(nb, payload)
	h.Free(payload)
	return nb, 0
}
