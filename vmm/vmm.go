// Package vmm implements the kernel's virtual memory manager: a
// recursively-mapped 4-level page table per address space, kernel/user
// page mapping, and the identity window used to reach physical frames
// during boot.
//
// Adapted from Biscuit's vm.Vm_t (vm/as.go): Page_insert,
// Page_remove and the PTE permission bits are carried over in spirit.
// Biscuit runs on real hardware, so its "page table" is an actual
// physical page the CPU's MMU walks; this rewrite has no MMU, so
// physical frames that back page tables are simulated as entries in
// an in-process store (physStore) indexed by pfa.Frame — the local,
// platform-specific substitution design notes
// explicitly sanction ("the VMM can map page tables through a fixed
// physical window... a local implementation choice").
package vmm

import (
	"sync"

	"github.com/go-logr/logr"

	"biscuit-core/defs"
	"biscuit-core/pfa"
	"biscuit-core/util"
)

const (
	PGSHIFT = pfa.PGSHIFT
	PGSIZE  = pfa.PGSIZE
)

// / PTE is a single page-table entry: permission bits plus a frame
// / number in the high bits, mirroring mem.Pa_t's packed encoding.
type PTE uint64

// Permission bits, named after Biscuit's mem.PTE_* constants.
const (
	PTE_P  PTE = 1 << 0 // present
	PTE_W  PTE = 1 << 1 // writable
	PTE_U  PTE = 1 << 2 // user-accessible
	PTE_NX PTE = 1 << 3 // no-execute
	PTE_G  PTE = 1 << 4 // global (kernel half only)
)

const pteAddrShift = 12

func pteFrame(p PTE) pfa.Frame { return pfa.Frame((p >> pteAddrShift) << pteAddrShift) }

func mkpte(f pfa.Frame, perm PTE) PTE { return PTE(f) | perm }

// Canonical 48-bit address layout.
const (
	// UserMin is the lowest usable user virtual address; address 0 is
	// reserved so that null pointers always fault.
	UserMin = uintptr(PGSIZE)
	// UserMax is one past the highest user virtual address (the
	// user/kernel split).
	UserMax = uintptr(1) << 47
)

// / pageTable is one level of the 4-level radix tree: 512 entries,
// / same shape as mem.Pmap_t.
type pageTable [512]PTE

// / store simulates physical memory reachable through the identity
// / window: a mutex-guarded map from frame to page-table contents.
// / Real Biscuit dereferences a direct-mapped pointer; this is the
// / local substitution noted in the package doc comment.
type store struct {
	mu     sync.Mutex
	tables map[pfa.Frame]*pageTable
	bytes  map[pfa.Frame]*[PGSIZE]byte
}

func newStore() *store {
	return &store{
		tables: make(map[pfa.Frame]*pageTable),
		bytes:  make(map[pfa.Frame]*[PGSIZE]byte),
	}
}

func (s *store) at(f pfa.Frame) *pageTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[f]
	if !ok {
		t = &pageTable{}
		s.tables[f] = t
	}
	return t
}

// / data returns the frame's contents as a flat byte page, used for
// / data (not page-table) frames: user page contents, block buffers,
// / heap arena pages. Same identity-window stand-in as at().
func (s *store) data(f pfa.Frame) *[PGSIZE]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bytes[f]
	if !ok {
		b = &[PGSIZE]byte{}
		s.bytes[f] = b
	}
	return b
}

func (s *store) drop(f pfa.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, f)
	delete(s.bytes, f)
}

// Recursive-mapping slot indices within the top-level table.
const (
	RecursiveSlot = 510
	IdentitySlot  = 511
)

// / Manager owns the page-frame allocator and the simulated physical
// / store shared by every address space.
type Manager struct {
	alloc *pfa.Allocator
	store *store
	log   logr.Logger
}

// / New builds a VMM bound to the given page frame allocator.
func New(log logr.Logger, alloc *pfa.Allocator) *Manager {
	return &Manager{alloc: alloc, store: newStore(), log: log}
}

// / AddressSpace is one process's root page-map.
// / The mutex protects every level of this address space's tables.
type AddressSpace struct {
	mu               sync.Mutex
	Root             pfa.Frame
	identityRemoved  bool
}

// / NewAddressSpace allocates a fresh top-level table with the
// / recursive slot wired to itself and the identity slot ready to be
// / populated by the boot sequence.
func (m *Manager) NewAddressSpace() (*AddressSpace, defs.Err_t) {
	root, ok := m.alloc.Alloc()
	if !ok {
		return nil, defs.ENOMEM
	}
	top := m.store.at(root)
	top[RecursiveSlot] = mkpte(root, PTE_P|PTE_W)
	as := &AddressSpace{Root: root}
	return as, 0
}

// walk returns the leaf PTE slot for va within as, allocating
// intermediate tables as needed. Intermediate allocations made before
// a later failure are not rolled back — harmless, since an unused
// page-table page costs nothing but a frame.
func (m *Manager) walk(as *AddressSpace, va uintptr, user bool) (*PTE, defs.Err_t) {
	idx := [4]uint64{
		uint64(va>>39) & 0x1ff, // PML4
		uint64(va>>30) & 0x1ff, // PDPT
		uint64(va>>21) & 0x1ff, // PD
		uint64(va>>12) & 0x1ff, // PT
	}
	cur := as.Root
	for lvl := 0; lvl < 3; lvl++ {
		t := m.store.at(cur)
		e := t[idx[lvl]]
		if e&PTE_P == 0 {
			nf, ok := m.alloc.Alloc()
			if !ok {
				return nil, defs.ENOMEM
			}
			m.store.at(nf) // zero-filled by construction
			perm := PTE_P | PTE_W
			if user {
				perm |= PTE_U
			}
			e = mkpte(nf, perm)
			t[idx[lvl]] = e
		}
		cur = pteFrame(e)
	}
	leaf := m.store.at(cur)
	return &leaf[idx[3]], 0
}

// / MapPages maps every 4 KiB page spanning [start, start+length) with
// / the requested permissions. If any leaf is
// / already present with different permissions, the whole call fails
// / with page-already-mapped.
func (m *Manager) MapPages(as *AddressSpace, start uintptr, length int, user, global, writable, executable bool) defs.Err_t {
	if length <= 0 {
		return defs.EINVALARG
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	perm := PTE_P
	if writable {
		perm |= PTE_W
	}
	if user {
		perm |= PTE_U
	}
	if global && !user {
		perm |= PTE_G
	}
	if !executable {
		perm |= PTE_NX
	}

	npages := util.Roundup(length, PGSIZE) / PGSIZE
	for i := 0; i < npages; i++ {
		va := start + uintptr(i*PGSIZE)
		pte, err := m.walk(as, va, user)
		if err != 0 {
			return err
		}
		if *pte&PTE_P != 0 {
			if *pte&(PTE_W|PTE_U|PTE_NX) != perm&(PTE_W|PTE_U|PTE_NX) {
				return defs.EMAPPED
			}
			continue
		}
		frame, ok := m.alloc.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		*pte = mkpte(frame, perm)
	}
	return 0
}

// / UnmapPages tears down the leaf mappings for [start, start+length)
// / installed by MapPages, dropping the backing frames' reference
// / counts.
func (m *Manager) UnmapPages(as *AddressSpace, start uintptr, length int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	npages := util.Roundup(length, PGSIZE) / PGSIZE
	for i := 0; i < npages; i++ {
		va := start + uintptr(i*PGSIZE)
		pte, err := m.walk(as, va, true)
		if err != 0 || *pte&PTE_P == 0 {
			continue
		}
		f := pteFrame(*pte)
		*pte = 0
		m.alloc.Free(f)
	}
}

// / RemoveIdentityMapping clears the identity slot of as's top-level
// / table after boot.
func (m *Manager) RemoveIdentityMapping(as *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.identityRemoved {
		return
	}
	top := m.store.at(as.Root)
	top[IdentitySlot] = 0
	as.identityRemoved = true
}

// / VerifyUserBuffer checks that [ptr, ptr+length) does not wrap and
// / lies strictly below the user/kernel split. It
// / does not check that the pages are actually mapped: a page fault on
// / access is the process's own fault.
func VerifyUserBuffer(ptr uintptr, length int) defs.Err_t {
	if length < 0 {
		return defs.EFAULT
	}
	end := ptr + uintptr(length)
	if end < ptr { // wrapped
		return defs.EFAULT
	}
	if ptr < UserMin || end > UserMax {
		return defs.EFAULT
	}
	return 0
}

// / FrameAt returns the physical frame currently mapped at va within
// / as, used by the ELF loader to reach a just-mapped page's bytes
// / through the identity window.
func (m *Manager) FrameAt(as *AddressSpace, va uintptr) (pfa.Frame, defs.Err_t) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := m.walk(as, va, true)
	if err != 0 {
		return 0, err
	}
	if *pte&PTE_P == 0 {
		return 0, defs.EFAULT
	}
	return pteFrame(*pte), 0
}

// / FrameBytes returns the mutable byte contents of a data frame
// / through the identity window ("accessed by
// / physical address" memory). Used by the ELF loader to copy segment
// / bytes and by the kernel heap to carve its arena.
func (m *Manager) FrameBytes(f pfa.Frame) *[PGSIZE]byte {
	return m.store.data(f)
}

// / ZeroFrame zeroes an entire data frame through the identity
// / window, satisfying pfa.Allocator.AllocClear's zero callback.
func (m *Manager) ZeroFrame(f pfa.Frame) {
	b := m.store.data(f)
	*b = [PGSIZE]byte{}
}

// / PageInsert installs a mapping for a specific physical frame at va
// / with the given permissions, used by the ELF loader once it has a
// / frame populated with segment bytes ready to map into the target
// / address space.
func (m *Manager) PageInsert(as *AddressSpace, va uintptr, f pfa.Frame, user, writable, executable bool) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := m.walk(as, va, user)
	if err != 0 {
		return err
	}
	if *pte&PTE_P != 0 {
		return defs.EMAPPED
	}
	perm := PTE_P
	if writable {
		perm |= PTE_W
	}
	if user {
		perm |= PTE_U
	}
	if !executable {
		perm |= PTE_NX
	}
	*pte = mkpte(f, perm)
	return 0
}

// / ForkAddressSpace builds a child address space that shares every
// / present user mapping of parent by reference, demoting both sides'
// / writable leaves to copy-on-write. This follows directly from the
// / per-frame refcounting pfa.Allocator already carries, the same
// / mechanism vm/as.go's Sys_pgfault relies on. Non-writable and
// / non-present entries are simply shared as-is.
func (m *Manager) ForkAddressSpace(parent *AddressSpace) (*AddressSpace, defs.Err_t) {
	child, err := m.NewAddressSpace()
	if err != 0 {
		return nil, err
	}

	parent.mu.Lock()
	defer parent.mu.Unlock()

	var walkLevel func(srcFrame pfa.Frame, dstFrame pfa.Frame, level int) defs.Err_t
	walkLevel = func(srcFrame, dstFrame pfa.Frame, level int) defs.Err_t {
		src := m.store.at(srcFrame)
		dst := m.store.at(dstFrame)
		for i, e := range src {
			if e&PTE_P == 0 {
				continue
			}
			if level == 0 && i == RecursiveSlot {
				continue // child keeps the self-reference NewAddressSpace installed
			}
			if level == 0 && i == IdentitySlot {
				dst[i] = e // identity window aliases physical memory directly, never COW
				continue
			}
			if level == 3 {
				ro := e &^ PTE_W
				src[i] = ro
				dst[i] = ro
				m.alloc.Refup(pteFrame(e))
				continue
			}
			nf, ok := m.alloc.Alloc()
			if !ok {
				return defs.ENOMEM
			}
			m.store.at(nf)
			dst[i] = mkpte(nf, e&(PTE_W|PTE_U|PTE_NX|PTE_G|PTE_P))
			if rerr := walkLevel(pteFrame(e), nf, level+1); rerr != 0 {
				return rerr
			}
		}
		return 0
	}
	if rerr := walkLevel(parent.Root, child.Root, 0); rerr != 0 {
		return nil, rerr
	}
	child.identityRemoved = parent.identityRemoved
	return child, 0
}

// / PageFault services a write fault against a copy-on-write leaf
// / (supplement, grounded on vm/as.go's Sys_pgfault):
// / if this mapping is the frame's sole owner the write bit is simply
// / restored; otherwise the faulting address space gets a private
// / copy and the shared frame's reference count drops by one.
// / Returns EFAULT if va has no present mapping at all.
func (m *Manager) PageFault(as *AddressSpace, va uintptr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()

	pte, err := m.walk(as, va, true)
	if err != 0 {
		return err
	}
	if *pte&PTE_P == 0 {
		return defs.EFAULT
	}
	old := pteFrame(*pte)
	if m.alloc.Refcount(old) <= 1 {
		*pte |= PTE_W
		return 0
	}

	nf, ok := m.alloc.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	*m.store.data(nf) = *m.store.data(old)
	perm := (*pte &^ pteMask) | PTE_W
	*pte = mkpte(nf, perm&(PTE_P|PTE_W|PTE_U|PTE_NX|PTE_G))
	m.alloc.Free(old)
	return 0
}

const pteMask = PTE(^uint64(0)) << pteAddrShift
