// Package elfload validates and loads ELF64 executables and drives
// process spawn.
//
// Grounded on kernel/chentry.go's use of the standard library's
// debug/elf package for header classification (elf.ELFCLASS64,
// elf.ELFDATA2LSB, elf.ET_EXEC, elf.EM_X86_64) rather than hand-rolled
// magic-number checks. chentry.go delegates the rest of ELF parsing to
// elf.NewFile; this package cannot do that, because its program-header
// validation predicates (explicit overflow checks, a 4 GiB load
// ceiling, entry-size floor) are stricter and differently-shaped than
// what the standard library enforces. So this package uses debug/elf
// purely for its named constants and reads the header/program-header
// tables by hand with encoding/binary, performing that stricter
// validation field-by-field itself.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"biscuit-core/defs"
	"biscuit-core/handle"
	"biscuit-core/resns"
	"biscuit-core/ustr"
	"biscuit-core/vmm"
)

const (
	headerSize  = 64
	phEntrySize = 56

	loadMaxAddr = uint64(1) << 32 // fixed load ceiling: 4 GiB
)

// / header mirrors the fixed-size ELF64 file header, read manually so
// / every field names can be checked against the
// / file's actual bytes rather than whatever debug/elf chose to
// / tolerate.
type header struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	ShOff     uint64
	Flags     uint32
	EhSize    uint16
	PhEntSize uint16
	PhNum     uint16
	ShEntSize uint16
	ShNum     uint16
	ShStrNdx  uint16
}

// / progHeader mirrors one ELF64 program header table entry.
type progHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// / Segment is a validated PT_LOAD segment ready to be mapped.
type Segment struct {
	Vaddr      uint64
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
	Writable   bool
	Executable bool
}

// / Image is a validated ELF64 executable: its entry point and the
// / PT_LOAD segments to map.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// / Parse validates file against every predicate // / lists and returns the segments to map. It never mutates anything;
// / on any validation failure it returns only an error (property 9:
// / "without side effect on the target address space on rejection").
func Parse(file []byte) (*Image, defs.Err_t) {
	if len(file) < headerSize {
		return nil, defs.EINVALARG
	}
	var h header
	if err := binary.Read(bytes.NewReader(file[:headerSize]), binary.LittleEndian, &h); err != nil {
		return nil, defs.EINVALARG
	}
	if !bytes.Equal(h.Ident[:4], []byte{0x7f, 'E', 'L', 'F'}) {
		return nil, defs.EINVALARG
	}
	if elf.Class(h.Ident[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, defs.EINVALARG
	}
	if elf.Data(h.Ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, defs.EINVALARG
	}
	if h.Ident[elf.EI_OSABI] != 0 { // ELFOSABI_SYSV == 0
		return nil, defs.EINVALARG
	}
	if elf.Type(h.Type) != elf.ET_EXEC {
		return nil, defs.EINVALARG
	}
	if elf.Machine(h.Machine) != elf.EM_X86_64 {
		return nil, defs.EINVALARG
	}
	if h.Version != uint32(elf.EV_CURRENT) {
		return nil, defs.EINVALARG
	}
	if h.PhEntSize < phEntrySize {
		return nil, defs.EINVALARG
	}

	tableBytes := uint64(h.PhEntSize) * uint64(h.PhNum)
	phtEnd := h.PhOff + tableBytes
	if phtEnd < h.PhOff { // wrap
		return nil, defs.EINVALARG
	}
	if phtEnd > uint64(len(file)) {
		return nil, defs.EINVALARG
	}

	img := &Image{Entry: h.Entry}
	for i := uint16(0); i < h.PhNum; i++ {
		off := h.PhOff + uint64(i)*uint64(h.PhEntSize)
		var ph progHeader
		r := bytes.NewReader(file[off : off+56])
		if err := binary.Read(r, binary.LittleEndian, &ph); err != nil {
			return nil, defs.EINVALARG
		}
		if ph.Type != uint32(elf.PT_LOAD) {
			continue
		}

		fileEnd := ph.Offset + ph.FileSz
		if fileEnd < ph.Offset {
			return nil, defs.EINVALARG
		}
		if fileEnd > uint64(len(file)) {
			return nil, defs.EINVALARG
		}
		if ph.FileSz > ph.MemSz {
			return nil, defs.EINVALARG
		}
		vEnd := ph.Vaddr + ph.MemSz
		if vEnd < ph.Vaddr {
			return nil, defs.EINVALARG
		}
		if vEnd > loadMaxAddr {
			return nil, defs.EINVALARG
		}

		img.Segments = append(img.Segments, Segment{
			Vaddr:      ph.Vaddr,
			FileOffset: ph.Offset,
			FileSize:   ph.FileSz,
			MemSize:    ph.MemSz,
			Writable:   ph.Flags&uint32(elf.PF_W) != 0,
			Executable: ph.Flags&uint32(elf.PF_X) != 0,
		})
	}
	return img, 0
}

// / Load maps every segment of img into as, copying file bytes and
// / zero-filling the remainder up to MemSize and to page boundaries
// /.
func Load(m *vmm.Manager, as *vmm.AddressSpace, file []byte, img *Image) defs.Err_t {
	for _, seg := range img.Segments {
		if err := m.MapPages(as, uintptr(seg.Vaddr), int(seg.MemSize), true, false, seg.Writable, seg.Executable); err != 0 {
			return err
		}
		if err := copySegment(m, as, file, seg); err != 0 {
			return err
		}
	}
	return 0
}

// copySegment writes a PT_LOAD segment's file bytes into the mapped
// pages and zeroes the residual, byte by byte through vmm's simulated
// identity window rather than the single flat memcpy elf.c's loader
// uses against real direct-mapped memory.
func copySegment(m *vmm.Manager, as *vmm.AddressSpace, file []byte, seg Segment) defs.Err_t {
	src := file[seg.FileOffset : seg.FileOffset+seg.FileSize]
	for off := uint64(0); off < seg.MemSize; off++ {
		va := seg.Vaddr + off
		pageBase := (va / vmm.PGSIZE) * vmm.PGSIZE
		frame, err := m.FrameAt(as, uintptr(pageBase))
		if err != 0 {
			return err
		}
		buf := m.FrameBytes(frame)
		if off < uint64(len(src)) {
			buf[va-pageBase] = src[off]
		} else {
			buf[va-pageBase] = 0
		}
	}
	return 0
}

// / SpawnRequest carries what spawn needs from the parent: the ELF
// / image plus a parallel list of named resources to populate the
// / child's namespace.
type SpawnRequest struct {
	ELF       []byte
	Resources []NamedResource
}

// / NamedResource is one (name, capability) pair handed to the child
// / at spawn, from the parent's parallel list of names and attached
// / handles.
type NamedResource struct {
	Name ustr.Name32
	Cap  resns.Capability
}

// / Spawn validates and loads req.ELF into a fresh address space,
// / builds the child's handle table and resource namespace, and
// / returns everything the scheduler needs to admit it as runnable
// /. Any step's failure aborts with that step's
// / error and leaves no partially-constructed address space behind.
func Spawn(m *vmm.Manager, req SpawnRequest) (*vmm.AddressSpace, *handle.Table, *resns.Namespace, uint64, defs.Err_t) {
	img, err := Parse(req.ELF)
	if err != 0 {
		return nil, nil, nil, 0, err
	}

	as, err := m.NewAddressSpace()
	if err != 0 {
		return nil, nil, nil, 0, err
	}
	if err := Load(m, as, req.ELF, img); err != 0 {
		return nil, nil, nil, 0, err
	}

	ht := handle.New()
	ns := resns.New()
	for _, r := range req.Resources {
		if err := ns.Bind(r.Name, r.Cap); err != 0 {
			return nil, nil, nil, 0, err
		}
	}
	ns.Seal()

	return as, ht, ns, img.Entry, 0
}
