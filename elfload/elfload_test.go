package elfload

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"biscuit-core/defs"
	"biscuit-core/pfa"
	"biscuit-core/resns"
	"biscuit-core/ustr"
	"biscuit-core/vmm"
)

// rawHeader/rawProgHeader mirror this package's unexported wire structs
// byte-for-byte, letting tests hand-assemble ELF64 files the same way
// Parse reads them back.
type rawHeader struct {
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

type rawProgHeader struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

const (
	elfClass64  = 2
	elfData2LSB = 1
	etExec      = 2
	emX86_64    = 62
	evCurrent   = 1
	ptLoad      = 1
	pfX         = 1
	pfW         = 2
	pfR         = 4
)

func validHeader() rawHeader {
	h := rawHeader{
		Type:      etExec,
		Machine:   emX86_64,
		Version:   evCurrent,
		Entry:     0x1000,
		PhOff:     headerSize,
		EhSize:    headerSize,
		PhEntSize: phEntrySize,
		PhNum:     1,
	}
	h.Ident[0], h.Ident[1], h.Ident[2], h.Ident[3] = 0x7f, 'E', 'L', 'F'
	h.Ident[4] = elfClass64
	h.Ident[5] = elfData2LSB
	h.Ident[6] = evCurrent
	h.Ident[7] = 0 // ELFOSABI_SYSV
	return h
}

func validProgHeader(fileSz uint64) rawProgHeader {
	return rawProgHeader{
		Type:   ptLoad,
		Flags:  pfR | pfX,
		Offset: headerSize + phEntrySize,
		Vaddr:  0x1000,
		Paddr:  0x1000,
		FileSz: fileSz,
		MemSz:  vmm.PGSIZE,
		Align:  vmm.PGSIZE,
	}
}

func buildELF(t *testing.T, h rawHeader, phs []rawProgHeader, code []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require_(t, binary.Write(&buf, binary.LittleEndian, &h))
	for i := range phs {
		require_(t, binary.Write(&buf, binary.LittleEndian, &phs[i]))
	}
	buf.Write(code)
	return buf.Bytes()
}

func require_(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("binary.Write: %v", err)
	}
}

func validELF(t *testing.T) []byte {
	t.Helper()
	code := []byte{0x90, 0x90, 0x90, 0x90} // arbitrary segment bytes
	return buildELF(t, validHeader(), []rawProgHeader{validProgHeader(uint64(len(code)))}, code)
}

func TestParseAcceptsConformingFile(t *testing.T) {
	img, err := Parse(validELF(t))
	require.Zero(t, err)
	require.Equal(t, uint64(0x1000), img.Entry)
	require.Len(t, img.Segments, 1)
	require.Equal(t, uint64(0x1000), img.Segments[0].Vaddr)
	require.True(t, img.Segments[0].Executable)
	require.False(t, img.Segments[0].Writable)
}

func TestParseSkipsNonLoadSegments(t *testing.T) {
	code := []byte{0x1}
	ph := validProgHeader(uint64(len(code)))
	ph.Type = 2 // PT_DYNAMIC, not PT_LOAD
	file := buildELF(t, validHeader(), []rawProgHeader{ph}, code)

	img, err := Parse(file)
	require.Zero(t, err)
	require.Empty(t, img.Segments)
}

func TestParseRejectsTruncatedHeader(t *testing.T) {
	_, err := Parse(make([]byte, 10))
	require.Equal(t, defs.EINVALARG, err)
}

func TestParseRejectsEachBrokenPredicate(t *testing.T) {
	code := []byte{0x90, 0x90}
	base := func() (rawHeader, rawProgHeader) {
		return validHeader(), validProgHeader(uint64(len(code)))
	}

	cases := []struct {
		name   string
		mutate func(h *rawHeader, ph *rawProgHeader)
	}{
		{"bad magic", func(h *rawHeader, ph *rawProgHeader) { h.Ident[0] = 0 }},
		{"wrong class", func(h *rawHeader, ph *rawProgHeader) { h.Ident[4] = 1 }},
		{"wrong data encoding", func(h *rawHeader, ph *rawProgHeader) { h.Ident[5] = 2 }},
		{"wrong osabi", func(h *rawHeader, ph *rawProgHeader) { h.Ident[7] = 3 }},
		{"wrong type", func(h *rawHeader, ph *rawProgHeader) { h.Type = 1 }},
		{"wrong machine", func(h *rawHeader, ph *rawProgHeader) { h.Machine = 3 }},
		{"wrong version", func(h *rawHeader, ph *rawProgHeader) { h.Version = 0 }},
		{"phentsize too small", func(h *rawHeader, ph *rawProgHeader) { h.PhEntSize = 8 }},
		{"program header table overflows file", func(h *rawHeader, ph *rawProgHeader) { h.PhNum = 100 }},
		{"phoff wraps", func(h *rawHeader, ph *rawProgHeader) { h.PhOff = ^uint64(0) - 4 }},
		{"segment file size overflows file", func(h *rawHeader, ph *rawProgHeader) { ph.FileSz = 1 << 40 }},
		{"segment filesz exceeds memsz", func(h *rawHeader, ph *rawProgHeader) { ph.MemSz = 0 }},
		{"segment vaddr+memsz wraps", func(h *rawHeader, ph *rawProgHeader) { ph.MemSz = ^uint64(0) }},
		{"segment exceeds 4GiB ceiling", func(h *rawHeader, ph *rawProgHeader) {
			ph.Vaddr = uint64(1) << 32
			ph.MemSz = vmm.PGSIZE
		}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h, ph := base()
			c.mutate(&h, &ph)
			file := buildELF(t, h, []rawProgHeader{ph}, code)
			img, err := Parse(file)
			require.NotZero(t, err, "expected rejection")
			require.Nil(t, img)
		})
	}
}

func testVMM(t *testing.T) *vmm.Manager {
	t.Helper()
	alloc := pfa.New(logr.Discard(), []pfa.MemRange{
		{Start: 0, Length: 16 << 20, Type: pfa.RangeUsable, ACPIValid: true},
	})
	return vmm.New(logr.Discard(), alloc)
}

func TestSpawnLoadsSegmentsAndSealsNamespace(t *testing.T) {
	m := testVMM(t)
	req := SpawnRequest{
		ELF: validELF(t),
		Resources: []NamedResource{
			{Name: ustr.MkName32("self"), Cap: resns.Capability{}},
		},
	}

	as, ht, ns, entry, err := Spawn(m, req)
	require.Zero(t, err)
	require.NotNil(t, as)
	require.NotNil(t, ht)
	require.Equal(t, uint64(0x1000), entry)

	// The namespace is sealed: a further Bind must fail even though
	// Spawn installed entries into it.
	require.Equal(t, defs.EINVALARG, ns.Bind(ustr.MkName32("late"), resns.Capability{}))

	frame, err := m.FrameAt(as, 0x1000)
	require.Zero(t, err)
	require.Equal(t, byte(0x90), m.FrameBytes(frame)[0])
}

func TestSpawnRejectsInvalidELFWithoutSideEffects(t *testing.T) {
	m := testVMM(t)
	as, ht, ns, entry, err := Spawn(m, SpawnRequest{ELF: make([]byte, 4)})
	require.Equal(t, defs.EINVALARG, err)
	require.Nil(t, as)
	require.Nil(t, ht)
	require.Nil(t, ns)
	require.Zero(t, entry)
}
