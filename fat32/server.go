// Package fat32's server.go wires BPB parsing, FAT chain walking, and
// directory traversal (bpb.go, fat.go, direntry.go, path.go, fileio.go)
// into the request/reply protocol describes: stat,
// list, open, and per-open read/write/resize, all served over the
// ipc/mqueue primitives the rest of this repository implements.
//
// Grounded on Biscuit's own design note: "the FAT32
// server's blocking I/O is sequential: each request is processed to
// completion on the server's single loop... If concurrency is
// desired, the server can be sharded per open-file" — this package
// takes that option, giving each open file three goroutines, one per
// request channel (read/write/resize), while the top-level stat/list/open
// requests are still served one at a time off a single channel.
package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"biscuit-core/defs"
	"biscuit-core/handle"
	"biscuit-core/ipc"
)

// Request opcodes carried as the first byte of a top-level request
// message's data: stat(path), list(path), open(path).
const (
	opStat byte = 1
	opList byte = 2
	opOpen byte = 3
)

// Per-open-file request opcodes: read/write/resize
// are separate channel-send handles, so no opcode byte is needed on
// the wire there — which channel the request arrived on selects the
// operation).

// / FileMetadata is stat's reply payload.
type FileMetadata struct {
	Size       uint64
	IsDir      bool
	CreateTime FATTime
	ModifyTime FATTime
	AccessDate FATDate
}

// / Server serves the FAT32 request protocol over a single channel for
// / stat/list/open, spawning one goroutine per successfully-opened
// / file for its read/write/resize endpoints.
type Server struct {
	dev    BlockDevice
	bpb    *BPB
	logger logr.Logger

	files errgroup.Group
}

// / NewServer parses dev's BPB and returns a Server ready to accept
// / requests. dev is wrapped in a bounded block cache with
// / evict-on-release, so the server doesn't re-read every access from disk.
func NewServer(dev BlockDevice, logger logr.Logger) (*Server, error) {
	sec0 := make([]byte, 512)
	if _, err := dev.ReadAt(sec0, 0); err != nil {
		return nil, err
	}
	bpb, err := ParseBPB(sec0)
	if err != nil {
		return nil, err
	}
	return &Server{dev: newBlockCache(dev), bpb: bpb, logger: logger}, nil
}

// / Serve processes top-level requests arriving on recv until the
// / channel closes (request protocol, resolved
// / via the resource namespace by the caller before Serve is invoked).
// / It returns when recv.Receive reports channel-closed, having
// / waited for every per-open-file goroutine it spawned to finish.
func (s *Server) Serve(recv *ipc.Channel) {
	defer s.files.Wait()
	for {
		msg, err := recv.Receive()
		if err != 0 {
			return
		}
		s.handleTopLevel(msg)
	}
}

func (s *Server) handleTopLevel(msg *ipc.Message) {
	if len(msg.Data) == 0 {
		ipc.ReplyError(msg, defs.EDATASHORT)
		return
	}
	op := msg.Data[0]
	path := string(msg.Data[1:])

	switch op {
	case opStat:
		s.handleStat(msg, path)
	case opList:
		s.handleList(msg, path)
	case opOpen:
		s.handleOpen(msg, path)
	default:
		ipc.ReplyError(msg, defs.EINVALSYS)
	}
}

func (s *Server) handleStat(msg *ipc.Message, path string) {
	e, err := resolvePath(s.dev, s.bpb, path)
	if err != nil {
		ipc.ReplyError(msg, ToErr(err))
		return
	}
	md := FileMetadata{
		Size:       uint64(e.Size),
		IsDir:      e.IsDir,
		CreateTime: e.CreateTime,
		ModifyTime: e.ModifyTime,
		AccessDate: e.AccessDate,
	}
	ipc.Reply(msg, encodeMetadata(md), nil)
}

func encodeMetadata(md FileMetadata) []byte {
	buf := make([]byte, 8+1+2+2+1+2+2+2)
	binary.LittleEndian.PutUint64(buf[0:8], md.Size)
	if md.IsDir {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint16(buf[9:11], md.CreateTime.Date)
	binary.LittleEndian.PutUint16(buf[11:13], md.CreateTime.Time)
	buf[13] = md.CreateTime.Hundredth
	binary.LittleEndian.PutUint16(buf[14:16], md.ModifyTime.Date)
	binary.LittleEndian.PutUint16(buf[16:18], md.ModifyTime.Time)
	binary.LittleEndian.PutUint16(buf[18:20], uint16(md.AccessDate))
	return buf
}

// / DecodeMetadata is the client-side counterpart of encodeMetadata,
// / exported so a calling process (or a test standing in for one) can
// / interpret a stat reply without importing fat32's internals.
func DecodeMetadata(buf []byte) FileMetadata {
	var md FileMetadata
	md.Size = binary.LittleEndian.Uint64(buf[0:8])
	md.IsDir = buf[8] != 0
	md.CreateTime.Date = binary.LittleEndian.Uint16(buf[9:11])
	md.CreateTime.Time = binary.LittleEndian.Uint16(buf[11:13])
	md.CreateTime.Hundredth = buf[13]
	md.ModifyTime.Date = binary.LittleEndian.Uint16(buf[14:16])
	md.ModifyTime.Time = binary.LittleEndian.Uint16(buf[16:18])
	md.AccessDate = FATDate(binary.LittleEndian.Uint16(buf[18:20]))
	return md
}

func (s *Server) handleList(msg *ipc.Message, path string) {
	e, err := resolvePath(s.dev, s.bpb, path)
	if err != nil {
		ipc.ReplyError(msg, ToErr(err))
		return
	}
	if !e.IsDir {
		ipc.ReplyError(msg, defs.ENOTDIR)
		return
	}
	it, ierr := newDirIter(s.dev, s.bpb, e.FirstCluster)
	if ierr != nil {
		ipc.ReplyError(msg, ToErr(ierr))
		return
	}
	var out []byte
	for {
		child, ierr := it.Next()
		if ierr != nil {
			ipc.ReplyError(msg, ToErr(ierr))
			return
		}
		if child == nil {
			break
		}
		nameBytes := []byte(child.Name)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(nameBytes)))
		out = append(out, lenBuf[:]...)
		out = append(out, nameBytes...)
	}
	ipc.Reply(msg, out, nil)
}

// / DecodeNames unpacks a list() reply payload into its component
// / names: a concatenation of (u32 name_len, name bytes) entries.
func DecodeNames(buf []byte) []string {
	var names []string
	for len(buf) >= 4 {
		n := binary.LittleEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if uint32(len(buf)) < n {
			break
		}
		names = append(names, string(buf[:n]))
		buf = buf[n:]
	}
	return names
}

// openFile is the per-open file state calls out for a
// file handle (Entry plus its on-disk location), served by three
// goroutines, each reading off one ipc.Channel receive endpoint.
type openFile struct {
	s     *Server
	mu    sync.Mutex
	entry *Entry
}

func (s *Server) handleOpen(msg *ipc.Message, path string) {
	e, err := resolvePath(s.dev, s.bpb, path)
	if err != nil {
		ipc.ReplyError(msg, ToErr(err))
		return
	}
	if e.IsDir {
		ipc.ReplyError(msg, defs.ENOTDIR)
		return
	}

	of := &openFile{s: s, entry: e}

	readSend, readRecv := ipc.NewEndpoints()
	writeSend, writeRecv := ipc.NewEndpoints()
	resizeSend, resizeRecv := ipc.NewEndpoints()
	readRecv.Ch.SetLogger(s.logger)
	writeRecv.Ch.SetLogger(s.logger)
	resizeRecv.Ch.SetLogger(s.logger)

	s.files.Go(func() error {
		of.serveReads(readRecv.Ch)
		return nil
	})
	s.files.Go(func() error {
		of.serveWrites(writeRecv.Ch)
		return nil
	})
	s.files.Go(func() error {
		of.serveResizes(resizeRecv.Ch)
		return nil
	})

	handles := []ipc.AttachedHandle{
		{Kind: handle.ChanSend, Payload: readSend},
		{Kind: handle.ChanSend, Payload: writeSend},
		{Kind: handle.ChanSend, Payload: resizeSend},
	}
	ipc.Reply(msg, nil, handles)
}

// serveReads handles read(range): bounds-check
// offset+length <= size (no wrap), read bytes.
func (of *openFile) serveReads(ch *ipc.Channel) {
	for {
		msg, err := ch.Receive()
		if err != 0 {
			return
		}
		if len(msg.Data) < 16 {
			ipc.ReplyError(msg, defs.EDATASHORT)
			continue
		}
		offset := binary.LittleEndian.Uint64(msg.Data[0:8])
		length := binary.LittleEndian.Uint64(msg.Data[8:16])

		of.mu.Lock()
		size := uint64(of.entry.Size)
		first := of.entry.FirstCluster
		of.mu.Unlock()

		if offset > size || offset+length < offset || offset+length > size {
			ipc.ReplyError(msg, defs.EFAULT)
			continue
		}
		data, rerr := readRange(of.s.dev, of.s.bpb, first, offset, length)
		if rerr != nil {
			ipc.ReplyError(msg, ToErr(rerr))
			continue
		}
		ipc.Reply(msg, data, nil)
	}
}

// serveWrites handles write(offset ++ bytes):
// bounds-check against current size, writes do not grow.
func (of *openFile) serveWrites(ch *ipc.Channel) {
	for {
		msg, err := ch.Receive()
		if err != 0 {
			return
		}
		if len(msg.Data) < 8 {
			ipc.ReplyError(msg, defs.EDATASHORT)
			continue
		}
		offset := binary.LittleEndian.Uint64(msg.Data[0:8])
		payload := msg.Data[8:]

		of.mu.Lock()
		size := uint64(of.entry.Size)
		first := of.entry.FirstCluster
		of.mu.Unlock()

		end := offset + uint64(len(payload))
		if end < offset || end > size {
			ipc.ReplyError(msg, defs.EFAULT)
			continue
		}
		if werr := writeRange(of.s.dev, of.s.bpb, first, offset, payload); werr != nil {
			ipc.ReplyError(msg, ToErr(werr))
			continue
		}
		ipc.Reply(msg, nil, nil)
	}
}

// serveResizes handles resize(new_size):
// new_size <= 2^32-1; adjust chain, zero newly exposed bytes, rewrite
// directory entry.
func (of *openFile) serveResizes(ch *ipc.Channel) {
	for {
		msg, err := ch.Receive()
		if err != 0 {
			return
		}
		if len(msg.Data) < 8 {
			ipc.ReplyError(msg, defs.EDATASHORT)
			continue
		}
		newSize := binary.LittleEndian.Uint64(msg.Data[0:8])
		if newSize > 0xFFFFFFFF {
			ipc.ReplyError(msg, defs.EINVALARG)
			continue
		}

		of.mu.Lock()
		oldSize := uint64(of.entry.Size)
		first := of.entry.FirstCluster
		dirCluster := of.entry.DirCluster
		dirOffset := of.entry.DirOffset
		of.mu.Unlock()

		newFirst, rerr := resize(of.s.dev, of.s.bpb, first, oldSize, newSize)
		if rerr != nil {
			ipc.ReplyError(msg, ToErr(rerr))
			continue
		}

		if dirOffset != RootEntrySentinel {
			if werr := writeDirEntrySize(of.s.dev, of.s.bpb, dirCluster, dirOffset, uint32(newSize), newFirst); werr != nil {
				ipc.ReplyError(msg, ToErr(werr))
				continue
			}
		}

		of.mu.Lock()
		of.entry.Size = uint32(newSize)
		of.entry.FirstCluster = newFirst
		of.mu.Unlock()

		ipc.Reply(msg, nil, nil)
	}
}

// / EncodeStatRequest/EncodeListRequest/EncodeOpenRequest build the
// / top-level request wire payloads a client sends to Serve.
func EncodeStatRequest(path string) []byte { return append([]byte{opStat}, path...) }
func EncodeListRequest(path string) []byte { return append([]byte{opList}, path...) }
func EncodeOpenRequest(path string) []byte { return append([]byte{opOpen}, path...) }

// / EncodeReadRequest/EncodeWriteRequest/EncodeResizeRequest build the
// / per-open-file request wire payloads.
func EncodeReadRequest(offset, length uint64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	binary.LittleEndian.PutUint64(buf[8:16], length)
	return buf
}

func EncodeWriteRequest(offset uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(buf[0:8], offset)
	copy(buf[8:], data)
	return buf
}

func EncodeResizeRequest(newSize uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, newSize)
	return buf
}
