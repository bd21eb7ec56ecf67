// Command kernelsim is the minimal wiring entry point: it boots the
// page frame allocator, the virtual memory manager, the scheduler,
// and the FAT32 server against a disk image, then spawns one process
// that exercises the IPC surface end to end: write bytes to a file
// opened through the resource namespace, then read them back.
//
// This is the "CLI/demo program" collaborator — no subsystem's
// logic lives here, only the glue connecting already-implemented
// packages. Because a real ELF binary isn't available to embed
// (bootloader/ELF-image embedding is a boot-time concern handled
// elsewhere), the spawned "process" is a Go closure handed
// directly to sched.Scheduler.Spawn, the same Body field elfload.Spawn
// would otherwise populate from a validated entry point — this
// exercises the scheduler, handle table, resource namespace, and IPC
// exactly as a loaded ELF process would, without needing a toolchain
// here to produce one.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr/funcr"

	"biscuit-core/fat32"
	"biscuit-core/handle"
	"biscuit-core/ipc"
	"biscuit-core/pfa"
	"biscuit-core/resns"
	"biscuit-core/sched"
	"biscuit-core/ustr"
	"biscuit-core/vmm"
	"biscuit-core/walltime"
)

const fsResourceName = "file/server"

func main() {
	imagePath := flag.String("image", "", "FAT32 disk image path (see cmd/mkfat32)")
	flag.Parse()
	if *imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: kernelsim -image <fat32-image>")
		os.Exit(1)
	}

	logger := funcr.New(func(prefix, args string) { fmt.Println(prefix, args) }, funcr.Options{})

	alloc := pfa.New(logger, []pfa.MemRange{
		{Start: 0, Length: 256 << 20, Type: pfa.RangeUsable, ACPIValid: true},
	})
	vm := vmm.New(logger, alloc)
	wq := walltime.New()
	s := sched.New(logger, 2, wq)

	dev, err := fat32.OpenFileDisk(*imagePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: opening image: %v\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	fatServer, err := fat32.NewServer(dev, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kernelsim: parsing FAT32 volume: %v\n", err)
		os.Exit(1)
	}

	fsSend, fsRecv := ipc.NewEndpoints()
	go fatServer.Serve(fsRecv.Ch)

	as, aserr := vm.NewAddressSpace()
	if aserr != 0 {
		fmt.Fprintf(os.Stderr, "kernelsim: address space: %s\n", aserr.String())
		os.Exit(1)
	}

	ns := resns.New()
	ns.Bind(ustr.MkName32(fsResourceName), resns.Capability{Kind: handle.ChanSend, Payload: fsSend})
	ns.Seal()

	ht := handle.New()

	done := make(chan struct{})
	proc, spawnErr := s.Spawn(as, ht, ns, func(proc *sched.Process) {
		defer close(done)
		runDemo(proc, logger)
	})
	if spawnErr != 0 {
		fmt.Fprintf(os.Stderr, "kernelsim: spawn: %s\n", spawnErr.String())
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		fmt.Fprintln(os.Stderr, "kernelsim: demo process timed out")
		os.Exit(1)
	}

	logger.Info("demo process finished", "cpu_time", proc.CPUTime().String())
	fmt.Print(alloc.StatsString())
}

// runDemo is the simulated user process body: it resolves the file
// server resource, opens/resizes/writes/reads back a file, and logs the
// outcome (scenario S1's shape, minus an actual on-disk fixture
// beyond what cmd/mkfat32 populated).
func runDemo(proc *sched.Process, logger interface {
	Info(string, ...interface{})
}) {
	slot, err := proc.Resources.Resolve(proc.Handles, ustr.MkName32(fsResourceName), handle.ChanSend)
	if err != 0 {
		logger.Info("resource_get failed", "err", err.String())
		return
	}
	fsSlot, err := proc.Handles.GetKind(slot, handle.ChanSend)
	if err != 0 {
		logger.Info("handle lookup failed", "err", err.String())
		return
	}
	fsEndpoint := fsSlot.Payload.(ipc.SendEndpoint)

	reply, err := ipc.Call(fsEndpoint.Ch, fat32.EncodeOpenRequest("/demo.txt"), nil)
	if err != 0 {
		logger.Info("open failed", "err", err.String())
		return
	}
	if len(reply.Handles) != 3 {
		logger.Info("open reply missing handles", "got", len(reply.Handles))
		return
	}
	writeCh := reply.Handles[1].Payload.(ipc.SendEndpoint).Ch
	readCh := reply.Handles[0].Payload.(ipc.SendEndpoint).Ch
	resizeCh := reply.Handles[2].Payload.(ipc.SendEndpoint).Ch

	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(0xAB + i%16)
	}

	if _, err := ipc.Call(resizeCh, fat32.EncodeResizeRequest(uint64(len(payload))), nil); err != 0 {
		logger.Info("resize failed", "err", err.String())
		return
	}
	if _, err := ipc.Call(writeCh, fat32.EncodeWriteRequest(0, payload), nil); err != 0 {
		logger.Info("write failed", "err", err.String())
		return
	}
	rmsg, err := ipc.Call(readCh, fat32.EncodeReadRequest(0, uint64(len(payload))), nil)
	if err != 0 {
		logger.Info("read failed", "err", err.String())
		return
	}

	ok := len(rmsg.Data) == len(payload)
	for i := range rmsg.Data {
		if rmsg.Data[i] != payload[i] {
			ok = false
			break
		}
	}
	logger.Info("kernelsim demo complete", "roundtrip_ok", ok, "bytes", len(rmsg.Data))
}
