//go:build linux

// Package kvmengine is the in-process KVM backend: it opens /dev/kvm
// directly and drives vCPUs itself, with no subprocess and no external
// hypervisor binary. Guests direct-boot a Linux kernel; the engine owns
// guest memory, the long-mode bootstrap (page tables, GDT, zero page), a
// 16550 serial model, and one OS thread per vCPU.
package kvmengine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// Engine is one running KVM-backed VM: the device fd, vCPU set, guest
// memory mapping and attached devices.
type Engine struct {
	kvmFd *os.File
	vmFd  uintptr
	mem   []byte

	vcpus   []*vcpu
	serial  *serial8250
	mmioBus *MMIOBus
	tap     *TapNetwork

	stopping atomic.Bool
	wg       sync.WaitGroup

	exitMu  sync.Mutex
	exitErr error

	done chan struct{}
}

func (e *Engine) recordExitErr(err error) {
	e.exitMu.Lock()
	if e.exitErr == nil {
		e.exitErr = err
	}
	e.exitMu.Unlock()
}

func (e *Engine) takeExitErr() error {
	e.exitMu.Lock()
	defer e.exitMu.Unlock()
	return e.exitErr
}

// Backend implements vmm.HypervisorBackend for Linux hosts with KVM access.
type Backend struct{}

func NewBackend() *Backend { return &Backend{} }

func (b *Backend) Name() string          { return "kvm" }
func (b *Backend) Platform() vmm.HostPlatform { return vmm.PlatformLinux }

func (b *Backend) Capabilities() vmm.BackendCapabilities {
	return vmm.BackendCapabilities{
		GuestOSLinux:    true,
		BootLinuxDirect: true,
		ImageRaw:        true,
		NetworkNone:     true,
		NetworkNAT:      true,
		NetworkUserNAT:  true,
		DeviceVsock:     false, // vsock device model not implemented by this engine
	}
}

func (b *Backend) KernelCmdlineDefaults() *vmm.KernelCmdline {
	return vmm.NewKernelCmdline().Console("ttyS0").Arg("reboot", "t").Arg("panic", "-1").Arg("i8042.noaux", "")
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

func (b *Backend) IsAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (b *Backend) Start(ctx context.Context, cfg vmm.VmConfig) (vmm.BackendVmHandle, error) {
	if err := vmm.ValidateConfig(cfg, b.Capabilities()); err != nil {
		return nil, err
	}

	var tap *TapNetwork
	if cfg.Network.Kind == vmm.NetworkNAT {
		var err error
		tap, err = AllocateTapNetwork("vmk")
		if err != nil {
			return nil, err
		}
		if err := tap.Up(); err != nil {
			return nil, err
		}
	}

	kvmFd, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		if tap != nil {
			tap.Down()
		}
		return nil, vmkiterr.BackendUnavailable("kvm", "/dev/kvm not accessible")
	}

	// Everything acquired below is torn down on any failure; a launch error
	// must not leak fds, mappings, or host network state.
	var mem []byte
	fail := func(cause error, op string) (vmm.BackendVmHandle, error) {
		if mem != nil {
			syscall.Munmap(mem)
		}
		kvmFd.Close()
		if tap != nil {
			tap.Down()
		}
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, cause, op)
	}

	vmFd, err := ioctl(kvmFd.Fd(), kvmCreateVM, 0)
	if err != nil {
		return fail(err, "KVM_CREATE_VM")
	}

	if _, err := ioctl(vmFd, kvmSetTSSAddr, 0xffff_d000); err != nil {
		return fail(err, "KVM_SET_TSS_ADDR")
	}
	if _, err := ioctl(vmFd, kvmCreateIRQChip, 0); err != nil {
		return fail(err, "KVM_CREATE_IRQCHIP")
	}
	if _, err := ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&[64]byte{}))); err != nil {
		return fail(err, "KVM_CREATE_PIT2")
	}

	memSize := cfg.Resources.MemoryMB * 1024 * 1024
	mem, err = syscall.Mmap(-1, 0, memSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS)
	if err != nil {
		mem = nil
		return fail(err, "mmap guest memory")
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if err := setUserMemoryRegion(vmFd, &region); err != nil {
		return fail(err, "KVM_SET_USER_MEMORY_REGION")
	}

	initrdSize, err := loadKernelAndInitrd(mem, cfg)
	if err != nil {
		syscall.Munmap(mem)
		kvmFd.Close()
		if tap != nil {
			tap.Down()
		}
		return nil, err
	}
	writeGDT(mem)
	writePageTables(mem)
	cmdlineLen := writeCmdline(mem, cfg.Boot.Cmdline)
	initrdAddr := uint32(0)
	if initrdSize > 0 {
		initrdAddr = initrdLoadAddr
	}
	writeBootParams(mem, uint64(memSize), cmdlineLen, initrdAddr, initrdSize)

	mmioSizeR, err := ioctl(kvmFd.Fd(), kvmGetVCPUMmapSize, 0)
	if err != nil {
		return fail(err, "KVM_GET_VCPU_MMAP_SIZE")
	}

	e := &Engine{
		kvmFd:   kvmFd,
		vmFd:    vmFd,
		mem:     mem,
		serial:  newSerial8250(),
		mmioBus: NewMMIOBus(),
		tap:     tap,
		done:    make(chan struct{}),
	}
	e.mmioBus.Register(newVirtioStub(mmioConsoleBase, mmioConsoleSize))
	e.mmioBus.Register(newVirtioStub(mmioNetBase, mmioConsoleSize))

	installKickHandler()

	failVcpus := func(cause error, op string) (vmm.BackendVmHandle, error) {
		for _, v := range e.vcpus {
			syscall.Munmap(v.runMB)
		}
		return fail(cause, op)
	}

	for i := 0; i < cfg.Resources.CPUs; i++ {
		vcpuFd, err := ioctl(vmFd, kvmCreateVCPU, uintptr(i))
		if err != nil {
			return failVcpus(err, "KVM_CREATE_VCPU")
		}
		runMB, err := syscall.Mmap(int(vcpuFd), 0, int(mmioSizeR), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return failVcpus(err, "mmap vcpu run struct")
		}
		v := &vcpu{id: i, fd: vcpuFd, runMB: runMB, run: (*kvmRunExit)(unsafe.Pointer(&runMB[0]))}
		if i == 0 {
			if err := initBootRegs(v); err != nil {
				return failVcpus(err, "init boot registers")
			}
		}
		e.vcpus = append(e.vcpus, v)
	}

	for _, v := range e.vcpus {
		v := v
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := v.runLoop(e); err != nil {
				e.recordExitErr(err)
			}
		}()
	}
	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	return &Handle{engine: e}, nil
}

func initBootRegs(v *vcpu) error {
	regs, err := getRegs(v.fd)
	if err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "KVM_GET_REGS")
	}
	regs.RFLAGS = 0x2
	regs.RIP = kernelLoadAddr
	regs.RSP = bootStackAddr
	regs.RSI = bootParamsAddr
	if err := setRegs(v.fd, regs); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "KVM_SET_REGS")
	}

	sregs, err := getSregs(v.fd)
	if err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "KVM_GET_SREGS")
	}
	sregs.GDT = kvmDtable{Base: gdtAddr, Limit: uint16(len(gdtEntries)*8 - 1)}
	codeSel, dataSel := uint16(2*8), uint16(3*8)
	sregs.CS = kvmSegment{Base: 0, Limit: 0xffffffff, Selector: codeSel, Type_: 0xb, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1}
	flat := kvmSegment{Base: 0, Limit: 0xffffffff, Selector: dataSel, Type_: 0x3, Present: 1, DPL: 0, DB: 1, S: 1, L: 0, G: 1}
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = flat, flat, flat, flat, flat
	sregs.CR3 = pml4Addr
	sregs.CR4 = 0x20  // PAE
	sregs.CR0 = 0x8000_0011 // PG | PE | ET... set paging+protection enabled
	sregs.EFER = 0x500 // LME | LMA
	if err := setSregs(v.fd, sregs); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "KVM_SET_SREGS")
	}
	return nil
}

func loadKernelAndInitrd(mem []byte, cfg vmm.VmConfig) (initrdSize uint32, err error) {
	if cfg.Boot.KernelPath == "" {
		return 0, vmkiterr.New(vmkiterr.KindMissingConfig, "kernel path required")
	}
	kernel, err := os.ReadFile(cfg.Boot.KernelPath)
	if err != nil {
		return 0, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "read kernel image")
	}
	if kernelLoadAddr+len(kernel) > len(mem) {
		return 0, vmkiterr.New(vmkiterr.KindStartFailed, "kernel image larger than guest memory")
	}
	copy(mem[kernelLoadAddr:], kernel)

	if cfg.Boot.InitrdPath != "" {
		initrd, err := os.ReadFile(cfg.Boot.InitrdPath)
		if err != nil {
			return 0, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "read initrd image")
		}
		if initrdLoadAddr+len(initrd) > len(mem) {
			return 0, vmkiterr.New(vmkiterr.KindStartFailed, "initrd larger than guest memory")
		}
		copy(mem[initrdLoadAddr:], initrd)
		initrdSize = uint32(len(initrd))
	}
	return initrdSize, nil
}

// Handle implements vmm.BackendVmHandle over an Engine.
type Handle struct {
	engine *Engine
}

func (h *Handle) IsRunning(ctx context.Context) bool {
	select {
	case <-h.engine.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.engine.done:
		if err := h.engine.takeExitErr(); err != nil {
			return 1, err
		}
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *Handle) Shutdown(ctx context.Context) error {
	h.engine.stopping.Store(true)
	for _, v := range h.engine.vcpus {
		v.kick()
	}
	return nil
}

func (h *Handle) Kill(ctx context.Context) error {
	if err := h.Shutdown(ctx); err != nil {
		return err
	}
	// Join the vCPU threads before tearing down fds they may still be
	// issuing ioctls against.
	select {
	case <-h.engine.done:
	case <-time.After(2 * time.Second):
	}
	if h.engine.tap != nil {
		h.engine.tap.Down()
	}
	h.engine.kvmFd.Close()
	return nil
}

func (h *Handle) ConsoleStream(ctx context.Context) (vmm.ConsoleStream, error) {
	return &serialConsole{serial: h.engine.serial}, nil
}

// serialConsole adapts the 8250 emulation's byte channels to io.Reader/Writer.
type serialConsole struct {
	serial *serial8250
}

func (c *serialConsole) Read(p []byte) (int, error) {
	b := c.serial.Drain()
	n := copy(p, b)
	return n, nil
}

func (c *serialConsole) Write(p []byte) (int, error) {
	for _, b := range p {
		c.serial.Feed(b)
	}
	return len(p), nil
}

func (c *serialConsole) Close() error { return nil }
