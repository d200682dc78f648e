//go:build linux

package kvmengine

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers, from the kernel's stable uapi/linux/kvm.h. These are
// ABI-fixed constants, not something a Go binding library needs to derive
// at runtime, so they are declared directly rather than pulled through an
// extra dependency.
const (
	kvmGetAPIVersion      = 0xAE00
	kvmCreateVM           = 0xAE01
	kvmGetVCPUMmapSize    = 0xAE04
	kvmCreateVCPU         = 0xAE41
	kvmRun                = 0xAE80
	kvmGetRegs            = 0x8090AE81
	kvmSetRegs            = 0x4090AE82
	kvmGetSregs           = 0x8138AE83
	kvmSetSregs           = 0x4138AE84
	kvmSetUserMemRegion   = 0x4020AE46
	kvmSetTSSAddr         = 0xAE47
	kvmCreateIRQChip      = 0xAE60
	kvmCreatePIT2         = 0x4040AE77
	kvmSetIdentityMapAddr = 0x4008AE48
	kvmIRQLine            = 0x4008AE61
)

// kvmRunExit mirrors the leading fields of struct kvm_run that every exit
// reason shares; callers read the type-specific union past this prefix by
// hand, the way a cgo-free binding must.
type kvmRunExit struct {
	RequestInterruptWindow uint8
	_pad                   [7]uint8
	ExitReason             uint32
	ReadyForInterruptInj   uint8
	IfFlag                 uint8
	_pad2                  [2]uint8
}

const (
	exitIO            = 2
	exitHLT           = 5
	exitMMIO          = 6
	exitIntr          = 10
	exitShutdown      = 8
	exitFailEntry     = 9
	exitInternalError = 17
)

const (
	exitIODirOut = 0
	exitIODirIn  = 1
)

type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

type kvmSegment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type_                          uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_pad                           uint8
}

type kvmDtable struct {
	Base  uint64
	Limit uint16
	_pad  [3]uint16
}

type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDtable
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [4]uint64
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

func ioctl(fd uintptr, req uintptr, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, req, arg)
	if errno != 0 {
		return r, errno
	}
	return r, nil
}

func ioctlNoArg(fd *os.File, req uintptr) (int, error) {
	r, err := ioctl(fd.Fd(), req, 0)
	return int(r), err
}

func getRegs(vcpuFd uintptr) (*kvmRegs, error) {
	var r kvmRegs
	_, err := ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&r)))
	return &r, err
}

func setRegs(vcpuFd uintptr, r *kvmRegs) error {
	_, err := ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(r)))
	return err
}

func getSregs(vcpuFd uintptr) (*kvmSregs, error) {
	var s kvmSregs
	_, err := ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&s)))
	return &s, err
}

func setSregs(vcpuFd uintptr, s *kvmSregs) error {
	_, err := ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(s)))
	return err
}

func setUserMemoryRegion(vmFd uintptr, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctl(vmFd, kvmSetUserMemRegion, uintptr(unsafe.Pointer(region)))
	return err
}
