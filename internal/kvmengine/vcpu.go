//go:build linux

package kvmengine

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// kickSignal interrupts a vCPU thread blocked in ioctl(KVM_RUN). Installed
// once per process with a no-op handler; the signal's only job is to make
// the blocking syscall return EINTR.
const kickSignal = syscall.SIGUSR1

// The handler is installed exactly once for the process lifetime:
// installing it per VM would race concurrent engine starts against signal
// delivery on already-running vCPU threads.
var kickHandlerOnce sync.Once

func installKickHandler() {
	kickHandlerOnce.Do(func() {
		// Registering the signal with a drained channel makes its handler a
		// no-op while still interrupting blocking syscalls on the thread it
		// is delivered to; the default disposition would terminate the
		// process.
		ch := make(chan os.Signal, 1)
		signalNotify(ch, kickSignal)
		go func() {
			for range ch {
			}
		}()
	})
}

type vcpu struct {
	id    int
	fd    uintptr
	runMB []byte
	run   *kvmRunExit
	tid   int32 // OS thread id, set once the run loop starts; used to kick
}

// runLoop must execute on a locked OS thread: KVM requires every vcpu
// ioctl, including KVM_RUN, to come from the thread that created the vCPU.
func (v *vcpu) runLoop(e *Engine) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	v.tid = int32(unix_gettid())

	for {
		_, err := ioctl(v.fd, kvmRun, 0)
		if err != nil {
			if err == syscall.EINTR {
				if e.stopping.Load() {
					return nil
				}
				continue
			}
			return vmkiterr.Wrap(vmkiterr.KindHypervisor, err, "KVM_RUN")
		}

		switch v.run.ExitReason {
		case exitHLT:
			if e.stopping.Load() {
				return nil
			}
			continue
		case exitIO:
			e.handleIOExit(v)
		case exitMMIO:
			e.handleMMIOExit(v)
		case exitShutdown:
			return nil
		case exitFailEntry, exitInternalError:
			return vmkiterr.New(vmkiterr.KindHypervisor, fmt.Sprintf("vcpu %d fatal exit reason %d", v.id, v.run.ExitReason))
		default:
			// Unhandled exit reasons are treated as benign and re-entered;
			// a production engine would decode cpuid/msr/debug exits here.
		}
	}
}

// kvmIOExit is the struct kvm_run io-exit payload, read starting at a fixed
// offset past kvmRunExit's common prefix.
type kvmIOExit struct {
	Direction uint8
	Size      uint8
	Port      uint16
	Count     uint32
	DataOff   uint64
}

const ioExitPayloadOffset = 32 // start of struct kvm_run's exit union, past cr8 and apic_base

func (e *Engine) handleIOExit(v *vcpu) {
	io := (*kvmIOExit)(unsafe.Pointer(&v.runMB[ioExitPayloadOffset]))
	data := v.runMB[io.DataOff : io.DataOff+uint64(io.Size)]

	if io.Port < serialPortBase || io.Port > serialPortBase+7 {
		return
	}
	offset := io.Port - serialPortBase
	if io.Direction == exitIODirOut {
		e.serial.Out(offset, data[0])
	} else {
		data[0] = e.serial.In(offset)
	}
}

// kvmMMIOExit is the struct kvm_run mmio-exit payload.
type kvmMMIOExit struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

const mmioExitPayloadOffset = 32

func (e *Engine) handleMMIOExit(v *vcpu) {
	m := (*kvmMMIOExit)(unsafe.Pointer(&v.runMB[mmioExitPayloadOffset]))
	if e.mmioBus == nil {
		return
	}
	if m.IsWrite != 0 {
		e.mmioBus.Write(m.PhysAddr, m.Data[:m.Len])
	} else {
		e.mmioBus.Read(m.PhysAddr, m.Data[:m.Len])
	}
}

// kick interrupts a vCPU's blocking KVM_RUN ioctl by sending kickSignal to
// its OS thread, so a stop request does not have to wait for the next
// natural exit.
func (v *vcpu) kick() {
	if v.tid == 0 {
		return
	}
	unix_tgkill(v.tid, kickSignal)
}
