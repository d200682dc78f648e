package vmm

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// HostPlatform is the operating system a backend targets.
type HostPlatform int

const (
	PlatformDarwin HostPlatform = iota
	PlatformLinux
)

// KernelCmdline accumulates a boot command line the way the config
// builder composes one: a console directive plus ordered key[=value] args.
type KernelCmdline struct {
	console string
	args    []string
}

// NewKernelCmdline starts an empty cmdline builder.
func NewKernelCmdline() *KernelCmdline { return &KernelCmdline{} }

// Console sets the console device (e.g. "hvc0", "ttyS0").
func (k *KernelCmdline) Console(dev string) *KernelCmdline {
	k.console = dev
	return k
}

// Arg appends a bare or key=value argument.
func (k *KernelCmdline) Arg(key, value string) *KernelCmdline {
	if value == "" {
		k.args = append(k.args, key)
	} else {
		k.args = append(k.args, key+"="+value)
	}
	return k
}

// String renders the accumulated command line.
func (k *KernelCmdline) String() string {
	out := ""
	if k.console != "" {
		out = "console=" + k.console
	}
	for _, a := range k.args {
		if out != "" {
			out += " "
		}
		out += a
	}
	return out
}

// ConsoleStream is the bidirectional console byte stream returned by a VM
// handle. It is acquired at most once per handle.
type ConsoleStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// ControlChannel is the framed request/response transport a subprocess-style
// backend uses to talk to its worker process. Distinct
// from ConsoleStream: this carries control-plane RPCs, not console bytes.
type ControlChannel interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// BackendVmHandle is the per-backend-instance lifecycle contract a concrete
// backend returns from Start. The VM handle state machine (package handle)
// wraps one of these behind the full status/stop/kill/wait surface.
type BackendVmHandle interface {
	IsRunning(ctx context.Context) bool
	Wait(ctx context.Context) (exitCode int, err error)
	Shutdown(ctx context.Context) error // graceful (e.g. ACPI power-off)
	Kill(ctx context.Context) error     // unconditional, synchronous in effect
	ConsoleStream(ctx context.Context) (ConsoleStream, error)
}

// HypervisorBackend is the polymorphic contract every concrete hypervisor
// driver implements. Selection tries candidate backends in order and
// uses the first whose IsAvailable reports true.
type HypervisorBackend interface {
	Name() string
	Platform() HostPlatform
	Capabilities() BackendCapabilities
	IsAvailable() bool
	KernelCmdlineDefaults() *KernelCmdline
	DefaultRootDevice() string
	Start(ctx context.Context, cfg VmConfig) (BackendVmHandle, error)
}

// SelectBackend returns the first available backend from candidates, in
// order, or ErrNoBackendAvailable if none passes IsAvailable.
func SelectBackend(candidates []HypervisorBackend) (HypervisorBackend, error) {
	for _, b := range candidates {
		if b.IsAvailable() {
			return b, nil
		}
	}
	return nil, vmkiterr.ErrNoBackendAvailable
}

// CurrentPlatform maps the running GOOS to a HostPlatform, used by callers
// assembling a candidate list appropriate to the host.
func CurrentPlatform() HostPlatform {
	if runtime.GOOS == "darwin" {
		return PlatformDarwin
	}
	return PlatformLinux
}

// ValidateConfig rejects configurations incompatible with caps before
// Start has any side effect.
func ValidateConfig(cfg VmConfig, caps BackendCapabilities) error {
	switch cfg.Boot.Kind {
	case BootLinuxDirect:
		if !caps.BootLinuxDirect {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support direct Linux boot")
		}
		if cfg.Boot.KernelPath == "" {
			return vmkiterr.New(vmkiterr.KindMissingConfig, "kernel path required for direct Linux boot")
		}
	case BootUEFI:
		if !caps.BootUEFI {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support UEFI boot")
		}
	default:
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("unknown boot kind %d", cfg.Boot.Kind))
	}

	if !caps.GuestOSLinux {
		return vmkiterr.New(vmkiterr.KindUnsupportedGuestOS, "backend does not support Linux guests")
	}

	if cfg.Resources.CPUs < 1 {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, "cpus must be >= 1")
	}
	if cfg.Resources.MemoryMB < 1 {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, "memory_mb must be >= 1")
	}
	if caps.MaxCPUs != nil && cfg.Resources.CPUs > *caps.MaxCPUs {
		return vmkiterr.New(vmkiterr.KindUnsupportedFeature, fmt.Sprintf("backend supports at most %d cpus", *caps.MaxCPUs))
	}
	if caps.MaxMemoryMB != nil && cfg.Resources.MemoryMB > *caps.MaxMemoryMB {
		return vmkiterr.New(vmkiterr.KindUnsupportedFeature, fmt.Sprintf("backend supports at most %d MB memory", *caps.MaxMemoryMB))
	}

	switch cfg.RootDisk.Format {
	case FormatRaw:
		if !caps.ImageRaw {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support raw disk images")
		}
	case FormatQcow2:
		if !caps.ImageQcow2 {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support qcow2 disk images")
		}
	}

	switch cfg.Network.Kind {
	case NetworkUserNAT:
		if !caps.NetworkUserNAT {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support user_nat networking")
		}
		if err := ValidateUserNat(cfg.Network.UserNat); err != nil {
			return err
		}
	case NetworkNone:
		if !caps.NetworkNone {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend requires a network mode")
		}
	case NetworkNAT:
		if !caps.NetworkNAT {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support nat networking")
		}
	case NetworkCluster:
		if !caps.NetworkCluster {
			return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support cluster networking")
		}
	}

	for _, sh := range cfg.Shares {
		switch sh.Mechanism.Kind {
		case MechanismVirtioFS:
			if !caps.ShareVirtioFS {
				return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support virtio-fs shares")
			}
		case MechanismVirtio9P:
			if !caps.ShareVirtio9P {
				return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support virtio-9p shares")
			}
		}
	}

	if len(cfg.Vsock) > 0 && !caps.DeviceVsock {
		return vmkiterr.New(vmkiterr.KindUnsupportedFeature, "backend does not support vsock")
	}
	seenPorts := make(map[uint32]bool, len(cfg.Vsock))
	for _, v := range cfg.Vsock {
		if seenPorts[v.Port] {
			return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("duplicate vsock port %d", v.Port))
		}
		seenPorts[v.Port] = true
	}

	return nil
}
