// Package builder provides the fluent construction surface for VmConfig:
// chain the pieces together, then Build validates everything against the
// selected backend's capabilities before any side effect happens.
package builder

import (
	"context"

	"github.com/xfeldman/vmkit/internal/handle"
	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// Builder accumulates a VmConfig. The zero value is not usable; start from
// New, which seeds the defaults a headless Linux guest wants.
type Builder struct {
	cfg  vmm.VmConfig
	errs []error
}

// New starts a builder with 1 vCPU and 512 MB, no network, no console.
func New() *Builder {
	return &Builder{
		cfg: vmm.VmConfig{
			Resources: vmm.Resources{CPUs: 1, MemoryMB: 512},
		},
	}
}

// LinuxDirect boots a kernel image directly, bypassing firmware.
func (b *Builder) LinuxDirect(kernelPath, initrdPath, cmdline string) *Builder {
	b.cfg.Boot = vmm.Boot{
		Kind:       vmm.BootLinuxDirect,
		KernelPath: kernelPath,
		InitrdPath: initrdPath,
		Cmdline:    cmdline,
	}
	return b
}

// UEFI boots through firmware with the given variable store.
func (b *Builder) UEFI(varStorePath string, create bool) *Builder {
	b.cfg.Boot = vmm.Boot{
		Kind:            vmm.BootUEFI,
		EFIVarStorePath: varStorePath,
		EFICreate:       create,
	}
	return b
}

// RootDisk sets the root block device.
func (b *Builder) RootDisk(path string, format vmm.DiskFormat) *Builder {
	b.cfg.RootDisk = vmm.Disk{Path: path, Format: format}
	return b
}

// Disk appends an additional block device; order is preserved.
func (b *Builder) Disk(path string, format vmm.DiskFormat) *Builder {
	b.cfg.Disks = append(b.cfg.Disks, vmm.Disk{Path: path, Format: format})
	return b
}

// CPUs sets the vCPU count.
func (b *Builder) CPUs(n int) *Builder {
	b.cfg.Resources.CPUs = n
	return b
}

// Memory sets guest memory in megabytes.
func (b *Builder) Memory(mb int) *Builder {
	b.cfg.Resources.MemoryMB = mb
	return b
}

// Share exports a host directory into the guest.
func (b *Builder) Share(hostPath, guestPath string, mode vmm.ShareMode, mech vmm.ShareMechanism) *Builder {
	b.cfg.Shares = append(b.cfg.Shares, vmm.Share{
		HostPath:  hostPath,
		GuestPath: guestPath,
		Mode:      mode,
		Mechanism: mech,
	})
	return b
}

// NAT selects the backend's native NAT networking.
func (b *Builder) NAT() *Builder {
	b.cfg.Network = vmm.NetworkMode{Kind: vmm.NetworkNAT}
	return b
}

// UserNat selects the userspace NAT stack with the given configuration.
func (b *Builder) UserNat(cfg vmm.UserNatConfig) *Builder {
	b.cfg.Network = vmm.NetworkMode{Kind: vmm.NetworkUserNAT, UserNat: cfg}
	return b
}

// Cluster joins the named virtual-switch broadcast domain.
func (b *Builder) Cluster(cfg vmm.ClusterConfig) *Builder {
	b.cfg.Network = vmm.NetworkMode{Kind: vmm.NetworkCluster, Cluster: cfg}
	return b
}

// Console enables the serial console.
func (b *Builder) Console() *Builder {
	b.cfg.ConsoleEnabled = true
	return b
}

// VsockPort configures one vsock port.
func (b *Builder) VsockPort(port uint32, dir vmm.VsockDirection) *Builder {
	b.cfg.Vsock = append(b.cfg.Vsock, vmm.VsockPort{Port: port, Direction: dir})
	return b
}

// Build validates the accumulated config against caps and returns it.
func (b *Builder) Build(caps vmm.BackendCapabilities) (vmm.VmConfig, error) {
	if len(b.errs) > 0 {
		return vmm.VmConfig{}, b.errs[0]
	}
	if b.cfg.RootDisk.Path == "" {
		return vmm.VmConfig{}, vmkiterr.New(vmkiterr.KindMissingConfig, "root disk required")
	}
	if err := vmm.ValidateConfig(b.cfg, caps); err != nil {
		return vmm.VmConfig{}, err
	}
	return b.cfg, nil
}

// Start is the one-call path: select a backend from candidates, validate
// against its capabilities, and launch, returning a running handle.
func (b *Builder) Start(ctx context.Context, id string, candidates []vmm.HypervisorBackend) (*handle.VmHandle, error) {
	backend, err := vmm.SelectBackend(candidates)
	if err != nil {
		return nil, err
	}
	cfg, err := b.Build(backend.Capabilities())
	if err != nil {
		return nil, err
	}
	if cfg.Boot.Kind == vmm.BootLinuxDirect && cfg.Boot.Cmdline == "" {
		cfg.Boot.Cmdline = backend.KernelCmdlineDefaults().Arg("root", backend.DefaultRootDevice()).String()
	}
	h := handle.New(id, cfg)
	if err := h.Start(ctx, backend); err != nil {
		return nil, err
	}
	return h, nil
}
