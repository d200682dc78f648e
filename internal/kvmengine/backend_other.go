//go:build !linux

// Package kvmengine is the in-process KVM backend. KVM only exists on
// Linux; on other platforms the backend reports itself unavailable so
// backend selection moves on.
package kvmengine

import (
	"context"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

type Backend struct{}

func NewBackend() *Backend { return &Backend{} }

func (b *Backend) Name() string                  { return "kvm" }
func (b *Backend) Platform() vmm.HostPlatform    { return vmm.PlatformLinux }
func (b *Backend) Capabilities() vmm.BackendCapabilities { return vmm.BackendCapabilities{} }
func (b *Backend) IsAvailable() bool             { return false }
func (b *Backend) DefaultRootDevice() string     { return "/dev/vda" }

func (b *Backend) KernelCmdlineDefaults() *vmm.KernelCmdline {
	return vmm.NewKernelCmdline().Console("ttyS0").Arg("reboot", "t").Arg("panic", "-1")
}

func (b *Backend) Start(ctx context.Context, cfg vmm.VmConfig) (vmm.BackendVmHandle, error) {
	return nil, vmkiterr.BackendUnavailable("kvm", "only available on Linux hosts")
}

// CleanupOrphaned is a no-op off Linux.
func CleanupOrphaned(namePrefix string) {}
