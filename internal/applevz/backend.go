// Package applevz is the macOS-native hypervisor backend. The platform
// virtualization framework can only be linked from a signed, entitled
// binary, so this backend does not embed it: it drives a privileged helper
// daemon over the handle-service control socket, and every lifecycle verb
// maps one-to-one onto a daemon RPC.
package applevz

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/xfeldman/vmkit/internal/handleservice"
	"github.com/xfeldman/vmkit/internal/registry"
	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

// Backend implements vmm.HypervisorBackend against a helper daemon.
type Backend struct {
	socketPath string
	vsockDir   string
}

// New points the backend at the daemon's control socket. vsockDir is where
// per-VM console sockets are created.
func New(socketPath, vsockDir string) *Backend {
	return &Backend{socketPath: socketPath, vsockDir: vsockDir}
}

func (b *Backend) Name() string               { return "applevz" }
func (b *Backend) Platform() vmm.HostPlatform { return vmm.PlatformDarwin }

func (b *Backend) Capabilities() vmm.BackendCapabilities {
	return vmm.BackendCapabilities{
		GuestOSLinux:    true,
		BootLinuxDirect: true,
		BootUEFI:        true,
		ImageRaw:        true,
		NetworkNone:     true,
		NetworkNAT:      true,
		NetworkUserNAT:  true,
		NetworkCluster:  true,
		ShareVirtioFS:   true,
		DeviceVsock:     true,
	}
}

func (b *Backend) KernelCmdlineDefaults() *vmm.KernelCmdline {
	return vmm.NewKernelCmdline().Console("hvc0").Arg("reboot", "t").Arg("panic", "-1")
}

func (b *Backend) DefaultRootDevice() string { return "/dev/vda" }

// IsAvailable probes the daemon: the socket must exist and the daemon must
// answer is_available affirmatively.
func (b *Backend) IsAvailable() bool {
	if vmm.CurrentPlatform() != vmm.PlatformDarwin {
		return false
	}
	if _, err := os.Stat(b.socketPath); err != nil {
		return false
	}
	c, err := handleservice.Dial(b.socketPath)
	if err != nil {
		return false
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.IsAvailable(ctx)
	return err == nil && ok
}

func (b *Backend) Start(ctx context.Context, cfg vmm.VmConfig) (vmm.BackendVmHandle, error) {
	if err := vmm.ValidateConfig(cfg, b.Capabilities()); err != nil {
		return nil, err
	}

	client, err := handleservice.Dial(b.socketPath)
	if err != nil {
		return nil, vmkiterr.BackendUnavailable(b.Name(), err.Error())
	}

	var consoleSocket string
	if cfg.ConsoleEnabled {
		if err := os.MkdirAll(b.vsockDir, 0700); err != nil {
			client.Close()
			return nil, vmkiterr.Wrap(vmkiterr.KindIO, err, "create console socket dir")
		}
		consoleSocket = filepath.Join(b.vsockDir, fmt.Sprintf("console-%d.sock", time.Now().UnixNano()))
	}

	id, err := client.Start(ctx, cfg, consoleSocket)
	if err != nil {
		client.Close()
		return nil, vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "daemon start")
	}

	return &remoteHandle{client: client, id: id, consoleSocket: consoleSocket}, nil
}

// remoteHandle proxies the lifecycle contract to the daemon's handle.
type remoteHandle struct {
	client        *handleservice.Client
	id            registry.HandleID
	consoleSocket string
}

func (h *remoteHandle) IsRunning(ctx context.Context) bool {
	running, err := h.client.IsRunning(ctx, h.id)
	return err == nil && running
}

func (h *remoteHandle) Wait(ctx context.Context) (int, error) {
	return h.client.Wait(ctx, h.id)
}

func (h *remoteHandle) Shutdown(ctx context.Context) error {
	return h.client.Shutdown(ctx, h.id)
}

func (h *remoteHandle) Kill(ctx context.Context) error {
	if err := h.client.Kill(ctx, h.id); err != nil {
		return err
	}
	return h.client.Release(ctx, h.id)
}

func (h *remoteHandle) ConsoleStream(ctx context.Context) (vmm.ConsoleStream, error) {
	if h.consoleSocket == "" {
		return nil, vmkiterr.ErrConsoleNotEnabled
	}
	conn, err := net.Dial("unix", h.consoleSocket)
	if err != nil {
		return nil, vmkiterr.Wrap(vmkiterr.KindIO, err, "connect console socket")
	}
	return conn.(*net.UnixConn), nil
}
