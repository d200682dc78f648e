// Package config holds vmkitd runtime configuration: data directories,
// resolved binaries, and networking defaults.
package config

import (
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds vmkitd runtime configuration.
type Config struct {
	// DataDir is the base directory for vmkit runtime data.
	DataDir string

	// BinDir is the directory containing vmkit binaries.
	BinDir string

	// SocketPath is the unix socket path for the vmkitd control API.
	SocketPath string

	// VzDaemonSocketPath is the control socket of the privileged macOS
	// virtualization helper daemon, when one is installed.
	VzDaemonSocketPath string

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int

	// DefaultVCPUs is the default number of virtual CPUs.
	DefaultVCPUs int

	// DBPath is the path to the SQLite handle/pool ledger.
	DBPath string

	// SwitchSocketDir holds per-cluster switch port sockets.
	SwitchSocketDir string

	// VsockSocketDir holds host-local Unix sockets exposing guest vsock ports.
	VsockSocketDir string

	// ConsoleLogsDir holds compressed per-VM console capture logs.
	ConsoleLogsDir string

	// KernelPath is the default vmlinux kernel image (Linux KVM backend).
	KernelPath string

	// GvproxyBin / WorkerBin are the resolved subprocess-backend helper
	// binaries: the gvproxy network sidecar and the per-VM hypervisor
	// worker.
	GvproxyBin string
	WorkerBin  string

	// StopGrace is the default graceful-shutdown timeout before a stop
	// escalates to a kill.
	StopGrace time.Duration

	// DefaultUserNatSubnet / DefaultUserNatGateway seed new UserNatConfig
	// values when a caller doesn't specify one explicitly.
	DefaultUserNatSubnet  string
	DefaultUserNatGateway net.IP

	// NATIdleTCP / NATIdleUDP are the per-protocol NAT flow idle timeouts.
	NATIdleTCP time.Duration
	NATIdleUDP time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".vmkit")
	execDir := executableDir()

	kernelPath := filepath.Join(base, "kernel", "vmlinux")
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(kernelPath); err != nil {
			sysKernel := "/usr/share/vmkit/kernel/vmlinux"
			if _, err := os.Stat(sysKernel); err == nil {
				kernelPath = sysKernel
			}
		}
	}

	return &Config{
		DataDir:               filepath.Join(base, "data"),
		BinDir:                execDir,
		SocketPath:            filepath.Join(base, "vmkitd.sock"),
		VzDaemonSocketPath:    filepath.Join(base, "vzd.sock"),
		DefaultMemoryMB:       512,
		DefaultVCPUs:          1,
		DBPath:                filepath.Join(base, "data", "vmkit.db"),
		SwitchSocketDir:       filepath.Join(base, "data", "switches"),
		VsockSocketDir:        filepath.Join(base, "data", "vsock"),
		ConsoleLogsDir:        filepath.Join(base, "data", "console-logs"),
		KernelPath:            kernelPath,
		StopGrace:             30 * time.Second,
		DefaultUserNatSubnet:  "192.168.127.0/24",
		DefaultUserNatGateway: net.ParseIP("192.168.127.1"),
		NATIdleTCP:            300 * time.Second,
		NATIdleUDP:            60 * time.Second,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.SwitchSocketDir,
		c.VsockSocketDir,
		c.ConsoleLogsDir,
		filepath.Dir(c.SocketPath),
		filepath.Dir(c.DBPath),
	}
	if runtime.GOOS == "linux" {
		dirs = append(dirs, filepath.Dir(c.KernelPath))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveBinaries eagerly resolves GvproxyBin and WorkerBin if empty.
// Called once at startup so backend selection and diagnostics agree.
func (c *Config) ResolveBinaries() {
	if c.GvproxyBin == "" {
		c.GvproxyBin = FindBinary("gvproxy", c.BinDir)
	}
	if c.WorkerBin == "" {
		c.WorkerBin = FindBinary("vmkit-vmm-worker", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}
	for _, dir := range []string{"/usr/lib/vmkit", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
