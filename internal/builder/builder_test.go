package builder

import (
	"testing"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
	"github.com/xfeldman/vmkit/internal/vmm"
)

func fullCaps() vmm.BackendCapabilities {
	return vmm.BackendCapabilities{
		GuestOSLinux:    true,
		BootLinuxDirect: true,
		BootUEFI:        true,
		ImageRaw:        true,
		ImageQcow2:      true,
		NetworkNone:     true,
		NetworkNAT:      true,
		NetworkUserNAT:  true,
		NetworkCluster:  true,
		ShareVirtioFS:   true,
		ShareVirtio9P:   true,
		DeviceVsock:     true,
	}
}

func TestBuildComplete(t *testing.T) {
	cfg, err := New().
		LinuxDirect("/kernel", "/initrd", "console=hvc0").
		RootDisk("/root.img", vmm.FormatRaw).
		CPUs(2).
		Memory(1024).
		Console().
		VsockPort(52, vmm.GuestListens).
		UserNat(vmm.UserNatConfig{
			Subnet:    "192.168.127.0/24",
			Gateway:   "192.168.127.1",
			DHCPStart: "192.168.127.100",
			DHCPEnd:   "192.168.127.200",
		}).
		Build(fullCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.Resources.CPUs != 2 || cfg.Resources.MemoryMB != 1024 {
		t.Fatalf("resources = %+v", cfg.Resources)
	}
	if !cfg.ConsoleEnabled || len(cfg.Vsock) != 1 {
		t.Fatalf("console/vsock not carried: %+v", cfg)
	}
	if cfg.Network.Kind != vmm.NetworkUserNAT {
		t.Fatalf("network kind = %v", cfg.Network.Kind)
	}
}

func TestBuildMissingRootDisk(t *testing.T) {
	_, err := New().LinuxDirect("/kernel", "", "").Build(fullCaps())
	if !vmkiterr.Is(err, vmkiterr.KindMissingConfig) {
		t.Fatalf("err = %v, want MissingConfig", err)
	}
}

func TestBuildRejectsUnsupportedNetwork(t *testing.T) {
	caps := fullCaps()
	caps.NetworkCluster = false
	_, err := New().
		LinuxDirect("/kernel", "", "").
		RootDisk("/root.img", vmm.FormatRaw).
		Cluster(vmm.ClusterConfig{Name: "c"}).
		Build(caps)
	if !vmkiterr.Is(err, vmkiterr.KindUnsupportedFeature) {
		t.Fatalf("err = %v, want UnsupportedFeature", err)
	}
}

func TestBuildValidatesUserNat(t *testing.T) {
	_, err := New().
		LinuxDirect("/kernel", "", "").
		RootDisk("/root.img", vmm.FormatRaw).
		UserNat(vmm.UserNatConfig{
			Subnet:    "192.168.127.0/24",
			Gateway:   "10.0.0.1", // outside subnet
			DHCPStart: "192.168.127.100",
			DHCPEnd:   "192.168.127.200",
		}).
		Build(fullCaps())
	if !vmkiterr.Is(err, vmkiterr.KindInvalidConfig) {
		t.Fatalf("err = %v, want InvalidConfig", err)
	}
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := New().
		LinuxDirect("/kernel", "", "quiet").
		RootDisk("/root.img", vmm.FormatRaw).
		Build(fullCaps())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.Resources.CPUs != 1 || cfg.Resources.MemoryMB != 512 {
		t.Fatalf("defaults = %+v", cfg.Resources)
	}
	if cfg.Network.Kind != vmm.NetworkNone {
		t.Fatalf("default network = %v, want none", cfg.Network.Kind)
	}
}
