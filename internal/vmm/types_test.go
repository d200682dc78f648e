package vmm

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

func sampleConfig() VmConfig {
	return VmConfig{
		Boot: Boot{
			Kind:       BootLinuxDirect,
			KernelPath: "/var/lib/vmkit/vmlinux",
			InitrdPath: "/var/lib/vmkit/initrd.img",
			Cmdline:    "console=hvc0 reboot=t panic=-1",
		},
		RootDisk: Disk{Path: "/var/lib/vmkit/root.img", Format: FormatRaw},
		Disks: []Disk{
			{Path: "/var/lib/vmkit/scratch.qcow2", Format: FormatQcow2},
		},
		Resources: Resources{CPUs: 2, MemoryMB: 1024},
		Shares: []Share{
			{
				HostPath:  "/home/user/project",
				GuestPath: "/workspace",
				Mode:      ShareReadWrite,
				Mechanism: ShareMechanism{Kind: MechanismVirtioFS, Tag: "workspace"},
			},
			{
				HostPath:  "/opt/tools",
				GuestPath: "/tools",
				Mode:      ShareReadOnly,
				Mechanism: ShareMechanism{Kind: MechanismVirtio9P, Msize: 262144},
			},
		},
		Network: NetworkMode{
			Kind: NetworkUserNAT,
			UserNat: UserNatConfig{
				Subnet:    "192.168.127.0/24",
				Gateway:   "192.168.127.1",
				DHCPStart: "192.168.127.100",
				DHCPEnd:   "192.168.127.200",
				PortForwards: []PortForward{
					{Protocol: PFTCP, HostPort: 8080, GuestPort: 80},
					{Protocol: PFUDP, HostPort: 5353, GuestPort: 53},
				},
			},
		},
		ConsoleEnabled: true,
		Vsock: []VsockPort{
			{Port: 52, Direction: GuestListens},
			{Port: 1024, Direction: HostListens},
		},
	}
}

func TestVmConfigRoundTrip(t *testing.T) {
	in := sampleConfig()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out VmConfig
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestVariantDiscriminantsAreLowercase(t *testing.T) {
	data, err := json.Marshal(sampleConfig())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	for _, want := range []string{`"raw"`, `"qcow2"`, `"readonly"`, `"readwrite"`, `"user_nat"`, `"linux_direct"`, `"virtio_fs"`, `"virtio_9p"`, `"tcp"`, `"udp"`, `"guest_listens"`, `"host_listens"`} {
		if !strings.Contains(s, want) {
			t.Errorf("serialized config missing discriminant %s:\n%s", want, s)
		}
	}
}

func TestEnumRejectsUnknownVariant(t *testing.T) {
	var f DiskFormat
	if err := json.Unmarshal([]byte(`"vhdx"`), &f); err == nil {
		t.Fatal("expected error for unknown disk format")
	}
	var k NetworkKind
	if err := json.Unmarshal([]byte(`"bridged"`), &k); err == nil {
		t.Fatal("expected error for unknown network mode")
	}
}

func TestValidateUserNat(t *testing.T) {
	valid := UserNatConfig{
		Subnet:    "10.0.0.0/24",
		Gateway:   "10.0.0.1",
		DHCPStart: "10.0.0.10",
		DHCPEnd:   "10.0.0.100",
	}
	if err := ValidateUserNat(valid); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*UserNatConfig)
	}{
		{"bad subnet", func(c *UserNatConfig) { c.Subnet = "10.0.0.0" }},
		{"gateway outside subnet", func(c *UserNatConfig) { c.Gateway = "10.0.1.1" }},
		{"range outside subnet", func(c *UserNatConfig) { c.DHCPEnd = "10.0.1.100" }},
		{"inverted range", func(c *UserNatConfig) { c.DHCPStart = "10.0.0.200" }},
		{"range hits broadcast", func(c *UserNatConfig) { c.DHCPEnd = "10.0.0.255" }},
		{"duplicate host port", func(c *UserNatConfig) {
			c.PortForwards = []PortForward{
				{Protocol: PFTCP, HostPort: 8080, GuestPort: 80},
				{Protocol: PFTCP, HostPort: 8080, GuestPort: 81},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			cfg.PortForwards = nil
			tc.mutate(&cfg)
			err := ValidateUserNat(cfg)
			if !vmkiterr.Is(err, vmkiterr.KindInvalidConfig) {
				t.Fatalf("err = %v, want InvalidConfig", err)
			}
		})
	}

	// Same host port on different protocols is fine.
	cfg := valid
	cfg.PortForwards = []PortForward{
		{Protocol: PFTCP, HostPort: 53, GuestPort: 53},
		{Protocol: PFUDP, HostPort: 53, GuestPort: 53},
	}
	if err := ValidateUserNat(cfg); err != nil {
		t.Fatalf("cross-protocol port reuse rejected: %v", err)
	}
}

type stubBackend struct {
	name      string
	available bool
}

func (b *stubBackend) Name() string                        { return b.name }
func (b *stubBackend) Platform() HostPlatform              { return PlatformLinux }
func (b *stubBackend) Capabilities() BackendCapabilities   { return BackendCapabilities{} }
func (b *stubBackend) IsAvailable() bool                   { return b.available }
func (b *stubBackend) KernelCmdlineDefaults() *KernelCmdline { return NewKernelCmdline() }
func (b *stubBackend) DefaultRootDevice() string           { return "" }
func (b *stubBackend) Start(ctx context.Context, cfg VmConfig) (BackendVmHandle, error) {
	return nil, nil
}

func TestSelectBackendFirstAvailableWins(t *testing.T) {
	a := &stubBackend{name: "a", available: false}
	b := &stubBackend{name: "b", available: true}
	c := &stubBackend{name: "c", available: true}

	got, err := SelectBackend([]HypervisorBackend{a, b, c})
	if err != nil {
		t.Fatalf("SelectBackend: %v", err)
	}
	if got.Name() != "b" {
		t.Fatalf("selected %s, want b", got.Name())
	}
}

func TestSelectBackendNoneAvailable(t *testing.T) {
	_, err := SelectBackend([]HypervisorBackend{&stubBackend{name: "a"}})
	if !errors.Is(err, vmkiterr.ErrNoBackendAvailable) {
		t.Fatalf("err = %v, want NoBackendAvailable", err)
	}
}

func TestValidateConfigUnsupported(t *testing.T) {
	caps := BackendCapabilities{GuestOSLinux: true, BootLinuxDirect: true, ImageRaw: true, NetworkNone: true}
	cfg := VmConfig{
		Boot:      Boot{Kind: BootLinuxDirect, KernelPath: "/k"},
		RootDisk:  Disk{Path: "/r", Format: FormatQcow2},
		Resources: Resources{CPUs: 1, MemoryMB: 64},
	}
	if err := ValidateConfig(cfg, caps); !vmkiterr.Is(err, vmkiterr.KindUnsupportedFeature) {
		t.Fatalf("qcow2 on raw-only backend: err = %v, want UnsupportedFeature", err)
	}

	cfg.RootDisk.Format = FormatRaw
	cfg.Vsock = []VsockPort{{Port: 52}, {Port: 52}}
	if err := ValidateConfig(cfg, caps); !vmkiterr.Is(err, vmkiterr.KindUnsupportedFeature) {
		t.Fatalf("vsock on vsock-less backend: err = %v, want UnsupportedFeature", err)
	}

	caps.DeviceVsock = true
	if err := ValidateConfig(cfg, caps); !vmkiterr.Is(err, vmkiterr.KindInvalidConfig) {
		t.Fatalf("duplicate vsock port: err = %v, want InvalidConfig", err)
	}
}
