//go:build linux

package kvmengine

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

var subnetCounter uint32

// TapNetwork is one allocated /30 tap link: a private point-to-point subnet
// between the host (hostIP) and the guest (guestIP) routed through tapName.
type TapNetwork struct {
	TapName string
	HostIP  string
	GuestIP string
}

// AllocateTapNetwork assigns the next /30 out of 172.16.0.0/12 and returns
// its addressing, without touching the kernel.
func AllocateTapNetwork(namePrefix string) (*TapNetwork, error) {
	idx := atomic.AddUint32(&subnetCounter, 1) - 1
	thirdOctet := idx / 64
	fourthBase := (idx % 64) * 4
	if thirdOctet > 255 {
		return nil, vmkiterr.New(vmkiterr.KindStartFailed, "tap subnet space exhausted")
	}
	return &TapNetwork{
		TapName: fmt.Sprintf("%s%d", namePrefix, idx),
		HostIP:  fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+1),
		GuestIP: fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+2),
	}, nil
}

// Up creates the tap device, assigns the host-side /30 address, enables
// IPv4 forwarding and adds the MASQUERADE/FORWARD rules that let guest
// traffic egress through the host's default route.
func (t *TapNetwork) Up() error {
	if err := enableIPForward(); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "enable ip_forward")
	}
	if err := runCmd("ip", "tuntap", "add", "dev", t.TapName, "mode", "tap"); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "create tap device")
	}
	if err := runCmd("ip", "addr", "add", t.HostIP+"/30", "dev", t.TapName); err != nil {
		t.Down()
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "assign tap address")
	}
	if err := runCmd("ip", "link", "set", t.TapName, "up"); err != nil {
		t.Down()
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "bring up tap device")
	}
	if err := t.setupNAT(); err != nil {
		t.Down()
		return err
	}
	return nil
}

func (t *TapNetwork) setupNAT() error {
	src := t.GuestIP + "/30"
	if err := runCmd("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", src, "-j", "MASQUERADE"); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "add masquerade rule")
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-i", t.TapName, "-j", "ACCEPT"); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "add forward-in rule")
	}
	if err := runCmd("iptables", "-A", "FORWARD", "-o", t.TapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
		return vmkiterr.Wrap(vmkiterr.KindStartFailed, err, "add forward-out rule")
	}
	return nil
}

// Down tears down NAT rules and removes the tap device. Best-effort.
func (t *TapNetwork) Down() {
	src := t.GuestIP + "/30"
	runCmd("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", src, "-j", "MASQUERADE")
	runCmd("iptables", "-D", "FORWARD", "-i", t.TapName, "-j", "ACCEPT")
	runCmd("iptables", "-D", "FORWARD", "-o", t.TapName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT")
	runCmd("ip", "link", "del", t.TapName)
}

// CleanupOrphaned removes tap devices matching namePrefix left over from a
// previous crash, deriving each one's guest IP from its numeric suffix using
// the same allocation scheme AllocateTapNetwork uses. Called once at daemon
// startup.
func CleanupOrphaned(namePrefix string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface.Name, namePrefix) {
			continue
		}
		var idx uint32
		fmt.Sscanf(iface.Name, namePrefix+"%d", &idx)
		thirdOctet := idx / 64
		fourthBase := (idx % 64) * 4
		t := &TapNetwork{
			TapName: iface.Name,
			GuestIP: fmt.Sprintf("172.16.%d.%d", thirdOctet, fourthBase+2),
		}
		t.Down()
	}
}

func enableIPForward() error {
	cmd := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1")
	return cmd.Run()
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}
