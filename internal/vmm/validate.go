package vmm

import (
	"bytes"
	"fmt"
	"net"

	"github.com/apparentlymart/go-cidr/cidr"

	"github.com/xfeldman/vmkit/internal/vmkiterr"
)

// ValidateUserNat checks a user-NAT configuration's internal consistency:
// the gateway and DHCP range must lie inside the subnet, the range must be
// ordered, and host-side forwarded ports must not collide per protocol.
func ValidateUserNat(cfg UserNatConfig) error {
	_, subnet, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("invalid subnet %q: %v", cfg.Subnet, err))
	}

	gateway := net.ParseIP(cfg.Gateway)
	if gateway == nil || gateway.To4() == nil {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("invalid gateway %q", cfg.Gateway))
	}
	if !subnet.Contains(gateway) {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("gateway %s outside subnet %s", cfg.Gateway, cfg.Subnet))
	}

	start := net.ParseIP(cfg.DHCPStart)
	end := net.ParseIP(cfg.DHCPEnd)
	if start == nil || start.To4() == nil {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("invalid dhcp start %q", cfg.DHCPStart))
	}
	if end == nil || end.To4() == nil {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("invalid dhcp end %q", cfg.DHCPEnd))
	}
	if !subnet.Contains(start) || !subnet.Contains(end) {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, "dhcp range outside subnet")
	}
	if bytes.Compare(start.To4(), end.To4()) > 0 {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("dhcp start %s after end %s", cfg.DHCPStart, cfg.DHCPEnd))
	}

	// The network and broadcast addresses are not leasable.
	first, last := cidr.AddressRange(subnet)
	if start.Equal(first) || end.Equal(last) {
		return vmkiterr.New(vmkiterr.KindInvalidConfig, "dhcp range includes the network or broadcast address")
	}

	seen := make(map[PortForwardProtocol]map[int]bool)
	for _, pf := range cfg.PortForwards {
		if pf.HostPort < 1 || pf.HostPort > 65535 || pf.GuestPort < 1 || pf.GuestPort > 65535 {
			return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("port forward %d->%d out of range", pf.HostPort, pf.GuestPort))
		}
		if seen[pf.Protocol] == nil {
			seen[pf.Protocol] = make(map[int]bool)
		}
		if seen[pf.Protocol][pf.HostPort] {
			return vmkiterr.New(vmkiterr.KindInvalidConfig, fmt.Sprintf("duplicate %s host port %d", pf.Protocol, pf.HostPort))
		}
		seen[pf.Protocol][pf.HostPort] = true
	}
	return nil
}
