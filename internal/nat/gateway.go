package nat

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/xfeldman/vmkit/internal/dnsproxy"
	"github.com/xfeldman/vmkit/internal/frameio"
	"github.com/xfeldman/vmkit/internal/policy"
)

// GatewayConfig addresses the virtual gateway on its guest-facing subnet.
type GatewayConfig struct {
	Subnet    *net.IPNet
	GatewayIP net.IP
	DHCPStart net.IP
	DHCPEnd   net.IP

	// LeaseDuration for DHCP offers. Zero means one hour.
	LeaseDuration time.Duration
}

// gatewayMAC is the virtual gateway's MAC on every user-NAT subnet. Locally
// administered, so it can never collide with real hardware.
var gatewayMAC = net.HardwareAddr{0x52, 0x55, 0x0a, 0x00, 0x02, 0x02}

// Gateway is the host-side task for a user-NAT VM: it drains guest frames,
// runs them through policy and the NAT table, and plays the gateway roles
// NAT falls through to: ARP responder, ICMP echo, DHCP server, DNS proxy.
type Gateway struct {
	cfg   GatewayConfig
	io    frameio.FrameIO
	table *Table
	dns   *dnsproxy.Proxy
	rules *policy.Engine

	mu       sync.Mutex
	guestMAC net.HardwareAddr
	leases   map[string]net.IP // MAC string -> leased IP
	nextIP   net.IP
}

// NewGateway assembles a gateway. dns and rules may be nil to disable DNS
// proxying and policy enforcement respectively.
func NewGateway(cfg GatewayConfig, fio frameio.FrameIO, table *Table, dns *dnsproxy.Proxy, rules *policy.Engine) *Gateway {
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Hour
	}
	g := &Gateway{
		cfg:    cfg,
		io:     fio,
		table:  table,
		dns:    dns,
		rules:  rules,
		leases: make(map[string]net.IP),
		nextIP: cloneIP(cfg.DHCPStart),
	}
	table.ToGuest = g.sendToGuest
	return g
}

// Run drains frames until ctx is cancelled or the transport fails. A
// background ticker expires idle NAT flows.
func (g *Gateway) Run(ctx context.Context) error {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.table.Cleanup()
				if g.dns != nil {
					g.dns.Cache.Cleanup()
				}
			}
		}
	}()

	buf := make([]byte, 2048)
	for {
		n, err := g.io.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		g.handleFrame(ctx, frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, frame []byte) {
	if len(frame) < ethHeaderLen {
		return
	}
	g.learnGuestMAC(frame)

	etherType := binary.BigEndian.Uint16(frame[12:14])
	switch etherType {
	case uint16(header.ARPProtocolNumber):
		g.handleARP(frame)
		return
	case uint16(header.IPv4ProtocolNumber):
	default:
		return
	}

	ipPkt := header.IPv4(frame[ethHeaderLen:])
	if !ipPkt.IsValid(len(frame) - ethHeaderLen) {
		return
	}

	if g.isDHCP(ipPkt) {
		g.handleDHCP(ipPkt)
		return
	}
	if g.dns != nil && g.isDNSQuery(ipPkt) {
		g.handleDNS(ctx, ipPkt)
		return
	}

	dstAddr := ipPkt.DestinationAddress().As4()
	dst := net.IP(dstAddr[:])
	if dst.Equal(g.cfg.GatewayIP) {
		if ipPkt.TransportProtocol() == header.ICMPv4ProtocolNumber {
			g.handleICMPEcho(ipPkt)
		}
		return
	}

	if g.rules != nil && !g.permitted(ipPkt) {
		return
	}

	if g.table.ProcessFrame(frame) {
		return
	}
}

// learnGuestMAC remembers the guest's source MAC so synthesized frames can
// be addressed properly.
func (g *Gateway) learnGuestMAC(frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.guestMAC == nil {
		g.guestMAC = append(net.HardwareAddr{}, frame[6:12]...)
	}
}

// sendToGuest fills in ethernet addressing on a synthesized frame and
// transmits it.
func (g *Gateway) sendToGuest(frame []byte) error {
	g.mu.Lock()
	guestMAC := g.guestMAC
	g.mu.Unlock()
	if len(frame) >= ethHeaderLen && guestMAC != nil {
		copy(frame[0:6], guestMAC)
		copy(frame[6:12], gatewayMAC)
	}
	return g.io.Send(context.Background(), frame)
}

func (g *Gateway) permitted(ipPkt header.IPv4) bool {
	srcAddr := ipPkt.SourceAddress().As4()
	dstAddr := ipPkt.DestinationAddress().As4()
	pkt := policy.Packet{
		SrcIP: net.IP(srcAddr[:]),
		DstIP: net.IP(dstAddr[:]),
	}
	switch ipPkt.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcpPkt := header.TCP(ipPkt.Payload())
		if len(tcpPkt) < header.TCPMinimumSize {
			return false
		}
		pkt.Protocol = policy.TCP
		pkt.DstPort = tcpPkt.DestinationPort()
	case header.UDPProtocolNumber:
		udpPkt := header.UDP(ipPkt.Payload())
		if len(udpPkt) < header.UDPMinimumSize {
			return false
		}
		pkt.Protocol = policy.UDP
		pkt.DstPort = udpPkt.DestinationPort()
	}
	return g.rules.Evaluate(pkt) == policy.Allow
}

// handleARP answers "who-has gateway-IP" with the gateway MAC.
func (g *Gateway) handleARP(frame []byte) {
	arp := header.ARP(frame[ethHeaderLen:])
	if !arp.IsValid() || arp.Op() != header.ARPRequest {
		return
	}
	target := net.IP(arp.ProtocolAddressTarget())
	if !target.Equal(g.cfg.GatewayIP.To4()) {
		return
	}

	reply := make([]byte, ethHeaderLen+header.ARPSize)
	copy(reply[0:6], arp.HardwareAddressSender())
	copy(reply[6:12], gatewayMAC)
	binary.BigEndian.PutUint16(reply[12:14], uint16(header.ARPProtocolNumber))

	out := header.ARP(reply[ethHeaderLen:])
	out.SetIPv4OverEthernet()
	out.SetOp(header.ARPReply)
	copy(out.HardwareAddressSender(), gatewayMAC)
	copy(out.ProtocolAddressSender(), g.cfg.GatewayIP.To4())
	copy(out.HardwareAddressTarget(), arp.HardwareAddressSender())
	copy(out.ProtocolAddressTarget(), arp.ProtocolAddressSender())

	if err := g.io.Send(context.Background(), reply); err != nil {
		log.Printf("gateway: arp reply failed: %v", err)
	}
}

// handleICMPEcho answers pings addressed to the gateway itself.
func (g *Gateway) handleICMPEcho(ipPkt header.IPv4) {
	icmp := header.ICMPv4(ipPkt.Payload())
	if len(icmp) < header.ICMPv4MinimumSize || icmp.Type() != header.ICMPv4Echo {
		return
	}

	payload := make([]byte, len(icmp))
	copy(payload, icmp)
	reply := header.ICMPv4(payload)
	reply.SetType(header.ICMPv4EchoReply)
	reply.SetChecksum(0)
	reply.SetChecksum(^checksum.Checksum(payload, 0))

	src := ipPkt.SourceAddress().As4()
	frame := buildIPv4Frame(g.gatewayIP4(), src, uint8(header.ICMPv4ProtocolNumber), payload)
	g.sendToGuest(frame)
}

func (g *Gateway) gatewayIP4() [4]byte {
	var gw [4]byte
	copy(gw[:], g.cfg.GatewayIP.To4())
	return gw
}

func (g *Gateway) isDHCP(ipPkt header.IPv4) bool {
	if ipPkt.TransportProtocol() != header.UDPProtocolNumber {
		return false
	}
	udpPkt := header.UDP(ipPkt.Payload())
	return len(udpPkt) >= header.UDPMinimumSize && udpPkt.DestinationPort() == dhcpv4.ServerPort
}

func (g *Gateway) isDNSQuery(ipPkt header.IPv4) bool {
	if ipPkt.TransportProtocol() != header.UDPProtocolNumber {
		return false
	}
	udpPkt := header.UDP(ipPkt.Payload())
	if len(udpPkt) < header.UDPMinimumSize || udpPkt.DestinationPort() != 53 {
		return false
	}
	// Only queries addressed to the gateway are proxied; queries to an
	// explicit external resolver flow through NAT untouched.
	dstAddr := ipPkt.DestinationAddress().As4()
	return net.IP(dstAddr[:]).Equal(g.cfg.GatewayIP)
}

// handleDHCP serves Discover/Request with a fixed-range lease allocator.
func (g *Gateway) handleDHCP(ipPkt header.IPv4) {
	udpPkt := header.UDP(ipPkt.Payload())
	req, err := dhcpv4.FromBytes(udpPkt.Payload())
	if err != nil {
		log.Printf("gateway: malformed dhcp packet: %v", err)
		return
	}

	leaseIP := g.leaseFor(req.ClientHWAddr)
	if leaseIP == nil {
		log.Printf("gateway: dhcp pool exhausted")
		return
	}

	mods := []dhcpv4.Modifier{
		dhcpv4.WithYourIP(leaseIP),
		dhcpv4.WithServerIP(g.cfg.GatewayIP),
		dhcpv4.WithNetmask(g.cfg.Subnet.Mask),
		dhcpv4.WithRouter(g.cfg.GatewayIP),
		dhcpv4.WithDNS(g.cfg.GatewayIP),
		dhcpv4.WithLeaseTime(uint32(g.cfg.LeaseDuration.Seconds())),
	}
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer))
	case dhcpv4.MessageTypeRequest:
		mods = append(mods, dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
	default:
		return
	}

	resp, err := dhcpv4.NewReplyFromRequest(req, mods...)
	if err != nil {
		log.Printf("gateway: build dhcp reply: %v", err)
		return
	}

	// Replies go to the broadcast address: the client does not have its
	// address yet.
	frame := buildUDPFrame(g.gatewayIP4(), dhcpv4.ServerPort, [4]byte{255, 255, 255, 255}, dhcpv4.ClientPort, resp.ToBytes())
	copy(frame[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], gatewayMAC)
	if err := g.io.Send(context.Background(), frame); err != nil {
		log.Printf("gateway: dhcp reply send failed: %v", err)
	}
}

// leaseFor returns the client's existing lease or allocates the next free
// address in the configured range.
func (g *Gateway) leaseFor(mac net.HardwareAddr) net.IP {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := mac.String()
	if ip, ok := g.leases[key]; ok {
		return ip
	}

	end := g.cfg.DHCPEnd.To4()
	cur := g.nextIP.To4()
	if cur == nil || ipGreater(cur, end) {
		return nil
	}
	lease := cloneIP(cur)
	g.leases[key] = lease
	g.nextIP = incrementIP(cur)
	return lease
}

// handleDNS forwards the query upstream and returns the response as a frame
// from the gateway. Runs async so a slow resolver never stalls the frame
// loop.
func (g *Gateway) handleDNS(ctx context.Context, ipPkt header.IPv4) {
	udpPkt := header.UDP(ipPkt.Payload())
	query := make([]byte, len(udpPkt.Payload()))
	copy(query, udpPkt.Payload())

	src := ipPkt.SourceAddress().As4()
	srcPort := udpPkt.SourcePort()

	go func() {
		resp, err := g.dns.HandleQuery(ctx, query)
		if err != nil {
			log.Printf("gateway: dns proxy: %v", err)
			return
		}
		frame := buildUDPFrame(g.gatewayIP4(), 53, src, srcPort, resp)
		g.sendToGuest(frame)
	}()
}

// buildIPv4Frame wraps payload in ethernet+IPv4 headers with the given
// transport protocol number.
func buildIPv4Frame(srcIP, dstIP [4]byte, proto uint8, payload []byte) []byte {
	ipLen := header.IPv4MinimumSize + len(payload)
	frame := buildEthernetIPv4(ipLen, srcIP, dstIP)

	ipHdr := header.IPv4(frame[ethHeaderLen:])
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(ipLen),
		TTL:         64,
		Protocol:    proto,
		SrcAddr:     tcpip.AddrFrom4(srcIP),
		DstAddr:     tcpip.AddrFrom4(dstIP),
	})
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	copy(frame[ethHeaderLen+header.IPv4MinimumSize:], payload)
	return frame
}

func cloneIP(ip net.IP) net.IP {
	return append(net.IP{}, ip.To4()...)
}

func incrementIP(ip net.IP) net.IP {
	out := cloneIP(ip)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func ipGreater(a, b net.IP) bool {
	a4, b4 := a.To4(), b.To4()
	for i := 0; i < 4; i++ {
		if a4[i] != b4[i] {
			return a4[i] > b4[i]
		}
	}
	return false
}
