package nat

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// chanFrameIO is an in-memory frame transport: the test plays the guest.
type chanFrameIO struct {
	toGateway chan []byte
	toGuest   chan []byte
}

func newChanFrameIO() *chanFrameIO {
	return &chanFrameIO{toGateway: make(chan []byte, 16), toGuest: make(chan []byte, 16)}
}

func (c *chanFrameIO) MTU() int { return 1500 }

func (c *chanFrameIO) Recv(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case frame := <-c.toGateway:
		return copy(buf, frame), nil
	}
}

func (c *chanFrameIO) Send(ctx context.Context, frame []byte) error {
	out := make([]byte, len(frame))
	copy(out, frame)
	select {
	case c.toGuest <- out:
	default:
	}
	return nil
}

func (c *chanFrameIO) Close() error { return nil }

func testGatewayConfig() GatewayConfig {
	_, subnet, _ := net.ParseCIDR("192.168.127.0/24")
	return GatewayConfig{
		Subnet:    subnet,
		GatewayIP: net.IPv4(192, 168, 127, 1),
		DHCPStart: net.IPv4(192, 168, 127, 100),
		DHCPEnd:   net.IPv4(192, 168, 127, 200),
	}
}

func startGateway(t *testing.T) (*chanFrameIO, *Gateway, context.CancelFunc) {
	t.Helper()
	fio := newChanFrameIO()
	table := NewTable(net.IPv4(192, 168, 127, 1), 300*time.Second, 60*time.Second)
	g := NewGateway(testGatewayConfig(), fio, table, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go g.Run(ctx)
	return fio, g, cancel
}

func guestMAC() net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
}

func TestGatewayAnswersARP(t *testing.T) {
	fio, _, cancel := startGateway(t)
	defer cancel()

	req := make([]byte, ethHeaderLen+header.ARPSize)
	copy(req[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(req[6:12], guestMAC())
	binary.BigEndian.PutUint16(req[12:14], uint16(header.ARPProtocolNumber))
	arp := header.ARP(req[ethHeaderLen:])
	arp.SetIPv4OverEthernet()
	arp.SetOp(header.ARPRequest)
	copy(arp.HardwareAddressSender(), guestMAC())
	copy(arp.ProtocolAddressSender(), net.IPv4(192, 168, 127, 15).To4())
	copy(arp.ProtocolAddressTarget(), net.IPv4(192, 168, 127, 1).To4())

	fio.toGateway <- req

	select {
	case reply := <-fio.toGuest:
		out := header.ARP(reply[ethHeaderLen:])
		if out.Op() != header.ARPReply {
			t.Fatalf("op = %v, want reply", out.Op())
		}
		if !net.IP(out.ProtocolAddressSender()).Equal(net.IPv4(192, 168, 127, 1)) {
			t.Fatalf("sender IP = %v", net.IP(out.ProtocolAddressSender()))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ARP reply")
	}
}

func TestGatewayServesDHCP(t *testing.T) {
	fio, _, cancel := startGateway(t)
	defer cancel()

	discover, err := dhcpv4.New(
		dhcpv4.WithHwAddr(guestMAC()),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDiscover),
	)
	if err != nil {
		t.Fatalf("build discover: %v", err)
	}

	frame := buildUDPFrame([4]byte{0, 0, 0, 0}, dhcpv4.ClientPort, [4]byte{255, 255, 255, 255}, dhcpv4.ServerPort, discover.ToBytes())
	copy(frame[6:12], guestMAC())
	fio.toGateway <- frame

	select {
	case reply := <-fio.toGuest:
		udpPkt := header.UDP(header.IPv4(reply[ethHeaderLen:]).Payload())
		offer, err := dhcpv4.FromBytes(udpPkt.Payload())
		if err != nil {
			t.Fatalf("parse offer: %v", err)
		}
		if offer.MessageType() != dhcpv4.MessageTypeOffer {
			t.Fatalf("message type = %v, want offer", offer.MessageType())
		}
		if !offer.YourIPAddr.Equal(net.IPv4(192, 168, 127, 100)) {
			t.Fatalf("leased IP = %v, want first pool address", offer.YourIPAddr)
		}
		if !offer.Router()[0].Equal(net.IPv4(192, 168, 127, 1)) {
			t.Fatalf("router option = %v", offer.Router())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no DHCP offer")
	}
}

func TestGatewayDHCPLeaseStableAcrossRequests(t *testing.T) {
	_, g, cancel := startGateway(t)
	defer cancel()

	first := g.leaseFor(guestMAC())
	second := g.leaseFor(guestMAC())
	if !first.Equal(second) {
		t.Fatalf("same MAC got different leases: %v vs %v", first, second)
	}
	other := g.leaseFor(net.HardwareAddr{0x02, 0, 0, 0, 0, 2})
	if other.Equal(first) {
		t.Fatalf("distinct MACs share a lease: %v", other)
	}
}

func TestGatewayAnswersICMPEcho(t *testing.T) {
	fio, _, cancel := startGateway(t)
	defer cancel()

	echo := make([]byte, header.ICMPv4MinimumSize+4)
	icmp := header.ICMPv4(echo)
	icmp.SetType(header.ICMPv4Echo)
	icmp.SetChecksum(0)
	icmp.SetChecksum(^checksum.Checksum(echo, 0))

	frame := buildIPv4Frame([4]byte{192, 168, 127, 15}, [4]byte{192, 168, 127, 1}, uint8(header.ICMPv4ProtocolNumber), echo)
	copy(frame[6:12], guestMAC())
	fio.toGateway <- frame

	select {
	case reply := <-fio.toGuest:
		out := header.ICMPv4(header.IPv4(reply[ethHeaderLen:]).Payload())
		if out.Type() != header.ICMPv4EchoReply {
			t.Fatalf("type = %v, want echo reply", out.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ICMP echo reply")
	}
}
