package nat

import (
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Synthesized frames are decoded with an independent packet library so a
// bug in the builder and a matching bug in a parser cannot mask each other.

func TestBuildTCPFrameDecodes(t *testing.T) {
	payload := []byte("hello from the host side")
	frame := buildTCPFrame(
		[4]byte{93, 184, 216, 34}, 443,
		[4]byte{192, 168, 127, 15}, 40000,
		1000, 2000,
		header.TCPFlagAck|header.TCPFlagPsh,
		payload,
	)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if err := pkt.ErrorLayer(); err != nil {
		t.Fatalf("decode error: %v", err.Error())
	}

	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("no IPv4 layer")
	}
	if ipLayer.SrcIP.String() != "93.184.216.34" || ipLayer.DstIP.String() != "192.168.127.15" {
		t.Fatalf("addresses = %v -> %v", ipLayer.SrcIP, ipLayer.DstIP)
	}

	tcpLayer, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatal("no TCP layer")
	}
	if uint16(tcpLayer.SrcPort) != 443 || uint16(tcpLayer.DstPort) != 40000 {
		t.Fatalf("ports = %v -> %v", tcpLayer.SrcPort, tcpLayer.DstPort)
	}
	if tcpLayer.Seq != 1000 || tcpLayer.Ack != 2000 {
		t.Fatalf("seq/ack = %d/%d", tcpLayer.Seq, tcpLayer.Ack)
	}
	if !tcpLayer.ACK || !tcpLayer.PSH || tcpLayer.SYN {
		t.Fatalf("flags = ack:%v psh:%v syn:%v", tcpLayer.ACK, tcpLayer.PSH, tcpLayer.SYN)
	}
	if string(tcpLayer.Payload) != string(payload) {
		t.Fatalf("payload = %q", tcpLayer.Payload)
	}
}

func TestBuildUDPFrameDecodes(t *testing.T) {
	// Source port 53 makes the decoder parse the payload as DNS, so the
	// payload is a minimal DNS response header (id 0xdead, no records).
	payload := []byte{0xde, 0xad, 0x81, 0x80, 0, 0, 0, 0, 0, 0, 0, 0}
	frame := buildUDPFrame(
		[4]byte{8, 8, 8, 8}, 53,
		[4]byte{192, 168, 127, 15}, 5353,
		payload,
	)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	if err := pkt.ErrorLayer(); err != nil {
		t.Fatalf("decode error: %v", err.Error())
	}

	udpLayer, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer")
	}
	if uint16(udpLayer.SrcPort) != 53 || uint16(udpLayer.DstPort) != 5353 {
		t.Fatalf("ports = %v -> %v", udpLayer.SrcPort, udpLayer.DstPort)
	}
	if string(udpLayer.Payload) != string(payload) {
		t.Fatalf("payload = %x", udpLayer.Payload)
	}
}
