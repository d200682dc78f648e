// Package nat implements the per-VM userspace NAT stack: a stateful
// TCP/UDP table keyed by guest flow, plus the virtual gateway roles NAT
// falls through to (ARP, ICMP echo, DHCP, DNS proxying). Ethernet/IPv4/
// TCP/UDP headers are parsed and built with gvisor's tcpip/header package.
package nat

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Protocol distinguishes TCP and UDP flows.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
)

// FlowKey identifies one TCP flow by its 5-tuple minus protocol (the table
// is already split TCP/UDP).
type FlowKey struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// UDPKey identifies a UDP "binding" by the guest's source endpoint only;
// a single ephemeral host socket serves all destinations from that source
// per the original's one-socket-per-src design.
type UDPKey struct {
	SrcIP   [4]byte
	SrcPort uint16
}

type tcpState int

const (
	tcpConnecting tcpState = iota
	tcpEstablished
	tcpClosing
)

type tcpFlow struct {
	key       FlowKey
	conn      net.Conn
	state     tcpState
	guestISN  uint32 // guest's initial sequence number (from SYN)
	hostSeq   uint32 // our synthesized sequence number for host->guest bytes
	guestNext uint32 // next guest sequence number we expect (our ack value)
	lastUsed  time.Time
	cancel    context.CancelFunc
	mu        sync.Mutex
}

type udpBinding struct {
	key      UDPKey
	conn     net.PacketConn
	lastUsed time.Time
	cancel   context.CancelFunc
}

// PortForward describes a host DNAT rule from HostPort to GuestIP:GuestPort.
// AddPortForward records it in the table; the table does not listen on
// HostPort or translate any traffic for a recorded rule.
type PortForward struct {
	Protocol  Protocol
	HostPort  uint16
	GuestIP   [4]byte
	GuestPort uint16
}

// Table is the per-VM stateful NAT table.
type Table struct {
	gatewayIP [4]byte

	tcpIdle time.Duration
	udpIdle time.Duration

	// ToGuest synthesizes a frame destined for the guest's MAC/IP and hands
	// it to the frame transport. Set by the owner before use.
	ToGuest func(frame []byte) error

	mu   sync.Mutex
	tcp  map[FlowKey]*tcpFlow
	udp  map[UDPKey]*udpBinding
	pfwd map[uint16]PortForward // keyed by host port alone; Protocol is not part of the key
}

// NewTable constructs a NAT table for a gateway at gatewayIP.
func NewTable(gatewayIP net.IP, tcpIdle, udpIdle time.Duration) *Table {
	var gw [4]byte
	copy(gw[:], gatewayIP.To4())
	return &Table{
		gatewayIP: gw,
		tcpIdle:   tcpIdle,
		udpIdle:   udpIdle,
		tcp:       make(map[FlowKey]*tcpFlow),
		udp:       make(map[UDPKey]*udpBinding),
		pfwd:      make(map[uint16]PortForward),
	}
}

// AddPortForward registers a host->guest DNAT rule.
func (t *Table) AddPortForward(pf PortForward) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pfwd[pf.HostPort] = pf
}

const ethHeaderLen = 14

// ProcessFrame consumes one ethernet frame from the guest. It returns true
// if NAT handled the frame, false if the caller should fall through to the
// gateway stack (ARP, ICMP-to-gateway, DHCP).
func (t *Table) ProcessFrame(frame []byte) bool {
	if len(frame) < ethHeaderLen+header.IPv4MinimumSize {
		return false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != uint16(header.IPv4ProtocolNumber) {
		return false
	}
	ipPkt := header.IPv4(frame[ethHeaderLen:])
	if !ipPkt.IsValid(len(frame) - ethHeaderLen) {
		return false
	}

	dst := ipPkt.DestinationAddress().As4()
	if dst == t.gatewayIP {
		return false
	}

	switch ipPkt.TransportProtocol() {
	case header.TCPProtocolNumber:
		return t.handleTCP(ipPkt)
	case header.UDPProtocolNumber:
		return t.handleUDP(ipPkt)
	default:
		return false
	}
}

func (t *Table) handleTCP(ipPkt header.IPv4) bool {
	tcpPkt := header.TCP(ipPkt.Payload())
	if len(tcpPkt) < header.TCPMinimumSize {
		return false
	}

	src := ipPkt.SourceAddress().As4()
	dst := ipPkt.DestinationAddress().As4()
	key := FlowKey{SrcIP: src, SrcPort: tcpPkt.SourcePort(), DstIP: dst, DstPort: tcpPkt.DestinationPort()}

	t.mu.Lock()
	flow, exists := t.tcp[key]
	t.mu.Unlock()

	flags := tcpPkt.Flags()
	isSYN := flags&header.TCPFlagSyn != 0
	isACK := flags&header.TCPFlagAck != 0
	isFIN := flags&header.TCPFlagFin != 0
	isRST := flags&header.TCPFlagRst != 0

	if !exists {
		if !isSYN || isACK {
			// Data for an unknown flow; nothing to do but drop.
			return true
		}
		t.openTCPFlow(key, tcpPkt)
		return true
	}

	flow.mu.Lock()
	defer flow.mu.Unlock()
	flow.lastUsed = time.Now()

	if isRST {
		t.closeTCPFlow(key, flow)
		return true
	}
	if isFIN {
		flow.state = tcpClosing
	}
	if payload := tcpPkt.Payload(); len(payload) > 0 && flow.state != tcpConnecting {
		if _, err := flow.conn.Write(payload); err != nil {
			log.Printf("nat: tcp flow %+v write failed: %v", key, err)
			t.closeTCPFlow(key, flow)
			return true
		}
		flow.guestNext += uint32(len(payload))
	}
	if flow.state == tcpClosing {
		flow.conn.Close()
	}
	return true
}

func (t *Table) openTCPFlow(key FlowKey, syn header.TCP) {
	ctx, cancel := context.WithCancel(context.Background())
	flow := &tcpFlow{
		key:      key,
		state:    tcpConnecting,
		guestISN: syn.SequenceNumber(),
		hostSeq:  randomISN(),
		cancel:   cancel,
		lastUsed: time.Now(),
	}
	flow.guestNext = flow.guestISN + 1

	t.mu.Lock()
	t.tcp[key] = flow
	t.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", net.IP(key.DstIP[:]).String(), key.DstPort)
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp4", addr)
	if err != nil {
		log.Printf("nat: tcp connect to %s failed: %v", addr, err)
		t.sendSynthesizedRST(key, flow)
		t.mu.Lock()
		delete(t.tcp, key)
		t.mu.Unlock()
		return
	}
	flow.conn = conn
	flow.state = tcpEstablished
	t.sendSynthesizedSynAck(key, flow)

	go t.pumpHostToGuest(ctx, key, flow)
}

// sendSynthesizedSynAck and sendSynthesizedRST build minimal ethernet/IPv4/
// TCP frames and hand them to ToGuest. Checksums are computed via gvisor's
// header helpers; MAC addresses are left zeroed here, and the gateway's
// sendToGuest writes its own and the guest's MAC before transmission.
func (t *Table) sendSynthesizedSynAck(key FlowKey, flow *tcpFlow) {
	t.sendSynthesizedSegment(key, flow, header.TCPFlagSyn|header.TCPFlagAck, nil)
	flow.hostSeq++
}

func (t *Table) sendSynthesizedRST(key FlowKey, flow *tcpFlow) {
	t.sendSynthesizedSegment(key, flow, header.TCPFlagRst|header.TCPFlagAck, nil)
}

func (t *Table) sendSynthesizedSegment(key FlowKey, flow *tcpFlow, flags header.TCPFlags, payload []byte) {
	if t.ToGuest == nil {
		return
	}
	frame := buildTCPFrame(key.DstIP, key.DstPort, key.SrcIP, key.SrcPort, flow.hostSeq, flow.guestNext, flags, payload)
	if err := t.ToGuest(frame); err != nil {
		log.Printf("nat: failed to deliver synthesized segment to guest: %v", err)
	}
}

func (t *Table) pumpHostToGuest(ctx context.Context, key FlowKey, flow *tcpFlow) {
	buf := make([]byte, 1460)
	for {
		n, err := flow.conn.Read(buf)
		if n > 0 {
			flow.mu.Lock()
			t.sendSynthesizedSegment(key, flow, header.TCPFlagAck|header.TCPFlagPsh, buf[:n])
			flow.hostSeq += uint32(n)
			flow.mu.Unlock()
		}
		if err != nil {
			flow.mu.Lock()
			t.sendSynthesizedSegment(key, flow, header.TCPFlagFin|header.TCPFlagAck, nil)
			flow.hostSeq++
			flow.mu.Unlock()
			t.mu.Lock()
			delete(t.tcp, key)
			t.mu.Unlock()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (t *Table) closeTCPFlow(key FlowKey, flow *tcpFlow) {
	flow.cancel()
	if flow.conn != nil {
		flow.conn.Close()
	}
	t.mu.Lock()
	delete(t.tcp, key)
	t.mu.Unlock()
}

func (t *Table) handleUDP(ipPkt header.IPv4) bool {
	udpPkt := header.UDP(ipPkt.Payload())
	if len(udpPkt) < header.UDPMinimumSize {
		return false
	}

	src := ipPkt.SourceAddress().As4()
	dst := ipPkt.DestinationAddress().As4()
	ukey := UDPKey{SrcIP: src, SrcPort: udpPkt.SourcePort()}
	dstPort := udpPkt.DestinationPort()
	payload := udpPkt.Payload()

	t.mu.Lock()
	binding, exists := t.udp[ukey]
	t.mu.Unlock()

	if !exists {
		ctx, cancel := context.WithCancel(context.Background())
		conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
		if err != nil {
			cancel()
			log.Printf("nat: udp ephemeral socket failed: %v", err)
			return true
		}
		binding = &udpBinding{key: ukey, conn: conn, cancel: cancel, lastUsed: time.Now()}
		t.mu.Lock()
		t.udp[ukey] = binding
		t.mu.Unlock()
		go t.pumpUDPReturn(ctx, ukey, src, udpPkt.SourcePort(), binding)
	}

	binding.lastUsed = time.Now()
	dstAddr := &net.UDPAddr{IP: net.IP(dst[:]), Port: int(dstPort)}
	if _, err := binding.conn.WriteTo(payload, dstAddr); err != nil {
		log.Printf("nat: udp forward to %s failed: %v", dstAddr, err)
	}
	return true
}

func (t *Table) pumpUDPReturn(ctx context.Context, ukey UDPKey, guestSrcIP [4]byte, guestSrcPort uint16, binding *udpBinding) {
	buf := make([]byte, 65507)
	for {
		n, from, err := binding.conn.ReadFrom(buf)
		if err != nil {
			t.mu.Lock()
			delete(t.udp, ukey)
			t.mu.Unlock()
			return
		}
		udpFrom, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		var remoteIP [4]byte
		copy(remoteIP[:], udpFrom.IP.To4())
		frame := buildUDPFrame(remoteIP, uint16(udpFrom.Port), guestSrcIP, guestSrcPort, buf[:n])
		if t.ToGuest != nil {
			if err := t.ToGuest(frame); err != nil {
				log.Printf("nat: failed to deliver udp return frame: %v", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Cleanup removes flows idle past their protocol's timeout.
func (t *Table) Cleanup() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, flow := range t.tcp {
		if now.Sub(flow.lastUsed) > t.tcpIdle {
			flow.cancel()
			if flow.conn != nil {
				flow.conn.Close()
			}
			delete(t.tcp, key)
		}
	}
	for key, b := range t.udp {
		if now.Sub(b.lastUsed) > t.udpIdle {
			b.cancel()
			b.conn.Close()
			delete(t.udp, key)
		}
	}
}

func randomISN() uint32 {
	return uint32(time.Now().UnixNano())
}
