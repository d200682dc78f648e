package nat

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// zeroMAC is the placeholder MAC for synthesized frames; the gateway
// rewrites source and destination to its own and the guest's MAC before
// transmission, since ARP state lives there.
var zeroMAC = [6]byte{}

func buildEthernetIPv4(totalIPLen int, src, dst [4]byte) []byte {
	frame := make([]byte, ethHeaderLen+totalIPLen)
	copy(frame[0:6], zeroMAC[:])
	copy(frame[6:12], zeroMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], uint16(header.IPv4ProtocolNumber))
	return frame
}

func buildTCPFrame(srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, seq, ack uint32, flags header.TCPFlags, payload []byte) []byte {
	tcpLen := header.TCPMinimumSize + len(payload)
	ipLen := header.IPv4MinimumSize + tcpLen
	frame := buildEthernetIPv4(ipLen, srcIP, dstIP)

	ipHdr := header.IPv4(frame[ethHeaderLen:])
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(ipLen),
		TTL:         64,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(srcIP),
		DstAddr:     tcpip.AddrFrom4(dstIP),
	})
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	tcpHdr := header.TCP(frame[ethHeaderLen+header.IPv4MinimumSize:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	copy(tcpHdr.Payload(), payload)

	pseudoSum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, ipHdr.SourceAddress(), ipHdr.DestinationAddress(), uint16(tcpLen))
	tcpHdr.SetChecksum(0)
	fullSum := checksum.Checksum(tcpHdr, pseudoSum)
	tcpHdr.SetChecksum(^fullSum)

	return frame
}

func buildUDPFrame(srcIP [4]byte, srcPort uint16, dstIP [4]byte, dstPort uint16, payload []byte) []byte {
	udpLen := header.UDPMinimumSize + len(payload)
	ipLen := header.IPv4MinimumSize + udpLen
	frame := buildEthernetIPv4(ipLen, srcIP, dstIP)

	ipHdr := header.IPv4(frame[ethHeaderLen:])
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength: uint16(ipLen),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpip.AddrFrom4(srcIP),
		DstAddr:     tcpip.AddrFrom4(dstIP),
	})
	ipHdr.SetChecksum(0)
	ipHdr.SetChecksum(^ipHdr.CalculateChecksum())

	udpHdr := header.UDP(frame[ethHeaderLen+header.IPv4MinimumSize:])
	udpHdr.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpLen),
	})
	copy(udpHdr.Payload(), payload)

	pseudoSum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, ipHdr.SourceAddress(), ipHdr.DestinationAddress(), uint16(udpLen))
	udpHdr.SetChecksum(0)
	fullSum := checksum.Checksum(udpHdr, pseudoSum)
	udpHdr.SetChecksum(^fullSum)

	return frame
}
