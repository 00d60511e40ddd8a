package netstack

import (
	"encoding/binary"
	"net"
)

type udpHeader struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

func parseUDP(payload []byte) (udpHeader, bool) {
	if len(payload) < 8 {
		return udpHeader{}, false
	}
	length := int(binary.BigEndian.Uint16(payload[4:6]))
	if length < 8 || length > len(payload) {
		length = len(payload)
	}
	return udpHeader{
		SrcPort: binary.BigEndian.Uint16(payload[0:2]),
		DstPort: binary.BigEndian.Uint16(payload[2:4]),
		Payload: payload[8:length],
	}, true
}

// buildUDPFrame assembles a full Ethernet+IPv4+UDP frame from srcIP:srcPort
// to dstIP:dstPort, used by both the DHCP server and the DNS forwarder's
// replies.
func buildUDPFrame(srcIP net.IP, srcMAC net.HardwareAddr, srcPort uint16, dstIP net.IP, dstMAC net.HardwareAddr, dstPort uint16, payload []byte, _ bool) []byte {
	udpLen := 8 + len(payload)
	seg := make([]byte, udpLen)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(udpLen)) //nolint:gosec
	binary.BigEndian.PutUint16(seg[6:8], 0)
	copy(seg[8:], payload)

	pseudo := pseudoHeaderSum(srcIP.To4(), dstIP.To4(), ipProtoUDP, udpLen)
	binary.BigEndian.PutUint16(seg[6:8], checksum16WithPseudo(pseudo, seg))

	ipPkt := buildIPv4(ipProtoUDP, srcIP, dstIP, seg)
	return buildEthernet(dstMAC, srcMAC, ethTypeIPv4, ipPkt)
}
