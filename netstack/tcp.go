package netstack

import (
	"encoding/binary"
	"net"
)

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

type tcpHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   byte
	Window  uint16
	Payload []byte
}

func parseTCP(payload []byte) (tcpHeader, bool) {
	if len(payload) < 20 {
		return tcpHeader{}, false
	}
	dataOff := int(payload[12]>>4) * 4
	if dataOff < 20 || dataOff > len(payload) {
		return tcpHeader{}, false
	}
	return tcpHeader{
		SrcPort: binary.BigEndian.Uint16(payload[0:2]),
		DstPort: binary.BigEndian.Uint16(payload[2:4]),
		Seq:     binary.BigEndian.Uint32(payload[4:8]),
		Ack:     binary.BigEndian.Uint32(payload[8:12]),
		Flags:   payload[13],
		Window:  binary.BigEndian.Uint16(payload[14:16]),
		Payload: payload[dataOff:],
	}, true
}

// tcpWindow is the receive window this stack always advertises — fixed
// and generous since it never itself runs short of buffer space.
const tcpWindow = 65535

// buildTCPSegment assembles a full Ethernet+IPv4+TCP frame carrying the
// given flags/seq/ack and optional payload, from (srcIP,srcPort) to
// (dstIP,dstPort).
func buildTCPSegment(srcIP net.IP, srcMAC net.HardwareAddr, srcPort uint16, dstIP net.IP, dstMAC net.HardwareAddr, dstPort uint16, seq, ack uint32, flags byte, payload []byte) []byte {
	segLen := 20 + len(payload)
	seg := make([]byte, segLen)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint32(seg[4:8], seq)
	binary.BigEndian.PutUint32(seg[8:12], ack)
	seg[12] = 5 << 4 // data offset: 20 bytes, no options
	seg[13] = flags
	binary.BigEndian.PutUint16(seg[14:16], tcpWindow)
	binary.BigEndian.PutUint16(seg[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(seg[18:20], 0)
	copy(seg[20:], payload)

	pseudo := pseudoHeaderSum(srcIP.To4(), dstIP.To4(), ipProtoTCP, segLen)
	binary.BigEndian.PutUint16(seg[16:18], checksum16WithPseudo(pseudo, seg))

	ipPkt := buildIPv4(ipProtoTCP, srcIP, dstIP, seg)
	return buildEthernet(dstMAC, srcMAC, ethTypeIPv4, ipPkt)
}
