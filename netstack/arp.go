package netstack

import (
	"encoding/binary"
	"net"
)

const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800
	arpOpRequest     = 1
	arpOpReply       = 2
)

// handleARP answers only requests targeting GatewayIP, per spec.md §4.8;
// everything else (including replies, which the stack never needs) is
// silently ignored by returning nil.
func handleARP(eth ethernetFrame) []byte {
	p := eth.Payload
	if len(p) < 28 {
		return nil
	}
	op := binary.BigEndian.Uint16(p[6:8])
	senderMAC := net.HardwareAddr(p[8:14])
	senderIP := net.IP(p[14:18])
	targetIP := net.IP(p[24:28])

	if op != arpOpRequest || !targetIP.Equal(GatewayIP) {
		return nil
	}

	reply := make([]byte, 28)
	binary.BigEndian.PutUint16(reply[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(reply[2:4], arpPTypeIPv4)
	reply[4] = 6
	reply[5] = 4
	binary.BigEndian.PutUint16(reply[6:8], arpOpReply)
	copy(reply[8:14], GatewayMAC)
	copy(reply[14:18], GatewayIP)
	copy(reply[18:24], senderMAC)
	copy(reply[24:28], senderIP)

	return buildEthernet(senderMAC, GatewayMAC, ethTypeARP, reply)
}
