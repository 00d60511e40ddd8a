package netstack

import "encoding/binary"

const (
	icmpTypeEchoRequest = 8
	icmpTypeEchoReply   = 0
)

// handleICMP replies to echo requests with the original payload unchanged
// except for type and a recomputed checksum (spec.md §4.8).
func handleICMP(ip ipv4Header, eth ethernetFrame) []byte {
	body := ip.Payload
	if len(body) < 8 || body[0] != icmpTypeEchoRequest {
		return nil
	}
	reply := make([]byte, len(body))
	copy(reply, body)
	reply[0] = icmpTypeEchoReply
	reply[1] = 0
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], checksum16(reply))

	ipPkt := buildIPv4(ipProtoICMP, GatewayIP, ip.Src, reply)
	return buildEthernet(eth.Src, GatewayMAC, ethTypeIPv4, ipPkt)
}
