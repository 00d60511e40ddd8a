package netstack

import (
	"encoding/binary"
	"net"
)

// ipv4Header is a parsed view over an IPv4 packet's fixed fields (options
// are never present on anything this stack needs to understand).
type ipv4Header struct {
	Proto  byte
	Src    net.IP
	Dst    net.IP
	HeaderLen int
	Payload []byte
}

func parseIPv4(raw []byte) (ipv4Header, bool) {
	if len(raw) < 20 || raw[0]>>4 != 4 {
		return ipv4Header{}, false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl {
		return ipv4Header{}, false
	}
	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	if totalLen > len(raw) {
		totalLen = len(raw)
	}
	return ipv4Header{
		Proto:     raw[9],
		Src:       net.IP(raw[12:16]),
		Dst:       net.IP(raw[16:20]),
		HeaderLen: ihl,
		Payload:   raw[ihl:totalLen],
	}, true
}

// buildIPv4 assembles a 20-byte-header IPv4 packet (no options) with a
// freshly computed header checksum.
func buildIPv4(proto byte, src, dst net.IP, payload []byte) []byte {
	total := 20 + len(payload)
	out := make([]byte, total)
	out[0] = 0x45
	out[1] = 0
	binary.BigEndian.PutUint16(out[2:4], uint16(total)) //nolint:gosec
	binary.BigEndian.PutUint16(out[4:6], 0)
	binary.BigEndian.PutUint16(out[6:8], 0x4000) // DF
	out[8] = 64
	out[9] = proto
	binary.BigEndian.PutUint16(out[10:12], 0)
	copy(out[12:16], src.To4())
	copy(out[16:20], dst.To4())
	binary.BigEndian.PutUint16(out[10:12], checksum16(out[0:20]))
	copy(out[20:], payload)
	return out
}
