package netstack

import (
	"encoding/binary"
	"net"
)

// ethernetFrame is a parsed view over a raw frame's fixed header fields;
// Payload aliases the input slice past the 14-byte header.
type ethernetFrame struct {
	Dst     net.HardwareAddr
	Src     net.HardwareAddr
	Type    uint16
	Payload []byte
}

// parseEthernet returns ok=false for anything shorter than a full header
// (spec.md §4.8's "< 14 bytes -> drop").
func parseEthernet(raw []byte) (ethernetFrame, bool) {
	if len(raw) < ethHeaderLen {
		return ethernetFrame{}, false
	}
	return ethernetFrame{
		Dst:     net.HardwareAddr(raw[0:6]),
		Src:     net.HardwareAddr(raw[6:12]),
		Type:    binary.BigEndian.Uint16(raw[12:14]),
		Payload: raw[14:],
	}, true
}

func buildEthernet(dst, src net.HardwareAddr, ethType uint16, payload []byte) []byte {
	out := make([]byte, ethHeaderLen+len(payload))
	copy(out[0:6], dst)
	copy(out[6:12], src)
	binary.BigEndian.PutUint16(out[12:14], ethType)
	copy(out[14:], payload)
	return out
}
