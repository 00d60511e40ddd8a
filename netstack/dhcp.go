package netstack

import (
	"encoding/binary"
	"net"
)

const (
	bootRequest = 1
	bootReply   = 2

	dhcpOptMsgType   = 53
	dhcpOptSubnet    = 1
	dhcpOptRouter    = 3
	dhcpOptDNS       = 6
	dhcpOptLeaseTime = 51
	dhcpOptServerID  = 54
	dhcpOptEnd       = 255

	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5

	dhcpLeaseSeconds = 24 * 60 * 60
)

var dhcpMagicCookie = [4]byte{99, 130, 83, 99}

// handleDHCP answers BOOTREQUESTs carrying option 53 DISCOVER or REQUEST,
// always offering GuestIP with a fixed 24h lease (spec.md §4.8). It never
// inspects the client's requested address — this stack only ever has one
// guest to serve.
func handleDHCP(udpPayload []byte, clientMAC net.HardwareAddr) []byte {
	if len(udpPayload) < 240 || udpPayload[0] != bootRequest {
		return nil
	}
	xid := udpPayload[4:8]
	msgType, ok := findDHCPOption(udpPayload[240:], dhcpOptMsgType)
	if !ok || len(msgType) != 1 {
		return nil
	}
	var replyType byte
	switch msgType[0] {
	case dhcpDiscover:
		replyType = dhcpOffer
	case dhcpRequest:
		replyType = dhcpAck
	default:
		return nil
	}

	reply := make([]byte, 240)
	reply[0] = bootReply
	reply[1] = 1 // htype ethernet
	reply[2] = 6 // hlen
	copy(reply[4:8], xid)
	copy(reply[16:20], GuestIP) // yiaddr
	copy(reply[20:24], GatewayIP) // siaddr
	copy(reply[28:34], clientMAC)
	copy(reply[236:240], dhcpMagicCookie[:])

	var opts []byte
	opts = appendDHCPOption(opts, dhcpOptMsgType, []byte{replyType})
	opts = appendDHCPOption(opts, dhcpOptServerID, GatewayIP)
	opts = appendDHCPOption(opts, dhcpOptLeaseTime, beUint32(dhcpLeaseSeconds))
	opts = appendDHCPOption(opts, dhcpOptSubnet, SubnetMask)
	opts = appendDHCPOption(opts, dhcpOptRouter, GatewayIP)
	opts = appendDHCPOption(opts, dhcpOptDNS, GatewayIP)
	opts = append(opts, dhcpOptEnd)

	reply = append(reply, opts...)
	return buildUDPFrame(GatewayIP, GatewayMAC, dhcpServerPort, GuestIP, clientMAC, dhcpClientPort, reply, true)
}

func findDHCPOption(opts []byte, code byte) ([]byte, bool) {
	for i := 0; i < len(opts); {
		if opts[i] == dhcpOptEnd || opts[i] == 0 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}
		val := opts[i+2 : i+2+length]
		if opts[i] == code {
			return val, true
		}
		i += 2 + length
	}
	return nil, false
}

func appendDHCPOption(dst []byte, code byte, val []byte) []byte {
	dst = append(dst, code, byte(len(val)))
	return append(dst, val...)
}

func beUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
