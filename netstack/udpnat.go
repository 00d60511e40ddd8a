package netstack

import (
	"fmt"
	"net"
	"sync"
	"time"
)

const udpIdleTTL = 60 * time.Second

type udpFlowKey struct {
	dstIP   string
	dstPort uint16
	srcPort uint16
}

type udpFlow struct {
	conn       *net.UDPConn
	clientMAC  net.HardwareAddr
	clientIP   net.IP
	clientPort uint16
	origDstIP  net.IP
	origDstPort uint16
	lastActive time.Time
}

// udpNAT tracks one translated outbound socket per (dst, srcPort) key, per
// spec.md §4.8's UDP NAT rule.
type udpNAT struct {
	mu    sync.Mutex
	flows map[udpFlowKey]*udpFlow
}

func newUDPNAT() *udpNAT {
	return &udpNAT{flows: make(map[udpFlowKey]*udpFlow)}
}

// handle opens (or reuses) the translated socket for this datagram,
// forwards the payload, and registers a reader so replies get relayed back
// through send. Returns an error when the initial dial or the forwarding
// write fails.
func (n *udpNAT) handle(eth ethernetFrame, ip ipv4Header, udp udpHeader, send func([]byte)) error {
	key := udpFlowKey{dstIP: ip.Dst.String(), dstPort: udp.DstPort, srcPort: udp.SrcPort}

	n.mu.Lock()
	flow, ok := n.flows[key]
	n.mu.Unlock()

	if !ok {
		target := translateDst(ip.Dst)
		conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: target, Port: int(udp.DstPort)})
		if err != nil {
			return fmt.Errorf("dial udp nat target: %w", err)
		}
		flow = &udpFlow{
			conn:        conn,
			clientMAC:   append(net.HardwareAddr{}, eth.Src...),
			clientIP:    append(net.IP{}, ip.Src...),
			clientPort:  udp.SrcPort,
			origDstIP:   append(net.IP{}, ip.Dst...),
			origDstPort: udp.DstPort,
			lastActive:  time.Now(),
		}
		n.mu.Lock()
		n.flows[key] = flow
		n.mu.Unlock()

		go n.readLoop(key, flow, send)
	}

	flow.lastActive = time.Now()
	_, err := flow.conn.Write(udp.Payload)
	return err
}

func (n *udpNAT) readLoop(key udpFlowKey, flow *udpFlow, send func([]byte)) {
	buf := make([]byte, 65536)
	for {
		_ = flow.conn.SetReadDeadline(time.Now().Add(udpIdleTTL))
		size, err := flow.conn.Read(buf)
		if err != nil {
			n.mu.Lock()
			delete(n.flows, key)
			n.mu.Unlock()
			_ = flow.conn.Close()
			return
		}
		flow.lastActive = time.Now()
		// Framed from the original destination IP/port, not the real
		// translated target, so the guest sees the address it sent to
		// (spec.md §4.8).
		frame := buildUDPFrame(flow.origDstIP, GatewayMAC, flow.origDstPort, flow.clientIP, flow.clientMAC, flow.clientPort, buf[:size], false)
		send(frame)
	}
}

// evictIdle closes and drops flows untouched since cutoff.
func (n *udpNAT) evictIdle(cutoff time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k, f := range n.flows {
		if f.lastActive.Before(cutoff) {
			_ = f.conn.Close()
			delete(n.flows, k)
		}
	}
}
