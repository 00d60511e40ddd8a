package netstack

import (
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	tcpIdleTTL     = 300 * time.Second
	tcpConnectTimeout = 10 * time.Second
	tcpInitialSeq  = 1000
	tcpMaxUnacked  = 65535
)

type tcpFlowKey struct {
	dstIP   string
	dstPort uint16
	srcPort uint16
}

// tcpFlow is one NAT'd TCP connection's state, field-for-field what
// spec.md §4.8 names: stream, our_seq, acked_seq, expected_guest_seq, mac,
// client_ip, client_port, remote_ip, last_active.
type tcpFlow struct {
	mu sync.Mutex

	conn net.Conn

	ourSeq           uint32
	ackedSeq         uint32
	expectedGuestSeq uint32

	clientMAC   net.HardwareAddr
	clientIP    net.IP
	clientPort  uint16
	origDstIP   net.IP
	origDstPort uint16

	lastActive time.Time
	closed     bool
}

func (f *tcpFlow) canSend() bool {
	return f.ourSeq-f.ackedSeq < tcpMaxUnacked
}

type tcpNAT struct {
	mu    sync.Mutex
	flows map[tcpFlowKey]*tcpFlow
}

func newTCPNAT() *tcpNAT {
	return &tcpNAT{flows: make(map[tcpFlowKey]*tcpFlow)}
}

// handle implements the full per-segment state machine of spec.md §4.8's
// TCP NAT section.
func (n *tcpNAT) handle(eth ethernetFrame, ip ipv4Header, seg tcpHeader, send func([]byte)) {
	key := tcpFlowKey{dstIP: ip.Dst.String(), dstPort: seg.DstPort, srcPort: seg.SrcPort}

	n.mu.Lock()
	flow, exists := n.flows[key]
	n.mu.Unlock()

	isSYN := seg.Flags&tcpFlagSYN != 0 && seg.Flags&tcpFlagACK == 0

	if !exists {
		if !isSYN {
			return // no flow and not opening one: nothing to do
		}
		n.openFlow(key, eth, ip, seg, send)
		return
	}

	flow.mu.Lock()
	defer flow.mu.Unlock()
	flow.lastActive = time.Now()

	if seg.Flags&tcpFlagRST != 0 {
		n.drop(key, flow)
		return
	}

	if seg.Flags&tcpFlagACK != 0 && seg.Ack > flow.ackedSeq {
		flow.ackedSeq = seg.Ack
	}

	hasData := len(seg.Payload) > 0
	switch {
	case seg.Seq < flow.expectedGuestSeq && !hasData:
		// plain ack, nothing to retransmit
	case seg.Seq < flow.expectedGuestSeq:
		n.sendSegment(flow, send, tcpFlagACK, nil)
	case seg.Seq > flow.expectedGuestSeq && hasData:
		n.sendSegment(flow, send, tcpFlagACK, nil)
	case seg.Seq == flow.expectedGuestSeq && hasData:
		if _, err := flow.conn.Write(seg.Payload); err != nil {
			n.sendSegment(flow, send, tcpFlagRST, nil)
			n.drop(key, flow)
			return
		}
		flow.expectedGuestSeq += uint32(len(seg.Payload)) //nolint:gosec
		n.sendSegment(flow, send, tcpFlagACK, nil)
	}

	if seg.Flags&tcpFlagFIN != 0 {
		flow.expectedGuestSeq++
		n.sendSegment(flow, send, tcpFlagFIN|tcpFlagACK, nil)
		n.drop(key, flow)
		return
	}

	if !flow.canSend() && hasData {
		n.sendSegment(flow, send, tcpFlagACK, nil)
	}
	// Data from the remote side is forwarded by this flow's readLoop
	// goroutine as it arrives, rather than polled for here — the
	// idiomatic replacement for spec.md §4.8's per-iteration outbound
	// poll (see readLoop).
}

func (n *tcpNAT) openFlow(key tcpFlowKey, eth ethernetFrame, ip ipv4Header, seg tcpHeader, send func([]byte)) {
	target := translateDst(ip.Dst)
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(target.String(), strconv.Itoa(int(seg.DstPort))), tcpConnectTimeout)
	if err != nil {
		rst := buildTCPSegment(ip.Dst, GatewayMAC, seg.DstPort, ip.Src, eth.Src, seg.SrcPort, 0, seg.Seq+1, tcpFlagRST|tcpFlagACK, nil)
		send(rst)
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	flow := &tcpFlow{
		conn:             conn,
		ourSeq:           tcpInitialSeq,
		ackedSeq:         tcpInitialSeq,
		expectedGuestSeq: seg.Seq + 1,
		clientMAC:        append(net.HardwareAddr{}, eth.Src...),
		clientIP:         append(net.IP{}, ip.Src...),
		clientPort:       seg.SrcPort,
		origDstIP:        append(net.IP{}, ip.Dst...),
		origDstPort:      seg.DstPort,
		lastActive:       time.Now(),
	}
	n.mu.Lock()
	n.flows[key] = flow
	n.mu.Unlock()

	synAck := buildTCPSegment(flow.origDstIP, GatewayMAC, flow.origDstPort, flow.clientIP, flow.clientMAC, flow.clientPort, flow.ourSeq, flow.expectedGuestSeq, tcpFlagSYN|tcpFlagACK, nil)
	send(synAck)
	flow.ourSeq++

	go n.readLoop(key, flow, send)
}

// readLoop forwards everything the remote side sends to the guest as
// PSH-ACK segments. It reads from the remote socket only while the unacked
// window has room (canSend), and ends the flow with FIN-ACK once a read fails.
func (n *tcpNAT) readLoop(key tcpFlowKey, flow *tcpFlow, send func([]byte)) {
	buf := make([]byte, mss)
	for {
		flow.mu.Lock()
		for !flow.canSend() && !flow.closed && time.Since(flow.lastActive) < tcpIdleTTL {
			flow.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			flow.mu.Lock()
		}
		flow.mu.Unlock()
		_ = flow.conn.SetReadDeadline(time.Now().Add(tcpIdleTTL))
		size, err := flow.conn.Read(buf)
		if err != nil {
			flow.mu.Lock()
			alreadyClosed := flow.closed
			flow.mu.Unlock()
			if !alreadyClosed {
				n.sendSegment(flow, send, tcpFlagFIN|tcpFlagACK, nil)
			}
			n.drop(key, flow)
			return
		}
		flow.mu.Lock()
		n.sendSegment(flow, send, tcpFlagPSH|tcpFlagACK, append([]byte{}, buf[:size]...))
		flow.ourSeq += uint32(size) //nolint:gosec
		flow.mu.Unlock()
	}
}

func (n *tcpNAT) sendSegment(flow *tcpFlow, send func([]byte), flags byte, payload []byte) {
	frame := buildTCPSegment(flow.origDstIP, GatewayMAC, flow.origDstPort, flow.clientIP, flow.clientMAC, flow.clientPort, flow.ourSeq, flow.expectedGuestSeq, flags, payload)
	send(frame)
}

func (n *tcpNAT) drop(key tcpFlowKey, flow *tcpFlow) {
	flow.closed = true
	_ = flow.conn.Close()
	n.mu.Lock()
	delete(n.flows, key)
	n.mu.Unlock()
}

func (n *tcpNAT) evictIdle(cutoff time.Time) {
	n.mu.Lock()
	stale := make([]*tcpFlow, 0)
	for k, f := range n.flows {
		if f.lastActive.Before(cutoff) {
			stale = append(stale, f)
			delete(n.flows, k)
		}
	}
	n.mu.Unlock()
	for _, f := range stale {
		_ = f.conn.Close()
	}
}
