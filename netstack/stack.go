package netstack

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/rossvm/ross/netstack/spscring"
)

func logger(op string) log.Logger { return log.WithFunc("netstack." + op) }

const (
	frameBufSize  = 2048
	frameRingSize = 256
	evictInterval = 10 * time.Second
)

// Stack drives one VM's virtio-net tap (spec.md §4.8): it owns the ARP/
// ICMP/DHCP/DNS handlers and the TCP/UDP NAT tables, and serializes every
// outbound write to conn behind writeMu since NAT flow goroutines and the
// main dispatch loop all produce frames concurrently.
type Stack struct {
	conn *net.UnixConn

	// DNSUpstream overrides defaultDNSUpstream when set (spec.md §4.8's
	// "implementer freedom" clause).
	DNSUpstream string

	writeMu  sync.Mutex
	peerAddr net.Addr

	udp *udpNAT
	tcp *tcpNAT

	ring *spscring.Ring
}

// New wraps an already-bound Unix datagram socket (net.ListenUnixgram) as
// one VM's network stack. Nothing is sent until Run observes the guest's
// handshake.
func New(conn *net.UnixConn) *Stack {
	return &Stack{
		conn: conn,
		udp:  newUDPNAT(),
		tcp:  newTCPNAT(),
		ring: spscring.New(frameRingSize, frameBufSize),
	}
}

// Run services conn until ctx is canceled or the socket errors. It blocks
// on the guest's handshake magic first, then dispatches every subsequent
// datagram as an Ethernet frame (spec.md §4.8).
func (s *Stack) Run(ctx context.Context) error {
	stopEvict := s.startEvictor(ctx)
	defer stopEvict()

	if err := s.awaitHandshake(ctx); err != nil {
		return err
	}

	readDone := make(chan error, 1)
	go func() {
		readDone <- s.readLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		_ = s.conn.Close()
		<-readDone
		return nil
	case err := <-readDone:
		return err
	}
}

func (s *Stack) awaitHandshake(ctx context.Context) error {
	buf := make([]byte, 4)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		if n == 4 && buf[0] == Handshake[0] && buf[1] == Handshake[1] && buf[2] == Handshake[2] && buf[3] == Handshake[3] {
			s.peerAddr = addr
			_ = s.conn.SetReadDeadline(time.Time{})
			return nil
		}
	}
}

// readLoop pulls frames off conn and hands each to dispatch. Each read goes
// into a pre-allocated buffer from the ring; the frame is copied out (one
// allocation per frame) and the buffer is returned before dispatch.
func (s *Stack) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		buf := s.ring.Get()
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.ring.Put(buf)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		frame := append([]byte(nil), buf[:n]...)
		s.ring.Put(buf)
		s.dispatch(frame)
	}
}

func (s *Stack) send(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.peerAddr != nil {
		_, _ = s.conn.WriteTo(frame, s.peerAddr)
		return
	}
	_, _ = s.conn.Write(frame)
}

func (s *Stack) dispatch(raw []byte) {
	eth, ok := parseEthernet(raw)
	if !ok {
		return
	}
	switch eth.Type {
	case ethTypeARP:
		if reply := handleARP(eth); reply != nil {
			s.send(reply)
		}
	case ethTypeIPv4:
		s.dispatchIPv4(eth)
	}
}

func (s *Stack) dispatchIPv4(eth ethernetFrame) {
	ip, ok := parseIPv4(eth.Payload)
	if !ok {
		return
	}
	switch ip.Proto {
	case ipProtoICMP:
		if reply := handleICMP(ip, eth); reply != nil {
			s.send(reply)
		}
	case ipProtoUDP:
		s.dispatchUDP(eth, ip)
	case ipProtoTCP:
		seg, ok := parseTCP(ip.Payload)
		if !ok {
			return
		}
		s.tcp.handle(eth, ip, seg, s.send)
	}
}

func (s *Stack) dispatchUDP(eth ethernetFrame, ip ipv4Header) {
	udp, ok := parseUDP(ip.Payload)
	if !ok {
		return
	}
	switch udp.DstPort {
	case dhcpServerPort:
		if reply := handleDHCP(udp.Payload, eth.Src); reply != nil {
			s.send(reply)
		}
	case dnsPort:
		if ip.Dst.Equal(GatewayIP) {
			s.forwardDNS(eth, ip, udp)
			return
		}
		_ = s.udp.handle(eth, ip, udp, s.send)
	default:
		_ = s.udp.handle(eth, ip, udp, s.send)
	}
}

// forwardDNS runs the blocking upstream query off the dispatch goroutine
// so one slow resolution never stalls the tap.
func (s *Stack) forwardDNS(eth ethernetFrame, ip ipv4Header, udp udpHeader) {
	query := append([]byte(nil), udp.Payload...)
	clientMAC := append(net.HardwareAddr{}, eth.Src...)
	clientIP := append(net.IP{}, ip.Src...)
	clientPort := udp.SrcPort
	upstream := s.DNSUpstream
	go func() {
		resp, err := resolveDNS(upstream, query)
		if err != nil {
			logger("forwardDNS").Debugf(context.Background(), "resolve: %v", err)
			return
		}
		frame := buildUDPFrame(GatewayIP, GatewayMAC, dnsPort, clientIP, clientMAC, clientPort, resp, false)
		s.send(frame)
	}()
}

func (s *Stack) startEvictor(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(evictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case now := <-ticker.C:
				s.udp.evictIdle(now.Add(-udpIdleTTL))
				s.tcp.evictIdle(now.Add(-tcpIdleTTL))
			}
		}
	}()
	return func() { close(stop) }
}
