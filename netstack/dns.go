package netstack

import (
	"net"
	"time"
)

// defaultDNSUpstream is the resolver the DNS forwarder queries; spec.md
// §4.8 calls out upstream configurability as implementer freedom, so
// Stack.DNSUpstream overrides this when set.
const defaultDNSUpstream = "8.8.8.8:53"

const dnsUpstreamTimeout = 2 * time.Second

// resolveDNS forwards a raw DNS query to upstream over a fresh UDP socket
// and returns the raw wire response (spec.md §4.8).
func resolveDNS(upstream string, query []byte) ([]byte, error) {
	if upstream == "" {
		upstream = defaultDNSUpstream
	}
	conn, err := net.DialTimeout("udp", upstream, dnsUpstreamTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close() //nolint:errcheck

	if err := conn.SetDeadline(time.Now().Add(dnsUpstreamTimeout)); err != nil {
		return nil, err
	}
	if _, err := conn.Write(query); err != nil {
		return nil, err
	}
	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
