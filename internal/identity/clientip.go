package identity

import (
	"net"
	"net/http"
	"strings"
)

const headerXForwardedFor = "X-Forwarded-For"

// ClientIPExtractor extracts the real client IP from requests, honouring
// X-Forwarded-For only when the direct peer is a trusted proxy. With no
// trusted proxies configured only RemoteAddr is used, so callers cannot
// pick their own bucket by forging the header.
type ClientIPExtractor struct {
	trustedCIDRs []*net.IPNet
}

// NewClientIPExtractor creates an extractor trusting the given CIDRs or
// single addresses. Invalid entries are skipped; configuration
// validation reports them.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		_, cidr, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				continue
			}
			cidr = singleIPToCIDR(ip)
		}
		cidrs = append(cidrs, cidr)
	}
	return &ClientIPExtractor{trustedCIDRs: cidrs}
}

// singleIPToCIDR converts a single IP address to a /32 or /128 CIDR.
func singleIPToCIDR(ip net.IP) *net.IPNet {
	bits := 32
	if ip.To4() == nil {
		bits = 128 //nolint:mnd // IPv6 prefix length
	}
	return &net.IPNet{
		IP:   ip,
		Mask: net.CIDRMask(bits, bits),
	}
}

// Extract returns the client IP for r, or "" when none is known.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if len(e.trustedCIDRs) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	xff := r.Header.Get(headerXForwardedFor)
	if xff == "" {
		return remoteIP
	}

	// right-to-left: the first untrusted hop is the client
	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return remoteIP
}

// isTrusted checks if the given IP string is within any trusted CIDR.
func (e *ClientIPExtractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// stripPort removes the port from an address string. Handles both IPv4
// ("192.168.1.1:8080") and IPv6 ("[::1]:8080") forms.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// sanitizeIP keeps only characters that can appear in a textual IPv4 or
// IPv6 address.
func sanitizeIP(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F', r == ':', r == '.':
			return r
		default:
			return -1
		}
	}, s)
}
