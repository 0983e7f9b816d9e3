package urlutil

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// privateRanges are the private and reserved ranges a render target may not reach.
var privateRanges = mustParseCIDRs(
	// IPv4
	"127.0.0.0/8",    // loopback
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"169.254.0.0/16", // link-local, cloud metadata
	"100.64.0.0/10",  // CGNAT (RFC 6598)
	"0.0.0.0/8",      // "this" network
	"224.0.0.0/4",    // multicast

	// IPv6
	"::1/128",   // loopback
	"fe80::/10", // link-local
	"fc00::/7",  // unique local
	"ff00::/8",  // multicast
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in private ranges: %s", cidr))
		}
		nets = append(nets, ipNet)
	}
	return nets
}

// IsPrivateIP returns true if the given IP belongs to a private or reserved range.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, ipNet := range privateRanges {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ValidateHostNotPrivate rejects "localhost" and private IP literals. Domain
// names pass; SafeDial checks what they resolve to.
func ValidateHostNotPrivate(hostname string) error {
	h := strings.TrimSuffix(strings.ToLower(hostname), ".")
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return fmt.Errorf("host is a loopback name: %s", hostname)
	}

	ip := net.ParseIP(strings.Trim(h, "[]"))
	if ip == nil {
		return nil
	}
	if IsPrivateIP(ip) {
		return fmt.Errorf("host is a private/reserved IP address: %s", hostname)
	}
	return nil
}

// ValidateResolvedIP checks a resolved address; use after DNS to block rebinding.
func ValidateResolvedIP(ip net.IP) error {
	if IsPrivateIP(ip) {
		return fmt.Errorf("resolved IP is in a private/reserved range: %s", ip.String())
	}
	return nil
}

// SafeDial is a fasthttp dialer that resolves the host, refuses private
// addresses and connects to the first public one.
func SafeDial(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %q", host)
	}

	for _, ip := range ips {
		if err := ValidateResolvedIP(ip); err != nil {
			return nil, fmt.Errorf("refusing to dial %q: %w", host, err)
		}
	}
	return fasthttp.DialTimeout(net.JoinHostPort(ips[0].String(), port), 10*time.Second)
}
