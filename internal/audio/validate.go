package audio

import (
	"fmt"
	"net"
	"net/url"
)

// reservedBlocks are address ranges that must never be fetched, beyond what
// the net.IP predicates already cover.
var reservedBlocks = []string{
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // reserved
	"169.254.0.0/16",  // link-local / cloud metadata
}

var reservedNets []*net.IPNet

func init() {
	for _, b := range reservedBlocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic(fmt.Sprintf("bad reserved block %q: %v", b, err))
		}
		reservedNets = append(reservedNets, n)
	}
}

// ValidateURL rejects audio URLs that could reach internal infrastructure:
// non-HTTP schemes, loopback, private ranges, link-local, multicast, and
// reserved blocks. Hostnames are resolved and every returned address is
// checked, so a DNS name fronting a private IP is rejected too.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse audio url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("audio url has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(host, ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := checkIP(host, ip); err != nil {
			return err
		}
	}
	return nil
}

func checkIP(host string, ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("host %s resolves to loopback address %s", host, ip)
	case ip.IsPrivate():
		return fmt.Errorf("host %s resolves to private address %s", host, ip)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("host %s resolves to non-routable address %s", host, ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("host %s resolves to link-local address %s", host, ip)
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return fmt.Errorf("host %s resolves to reserved address %s", host, ip)
		}
	}
	return nil
}
