// Package urlguard validates candidate fetch URLs before any network I/O.
//
// It screens scheme, hostname, and IP-literal classes so the service cannot
// be pointed at loopback or internal network endpoints. Ordinary DNS names
// are not resolved here: rebinding protection is outside this layer.
package urlguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrRejectedURL is wrapped by every rejection returned from Validate.
var ErrRejectedURL = errors.New("url rejected")

// Validate reports whether rawURL is safe to fetch. A nil return means the
// URL passed every check; otherwise the error wraps ErrRejectedURL with the
// specific reason. Validate never performs network I/O.
func Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable: %s", ErrRejectedURL, rawURL)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", ErrRejectedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrRejectedURL)
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: localhost host %q", ErrRejectedURL, host)
	}
	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("%w: blocked ip %s", ErrRejectedURL, host)
	}
	return nil
}

// isBlockedIP classifies an IP literal as unfit for outbound fetches.
// Covers RFC1918 private ranges, loopback, RFC3927 link-local, multicast,
// the unspecified address, and the remaining IANA reserved blocks.
func isBlockedIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	return isReserved(ip)
}

// reservedV4 lists IPv4 blocks that are IANA-reserved but not covered by
// the net.IP classification helpers.
var reservedV4 = []string{
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"240.0.0.0/4",     // future use
	"100.64.0.0/10",   // carrier-grade NAT
}

var reservedV4Nets = func() []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(reservedV4))
	for _, cidr := range reservedV4 {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("urlguard: bad reserved cidr %q: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}()

func isReserved(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		for _, n := range reservedV4Nets {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	// IPv6 unique-local addresses (fc00::/7) are the private-use block.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
