package action

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// checkEgress validates an http.request target. When the allow-list is
// non-empty the host must appear in it (this is a deliberate egress
// control, not an oversight); either way the host must not resolve to a
// private or internal address.
func checkEgress(rawURL string, allowedDomains []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("URL has no host")
	}

	if len(allowedDomains) > 0 && !domainAllowed(host, allowedDomains) {
		return fmt.Errorf("host %q is not in the egress allow-list", host)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP %q for host %q", ipStr, host)
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ipStr)
		}
	}
	return nil
}

func domainAllowed(host string, allowedDomains []string) bool {
	for _, d := range allowedDomains {
		if strings.ToLower(d) == host {
			return true
		}
	}
	return false
}

// isPrivateIP checks if an IP is in a private, loopback, or link-local range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() {
		return true
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	if ip.IsPrivate() {
		return true
	}
	// Private IPv6 (fc00::/7).
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && v6[0]&0xfe == 0xfc {
		return true
	}
	return false
}
