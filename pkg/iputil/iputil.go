package iputil

import (
	"fmt"
	"net/netip"
	"strings"
)

// ParseIP parses an IP address string and returns a netip.Addr
func ParseIP(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)

	// Handle IPv6 with brackets [::1]:8080
	if strings.HasPrefix(s, "[") {
		if idx := strings.Index(s, "]"); idx != -1 {
			s = s[1:idx]
		}
	} else if strings.Contains(s, ".") && strings.Contains(s, ":") && !strings.Contains(s, "::") {
		// IPv4 with port like 192.168.1.1:8080
		if idx := strings.LastIndex(s, ":"); idx != -1 {
			s = s[:idx]
		}
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %s", s)
	}

	return NormalizeIP(addr), nil
}

// Canonical parses s and returns its canonical string form, so that
// "::ffff:1.2.3.4" and "1.2.3.4" key the same record
func Canonical(s string) (string, error) {
	addr, err := ParseIP(s)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}

// ParsePrefix parses a CIDR prefix string and returns a netip.Prefix
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)

	// If it's a single IP, convert to /32 or /128
	if !strings.Contains(s, "/") {
		addr, err := ParseIP(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return netip.PrefixFrom(addr, addr.BitLen()), nil
	}

	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid CIDR prefix: %s", s)
	}

	return prefix.Masked(), nil
}

// ParsePrefixes parses a list of CIDR prefixes or single addresses
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// NormalizeIP normalizes an IP address (IPv4-mapped IPv6 to IPv4)
func NormalizeIP(addr netip.Addr) netip.Addr {
	if addr.Is4In6() {
		return addr.Unmap()
	}
	return addr
}

// IsPublic reports whether an address is routable on the internet. Private,
// loopback, multicast and unspecified addresses are not.
func IsPublic(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	return !addr.IsLoopback() && !addr.IsPrivate() && !addr.IsMulticast() &&
		!addr.IsUnspecified() && !addr.IsLinkLocalUnicast()
}

// InPrefixes reports whether addr belongs to any of the prefixes
func InPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the originating client address. The forwarded chain is
// only honoured when the direct peer is a trusted proxy; it is then walked
// right to left and the first hop that is not itself a trusted proxy wins.
// TrustedPeer reports whether the direct peer remote is one of the trusted
// proxies
func TrustedPeer(remote string, trusted []netip.Prefix) bool {
	peer, err := ParseIP(remote)
	return err == nil && InPrefixes(peer, trusted)
}

func ClientIP(remote string, forwardedFor string, trusted []netip.Prefix) string {
	peer, err := ParseIP(remote)
	if err != nil {
		return strings.TrimSpace(remote)
	}

	if forwardedFor == "" || !InPrefixes(peer, trusted) {
		return peer.String()
	}

	parts := strings.Split(forwardedFor, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		hop, err := ParseIP(parts[i])
		if err != nil {
			// A malformed hop breaks the chain of trust
			break
		}
		if !InPrefixes(hop, trusted) {
			return hop.String()
		}
	}

	return peer.String()
}
