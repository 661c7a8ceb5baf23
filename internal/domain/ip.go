package domain

import (
	"fmt"
	"net/netip"
	"strings"
)

// ValidateIPOrCIDR accepts a bare IPv4/IPv6 address or CIDR notation.
func ValidateIPOrCIDR(s string) error {
	if strings.Contains(s, "/") {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("invalid CIDR %q", s)
		}
		return nil
	}
	if _, err := netip.ParseAddr(s); err != nil {
		return fmt.Errorf("invalid IP address %q", s)
	}
	return nil
}

// IsCIDR reports whether s is prefix notation rather than a single address.
func IsCIDR(s string) bool { return strings.Contains(s, "/") }

// MatchesIPOrCIDR reports whether addr equals pattern or falls inside it
// when pattern is a prefix. Malformed patterns never match.
func MatchesIPOrCIDR(addr netip.Addr, pattern string) bool {
	if strings.Contains(pattern, "/") {
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		return prefix.Contains(addr.Unmap())
	}
	other, err := netip.ParseAddr(pattern)
	if err != nil {
		return false
	}
	return other.Unmap() == addr.Unmap()
}
