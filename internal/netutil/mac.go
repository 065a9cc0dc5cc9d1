// Package netutil holds small, dependency-free helpers shared by the
// firewall, shaper, and inventory packages.
package netutil

import (
	"fmt"
	"net"
	"strings"
)

// ParseMAC validates and normalizes a MAC address string.
func ParseMAC(macStr string) (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return nil, err
	}
	return hw, nil
}

// NormalizeMAC lower-cases and re-colon-separates a MAC address for use as
// a map key, returning "" if macStr does not parse.
func NormalizeMAC(macStr string) string {
	hw, err := net.ParseMAC(macStr)
	if err != nil {
		return ""
	}
	return FormatMAC(hw)
}

// FormatMAC renders a 6-byte hardware address in colon-separated lowercase hex.
func FormatMAC(mac net.HardwareAddr) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// IsIPv6Literal reports whether s (an address or CIDR) names the IPv6
// family, per spec: entries containing ":" route to the IPv6 chain.
func IsIPv6Literal(s string) bool {
	return strings.Contains(s, ":")
}
