package relay

import (
	"sort"
	"strings"
)

// IsValidIPv4 returns true if address is a well formed IPv4 literal: exactly
// four dot separated decimal octets, each between 0 and 255, with no leading
// zeros unless the octet is exactly "0".
func IsValidIPv4(address string) bool {
	octets := strings.Split(address, ".")
	if len(octets) != 4 {
		return false
	}

	for _, octet := range octets {
		if len(octet) == 0 || len(octet) > 3 {
			return false
		}
		value := 0
		for _, c := range octet {
			if c < '0' || c > '9' {
				return false
			}
			value = value*10 + int(c-'0')
		}
		if value > 255 {
			return false
		}

		// Reject leading zeros, for instance in "1.2.3.001".
		if octet[0] == '0' && len(octet) > 1 {
			return false
		}
	}

	return true
}

// IsValidIPv6 returns true if address is a well formed IPv6 literal,
// optionally enclosed in brackets. Addresses are made up of eight colon
// separated groups of up to four hex digits, with at most one collapsed run
// of zero groups, and an optional embedded IPv4 literal as the final group.
func IsValidIPv6(address string) bool {
	// Remove bracket delimiters.
	address = strings.TrimPrefix(address, "[")
	address = strings.TrimSuffix(address, "]")

	colonCount := strings.Count(address, ":")
	switch {
	case colonCount > 7:
		// Too many groups.
		return false

	case colonCount != 7 && !strings.Contains(address, "::"):
		// Not enough groups and none are collapsed.
		return false

	case strings.Count(address, "::") > 1 ||
		strings.Contains(address, ":::"):

		// Multiple groupings of zeros can't be collapsed.
		return false
	}

	// If an IPv6 address has an embedded IPv4 address, it must be the
	// last entry.
	foundIPv4 := false
	for _, entry := range strings.Split(address, ":") {
		if foundIPv4 {
			return false
		}
		if isHexGroup(entry) {
			continue
		}
		if !IsValidIPv4(entry) {
			return false
		}
		foundIPv4 = true
	}

	return true
}

// isHexGroup returns true if entry consists of zero to four hex digits.
func isHexGroup(entry string) bool {
	if len(entry) > 4 {
		return false
	}
	for _, c := range entry {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// stableSortAddresses returns the address list with the primary address kept
// first and all secondary addresses sorted in lexicographic string order.
// The secondary entries arrive in an arbitrary order, so sorting them makes
// the derived ports reproducible across runs regardless of the order the
// source reported them in.
func stableSortAddresses(addresses []string) []string {
	if len(addresses) <= 1 {
		return append([]string(nil), addresses...)
	}

	stable := make([]string, len(addresses))
	copy(stable, addresses)
	sort.Strings(stable[1:])
	return stable
}

// splitAddrPort splits an "address:port" string at the final colon, so that
// bracketed IPv6 literals keep their inner colons.
func splitAddrPort(addr string) (string, string) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}
