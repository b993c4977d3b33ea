package overrides

import (
	"strconv"

	"github.com/torutils/fallbackdir/relay"
)

// portMatches compares a decimal port string from a list entry against a
// derived port. An absent or unparseable entry port never matches.
func portMatches(entryPort string, port int) bool {
	parsed, err := strconv.Atoi(entryPort)
	if err != nil {
		return false
	}
	return parsed == port
}

// matchesWhitelist returns true if the entry matches the relay. A whitelist
// entry matches only when the fingerprint, directory IPv4, directory port
// and onion routing port all match exactly, and IPv6 presence is symmetric:
// if the relay has an IPv6 address and port the entry must list a matching
// one, and vice versa.
func matchesWhitelist(r *relay.Relay, entry *Entry) bool {
	if entry.ID != r.Fingerprint {
		// Can't log here, every relay's fingerprint is compared to
		// the entry.
		return false
	}

	if entry.IPv4 != r.DirIP {
		log.Infof("%v is not in the whitelist: fingerprint matches, "+
			"but IPv4 (%v) does not match entry IPv4 (%v)",
			r.Fingerprint, r.DirIP, entry.IPv4)
		return false
	}
	if !portMatches(entry.DirPort, r.DirPort) {
		log.Infof("%v is not in the whitelist: fingerprint matches, "+
			"but DirPort (%d) does not match entry DirPort (%v)",
			r.Fingerprint, r.DirPort, entry.DirPort)
		return false
	}
	if !portMatches(entry.ORPort, r.ORPort) {
		log.Infof("%v is not in the whitelist: fingerprint matches, "+
			"but ORPort (%d) does not match entry ORPort (%v)",
			r.Fingerprint, r.ORPort, entry.ORPort)
		return false
	}

	switch {
	// If both the entry and the relay have an IPv6 address, compare
	// them.
	case entry.IPv6 != "" && r.HasIPv6():
		if entry.IPv6 != r.IPv6AddrPort() {
			log.Infof("%v is not in the whitelist: fingerprint "+
				"matches, but IPv6 (%v) does not match entry "+
				"IPv6 (%v)", r.Fingerprint, r.IPv6AddrPort(),
				entry.IPv6)
			return false
		}

	// Asymmetric IPv6 presence is a non-match, and likely means the
	// relay's addresses drifted since the list was authored.
	case entry.IPv6 != "" && !r.HasIPv6():
		log.Infof("%v is not in the whitelist: fingerprint matches, "+
			"but it has no IPv6, and entry has IPv6 (%v)",
			r.Fingerprint, entry.IPv6)
		log.Warnf("%v excluded: has it lost its former IPv6 "+
			"address %v?", r.Fingerprint, entry.IPv6)
		return false

	case entry.IPv6 == "" && r.HasIPv6():
		log.Infof("%v is not in the whitelist: fingerprint matches, "+
			"but it has IPv6 (%v), and entry has no IPv6",
			r.Fingerprint, r.IPv6AddrPort())
		log.Warnf("%v excluded: has it gained an IPv6 address %v?",
			r.Fingerprint, r.IPv6AddrPort())
		return false
	}

	return true
}

// InWhitelist returns true if any whitelist entry matches the relay.
func InWhitelist(r *relay.Relay, entries []*Entry) bool {
	for _, entry := range entries {
		if matchesWhitelist(r, entry) {
			return true
		}
	}
	return false
}

// matchesBlacklist returns true if the entry matches the relay. A blacklist
// entry matches when any sufficiently specific group of its fields is
// satisfied: the fingerprint alone, IPv4 with either port, IPv4 alone when
// the entry specifies neither port, IPv6 with the directory port, or the
// IPv6 value alone since it already encodes the onion routing port. IPv6
// comparisons are only evaluated when both sides have IPv6 information.
func matchesBlacklist(r *relay.Relay, entry *Entry) bool {
	if entry.ID != "" && entry.ID == r.Fingerprint {
		log.Infof("%v is in the blacklist: fingerprint matches",
			r.Fingerprint)
		return true
	}

	if entry.IPv4 != "" && entry.IPv4 == r.DirIP {
		switch {
		// If the directory port is present, check it too.
		case entry.DirPort != "":
			if portMatches(entry.DirPort, r.DirPort) {
				log.Infof("%v is in the blacklist: IPv4 "+
					"(%v) and DirPort (%d) match",
					r.Fingerprint, r.DirIP, r.DirPort)
				return true
			}

		// If the onion routing port is present, check it too.
		case entry.ORPort != "":
			if portMatches(entry.ORPort, r.ORPort) {
				log.Infof("%v is in the blacklist: IPv4 "+
					"(%v) and ORPort (%d) match",
					r.Fingerprint, r.DirIP, r.ORPort)
				return true
			}

		// If neither port is in the entry, the entire IP address is
		// blocked.
		default:
			log.Infof("%v is in the blacklist: IPv4 (%v) "+
				"matches, and entry has no DirPort or ORPort",
				r.Fingerprint, r.DirIP)
			return true
		}
	}

	switch {
	// Only compare IPv6 information when both sides have it.
	case entry.IPv6 != "" && r.HasIPv6():
		if entry.IPv6 == r.IPv6AddrPort() {
			if entry.DirPort != "" {
				if portMatches(entry.DirPort, r.DirPort) {
					log.Infof("%v is in the blacklist: "+
						"IPv6 (%v) and DirPort (%d) "+
						"match", r.Fingerprint,
						r.IPv6AddrPort(), r.DirPort)
					return true
				}
			} else {
				// The onion routing port is part of the
				// entry's IPv6 value, so it has already been
				// checked.
				log.Infof("%v is in the blacklist: IPv6 "+
					"(%v) matches, and entry has no "+
					"DirPort", r.Fingerprint,
					r.IPv6AddrPort())
				return true
			}
		}

	// Asymmetric IPv6 presence never forces a match, but when the
	// fingerprint also matches it is worth flagging as drift.
	case entry.IPv6 != "" || r.HasIPv6():
		if entry.ID != "" && entry.ID == r.Fingerprint {
			log.Infof("%v skipping IPv6 blacklist comparison: "+
				"relay IPv6 %q, entry IPv6 %q", r.Fingerprint,
				r.IPv6AddrPort(), entry.IPv6)
			if r.HasIPv6() {
				log.Warnf("Has %v gained an IPv6 address %v?",
					r.Fingerprint, r.IPv6AddrPort())
			} else {
				log.Warnf("Has %v lost its former IPv6 "+
					"address %v?", r.Fingerprint,
					entry.IPv6)
			}
		}
	}

	return false
}

// InBlacklist returns true if any blacklist entry matches the relay.
func InBlacklist(r *relay.Relay, entries []*Entry) bool {
	for _, entry := range entries {
		if matchesBlacklist(r, entry) {
			return true
		}
	}
	return false
}

// Policy is the fixed combination policy applied to the whitelist and
// blacklist match results.
type Policy struct {
	// BlacklistOverridesWhitelist excludes relays that appear in both
	// lists when true, and includes them when false.
	BlacklistOverridesWhitelist bool

	// IncludeUnlisted includes relays that appear in neither list when
	// true, and excludes them when false.
	IncludeUnlisted bool
}

// Include applies the combination policy to a relay and reports whether it
// stays in the candidate set.
func (p *Policy) Include(r *relay.Relay, whitelist,
	blacklist []*Entry) bool {

	inWhitelist := InWhitelist(r, whitelist)
	inBlacklist := InBlacklist(r, blacklist)

	switch {
	case inWhitelist && inBlacklist:
		if p.BlacklistOverridesWhitelist {
			log.Warnf("Excluding %v: in both blacklist and "+
				"whitelist", r.Fingerprint)
			return false
		}
		return true

	case inWhitelist:
		return true

	case inBlacklist:
		log.Debugf("Excluding %v: in blacklist", r.Fingerprint)
		return false

	default:
		if !p.IncludeUnlisted {
			log.Infof("Excluding %v: in neither blacklist nor "+
				"whitelist", r.Fingerprint)
		}
		return p.IncludeUnlisted
	}
}
