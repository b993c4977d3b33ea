package overrides

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torutils/fallbackdir/relay"
)

const testFingerprint = "0123456789ABCDEF0123456789ABCDEF01234567"

// testRelay returns a relay with IPv6 capability for matcher tests.
func testRelay() *relay.Relay {
	return &relay.Relay{
		Fingerprint: testFingerprint,
		DirIP:       "1.2.3.4",
		DirPort:     9030,
		ORPort:      9001,
		IPv6Addr:    "[2a01:db8::1]",
		IPv6ORPort:  9001,
	}
}

// testWhitelistEntry returns an entry that exactly matches testRelay.
func testWhitelistEntry() *Entry {
	return &Entry{
		IPv4:    "1.2.3.4",
		DirPort: "9030",
		ORPort:  "9001",
		ID:      testFingerprint,
		IPv6:    "[2a01:db8::1]:9001",
	}
}

// TestWhitelistExactMatch tests that a whitelist match requires every listed
// attribute to match exactly: changing any one of them breaks a previously
// matching entry.
func TestWhitelistExactMatch(t *testing.T) {
	t.Parallel()

	r := testRelay()
	require.True(t, InWhitelist(r, []*Entry{testWhitelistEntry()}))

	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{
			name:   "fingerprint",
			mutate: func(e *Entry) { e.ID = "FFFF" },
		},
		{
			name:   "ipv4",
			mutate: func(e *Entry) { e.IPv4 = "1.2.3.5" },
		},
		{
			name:   "dirport",
			mutate: func(e *Entry) { e.DirPort = "9031" },
		},
		{
			name:   "orport",
			mutate: func(e *Entry) { e.ORPort = "9002" },
		},
		{
			name:   "ipv6",
			mutate: func(e *Entry) { e.IPv6 = "[2a01:db8::2]:9001" },
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			entry := testWhitelistEntry()
			test.mutate(entry)
			require.False(t, InWhitelist(r, []*Entry{entry}))
		})
	}
}

// TestWhitelistIPv6Symmetry tests that asymmetric IPv6 presence between the
// relay and the entry is a non-match in both directions.
func TestWhitelistIPv6Symmetry(t *testing.T) {
	t.Parallel()

	t.Run("entry has ipv6, relay does not", func(t *testing.T) {
		r := testRelay()
		r.IPv6Addr = ""
		r.IPv6ORPort = 0
		require.False(
			t, InWhitelist(r, []*Entry{testWhitelistEntry()}),
		)
	})

	t.Run("relay has ipv6, entry does not", func(t *testing.T) {
		entry := testWhitelistEntry()
		entry.IPv6 = ""
		require.False(
			t, InWhitelist(testRelay(), []*Entry{entry}),
		)
	})

	t.Run("neither has ipv6", func(t *testing.T) {
		r := testRelay()
		r.IPv6Addr = ""
		r.IPv6ORPort = 0
		entry := testWhitelistEntry()
		entry.IPv6 = ""
		require.True(t, InWhitelist(r, []*Entry{entry}))
	})
}

// TestBlacklistGroups tests each sufficiently specific blacklist match
// group.
func TestBlacklistGroups(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry *Entry
		match bool
	}{
		{
			name:  "fingerprint alone",
			entry: &Entry{ID: testFingerprint},
			match: true,
		},
		{
			name:  "other fingerprint",
			entry: &Entry{ID: "FFFF"},
			match: false,
		},
		{
			name:  "ipv4 and dirport",
			entry: &Entry{IPv4: "1.2.3.4", DirPort: "9030"},
			match: true,
		},
		{
			name:  "ipv4 and wrong dirport",
			entry: &Entry{IPv4: "1.2.3.4", DirPort: "80"},
			match: false,
		},
		{
			name:  "ipv4 and orport",
			entry: &Entry{IPv4: "1.2.3.4", ORPort: "9001"},
			match: true,
		},
		{
			name:  "ipv4 and wrong orport",
			entry: &Entry{IPv4: "1.2.3.4", ORPort: "443"},
			match: false,
		},
		{
			// An entry with neither port blocks the whole
			// address, regardless of the relay's ports.
			name:  "whole address",
			entry: &Entry{IPv4: "1.2.3.4"},
			match: true,
		},
		{
			name:  "other address",
			entry: &Entry{IPv4: "4.3.2.1"},
			match: false,
		},
		{
			name: "ipv6 and dirport",
			entry: &Entry{
				IPv6:    "[2a01:db8::1]:9001",
				DirPort: "9030",
			},
			match: true,
		},
		{
			name: "ipv6 and wrong dirport",
			entry: &Entry{
				IPv6:    "[2a01:db8::1]:9001",
				DirPort: "80",
			},
			match: false,
		},
		{
			// The entry's IPv6 value already encodes the onion
			// routing port.
			name:  "ipv6 alone",
			entry: &Entry{IPv6: "[2a01:db8::1]:9001"},
			match: true,
		},
		{
			name:  "ipv6 wrong orport",
			entry: &Entry{IPv6: "[2a01:db8::1]:443"},
			match: false,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			match := InBlacklist(
				testRelay(), []*Entry{test.entry},
			)
			require.Equal(t, test.match, match)
		})
	}
}

// TestBlacklistIPv6Asymmetry tests that IPv6 comparisons are skipped when
// only one side has IPv6 information, and never force a match on their own.
func TestBlacklistIPv6Asymmetry(t *testing.T) {
	t.Parallel()

	// The relay has no IPv6, so an IPv6-only entry cannot match it.
	r := testRelay()
	r.IPv6Addr = ""
	r.IPv6ORPort = 0
	entry := &Entry{IPv6: "[2a01:db8::1]:9001"}
	require.False(t, InBlacklist(r, []*Entry{entry}))

	// A fingerprint match still wins despite the asymmetry.
	entry.ID = testFingerprint
	require.True(t, InBlacklist(r, []*Entry{entry}))
}

// TestPolicyInclude tests the fixed combination truth table for the
// whitelist and blacklist results.
func TestPolicyInclude(t *testing.T) {
	t.Parallel()

	whitelist := []*Entry{testWhitelistEntry()}
	blacklist := []*Entry{{ID: testFingerprint}}

	tests := []struct {
		name      string
		policy    Policy
		whitelist []*Entry
		blacklist []*Entry
		include   bool
	}{
		{
			name: "both lists, blacklist overrides",
			policy: Policy{
				BlacklistOverridesWhitelist: true,
			},
			whitelist: whitelist,
			blacklist: blacklist,
			include:   false,
		},
		{
			name:      "both lists, whitelist wins",
			policy:    Policy{},
			whitelist: whitelist,
			blacklist: blacklist,
			include:   true,
		},
		{
			name:      "whitelist only",
			policy:    Policy{},
			whitelist: whitelist,
			include:   true,
		},
		{
			name:      "blacklist only",
			policy:    Policy{IncludeUnlisted: true},
			blacklist: blacklist,
			include:   false,
		},
		{
			name:    "unlisted included",
			policy:  Policy{IncludeUnlisted: true},
			include: true,
		},
		{
			name:    "unlisted excluded",
			policy:  Policy{},
			include: false,
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			include := test.policy.Include(
				testRelay(), test.whitelist, test.blacklist,
			)
			require.Equal(t, test.include, include)
		})
	}
}
