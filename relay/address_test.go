package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIsValidIPv4 tests the IPv4 literal validator.
func TestIsValidIPv4(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		valid   bool
	}{
		{"1.2.3.4", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"1.2.3.256", false},
		{"1.2.3.001", false},
		{"1.2.3", false},
		{"1.2.3.4.5", false},
		{"1.2.3.", false},
		{"1.2.3.4a", false},
		{"01.2.3.4", false},
		{"", false},
	}

	for _, test := range tests {
		require.Equalf(t, test.valid, IsValidIPv4(test.address),
			"address: %v", test.address)
	}
}

// TestIsValidIPv6 tests the IPv6 literal validator.
func TestIsValidIPv6(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		valid   bool
	}{
		{"[2a01:db8:0:1:2:3:4:5]", true},
		{"2a01:db8:0:1:2:3:4:5", true},
		{"[2a01:db8::1]", true},
		{"[::1]", true},
		{"[::]", true},
		{"[::ffff:1.2.3.4]", true},
		{"[2a01:db8::1.2.3.4]", true},

		// Too many groups.
		{"[1:2:3:4:5:6:7:8:9]", false},

		// Not enough groups and none collapsed.
		{"[1:2:3:4:5:6:7]", false},

		// Multiple collapses.
		{"[1::2::3]", false},
		{"[1:::3]", false},

		// Embedded IPv4 literal not in the final group.
		{"[::1.2.3.4:5]", false},

		// Bad groups.
		{"[1:2:3:4:5:6:7:zzzz]", false},
		{"[12345::1]", false},
		{"1.2.3.4", false},
		{"", false},
	}

	for _, test := range tests {
		require.Equalf(t, test.valid, IsValidIPv6(test.address),
			"address: %v", test.address)
	}
}
