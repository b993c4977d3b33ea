package selection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/torutils/fallbackdir/relay"
)

// bwCandidate returns a candidate with the given consensus weight and
// advertised bandwidth.
func bwCandidate(fingerprint string, weight, advertised float64,
	flags ...string) *Candidate {

	return &Candidate{
		Relay: &relay.Relay{
			Fingerprint:         fingerprint,
			ConsensusWeight:     weight,
			AdvertisedBandwidth: advertised,
			Flags:               flags,
		},
	}
}

// TestMedianFactor tests low-median selection and the advance past relays
// without an advertised bandwidth.
func TestMedianFactor(t *testing.T) {
	t.Parallel()

	t.Run("odd count", func(t *testing.T) {
		sorted := SortByCwToBwFactor([]*Candidate{
			bwCandidate("A", 1000, 30000),
			bwCandidate("B", 1000, 10000),
			bwCandidate("C", 1000, 20000),
		})

		median, err := MedianFactor(sorted)
		require.NoError(t, err)
		require.Equal(t, float64(20), median)
	})

	t.Run("even count takes low median", func(t *testing.T) {
		sorted := SortByCwToBwFactor([]*Candidate{
			bwCandidate("A", 1000, 10000),
			bwCandidate("B", 1000, 20000),
			bwCandidate("C", 1000, 30000),
			bwCandidate("D", 1000, 40000),
		})

		median, err := MedianFactor(sorted)
		require.NoError(t, err)
		require.Equal(t, float64(20), median)
	})

	t.Run("advances past zero advertised", func(t *testing.T) {
		// The zero-advertised candidates sort first, placing one at
		// the low-median index.
		sorted := SortByCwToBwFactor([]*Candidate{
			bwCandidate("A", 1000, 0),
			bwCandidate("B", 1000, 0),
			bwCandidate("C", 1000, 50000),
			bwCandidate("D", 1000, 60000),
		})

		median, err := MedianFactor(sorted)
		require.NoError(t, err)
		require.Equal(t, float64(50), median)
	})

	t.Run("no advertised bandwidth at all", func(t *testing.T) {
		sorted := SortByCwToBwFactor([]*Candidate{
			bwCandidate("A", 1000, 0),
			bwCandidate("B", 1000, 0),
		})

		_, err := MedianFactor(sorted)
		require.ErrorIs(t, err, ErrNoMedian)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := MedianFactor(nil)
		require.ErrorIs(t, err, ErrNoMedian)
	})
}

// TestMeasuredBandwidth tests the network-derived estimate and its
// advertised bandwidth cap.
func TestMeasuredBandwidth(t *testing.T) {
	t.Parallel()

	t.Run("advertised caps the estimate", func(t *testing.T) {
		// consensus weight 1000 and median factor 50 estimate
		// 50000, but the relay only advertises 40000.
		c := bwCandidate("A", 1000, 40000)
		require.Equal(t, float64(40000), MeasuredBandwidth(c, 50, 1))
	})

	t.Run("estimate below advertised", func(t *testing.T) {
		c := bwCandidate("A", 1000, 80000)
		require.Equal(t, float64(50000), MeasuredBandwidth(c, 50, 1))
	})

	t.Run("no advertised bandwidth", func(t *testing.T) {
		c := bwCandidate("A", 1000, 0)
		require.Equal(t, float64(50000), MeasuredBandwidth(c, 50, 1))
	})

	t.Run("exit fraction scales exits", func(t *testing.T) {
		c := bwCandidate("A", 1000, 0, "Exit")
		require.Equal(
			t, float64(25000), MeasuredBandwidth(c, 50, 0.5),
		)
	})

	t.Run("exit fraction ignores non-exits", func(t *testing.T) {
		c := bwCandidate("A", 1000, 0)
		require.Equal(
			t, float64(50000), MeasuredBandwidth(c, 50, 0.5),
		)
	})
}

// TestApplyMeasuredBandwidth tests that estimation is a pure stage: the
// input candidates are left untouched.
func TestApplyMeasuredBandwidth(t *testing.T) {
	t.Parallel()

	in := []*Candidate{bwCandidate("A", 1000, 0)}
	out := ApplyMeasuredBandwidth(in, 50, 1)

	require.Len(t, out, 1)
	require.Equal(t, float64(50000), out[0].MeasuredBandwidth)
	require.Zero(t, in[0].MeasuredBandwidth)
}

// TestPruneLowBandwidth tests the minimum bandwidth prune.
func TestPruneLowBandwidth(t *testing.T) {
	t.Parallel()

	fast := bwCandidate("A", 1000, 0)
	fast.MeasuredBandwidth = 4000000
	slow := bwCandidate("B", 1000, 0)
	slow.MeasuredBandwidth = 1000

	kept := PruneLowBandwidth([]*Candidate{fast, slow}, 3000000)
	require.Equal(t, []*Candidate{fast}, kept)
}

// TestSortByMeasuredBandwidth tests the descending rank order.
func TestSortByMeasuredBandwidth(t *testing.T) {
	t.Parallel()

	a := bwCandidate("A", 1000, 0)
	a.MeasuredBandwidth = 100
	b := bwCandidate("B", 1000, 0)
	b.MeasuredBandwidth = 300
	c := bwCandidate("C", 1000, 0)
	c.MeasuredBandwidth = 200

	ranked := SortByMeasuredBandwidth([]*Candidate{a, b, c})
	require.Equal(t, []*Candidate{b, c, a}, ranked)
}
