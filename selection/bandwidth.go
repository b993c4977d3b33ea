package selection

import (
	"errors"
	"sort"
)

// ErrNoMedian is returned when no relay with a nonzero advertised bandwidth
// is available for the median factor computation. The run cannot proceed
// without it.
var ErrNoMedian = errors.New("no relay with advertised bandwidth available " +
	"for median computation")

// CwToBwFactor returns the candidate's advertised bandwidth to consensus
// weight ratio. The eligibility filter guarantees a consensus weight of at
// least 1, and relays without an advertised bandwidth have it as zero.
func CwToBwFactor(c *Candidate) float64 {
	return c.Relay.AdvertisedBandwidth / c.Relay.ConsensusWeight
}

// SortByCwToBwFactor returns a new sequence sorted ascending by the
// advertised bandwidth to consensus weight ratio, used to locate the median
// factor.
func SortByCwToBwFactor(cands []*Candidate) []*Candidate {
	sorted := make([]*Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return CwToBwFactor(sorted[i]) < CwToBwFactor(sorted[j])
	})
	return sorted
}

// MedianFactor returns the network median advertised bandwidth to consensus
// weight ratio of a factor-sorted candidate sequence. The low median is used
// when the count is even, for consistency with the bandwidth authorities.
// Since the factor is only meaningful for relays that advertise a bandwidth,
// the median index is advanced past relays that don't until one is found;
// ErrNoMedian is returned when none exists.
func MedianFactor(sorted []*Candidate) (float64, error) {
	if len(sorted) == 0 {
		return 0, ErrNoMedian
	}

	for i := (len(sorted) - 1) / 2; i < len(sorted); i++ {
		if sorted[i].Relay.AdvertisedBandwidth != 0 {
			return CwToBwFactor(sorted[i]), nil
		}
	}

	return 0, ErrNoMedian
}

// MeasuredBandwidth estimates the candidate's bandwidth from its consensus
// weight and the network median factor. Exit relays have the estimate scaled
// down by exitFraction to protect exit capacity. Since the advertised
// bandwidth is reported by the relay itself it can be gamed, so when one is
// present it is capped by the network-derived estimate.
func MeasuredBandwidth(c *Candidate, medianFactor,
	exitFraction float64) float64 {

	factor := medianFactor
	if c.Relay.IsExit() {
		factor *= exitFraction
	}

	measured := c.Relay.ConsensusWeight * factor
	if advertised := c.Relay.AdvertisedBandwidth; advertised != 0 {
		if advertised < measured {
			return advertised
		}
	}
	return measured
}

// ApplyMeasuredBandwidth returns a new candidate sequence with each
// candidate's measured bandwidth estimated from the median factor. The
// input sequence is not modified.
func ApplyMeasuredBandwidth(cands []*Candidate, medianFactor,
	exitFraction float64) []*Candidate {

	out := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		estimated := *c
		estimated.MeasuredBandwidth = MeasuredBandwidth(
			c, medianFactor, exitFraction,
		)
		out = append(out, &estimated)
	}
	return out
}

// PruneLowBandwidth returns the ordered subsequence of candidates whose
// measured bandwidth is at least minBandwidth. A fallback below it is
// pointless to offer to clients.
func PruneLowBandwidth(cands []*Candidate, minBandwidth float64) []*Candidate {
	kept := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		if c.MeasuredBandwidth < minBandwidth {
			log.Infof("%v not a candidate: bandwidth %.1f MB/s "+
				"too low, must be at least %.1f MB/s",
				c.Relay.Fingerprint,
				c.MeasuredBandwidth/(1024.0*1024.0),
				minBandwidth/(1024.0*1024.0))
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// SortByMeasuredBandwidth returns a new sequence sorted descending by
// measured bandwidth, the order in which candidates are offered a place in
// the final list.
func SortByMeasuredBandwidth(cands []*Candidate) []*Candidate {
	sorted := make([]*Candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MeasuredBandwidth > sorted[j].MeasuredBandwidth
	})
	return sorted
}
