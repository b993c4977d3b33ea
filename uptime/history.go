package uptime

import (
	"math"
	"sort"
	"time"
)

// timestampLayout is the layout of the timestamps reported by the metadata
// service. All timestamps are UTC.
const timestampLayout = "2006-01-02 15:04:05"

// rawScale is the raw unit ceiling of history values. Dividing a weighted
// average by it normalizes the result into [0, 1].
const rawScale = 999.0

// Period describes one resolution bucket of a flag history: an ordered value
// sequence covering [First, Last] at a fixed sample interval.
type Period struct {
	// Interval is the time between samples, in seconds.
	Interval int64 `json:"interval"`

	// First is the timestamp of the oldest value.
	First string `json:"first"`

	// Last is the timestamp of the newest value.
	Last string `json:"last"`

	// Count is the declared number of values.
	Count int `json:"count"`

	// Values is the ordered value sequence, oldest first. Values may be
	// null when the service has no data for a slot.
	Values []*int64 `json:"values"`
}

// History maps period names (such as "1_week") to their buckets, for a
// single flag.
type History map[string]*Period

// Entry is one relay's record in an uptime document.
type Entry struct {
	// Fingerprint identifies the relay.
	Fingerprint string `json:"fingerprint"`

	// Flags maps flag names to their per-period histories.
	Flags map[string]History `json:"flags"`
}

// Sample is a single uptime observation extracted from a history: a value
// that covered a bucket of the given length, ending at now minus age.
type Sample struct {
	// Age is the elapsed time between the sample's timestamp and now.
	Age time.Duration

	// Length is the duration of the bucket the sample covers.
	Length time.Duration

	// Value is the raw observed value, nominally in [0, rawScale]. It is
	// only meaningful when Known is true.
	Value float64

	// Known is false when the service reported no data for this slot.
	Known bool
}

// ExtractSamples flattens a nested per-period history into a single sample
// sequence with exactly one sample per covered time slot, using the finest
// available resolution for each slot. Periods are walked in order of
// ascending interval; within a period values are walked from most recent to
// oldest, and a sample is only emitted when its timestamp is at or before
// the newest timestamp not yet covered by a finer period. This prevents
// double counting of the overlapping coverage the periods share.
//
// Inconsistencies between the declared sample count or boundary timestamps
// and the value sequence are logged and otherwise ignored; extraction
// continues with whatever samples can be produced. The which parameter
// names the history in those logs.
func ExtractSamples(history History, now time.Time, which string) []Sample {
	// Order periods by ascending interval, finest resolution first.
	names := make([]string, 0, len(history))
	for name := range history {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return history[names[i]].Interval < history[names[j]].Interval
	})

	var samples []Sample

	// newest is the watermark: the newest timestamp not yet covered by a
	// previously walked, finer period.
	newest := now

	for _, name := range names {
		p := history[name]
		interval := time.Duration(p.Interval) * time.Second

		ts, err := time.Parse(timestampLayout, p.Last)
		if err != nil {
			log.Warnf("Bad last timestamp in %v document for "+
				"%v: %v", name, which, err)
			continue
		}

		if len(p.Values) != p.Count {
			log.Warnf("Inconsistent value count in %v document "+
				"for %v", name, which)
		}

		for i := len(p.Values) - 1; i >= 0; i-- {
			if !ts.After(newest) {
				sample := Sample{
					Age:    now.Sub(ts),
					Length: interval,
				}
				if p.Values[i] != nil {
					sample.Value = float64(*p.Values[i])
					sample.Known = true
				}
				samples = append(samples, sample)
				newest = ts
			}
			ts = ts.Add(-interval)
		}

		first, err := time.Parse(timestampLayout, p.First)
		if err != nil || !ts.Add(interval).Equal(first) {
			log.Warnf("Inconsistent time information in %v "+
				"document for %v", name, which)
		}
	}

	return samples
}

// WeightedAverage reduces a sample sequence to a single scalar in raw units.
// Samples older than the window are discarded; the rest are weighted by
// their bucket length, decayed by alpha^(age in days) so older samples count
// geometrically less. Alpha must lie strictly between 0 and 1 for decay, and
// an alpha of 1 reduces the result to a plain length-weighted average. The
// result is 0 when no sample carries any weight.
func WeightedAverage(samples []Sample, window time.Duration,
	alpha float64) float64 {

	var weightedSum, totalWeight float64
	for _, s := range samples {
		if s.Age > window {
			continue
		}
		if !s.Known {
			continue
		}

		ageDays := s.Age.Hours() / 24
		weight := s.Length.Seconds() * math.Pow(alpha, ageDays)
		weightedSum += s.Value * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}
