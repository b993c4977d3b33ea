package selection

import (
	"fmt"
	"time"

	"github.com/torutils/fallbackdir/relay"
	"github.com/torutils/fallbackdir/uptime"
)

// Candidate is a relay record together with its derived flag fractions and,
// once estimated, its measured bandwidth.
type Candidate struct {
	// Relay is the normalized relay record.
	Relay *relay.Relay

	// Scores holds the time-weighted flag fractions derived from the
	// relay's uptime histories. A relay without usable histories keeps
	// the zero value, which fails every cutoff.
	Scores uptime.Scores

	// MeasuredBandwidth is the trust-capped bandwidth estimate in bytes
	// per second. It is zero until the estimation stage has run.
	MeasuredBandwidth float64
}

// Thresholds holds the stability and quality cutoffs a candidate must clear
// to be eligible.
type Thresholds struct {
	// StabilityWindow is the minimum elapsed time since the relay last
	// changed an address or port. More recent churn is unverified and
	// disqualifies the relay.
	StabilityWindow time.Duration

	// CutoffRunning is the minimum time-weighted Running fraction.
	CutoffRunning float64

	// CutoffV2Dir is the minimum time-weighted V2Dir fraction.
	CutoffV2Dir float64

	// CutoffGuard is the minimum time-weighted Guard fraction.
	CutoffGuard float64

	// PermittedBadExit is the maximum time-weighted BadExit fraction,
	// for relays that have a BadExit history at all.
	PermittedBadExit float64

	// MustBeRunning requires the relay to currently carry the Running
	// flag. It is set when liveness checks are enabled for the run,
	// since a relay that is down cannot be probed.
	MustBeRunning bool
}

// Eligible is a stateless predicate reporting whether the candidate clears
// every threshold. The returned reason describes the first failing condition
// for observability; it never affects control flow.
func Eligible(c *Candidate, th *Thresholds, now time.Time) (bool, string) {
	r := c.Relay

	if th.MustBeRunning && !r.IsRunning() {
		return false, "not running now, unable to check DirPort " +
			"consensus download"
	}
	if r.LastChangedAddressOrPort.After(now.Add(-th.StabilityWindow)) {
		return false, fmt.Sprintf("changed address/port recently "+
			"(%v)", r.LastChangedAddressOrPort)
	}
	if c.Scores.Running < th.CutoffRunning {
		return false, fmt.Sprintf("running avg too low (%f)",
			c.Scores.Running)
	}
	if c.Scores.V2Dir < th.CutoffV2Dir {
		return false, fmt.Sprintf("v2dir avg too low (%f)",
			c.Scores.V2Dir)
	}

	// A relay without a BadExit history passes: there is no evidence of
	// badness to hold against it.
	badExit := c.Scores.BadExit
	if badExit.Known && badExit.Frac > th.PermittedBadExit {
		return false, fmt.Sprintf("badexit avg too high (%f)",
			badExit.Frac)
	}

	if !r.RecommendedVersion {
		return false, "version not recommended"
	}
	if c.Scores.Guard < th.CutoffGuard {
		return false, fmt.Sprintf("guard avg too low (%f)",
			c.Scores.Guard)
	}
	if r.ConsensusWeight < 1 {
		return false, "consensus weight invalid"
	}

	return true, ""
}

// FilterEligible applies the eligibility predicate to an ordered candidate
// sequence and returns the ordered subsequence that passed. Each exclusion
// is logged with its reason.
func FilterEligible(cands []*Candidate, th *Thresholds,
	now time.Time) []*Candidate {

	eligible := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		ok, reason := Eligible(c, th, now)
		if !ok {
			log.Infof("%v not a candidate: %v",
				c.Relay.Fingerprint, reason)
			continue
		}
		eligible = append(eligible, c)
	}

	return eligible
}
