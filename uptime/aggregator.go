package uptime

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// Flag names whose histories feed the derived fractions.
const (
	FlagRunning = "Running"
	FlagGuard   = "Guard"
	FlagV2Dir   = "V2Dir"
	FlagBadExit = "BadExit"
)

// BadExit is the explicit tri-state badexit score: either the service
// reported no BadExit history at all, or it did and the fraction is known.
// Absence of history means there is no evidence of badness, which is not the
// same thing as a known fraction of zero.
type BadExit struct {
	// Known is true if the relay has a BadExit history.
	Known bool

	// Frac is the time-weighted BadExit fraction in [0, 1]. It is only
	// meaningful when Known is true.
	Frac float64
}

// Scores holds the derived time-weighted flag fractions of a relay, each in
// [0, 1].
type Scores struct {
	// Running is the fraction of time the relay carried the Running
	// flag.
	Running float64

	// Guard is the fraction of time the relay carried the Guard flag.
	Guard float64

	// V2Dir is the fraction of time the relay carried the V2Dir flag.
	V2Dir float64

	// BadExit is the fraction of time the relay carried the BadExit
	// flag, when such a history exists.
	BadExit BadExit
}

// Config holds the aggregation parameters.
type Config struct {
	// StabilityWindow is the maximum sample age included in the
	// weighted averages.
	StabilityWindow time.Duration

	// DecayAlpha is the per-day geometric decay constant applied to
	// sample weights. It must be positive and at most 1.
	DecayAlpha float64

	// Clock provides the current time. This is used for testing.
	Clock clock.Clock
}

// Aggregator converts nested flag histories into per-relay scores.
type Aggregator struct {
	cfg Config
}

// NewAggregator creates an aggregator with the given parameters. A default
// clock is used if none is provided.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	return &Aggregator{cfg: cfg}
}

// scoreFlag reduces one flag's history to a normalized fraction in [0, 1].
func (a *Aggregator) scoreFlag(history History, which string) float64 {
	samples := ExtractSamples(history, a.cfg.Clock.Now(), which)
	avg := WeightedAverage(
		samples, a.cfg.StabilityWindow, a.cfg.DecayAlpha,
	)
	return avg / rawScale
}

// Score derives the flag fractions for a single relay's uptime entry. It
// returns false if the entry lacks any of the Running, Guard or V2Dir
// histories, in which case the relay cannot be scored at all.
func (a *Aggregator) Score(entry *Entry) (Scores, bool) {
	if entry.Flags == nil {
		log.Debugf("No flags in document for %v", entry.Fingerprint)
		return Scores{}, false
	}

	for _, flag := range []string{FlagRunning, FlagGuard, FlagV2Dir} {
		if _, ok := entry.Flags[flag]; !ok {
			log.Debugf("No %v in flags for %v", flag,
				entry.Fingerprint)
			return Scores{}, false
		}
	}

	which := func(flag string) string {
		return fmt.Sprintf("%v-%v", entry.Fingerprint, flag)
	}

	scores := Scores{
		Running: a.scoreFlag(
			entry.Flags[FlagRunning], which(FlagRunning),
		),
		Guard: a.scoreFlag(entry.Flags[FlagGuard], which(FlagGuard)),
		V2Dir: a.scoreFlag(entry.Flags[FlagV2Dir], which(FlagV2Dir)),
	}

	if history, ok := entry.Flags[FlagBadExit]; ok {
		scores.BadExit = BadExit{
			Known: true,
			Frac: a.scoreFlag(
				history, which(FlagBadExit),
			),
		}
	}

	return scores, true
}
