package selection

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/torutils/fallbackdir/overrides"
	"golang.org/x/sync/errgroup"
)

// InsufficientSelectionError is returned when the final accepted count falls
// below the absolute minimum required for diversity. This is a hard
// configuration problem requiring operator action, such as loosening the
// thresholds or extending the whitelist, not a transient condition worth
// retrying.
type InsufficientSelectionError struct {
	// Selected is the number of relays that were accepted.
	Selected int

	// Min is the configured absolute minimum.
	Min int
}

// Error returns a human readable string describing the error.
func (e *InsufficientSelectionError) Error() string {
	return fmt.Sprintf("selected %d fallbacks, need at least %d for "+
		"diversity: try adding whitelist entries or including "+
		"unlisted relays", e.Selected, e.Min)
}

// ProbeFunc reports whether a candidate passed its liveness probe. Each
// probe must be independent and free of side effects beyond its own result.
type ProbeFunc func(ctx context.Context, c *Candidate) bool

// Config holds the parameters of a selection run.
type Config struct {
	// Thresholds are the eligibility cutoffs.
	Thresholds Thresholds

	// Whitelist and Blacklist are the override lists.
	Whitelist []*overrides.Entry
	Blacklist []*overrides.Entry

	// Policy is the list combination policy.
	Policy overrides.Policy

	// ExitBandwidthFraction scales down the bandwidth estimate of Exit
	// relays.
	ExitBandwidthFraction float64

	// MinBandwidth is the minimum measured bandwidth, in bytes per
	// second, below which candidates are pruned.
	MinBandwidth float64

	// ProportionOfGuards sizes the target count as a fraction of the
	// network's guard count. When zero or negative, the target is the
	// guard count itself.
	ProportionOfGuards float64

	// MaxCount is the absolute maximum number of fallbacks. Zero means
	// no maximum is configured.
	MaxCount int

	// MinCount is the absolute minimum number of accepted fallbacks
	// required for diversity. Zero disables the check.
	MinCount int

	// Probe is the liveness probe to gate acceptance with, or nil to
	// accept without probing.
	Probe ProbeFunc

	// ProbeParallelism bounds the number of concurrent probes. Values
	// below 1 are treated as 1.
	ProbeParallelism int

	// Clock provides the current time. This is used for testing.
	Clock clock.Clock
}

// Outcome records one probed candidate and its probe result, in the order
// the candidates were considered.
type Outcome struct {
	// Candidate is the probed candidate.
	Candidate *Candidate

	// ProbeOK is true if the candidate passed its probe, or if probing
	// is disabled.
	ProbeOK bool
}

// Result is the output of a selection run, along with the counts the run
// summary reports.
type Result struct {
	// GuardCount is the number of guards among all ingested relays.
	GuardCount int

	// TargetCount is the desired number of fallbacks before clamping.
	TargetCount int

	// EffectiveCap is the target clamped to the configured maximum.
	EffectiveCap int

	// PreFilterCount is the number of candidates that passed the
	// eligibility filter, before the override lists were applied.
	PreFilterCount int

	// ExcludedCount is the number of eligible candidates removed by the
	// override lists.
	ExcludedCount int

	// EligibleCount is the number of candidates left after the override
	// lists.
	EligibleCount int

	// FinalCount is the number of candidates left after the low
	// bandwidth prune, before probing.
	FinalCount int

	// Prefilter is the eligible set before override filtering. The
	// output formatter uses it for duplicate-contact accounting.
	Prefilter []*Candidate

	// Ranked is the bandwidth-sorted candidate sequence the acceptance
	// loop consumed.
	Ranked []*Candidate

	// Outcomes lists every probed candidate with its result, in
	// bandwidth order.
	Outcomes []Outcome

	// Selected is the final ordered selection: the accepted candidates
	// in descending measured bandwidth order.
	Selected []*Candidate
}

// Engine orchestrates the selection pipeline: eligibility filter, override
// lists, bandwidth estimation, low bandwidth prune, ranking, and probe-gated
// acceptance. Each stage is a pure function consuming the prior stage's
// output sequence.
type Engine struct {
	cfg Config
}

// NewEngine creates a selection engine. A default clock is used if none is
// provided.
func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.ProbeParallelism < 1 {
		cfg.ProbeParallelism = 1
	}
	return &Engine{cfg: cfg}
}

// Run executes the pipeline over the full ingested candidate set and returns
// the selection result. The input sequence must be in a deterministic order
// for the run to be reproducible; it is not modified.
func (e *Engine) Run(ctx context.Context, cands []*Candidate) (*Result,
	error) {

	cfg := &e.cfg

	// Work out how many fallbacks we want. The guard count is taken
	// over the whole network, not just the eligible subset.
	guardCount := 0
	for _, c := range cands {
		if c.Relay.IsGuard() {
			guardCount++
		}
	}

	targetCount := guardCount
	if cfg.ProportionOfGuards > 0 {
		targetCount = int(float64(guardCount) * cfg.ProportionOfGuards)
	}

	effectiveCap := targetCount
	if cfg.MaxCount > 0 && cfg.MaxCount < effectiveCap {
		effectiveCap = cfg.MaxCount
	}

	res := &Result{
		GuardCount:   guardCount,
		TargetCount:  targetCount,
		EffectiveCap: effectiveCap,
	}

	// Find the candidates that fit the uptime, stability and flags
	// criteria.
	eligible := FilterEligible(
		cands, &cfg.Thresholds, cfg.Clock.Now(),
	)
	res.PreFilterCount = len(eligible)
	res.Prefilter = eligible

	// Apply the whitelist and blacklist.
	filtered := make([]*Candidate, 0, len(eligible))
	for _, c := range eligible {
		ok := cfg.Policy.Include(
			c.Relay, cfg.Whitelist, cfg.Blacklist,
		)
		if ok {
			filtered = append(filtered, c)
		}
	}
	res.EligibleCount = len(filtered)
	res.ExcludedCount = len(eligible) - len(filtered)

	// Estimate each candidate's measured bandwidth from the network
	// median factor, then drop the ones too slow to be useful.
	median, err := MedianFactor(SortByCwToBwFactor(filtered))
	if err != nil {
		return nil, err
	}

	estimated := ApplyMeasuredBandwidth(
		filtered, median, cfg.ExitBandwidthFraction,
	)
	pruned := PruneLowBandwidth(estimated, cfg.MinBandwidth)
	res.FinalCount = len(pruned)

	// Rank by measured bandwidth so the fastest candidates are offered
	// a place first.
	res.Ranked = SortByMeasuredBandwidth(pruned)

	// Accept candidates in rank order, gated on the liveness probe,
	// until the cap is reached.
	res.Outcomes, res.Selected = e.probeAccept(
		ctx, res.Ranked, effectiveCap,
	)

	if cfg.MinCount > 0 && len(res.Selected) < cfg.MinCount {
		return nil, &InsufficientSelectionError{
			Selected: len(res.Selected),
			Min:      cfg.MinCount,
		}
	}

	return res, nil
}

// probeAccept consumes the ranked sequence in order, probing candidates and
// accepting the ones that pass until the cap is reached. Probes run
// concurrently in batches no larger than the remaining need, so a candidate
// ranked below the final accepted one is never probed, and acceptance order
// always follows the ranked order regardless of probe completion order.
func (e *Engine) probeAccept(ctx context.Context, ranked []*Candidate,
	limit int) ([]Outcome, []*Candidate) {

	if limit > len(ranked) {
		limit = len(ranked)
	}
	if limit <= 0 {
		return nil, nil
	}

	// Without a probe, acceptance is simply the top of the ranking.
	if e.cfg.Probe == nil {
		outcomes := make([]Outcome, 0, limit)
		selected := make([]*Candidate, 0, limit)
		for _, c := range ranked[:limit] {
			outcomes = append(outcomes, Outcome{c, true})
			selected = append(selected, c)
		}
		return outcomes, selected
	}

	var (
		outcomes []Outcome
		selected []*Candidate
	)
	next := 0
	for len(selected) < limit && next < len(ranked) {
		need := limit - len(selected)
		end := next + need
		if end > len(ranked) {
			end = len(ranked)
		}
		batch := ranked[next:end]

		// Probe the batch concurrently. Each probe only writes its
		// own slot, so the results need no locking; acceptance below
		// walks the slots in rank order.
		results := make([]bool, len(batch))
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(e.cfg.ProbeParallelism)
		for i, c := range batch {
			i, c := i, c
			group.Go(func() error {
				results[i] = e.cfg.Probe(gctx, c)
				return nil
			})
		}
		_ = group.Wait()

		for i, ok := range results {
			outcomes = append(outcomes, Outcome{batch[i], ok})
			if ok {
				selected = append(selected, batch[i])
			}
		}
		next = end
	}

	return outcomes, selected
}
