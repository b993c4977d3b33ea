package selection

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/torutils/fallbackdir/overrides"
)

// testEngineConfig returns an engine config without probing, pinned to
// testNow.
func testEngineConfig() Config {
	return Config{
		Thresholds:            *testThresholds(),
		Policy:                overrides.Policy{IncludeUnlisted: true},
		ExitBandwidthFraction: 1,
		Clock:                 clock.NewTestClock(testNow),
	}
}

// rankedCandidates returns n eligible guard candidates with strictly
// decreasing advertised bandwidth, so their rank order is predictable.
func rankedCandidates(n int) []*Candidate {
	cands := make([]*Candidate, 0, n)
	for i := 0; i < n; i++ {
		c := eligibleCandidate(fmt.Sprintf("%040d", i))
		c.Relay.AdvertisedBandwidth = float64(100000 - i*1000)
		cands = append(cands, c)
	}
	return cands
}

// probeRecorder counts probe attempts per fingerprint under a lock, so
// concurrent probes can be asserted on.
type probeRecorder struct {
	mu       sync.Mutex
	attempts map[string]int
	fail     map[string]bool
}

func newProbeRecorder(fail ...string) *probeRecorder {
	r := &probeRecorder{
		attempts: make(map[string]int),
		fail:     make(map[string]bool),
	}
	for _, fingerprint := range fail {
		r.fail[fingerprint] = true
	}
	return r
}

func (r *probeRecorder) probe(_ context.Context, c *Candidate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[c.Relay.Fingerprint]++
	return !r.fail[c.Relay.Fingerprint]
}

// TestEngineCounts tests the guard-proportion target and its clamping to
// the absolute maximum.
func TestEngineCounts(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.ProportionOfGuards = 0.5
	cfg.MaxCount = 3

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), rankedCandidates(10))
	require.NoError(t, err)

	require.Equal(t, 10, res.GuardCount)
	require.Equal(t, 5, res.TargetCount)
	require.Equal(t, 3, res.EffectiveCap)
	require.Len(t, res.Selected, 3)
}

// TestEngineSelectsByBandwidth tests that selection consumes candidates in
// descending measured bandwidth order.
func TestEngineSelectsByBandwidth(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MaxCount = 4

	// Feed the candidates in an arbitrary order.
	cands := rankedCandidates(8)
	cands[0], cands[5] = cands[5], cands[0]
	cands[2], cands[7] = cands[7], cands[2]

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), cands)
	require.NoError(t, err)

	require.Len(t, res.Selected, 4)
	for i := 1; i < len(res.Selected); i++ {
		require.GreaterOrEqual(
			t, res.Selected[i-1].MeasuredBandwidth,
			res.Selected[i].MeasuredBandwidth,
		)
	}
}

// TestEngineProbeCap tests that selection halts exactly at the effective
// cap: with a cap of 5 and 10 eligible candidates, exactly the top 5 that
// pass their probe are selected and candidates below the 5th accepted one
// are never probed.
func TestEngineProbeCap(t *testing.T) {
	t.Parallel()

	recorder := newProbeRecorder()

	cfg := testEngineConfig()
	cfg.MaxCount = 5
	cfg.Probe = recorder.probe
	cfg.ProbeParallelism = 4

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), rankedCandidates(10))
	require.NoError(t, err)

	require.Len(t, res.Selected, 5)
	require.Equal(t, res.Ranked[:5], res.Selected)

	// Exactly the top 5 were probed, once each.
	require.Len(t, recorder.attempts, 5)
	for _, c := range res.Ranked[:5] {
		require.Equal(t, 1, recorder.attempts[c.Relay.Fingerprint])
	}
	for _, c := range res.Ranked[5:] {
		require.Zero(t, recorder.attempts[c.Relay.Fingerprint])
	}
}

// TestEngineProbeFailures tests that a failing probe excludes only that
// candidate and that acceptance continues down the ranking.
func TestEngineProbeFailures(t *testing.T) {
	t.Parallel()

	cands := rankedCandidates(6)
	recorder := newProbeRecorder(
		cands[1].Relay.Fingerprint, cands[3].Relay.Fingerprint,
	)

	cfg := testEngineConfig()
	cfg.MaxCount = 3
	cfg.Probe = recorder.probe

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), cands)
	require.NoError(t, err)

	// Candidates 1 and 3 failed, so the selection is 0, 2, 4.
	require.Equal(t, []*Candidate{
		res.Ranked[0], res.Ranked[2], res.Ranked[4],
	}, res.Selected)

	// Candidate 5 was never needed.
	require.Len(t, res.Outcomes, 5)
	require.Zero(t, recorder.attempts[cands[5].Relay.Fingerprint])
}

// TestEngineInsufficientSelection tests that a final count below the
// absolute minimum fails the run rather than emitting a partial selection.
func TestEngineInsufficientSelection(t *testing.T) {
	t.Parallel()

	cfg := testEngineConfig()
	cfg.MinCount = 5

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), rankedCandidates(3))
	require.Nil(t, res)

	var insufficientErr *InsufficientSelectionError
	require.ErrorAs(t, err, &insufficientErr)
	require.Equal(t, 3, insufficientErr.Selected)
	require.Equal(t, 5, insufficientErr.Min)
}

// TestEngineNoMedian tests that a candidate set without any advertised
// bandwidth fails the run.
func TestEngineNoMedian(t *testing.T) {
	t.Parallel()

	cands := rankedCandidates(3)
	for _, c := range cands {
		c.Relay.AdvertisedBandwidth = 0
	}

	engine := NewEngine(testEngineConfig())
	_, err := engine.Run(context.Background(), cands)
	require.ErrorIs(t, err, ErrNoMedian)
}

// TestEngineOverrideFilter tests that the blacklist stage removes eligible
// candidates and accounts for them.
func TestEngineOverrideFilter(t *testing.T) {
	t.Parallel()

	cands := rankedCandidates(4)

	cfg := testEngineConfig()
	cfg.Blacklist = []*overrides.Entry{
		{ID: cands[1].Relay.Fingerprint},
	}

	engine := NewEngine(cfg)
	res, err := engine.Run(context.Background(), cands)
	require.NoError(t, err)

	require.Equal(t, 4, res.PreFilterCount)
	require.Equal(t, 1, res.ExcludedCount)
	require.Equal(t, 3, res.EligibleCount)
	require.Len(t, res.Selected, 3)
}
