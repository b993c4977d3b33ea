package render

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/torutils/fallbackdir/onionoo"
	"github.com/torutils/fallbackdir/relay"
	"github.com/torutils/fallbackdir/selection"
)

const testFingerprint = "0123456789ABCDEF0123456789ABCDEF01234567"

// entryCandidate returns a candidate with every renderable field set.
func entryCandidate() *selection.Candidate {
	return &selection.Candidate{
		Relay: &relay.Relay{
			Fingerprint: testFingerprint,
			Nickname:    "testrelay",
			Contact:     "admin@example.org",
			DirAddress:  "1.2.3.4:9030",
			ORPort:      9001,
			IPv6Addr:    "[2a01:db8::1]",
			IPv6ORPort:  9001,
			Flags:       []string{"Running", "Fast", "Guard"},
		},
		MeasuredBandwidth: 5 * 1024 * 1024,
	}
}

// TestEntry tests the rendered fallback entry in its passing, failing and
// IPv4-only shapes.
func TestEntry(t *testing.T) {
	t.Parallel()

	formatter := NewFormatter(Config{})

	t.Run("passing entry", func(t *testing.T) {
		got := formatter.Entry(
			selection.Outcome{
				Candidate: entryCandidate(),
				ProbeOK:   true,
			},
			nil, nil,
		)

		want := "/*\n" +
			"testrelay\n" +
			"Flags: Fast Guard Running\n" +
			"admin@example.org\n" +
			"*/\n" +
			"\"1.2.3.4:9030 orport=9001 id=" + testFingerprint +
			"\"\n" +
			"\" ipv6=[2a01:db8::1]:9001\"\n" +
			"\" weight=10\","
		require.Equal(t, want, got)
	})

	t.Run("failed probe comments the entry out", func(t *testing.T) {
		got := formatter.Entry(
			selection.Outcome{Candidate: entryCandidate()},
			nil, nil,
		)

		require.True(t, strings.Contains(
			got, "/* Consensus download failed or was too slow:\n",
		))
		require.True(t, strings.HasSuffix(got, "\" weight=10\",\n*/"))
	})

	t.Run("no ipv6 line without an address", func(t *testing.T) {
		c := entryCandidate()
		c.Relay.IPv6Addr = ""

		got := formatter.Entry(
			selection.Outcome{Candidate: c, ProbeOK: true},
			nil, nil,
		)
		require.NotContains(t, got, "ipv6")
	})

	t.Run("no contact line without a contact", func(t *testing.T) {
		c := entryCandidate()
		c.Relay.Contact = ""

		got := formatter.Entry(
			selection.Outcome{Candidate: c, ProbeOK: true},
			nil, nil,
		)
		require.NotContains(t, got, "admin")
	})
}

// TestEntryContactCounts tests the duplicate and blacklisted contact
// accounting.
func TestEntryContactCounts(t *testing.T) {
	t.Parallel()

	shared := entryCandidate()
	twin := entryCandidate()
	removed := entryCandidate()
	fallbacks := []*selection.Candidate{shared, twin}
	prefilter := []*selection.Candidate{shared, twin, removed}

	formatter := NewFormatter(Config{
		ContactCount:          true,
		ContactBlacklistCount: true,
	})
	got := formatter.Entry(
		selection.Outcome{Candidate: shared, ProbeOK: true},
		fallbacks, prefilter,
	)

	require.Contains(t, got, "2 identical contacts listed 1 blacklisted")
}

// TestRunSummary tests the count accounting and bandwidth range lines.
func TestRunSummary(t *testing.T) {
	t.Parallel()

	fast := entryCandidate()
	slow := entryCandidate()
	slow.MeasuredBandwidth = 2 * 1024 * 1024

	res := &selection.Result{
		GuardCount:    2000,
		TargetCount:   400,
		EligibleCount: 3,
		FinalCount:    2,
		Ranked:        []*selection.Candidate{fast, slow},
	}

	formatter := NewFormatter(Config{
		CheckIPv4:          true,
		CheckIPv6:          true,
		ProbeTimeout:       15 * time.Second,
		ProportionOfGuards: 0.2,
		MaxCount:           100,
		MinCount:           1,
	})
	got := formatter.RunSummary(res)

	require.Contains(t, got, "/* Checked IPv4 and IPv6 DirPorts served "+
		"a consensus within 15.0s. */")
	require.Contains(t, got, "Final Count: 2 (Eligible 3, Target 400 "+
		"(2000 * 0.200000), Clamped to 100)")
	require.Contains(t, got, "Excluded:     1 (Eligible Count Exceeded "+
		"Target Count)")
	require.Contains(t, got, "Bandwidth Range: 2.0 - 5.0 MB/s")
	require.NotContains(t, got, "#error")
}

// TestRunSummaryBelowMinimum tests the #error block when the count is too
// low to ship.
func TestRunSummaryBelowMinimum(t *testing.T) {
	t.Parallel()

	res := &selection.Result{
		EligibleCount: 1,
		FinalCount:    1,
		Ranked:        []*selection.Candidate{entryCandidate()},
	}

	formatter := NewFormatter(Config{MinCount: 100})
	got := formatter.RunSummary(res)

	require.Contains(t, got, "/* Did not check IPv4 or IPv6 DirPort "+
		"consensus downloads. */")
	require.Contains(t, got, "#error Fallback Count 1 is too low. Must "+
		"be at least 100 for diversity.")
}

// TestSourceComment tests the provenance comment.
func TestSourceComment(t *testing.T) {
	t.Parallel()

	formatter := NewFormatter(Config{})
	got := formatter.SourceComment(&onionoo.Source{
		What:            "details",
		URL:             "https://onionoo.torproject.org/details?x=1",
		RelaysPublished: "2020-06-18 04:00:00",
		Version:         "8.0",
	})

	want := "/*\n" +
		"Onionoo Source: details Date: 2020-06-18 04:00:00 " +
		"Version: 8.0\n" +
		"URL: https://onionoo.torproject.org/details?x=1\n" +
		"*/"
	require.Equal(t, want, got)
}

// TestRender tests the assembled document order: filter summary, run
// summary, sources sorted by kind, then the entries.
func TestRender(t *testing.T) {
	t.Parallel()

	c := entryCandidate()
	res := &selection.Result{
		PreFilterCount: 4,
		ExcludedCount:  1,
		EligibleCount:  3,
		FinalCount:     1,
		Ranked:         []*selection.Candidate{c},
		Outcomes: []selection.Outcome{
			{Candidate: c, ProbeOK: true},
		},
		Selected: []*selection.Candidate{c},
	}
	sources := []*onionoo.Source{
		{What: "uptime", URL: "u"},
		{What: "details", URL: "d"},
	}

	var b strings.Builder
	formatter := NewFormatter(Config{MinCount: 1})
	require.NoError(t, formatter.Render(&b, res, sources))
	got := b.String()

	filterIdx := strings.Index(
		got, "/* Whitelist & blacklist excluded 1 of 4 candidates. */",
	)
	summaryIdx := strings.Index(got, "Final Count: 1")
	detailsIdx := strings.Index(got, "Onionoo Source: details")
	uptimeIdx := strings.Index(got, "Onionoo Source: uptime")
	entryIdx := strings.Index(got, "\"1.2.3.4:9030 orport=9001")

	require.GreaterOrEqual(t, filterIdx, 0)
	require.Greater(t, summaryIdx, filterIdx)
	require.Greater(t, detailsIdx, summaryIdx)
	require.Greater(t, uptimeIdx, detailsIdx)
	require.Greater(t, entryIdx, uptimeIdx)
}

// TestRenderNoFallbacks tests the placeholder for an empty result.
func TestRenderNoFallbacks(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	formatter := NewFormatter(Config{})
	require.NoError(
		t, formatter.Render(&b, &selection.Result{}, nil),
	)

	require.Contains(t, b.String(), "/* No Fallbacks met criteria */")
	require.NotContains(t, b.String(), "Final Count")
}
