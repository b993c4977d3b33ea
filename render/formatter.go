package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/torutils/fallbackdir/onionoo"
	"github.com/torutils/fallbackdir/selection"
)

// outputWeight is the client selection weight every fallback entry carries.
// Authorities are weighted 1.0 by default, so clients pick a fallback for
// the overwhelming majority of bootstrap attempts.
const outputWeight = 10

// Config holds the formatting parameters of a run. The probe settings are
// echoed into the output so readers of the generated list know how it was
// produced.
type Config struct {
	// CheckIPv4 and CheckIPv6 record which DirPort checks the run
	// performed.
	CheckIPv4 bool
	CheckIPv6 bool

	// ProbeTimeout is the maximum acceptable consensus download time
	// the checks used.
	ProbeTimeout time.Duration

	// ProportionOfGuards is the guard fraction the target count was
	// derived from, or zero if proportional sizing was disabled.
	ProportionOfGuards float64

	// MaxCount is the absolute maximum fallback count, or zero if none
	// was configured.
	MaxCount int

	// MinCount is the minimum fallback count required for diversity.
	MinCount int

	// ContactCount emits the number of identical contacts listed.
	ContactCount bool

	// ContactBlacklistCount emits the number of relays sharing a
	// contact that the blacklist removed.
	ContactBlacklistCount bool
}

// Formatter renders a selection result as the C fragment embedded in the
// client's source. Escaping of untrusted text against the C syntax is
// handled here and nowhere else.
type Formatter struct {
	cfg Config
}

// NewFormatter creates a formatter.
func NewFormatter(cfg Config) *Formatter {
	return &Formatter{cfg: cfg}
}

// FilterSummary describes how many candidates the override lists removed.
func (f *Formatter) FilterSummary(excluded, initial int) string {
	return fmt.Sprintf(
		"/* Whitelist & blacklist excluded %d of %d candidates. */",
		excluded, initial,
	)
}

// RunSummary describes the run's counts and bandwidth range, with a C
// #error directive when the count is too low to ship.
func (f *Formatter) RunSummary(res *selection.Result) string {
	var b strings.Builder

	switch {
	case f.cfg.CheckIPv4 || f.cfg.CheckIPv6:
		families := ""
		if f.cfg.CheckIPv4 {
			families = "IPv4"
		}
		if f.cfg.CheckIPv4 && f.cfg.CheckIPv6 {
			families += " and "
		}
		if f.cfg.CheckIPv6 {
			families += "IPv6"
		}
		fmt.Fprintf(&b, "/* Checked %s DirPorts served a consensus "+
			"within %.1fs. */\n", families,
			f.cfg.ProbeTimeout.Seconds())

	default:
		b.WriteString("/* Did not check IPv4 or IPv6 DirPort " +
			"consensus downloads. */\n")
	}

	// Integers don't need escaping in C comments.
	b.WriteString("/*\n")
	fmt.Fprintf(&b, "Final Count: %d (Eligible %d", res.FinalCount,
		res.EligibleCount)
	if f.cfg.ProportionOfGuards > 0 {
		fmt.Fprintf(&b, ", Target %d (%d * %f)", res.TargetCount,
			res.GuardCount, f.cfg.ProportionOfGuards)
	}
	if f.cfg.MaxCount > 0 {
		fmt.Fprintf(&b, ", Clamped to %d", f.cfg.MaxCount)
	}
	b.WriteString(")\n")

	if res.EligibleCount != res.FinalCount {
		fmt.Fprintf(&b, "Excluded:     %d (Eligible Count Exceeded "+
			"Target Count)\n",
			res.EligibleCount-res.FinalCount)
	}

	if len(res.Ranked) > 0 {
		minBw := res.Ranked[len(res.Ranked)-1].MeasuredBandwidth
		maxBw := res.Ranked[0].MeasuredBandwidth
		fmt.Fprintf(&b, "Bandwidth Range: %.1f - %.1f MB/s\n",
			minBw/(1024.0*1024.0), maxBw/(1024.0*1024.0))
	}
	b.WriteString("*/")

	// Fallbacks must be numerous enough to stay reachable and sit in
	// diverse locations.
	if res.FinalCount < f.cfg.MinCount {
		fmt.Fprintf(&b, "\n#error Fallback Count %d is too low. "+
			"Must be at least %d for diversity. Try adding "+
			"entries to the whitelist, or including unlisted "+
			"relays.", res.FinalCount, f.cfg.MinCount)
	}

	return b.String()
}

// NoFallbacks is the placeholder emitted when nothing met the criteria.
func (f *Formatter) NoFallbacks() string {
	return "/* No Fallbacks met criteria */"
}

// SourceComment describes the provenance of a fetched document.
func (f *Formatter) SourceComment(src *onionoo.Source) string {
	var b strings.Builder
	b.WriteString("/*\n")
	fmt.Fprintf(&b, "Onionoo Source: %s Date: %s Version: %s\n",
		CleanseCComment(src.What),
		CleanseCComment(src.RelaysPublished),
		CleanseCComment(src.Version))
	fmt.Fprintf(&b, "URL: %s\n", CleanseCComment(src.URL))
	b.WriteString("*/")
	return b.String()
}

// sameContactCount returns the number of candidates sharing the contact.
func sameContactCount(contact string, cands []*selection.Candidate) int {
	count := 0
	for _, c := range cands {
		if c.Relay.Contact == contact {
			count++
		}
	}
	return count
}

// Entry renders one fallback entry: a comment block describing the relay
// followed by the C string list lines. Probe-failed entries are kept in the
// output but commented out, so the failing relay can still be found in the
// debug log.
func (f *Formatter) Entry(out selection.Outcome, fallbacks,
	prefilter []*selection.Candidate) string {

	r := out.Candidate.Relay

	var b strings.Builder
	b.WriteString("/*\n")
	b.WriteString(CleanseCComment(r.Nickname))
	b.WriteString("\n")

	flags := make([]string, len(r.Flags))
	copy(flags, r.Flags)
	sort.Strings(flags)
	fmt.Fprintf(&b, "Flags: %s\n",
		CleanseCComment(strings.Join(flags, " ")))

	if r.Contact != "" {
		b.WriteString(CleanseCComment(r.Contact))

		sharedCount := 0
		if f.cfg.ContactCount || f.cfg.ContactBlacklistCount {
			sharedCount = sameContactCount(r.Contact, fallbacks)
			if sharedCount > 1 {
				fmt.Fprintf(&b, "\n%d identical contacts "+
					"listed", sharedCount)
			}
		}
		if f.cfg.ContactBlacklistCount {
			prefilterCount := sameContactCount(
				r.Contact, prefilter,
			)
			if removed := prefilterCount - sharedCount; removed > 0 {
				if sharedCount > 1 {
					b.WriteString(" ")
				} else {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "%d blacklisted", removed)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("*/\n")

	if !out.ProbeOK {
		b.WriteString("/* Consensus download failed or was too " +
			"slow:\n")
	}

	// Multiline C string with a trailing comma, part of a string list.
	// One line per component makes the file easy to diff, and IPv6
	// lines removable with grep. Integers don't need escaping.
	fmt.Fprintf(&b, "\"%s orport=%d id=%s\"\n",
		CleanseCString(r.DirAddress), r.ORPort,
		CleanseCString(r.Fingerprint))
	if r.HasIPv6() {
		fmt.Fprintf(&b, "\" ipv6=%s\"\n",
			CleanseCString(r.IPv6AddrPort()))
	}
	fmt.Fprintf(&b, "\" weight=%d\",", outputWeight)

	if !out.ProbeOK {
		b.WriteString("\n*/")
	}

	return b.String()
}

// Render writes the complete output document: the filter summary, the run
// summary, the provenance of each source, and one entry per considered
// candidate.
func (f *Formatter) Render(w io.Writer, res *selection.Result,
	sources []*onionoo.Source) error {

	chunks := []string{
		f.FilterSummary(res.ExcludedCount, res.PreFilterCount),
	}

	if res.FinalCount > 0 {
		chunks = append(chunks, f.RunSummary(res))
	} else {
		chunks = append(chunks, f.NoFallbacks())
	}

	ordered := make([]*onionoo.Source, len(sources))
	copy(ordered, sources)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].What < ordered[j].What
	})
	for _, src := range ordered {
		chunks = append(chunks, f.SourceComment(src))
	}

	for _, out := range res.Outcomes {
		chunks = append(
			chunks, f.Entry(out, res.Ranked, res.Prefilter),
		)
	}

	log.Debugf("Rendered %d fallback entries", len(res.Outcomes))

	_, err := fmt.Fprintln(w, strings.Join(chunks, "\n"))
	return err
}
