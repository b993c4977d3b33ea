package fallbackdir

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/torutils/fallbackdir/onionoo"
	"github.com/torutils/fallbackdir/overrides"
	"github.com/torutils/fallbackdir/probe"
	"github.com/torutils/fallbackdir/relay"
	"github.com/torutils/fallbackdir/render"
	"github.com/torutils/fallbackdir/selection"
	"github.com/torutils/fallbackdir/uptime"
)

// Main fetches the required onionoo documents, evaluates the fallback
// directory criteria for each relay, and writes the generated list.
func Main(cfg *Config) error {
	defer func() {
		_ = logWriter.Close()
	}()

	log.Infof("Version %s", Version())

	ctx := context.Background()

	whitelist, err := overrides.ParseListFile(cfg.WhitelistFile)
	if err != nil {
		return fmt.Errorf("unable to load whitelist: %w", err)
	}
	blacklist, err := overrides.ParseListFile(cfg.BlacklistFile)
	if err != nil {
		return fmt.Errorf("unable to load blacklist: %w", err)
	}

	client := onionoo.NewClient(onionoo.Config{
		BaseURL:             cfg.OnionooURL,
		CacheDir:            cfg.CacheDir,
		LocalOnly:           cfg.LocalFilesOnly,
		StabilityWindowDays: cfg.StabilityDays,
	})

	detailsDoc, detailsSource, err := client.Details(ctx)
	if err != nil {
		return err
	}
	uptimeDoc, uptimeSource, err := client.Uptime(ctx)
	if err != nil {
		return err
	}

	// Ingest the details document into a fingerprint lookup and an
	// ordered candidate sequence. Document order is kept so runs over
	// the same documents are reproducible.
	byFingerprint, candidates := ingestDetails(detailsDoc)
	log.Infof("Ingested %d of %d relays", len(candidates),
		len(detailsDoc.Relays))

	attachUptimes(byFingerprint, uptimeDoc, uptime.Config{
		StabilityWindow: stabilityWindow(cfg),
		DecayAlpha:      cfg.AgeAlpha,
	})

	checker := probe.NewChecker(probe.Config{
		Timeout:   cfg.ProbeTimeout,
		Retry:     !cfg.NoProbeRetry,
		CheckIPv4: !cfg.NoIPv4Checks,
		CheckIPv6: cfg.IPv6Checks,
	})

	engineCfg := selection.Config{
		Thresholds: selection.Thresholds{
			StabilityWindow:  stabilityWindow(cfg),
			CutoffRunning:    cfg.CutoffRunning,
			CutoffV2Dir:      cfg.CutoffV2Dir,
			CutoffGuard:      cfg.CutoffGuard,
			PermittedBadExit: cfg.PermittedBadExit,
			MustBeRunning:    checker.Enabled(),
		},
		Whitelist: whitelist,
		Blacklist: blacklist,
		Policy: overrides.Policy{
			BlacklistOverridesWhitelist: !cfg.WhitelistOverridesBlacklist,
			IncludeUnlisted:             cfg.IncludeUnlisted,
		},
		ExitBandwidthFraction: cfg.ExitBandwidthFraction,
		MinBandwidth:          cfg.MinBandwidth,
		ProportionOfGuards:    cfg.ProportionOfGuards,
		MaxCount:              cfg.MaxFallbackCount,
		MinCount:              cfg.MinFallbackCount,
		ProbeParallelism:      cfg.ProbeParallelism,
	}
	if checker.Enabled() {
		engineCfg.Probe = func(ctx context.Context,
			c *selection.Candidate) bool {

			return checker.Check(ctx, c.Relay)
		}
	}

	result, err := selection.NewEngine(engineCfg).Run(ctx, candidates)
	if err != nil {
		return err
	}

	log.Infof("Selected %d of %d eligible fallbacks",
		len(result.Selected), result.EligibleCount)

	out := os.Stdout
	if cfg.Output != "" {
		out, err = os.Create(cfg.Output)
		if err != nil {
			return fmt.Errorf("unable to create output file: %w",
				err)
		}
		defer out.Close()
	}

	formatter := render.NewFormatter(render.Config{
		CheckIPv4:             !cfg.NoIPv4Checks,
		CheckIPv6:             cfg.IPv6Checks,
		ProbeTimeout:          cfg.ProbeTimeout,
		ProportionOfGuards:    cfg.ProportionOfGuards,
		MaxCount:              cfg.MaxFallbackCount,
		MinCount:              cfg.MinFallbackCount,
		ContactCount:          cfg.OutputCandidates,
		ContactBlacklistCount: cfg.OutputCandidates,
	})
	return formatter.Render(out, result, []*onionoo.Source{
		detailsSource, uptimeSource,
	})
}

// stabilityWindow returns the configured address stability window as a
// duration.
func stabilityWindow(cfg *Config) time.Duration {
	return time.Duration(cfg.StabilityDays) * 24 * time.Hour
}

// ingestDetails converts raw detail records into relays, dropping records
// that are incomplete or have no resolvable onion routing port. It returns
// a fingerprint lookup and the candidates in document order.
func ingestDetails(doc *onionoo.DetailsDocument) (
	map[string]*selection.Candidate, []*selection.Candidate) {

	byFingerprint := make(map[string]*selection.Candidate)
	candidates := make([]*selection.Candidate, 0, len(doc.Relays))

	for _, details := range doc.Relays {
		// Relays without a DirPort can't serve directory documents.
		if details.DirAddress == nil {
			continue
		}

		r, err := relay.New(details)
		if err != nil {
			log.Infof("Skipping relay: %v", err)
			continue
		}

		if _, ok := byFingerprint[r.Fingerprint]; ok {
			log.Debugf("Duplicate relay %v in details document",
				r.Fingerprint)
			continue
		}

		c := &selection.Candidate{Relay: r}
		byFingerprint[r.Fingerprint] = c
		candidates = append(candidates, c)
	}

	return byFingerprint, candidates
}

// attachUptimes scores each candidate's flag histories. Candidates without
// a usable uptime entry keep zero scores, which the eligibility filter then
// rejects.
func attachUptimes(byFingerprint map[string]*selection.Candidate,
	doc *onionoo.UptimeDocument, cfg uptime.Config) {

	aggregator := uptime.NewAggregator(cfg)
	for _, entry := range doc.Relays {
		c, ok := byFingerprint[entry.Fingerprint]
		if !ok {
			log.Debugf("Got unknown relay %v in uptime document",
				entry.Fingerprint)
			continue
		}

		scores, ok := aggregator.Score(entry)
		if !ok {
			continue
		}
		c.Scores = scores
	}
}
