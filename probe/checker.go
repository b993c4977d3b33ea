package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/torutils/fallbackdir/relay"
)

const (
	// defaultTimeout is the longest a consensus download may take before
	// the relay is considered too slow for clients to bootstrap from.
	defaultTimeout = 15 * time.Second

	// defaultSlop is the extra grace given to the HTTP deadline beyond
	// the acceptable download time, to absorb client-side overhead. A
	// download that finishes within the slop but past the timeout still
	// fails the check.
	defaultSlop = time.Second

	// consensusPath is the DirPort resource fetched by the check.
	consensusPath = "/tor/status-vote/current/consensus"
)

// Config holds the parameters of the DirPort liveness check.
type Config struct {
	// Timeout is the maximum acceptable consensus download time. If
	// zero, defaultTimeout is used.
	Timeout time.Duration

	// Slop is the extra deadline grace beyond Timeout. If zero,
	// defaultSlop is used.
	Slop time.Duration

	// Retry retries a failed download once. Each retry is a fresh,
	// independent attempt with identical parameters.
	Retry bool

	// CheckIPv4 enables the check on the relay's IPv4 DirPort address.
	CheckIPv4 bool

	// CheckIPv6 enables the check on the relay's IPv6 address. Clients
	// assume the IPv6 DirPort is the same as the IPv4 one.
	CheckIPv6 bool
}

// Checker probes relay DirPorts by downloading a full consensus, the same
// document a bootstrapping client would fetch.
type Checker struct {
	cfg Config
}

// NewChecker creates a DirPort checker, applying the default timeout and
// slop where the config leaves them zero.
func NewChecker(cfg Config) *Checker {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Slop == 0 {
		cfg.Slop = defaultSlop
	}
	return &Checker{cfg: cfg}
}

// Enabled returns true if at least one address family is being checked.
func (c *Checker) Enabled() bool {
	return c.cfg.CheckIPv4 || c.cfg.CheckIPv6
}

// Check downloads a consensus from each of the relay's enabled address
// families and reports whether every enabled check passed. A relay without
// an IPv6 address only undergoes the IPv4 check.
func (c *Checker) Check(ctx context.Context, r *relay.Relay) bool {
	ok := true
	if c.cfg.CheckIPv4 {
		ok = c.checkFamily(ctx, r.DirIP, r.DirPort, r.Nickname)
	}
	if c.cfg.CheckIPv6 && r.HasIPv6() {
		if !c.checkFamily(ctx, r.IPv6Addr, r.DirPort, r.Nickname) {
			ok = false
		}
	}
	return ok
}

// checkFamily runs one download attempt against a single address, retrying
// once on failure if configured. The retry shares nothing with the first
// attempt, so a transient network condition doesn't delist the relay.
func (c *Checker) checkFamily(ctx context.Context, host string, dirPort int,
	nickname string) bool {

	if c.attempt(ctx, host, dirPort, nickname) {
		return true
	}
	if !c.cfg.Retry {
		return false
	}
	return c.attempt(ctx, host, dirPort, nickname)
}

// attempt performs a single consensus download and reports whether it
// completed successfully within the acceptable time. The HTTP deadline is
// the timeout plus the slop; a download that completes under the deadline
// but over the timeout is still a failure.
func (c *Checker) attempt(ctx context.Context, host string, dirPort int,
	nickname string) bool {

	url := fmt.Sprintf("http://%s:%d%s", host, dirPort, consensusPath)

	// Some directory mirrors respond to requests in ways that hang
	// sockets, so log before connecting.
	log.Infof("Initiating consensus download from %v (%v:%d)", nickname,
		host, dirPort)

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout+c.cfg.Slop)
	defer cancel()

	start := time.Now()
	err := c.download(attemptCtx, url)
	elapsed := time.Since(start)

	switch {
	case err != nil:
		log.Warnf("Consensus download: %.1fs error from %v (%v:%d), "+
			"max download time %.1fs: %v", elapsed.Seconds(),
			nickname, host, dirPort, c.cfg.Timeout.Seconds(), err)
		return false

	case elapsed > c.cfg.Timeout:
		log.Warnf("Consensus download: %.1fs too slow from %v "+
			"(%v:%d), max download time %.1fs", elapsed.Seconds(),
			nickname, host, dirPort, c.cfg.Timeout.Seconds())
		return false
	}

	log.Debugf("Consensus download: %.1fs ok from %v (%v:%d), max "+
		"download time %.1fs", elapsed.Seconds(), nickname, host,
		dirPort, c.cfg.Timeout.Seconds())
	return true
}

// download fetches the URL and drains the body, using a fresh client per
// attempt so no connection state is reused across retries.
func (c *Checker) download(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %v", resp.Status)
	}

	_, err = io.Copy(io.Discard, resp.Body)
	return err
}
