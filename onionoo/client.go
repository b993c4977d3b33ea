package onionoo

import (
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/torutils/fallbackdir/relay"
	"github.com/torutils/fallbackdir/uptime"
)

const (
	// defaultBaseURL is the onionoo instance queried by default.
	defaultBaseURL = "https://onionoo.torproject.org/"

	// defaultFreshness is how recent the document's Last-Modified date
	// must be for the data to be usable. Onionoo used to promise 6
	// hours, but a fallback list can afford a day.
	defaultFreshness = 24 * time.Hour

	// detailsFields restricts the details document to the fields the
	// pipeline consumes, keeping the response small.
	detailsFields = "fingerprint,nickname,contact," +
		"last_changed_address_or_port,consensus_weight," +
		"advertised_bandwidth,or_addresses,dir_address," +
		"recommended_version,flags"

	// maxFullURLLength and maxLastModifiedLength bound the cache
	// metadata files.
	maxFullURLLength      = 1024
	maxLastModifiedLength = 64
)

// ErrStaleSource is returned when the source document is older than the
// freshness window. This sometimes happens transiently on the server side,
// so the caller should retry the whole run later.
var ErrStaleSource = errors.New("onionoo data exceeds the freshness window")

// Source describes where and when a document was fetched. It is threaded
// through to the output formatter, which records the provenance of the
// generated list.
type Source struct {
	// What is the document kind, "details" or "uptime".
	What string

	// URL is the full query URL.
	URL string

	// RelaysPublished is the document's publication timestamp.
	RelaysPublished string

	// Version is the onionoo protocol version.
	Version string
}

// DetailsDocument is a parsed onionoo details response.
type DetailsDocument struct {
	RelaysPublished string           `json:"relays_published"`
	Version         string           `json:"version"`
	Relays          []*relay.Details `json:"relays"`
}

// UptimeDocument is a parsed onionoo uptime response.
type UptimeDocument struct {
	RelaysPublished string          `json:"relays_published"`
	Version         string          `json:"version"`
	Relays          []*uptime.Entry `json:"relays"`
}

// Config holds the parameters of the onionoo client.
type Config struct {
	// BaseURL is the onionoo instance to query. If empty, the main
	// torproject.org instance is used.
	BaseURL string

	// CacheDir is the directory holding the response cache files.
	CacheDir string

	// Freshness is the maximum acceptable document age. If zero,
	// defaultFreshness is used.
	Freshness time.Duration

	// LocalOnly skips the network entirely and loads cached documents
	// only. A missing cache file fails the fetch.
	LocalOnly bool

	// StabilityWindowDays is the minimum first-seen age, in days, the
	// query requires of returned relays.
	StabilityWindowDays int

	// Clock provides the current time. This is used for testing.
	Clock clock.Clock
}

// Client fetches onionoo documents through a local conditional-GET cache.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates an onionoo client, applying defaults where the config
// leaves fields zero.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Freshness == 0 {
		cfg.Freshness = defaultFreshness
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Client{
		cfg: cfg,

		// Gzip is negotiated and decoded explicitly so the cached
		// bytes match what was decoded.
		http: &http.Client{
			Transport: &http.Transport{
				DisableCompression: true,
			},
		},
	}
}

// Details fetches and parses the details document, returning it with its
// provenance.
func (c *Client) Details(ctx context.Context) (*DetailsDocument, *Source,
	error) {

	log.Debugf("Loading details document")

	params := url.Values{}
	params.Set("fields", detailsFields)

	body, fullURL, err := c.fetch(ctx, "details", params)
	if err != nil {
		return nil, nil, err
	}

	var doc DetailsDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("unable to parse details "+
			"document: %w", err)
	}
	if doc.Relays == nil {
		return nil, nil, fmt.Errorf("no relays found in details " +
			"document")
	}

	log.Debugf("Loading details document done: %d relays",
		len(doc.Relays))

	return &doc, &Source{
		What:            "details",
		URL:             fullURL,
		RelaysPublished: doc.RelaysPublished,
		Version:         doc.Version,
	}, nil
}

// Uptime fetches and parses the uptime document, returning it with its
// provenance.
func (c *Client) Uptime(ctx context.Context) (*UptimeDocument, *Source,
	error) {

	log.Debugf("Loading uptime document")

	body, fullURL, err := c.fetch(ctx, "uptime", nil)
	if err != nil {
		return nil, nil, err
	}

	var doc UptimeDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, nil, fmt.Errorf("unable to parse uptime "+
			"document: %w", err)
	}
	if doc.Relays == nil {
		return nil, nil, fmt.Errorf("no relays found in uptime " +
			"document")
	}

	log.Debugf("Loading uptime document done: %d relays", len(doc.Relays))

	return &doc, &Source{
		What:            "uptime",
		URL:             fullURL,
		RelaysPublished: doc.RelaysPublished,
		Version:         doc.Version,
	}, nil
}

// queryURL builds the full query URL for a document kind, adding the
// selection parameters shared by every query.
func (c *Client) queryURL(what string, extra url.Values) string {
	params := url.Values{}
	for key, values := range extra {
		params[key] = values
	}
	params.Set("type", "relay")
	params.Set("first_seen_days",
		fmt.Sprintf("%d-", c.cfg.StabilityWindowDays))
	params.Set("last_seen_days", "-7")
	params.Set("flag", "V2Dir")

	return c.cfg.BaseURL + what + "?" + params.Encode()
}

// cachePath returns the path of a cache file for the query URL. The URL is
// too long for some filenames, so the name carries its hash instead.
func (c *Client) cachePath(what, fullURL, suffix string) string {
	name := fmt.Sprintf("%s-%x%s", what, sha1.Sum([]byte(fullURL)),
		suffix)
	return filepath.Join(c.cfg.CacheDir, name)
}

// fetch retrieves a document's raw JSON, either from onionoo with a
// conditional GET or from the local cache, and enforces the freshness
// window.
func (c *Client) fetch(ctx context.Context, what string,
	extra url.Values) ([]byte, string, error) {

	fullURL := c.queryURL(what, extra)

	jsonFile := c.cachePath(what, fullURL, ".json")
	lastModifiedFile := c.cachePath(what, fullURL, ".last_modified")
	fullURLFile := c.cachePath(what, fullURL, ".full_url")

	// In local mode nothing is fetched or written, the cached document
	// is used as-is.
	if c.cfg.LocalOnly {
		body, err := os.ReadFile(jsonFile)
		if err != nil {
			return nil, "", fmt.Errorf("unable to read cached "+
				"document: %w", err)
		}
		return body, fullURL, nil
	}

	// Store the full URL for debugging. There is no need to compare it,
	// the file name hash already identifies the query.
	writeCacheFile(fullURLFile, []byte(fullURL), maxFullURLLength)

	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, fullURL, nil,
	)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept-Encoding", "gzip")

	lastModified := readCacheFile(lastModifiedFile, maxLastModifiedLength)
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("unable to get %v: %w", fullURL,
			err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusNotModified {

		return nil, "", fmt.Errorf("unexpected HTTP response code "+
			"to %v: %v", fullURL, resp.Status)
	}

	// A document is only as fresh as its Last-Modified date. On a 304
	// the previously stored date still applies.
	lastMod := parseLastModified(lastModified)
	if resp.StatusCode == http.StatusOK {
		lastMod = parseLastModified(resp.Header.Get("Last-Modified"))
	}

	requiredFreshness := c.cfg.Clock.Now().UTC().Add(-c.cfg.Freshness)
	if lastMod.Before(requiredFreshness) {
		if lastModified != "" {
			return nil, "", fmt.Errorf("%w: outdated data, last "+
				"updated %v from %v", ErrStaleSource,
				lastModified, fullURL)
		}
		return nil, "", fmt.Errorf("%w: no data, never downloaded "+
			"from %v", ErrStaleSource, fullURL)
	}

	if resp.StatusCode == http.StatusOK {
		body, err := readResponseBody(resp)
		if err != nil {
			return nil, "", fmt.Errorf("unable to read %v: %w",
				fullURL, err)
		}

		if err := os.WriteFile(jsonFile, body, 0644); err != nil {
			log.Warnf("Writing file %v failed: %v", jsonFile, err)
		}
		if value := resp.Header.Get("Last-Modified"); value != "" {
			writeCacheFile(
				lastModifiedFile, []byte(value),
				maxLastModifiedLength,
			)
		}

		return body, fullURL, nil
	}

	// Not modified, the cached document is current.
	body, err := os.ReadFile(jsonFile)
	if err != nil {
		// Deleting the .last_modified and .json files and re-running
		// may resolve this.
		return nil, "", fmt.Errorf("unable to read not-modified "+
			"document %v: %w", jsonFile, err)
	}
	return body, fullURL, nil
}

// readResponseBody reads the response, decoding gzip when the server used
// it.
func readResponseBody(resp *http.Response) ([]byte, error) {
	reader := resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gzReader.Close()
		reader = gzReader
	}
	return io.ReadAll(reader)
}

// parseLastModified parses an HTTP date like
// "Fri, 02 Oct 2015 13:34:14 GMT". An absent or malformed date parses as
// the start of the epoch, which always fails the freshness check.
func parseLastModified(value string) time.Time {
	if value == "" {
		return time.Unix(0, 0).UTC()
	}
	parsed, err := http.ParseTime(value)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return parsed.UTC()
}

// writeCacheFile writes a bounded metadata file, logging rather than
// failing on error since the cache is best-effort.
func writeCacheFile(path string, data []byte, maxLen int) {
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Warnf("Writing file %v failed: %v", path, err)
	}
}

// readCacheFile reads a bounded metadata file, returning the empty string
// when the file is missing or unreadable.
func readCacheFile(path string, maxLen int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Infof("Loading file %v failed: %v", path, err)
		}
		return ""
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	return string(data)
}
