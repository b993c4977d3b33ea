package fallbackdir

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/torutils/fallbackdir/build"
)

const (
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "fallbackdir.log"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultOnionooURL = "https://onionoo.torproject.org/"

	defaultWhitelistFilename = "fallback.whitelist"
	defaultBlacklistFilename = "fallback.blacklist"

	// Stability is reduced to a week due to a tor bug where a restarted
	// relay submits a 0 DirPort, which correctly resets its onionoo
	// stability timer.
	defaultStabilityDays = 7

	// The time-weighted fraction of Running, V2Dir and Guard each
	// fallback must equal or exceed, and of BadExit it must equal or
	// fall under.
	defaultCutoffRunning    = 0.95
	defaultCutoffV2Dir      = 0.95
	defaultCutoffGuard      = 0.95
	defaultPermittedBadExit = 0.0

	// Older uptime samples have their weights adjusted by
	// ageAlpha^(age in days).
	defaultAgeAlpha = 0.99

	// The target is a fifth of the guards in the network, clamped to
	// exactly 100 for the initial release so there is scope to add
	// extras later. Below 100 the output carries a C #error.
	defaultProportionOfGuards = 0.2
	defaultMaxFallbackCount   = 100
	defaultMinFallbackCount   = 100

	// Exits asked to opt in are lightly loaded, so their bandwidth is
	// not scaled down.
	defaultExitBandwidthFraction = 1.0

	// Fallbacks handle around 30 kilobytes per second of extra traffic;
	// they must support a hundred times the expected extra load. 102.4
	// makes the cutoff come out evenly in MB/s.
	defaultMinBandwidth = 102.4 * 30.0 * 1024.0

	// Clients time out after 30 seconds downloading a consensus, so a
	// fallback gets half that to deliver one.
	defaultProbeTimeout     = 15 * time.Second
	defaultProbeParallelism = 1
)

// Config defines the configuration options for the fallback list generator.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`

	OnionooURL     string `long:"onionoo" description:"Onionoo instance to query"`
	CacheDir       string `long:"cachedir" description:"Directory holding the cached onionoo documents"`
	LocalFilesOnly bool   `long:"localonly" description:"Don't go out to the Internet, use the cached documents even if they're old"`

	Output           string `short:"o" long:"output" description:"Write the generated list to this file instead of stdout"`
	OutputCandidates bool   `long:"outputcandidates" description:"Output all candidate fallbacks instead of only the selected ones: skips DirPort checks, includes unlisted relays and drops the count limits"`

	WhitelistFile               string `long:"whitelist" description:"File of relays that are included if all attributes match"`
	BlacklistFile               string `long:"blacklist" description:"File of relays that are excluded if any sufficiently specific group of attributes matches"`
	IncludeUnlisted             bool   `long:"includeunlisted" description:"Include relays that appear in neither list"`
	WhitelistOverridesBlacklist bool   `long:"whitelistoverridesblacklist" description:"Include relays that appear in both lists instead of excluding them"`

	StabilityDays    int     `long:"stabilitydays" description:"Days a relay's address and ports must have been unchanged"`
	CutoffRunning    float64 `long:"cutoffrunning" description:"Minimum time-weighted fraction of the Running flag"`
	CutoffV2Dir      float64 `long:"cutoffv2dir" description:"Minimum time-weighted fraction of the V2Dir flag"`
	CutoffGuard      float64 `long:"cutoffguard" description:"Minimum time-weighted fraction of the Guard flag"`
	PermittedBadExit float64 `long:"permittedbadexit" description:"Maximum time-weighted fraction of the BadExit flag"`
	AgeAlpha         float64 `long:"agealpha" description:"Per-day decay applied to older uptime samples"`

	ProportionOfGuards float64 `long:"proportionofguards" description:"Size the target count as this fraction of the network's guards (0 to disable)"`
	MaxFallbackCount   int     `long:"maxfallbacks" description:"Absolute maximum number of fallbacks (0 for no maximum)"`
	MinFallbackCount   int     `long:"minfallbacks" description:"Minimum number of fallbacks required for diversity"`

	ExitBandwidthFraction float64 `long:"exitbandwidthfraction" description:"Fraction of an Exit relay's bandwidth counted towards its estimate"`
	MinBandwidth          float64 `long:"minbandwidth" description:"Minimum measured bandwidth in bytes per second"`

	ProbeTimeout     time.Duration `long:"probetimeout" description:"Maximum acceptable consensus download time"`
	NoProbeRetry     bool          `long:"noproberetry" description:"Don't retry a failed consensus download"`
	NoIPv4Checks     bool          `long:"noipv4checks" description:"Don't check that DirPorts serve a consensus over IPv4"`
	IPv6Checks       bool          `long:"ipv6checks" description:"Check that DirPorts serve a consensus over IPv6; this excludes IPv6 relays without a working IPv6 DirPort"`
	ProbeParallelism int           `long:"probeparallelism" description:"Number of concurrent DirPort checks"`
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		DebugLevel:            defaultLogLevel,
		LogDir:                defaultLogDirname,
		MaxLogFiles:           defaultMaxLogFiles,
		MaxLogFileSize:        defaultMaxLogFileSize,
		OnionooURL:            defaultOnionooURL,
		CacheDir:              ".",
		WhitelistFile:         defaultWhitelistFilename,
		BlacklistFile:         defaultBlacklistFilename,
		StabilityDays:         defaultStabilityDays,
		CutoffRunning:         defaultCutoffRunning,
		CutoffV2Dir:           defaultCutoffV2Dir,
		CutoffGuard:           defaultCutoffGuard,
		PermittedBadExit:      defaultPermittedBadExit,
		AgeAlpha:              defaultAgeAlpha,
		ProportionOfGuards:    defaultProportionOfGuards,
		MaxFallbackCount:      defaultMaxFallbackCount,
		MinFallbackCount:      defaultMinFallbackCount,
		ExitBandwidthFraction: defaultExitBandwidthFraction,
		MinBandwidth:          defaultMinBandwidth,
		ProbeTimeout:          defaultProbeTimeout,
		ProbeParallelism:      defaultProbeParallelism,
	}
}

// LoadConfig initializes and parses the config using command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Parse CLI options and overwrite/add any specified options
//  3. Adjust for candidate output mode, if requested
//
// This function also initializes the logging infrastructure.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	if cfg.ShowVersion {
		appName := filepath.Base(os.Args[0])
		appName = strings.TrimSuffix(appName, filepath.Ext(appName))
		fmt.Println(appName, "version", Version())
		os.Exit(0)
	}

	// Candidate output mode audits the whole eligible set: every relay
	// is listed regardless of the override lists and count limits, the
	// ~1000 candidates are not each probed, and contact counts are
	// emitted so operators can be reached.
	if cfg.OutputCandidates {
		cfg.IncludeUnlisted = true
		cfg.ProportionOfGuards = 0
		cfg.MaxFallbackCount = 0
		cfg.NoIPv4Checks = true
		cfg.IPv6Checks = false
	}

	cfg.LogDir = CleanAndExpandPath(cfg.LogDir)
	cfg.CacheDir = CleanAndExpandPath(cfg.CacheDir)
	cfg.WhitelistFile = CleanAndExpandPath(cfg.WhitelistFile)
	cfg.BlacklistFile = CleanAndExpandPath(cfg.BlacklistFile)
	if cfg.Output != "" {
		cfg.Output = CleanAndExpandPath(cfg.Output)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	// Initialize logging at the default logging level.
	err := logWriter.InitLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("log rotation setup failed: %w", err)
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			logWriter.SupportedSubsystems())
		os.Exit(0)
	}

	// Parse, validate, and set debug log level(s).
	if err := build.ParseAndSetDebugLevels(
		cfg.DebugLevel, logWriter,
	); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig rejects settings no run could meaningfully use.
func validateConfig(cfg *Config) error {
	inUnit := func(name string, value float64) error {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got "+
				"%v", name, value)
		}
		return nil
	}

	if err := inUnit("cutoffrunning", cfg.CutoffRunning); err != nil {
		return err
	}
	if err := inUnit("cutoffv2dir", cfg.CutoffV2Dir); err != nil {
		return err
	}
	if err := inUnit("cutoffguard", cfg.CutoffGuard); err != nil {
		return err
	}
	if err := inUnit("permittedbadexit", cfg.PermittedBadExit); err != nil {
		return err
	}
	if err := inUnit("proportionofguards", cfg.ProportionOfGuards); err != nil {
		return err
	}
	if err := inUnit(
		"exitbandwidthfraction", cfg.ExitBandwidthFraction,
	); err != nil {
		return err
	}

	if cfg.AgeAlpha <= 0 || cfg.AgeAlpha > 1 {
		return fmt.Errorf("agealpha must be in (0, 1], got %v",
			cfg.AgeAlpha)
	}
	if cfg.StabilityDays < 0 {
		return fmt.Errorf("stabilitydays cannot be negative")
	}
	if cfg.MinBandwidth < 0 {
		return fmt.Errorf("minbandwidth cannot be negative")
	}
	if cfg.MaxFallbackCount < 0 || cfg.MinFallbackCount < 0 {
		return fmt.Errorf("fallback counts cannot be negative")
	}
	if cfg.ProbeTimeout <= 0 {
		return fmt.Errorf("probetimeout must be positive")
	}
	if cfg.ProbeParallelism < 1 {
		return fmt.Errorf("probeparallelism must be at least 1")
	}

	return nil
}

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style
	// %VARIABLE%, but the variables can still be expanded via POSIX
	// style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
