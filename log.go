package fallbackdir

import (
	"github.com/btcsuite/btclog"
	"github.com/torutils/fallbackdir/build"
	"github.com/torutils/fallbackdir/onionoo"
	"github.com/torutils/fallbackdir/overrides"
	"github.com/torutils/fallbackdir/probe"
	"github.com/torutils/fallbackdir/relay"
	"github.com/torutils/fallbackdir/render"
	"github.com/torutils/fallbackdir/selection"
	"github.com/torutils/fallbackdir/uptime"
)

// Subsystem defines the logging code for the top level subsystem.
const Subsystem = "FBD"

var (
	// logWriter is the root logger that all of the daemon's subloggers
	// are created from.
	logWriter = build.NewRotatingLogWriter()

	// log is a logger that is initialized with the above logWriter.
	log = build.NewSubLogger(Subsystem, logWriter.GenSubLogger)
)

// Initialize package-global logger variables.
func init() {
	setSubLogger(Subsystem, log, nil)
	addSubLogger(relay.Subsystem, relay.UseLogger)
	addSubLogger(uptime.Subsystem, uptime.UseLogger)
	addSubLogger(overrides.Subsystem, overrides.UseLogger)
	addSubLogger(selection.Subsystem, selection.UseLogger)
	addSubLogger(onionoo.Subsystem, onionoo.UseLogger)
	addSubLogger(probe.Subsystem, probe.UseLogger)
	addSubLogger(render.Subsystem, render.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, logWriter.GenSubLogger)
	setSubLogger(subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a
// sub system.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLogger func(btclog.Logger)) {

	logWriter.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
