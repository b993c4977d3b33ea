package build

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogWriter is an io.Writer that writes all log output to stdout and, if set,
// mirrors it to the write-end pipe of the log rotator.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	// It is written to by the Write method of the LogWriter type.
	RotatorPipe *io.PipeWriter
}

// Write writes the byte slice to both stdout and the log rotator, if present.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}
	return len(b), nil
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. If no sublogger constructor is provided, logging is
// disabled for the subsystem.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// SubLoggers is a type that holds a map of subsystem loggers keyed by their
// subsystem name.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns a slice of strings containing the names
	// of the supported subsystems. Should ideally correspond to the keys
	// of the subsystem logger map and be sorted.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly on the given logger. An appropriate error is
// returned if anything is invalid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(level, ",") && !strings.Contains(level, "=") {
		// Validate debug log level.
		if !validLogLevel(level) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, level)
		}

		// Change the logging level for all subsystems.
		logger.SetLogLevels(level)
		return nil
	}

	// Split the specified string into subsystem/level pairs while
	// detecting issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(level, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an " +
				"invalid subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			str := "the specified debug level has an invalid " +
				"format [%v] -- use format subsystem1=level1," +
				"subsystem2=level2"
			return fmt.Errorf(str, logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]
		subLoggers := logger.SubLoggers()

		// Validate subsystem.
		if _, exists := subLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems are %v"
			return fmt.Errorf(
				str, subsysID, logger.SupportedSubsystems(),
			)
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}
