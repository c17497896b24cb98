package build

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"
)

// LogType selects where log lines go. It is set with the "stdlog" build tag.
type LogType byte

const (
	// LogTypeDefault writes to stdout and the log file rotator.
	LogTypeDefault LogType = iota

	// LogTypeStdOut writes to stdout only.
	LogTypeStdOut
)

// String returns the name of the log type.
func (t LogType) String() string {
	switch t {
	case LogTypeDefault:
		return "default"
	case LogTypeStdOut:
		return "stdout"
	default:
		return "unknown"
	}
}

// LogWriter is the io.Writer behind the logging backend. Its Write method
// depends on LoggingType.
type LogWriter struct {
	// RotatorPipe feeds the log file rotator. It is nil until the rotator
	// has been initialized.
	RotatorPipe *io.PipeWriter
}

// NewSubLogger returns the logger of a subsystem. genSubLogger derives it
// from the daemon's backend; without one logging is disabled, unless this is
// a development build logging to stdout, which is how unit tests see log
// output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if Deployment == Development && LoggingType == LogTypeStdOut {
		logger := btclog.NewBackend(&LogWriter{}).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	if genSubLogger == nil {
		return btclog.Disabled
	}

	return genSubLogger(subsystem)
}

// SubLoggers maps subsystem identifiers to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger gives access to a set of subsystem loggers and their
// levels.
type LeveledSubLogger interface {
	// SubLoggers returns every registered subsystem logger.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem identifiers.
	SupportedSubsystems() []string

	// SetLogLevel sets the level of a single subsystem.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels sets the level of every subsystem.
	SetLogLevels(logLevel string)
}

// SortedSubsystems returns the subsystem identifiers in sorted order.
func SortedSubsystems(subLoggers SubLoggers) []string {
	subsystems := make([]string, 0, len(subLoggers))
	for subsysID := range subLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// debugLevels is a parsed debuglevel option.
type debugLevels struct {
	// global applies to every subsystem. Empty if not given.
	global string

	// subsystems holds the per subsystem overrides, in the order they were
	// given.
	subsystems [][2]string
}

// parseDebugLevels parses "<global>,<subsystem>=<level>,..." where the global
// level is optional. Every level and subsystem is checked against the known
// ones.
func parseDebugLevels(level string, known SubLoggers,
	supported func() []string) (*debugLevels, error) {

	var levels debugLevels
	for i, field := range strings.Split(level, ",") {
		subsysID, subsysLevel, isPair := strings.Cut(field, "=")

		if !isPair {
			if i != 0 {
				return nil, fmt.Errorf("the specified debug "+
					"level contains an invalid "+
					"subsystem/level pair [%v]", field)
			}
			if !validLogLevel(field) {
				return nil, fmt.Errorf("the specified debug "+
					"level [%v] is invalid", field)
			}

			levels.global = field
			continue
		}

		if strings.Contains(subsysLevel, "=") {
			return nil, fmt.Errorf("the specified debug level has "+
				"an invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", field)
		}
		if _, ok := known[subsysID]; !ok {
			return nil, fmt.Errorf("the specified subsystem [%v] "+
				"is invalid -- supported subsystems are %v",
				subsysID, supported())
		}
		if !validLogLevel(subsysLevel) {
			return nil, fmt.Errorf("the specified debug level "+
				"[%v] is invalid", subsysLevel)
		}

		levels.subsystems = append(
			levels.subsystems, [2]string{subsysID, subsysLevel},
		)
	}

	return &levels, nil
}

// ParseAndSetDebugLevels parses the debuglevel option and applies it to
// logger. Nothing is applied if any part of level is invalid.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels, err := parseDebugLevels(
		level, logger.SubLoggers(), logger.SupportedSubsystems,
	)
	if err != nil {
		return err
	}

	if levels.global != "" {
		logger.SetLogLevels(levels.global)
	}
	for _, subsystem := range levels.subsystems {
		logger.SetLogLevel(subsystem[0], subsystem[1])
	}

	return nil
}

// validLogLevel returns whether logLevel names a btclog level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}
