package swapwatch

import (
	"github.com/btcsuite/btclog"
	"github.com/swapwatch/swapwatch/build"
	"github.com/swapwatch/swapwatch/chainwatch"
	"github.com/swapwatch/swapwatch/chainwatch/bitcoindrpc"
	"github.com/swapwatch/swapwatch/monitoring"
	"github.com/swapwatch/swapwatch/signal"
	"github.com/swapwatch/swapwatch/zmqntfn"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling logRotator.InitLogRotator.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers. The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter(logWriter)

	// subsystemLoggers maps each subsystem identifier to its associated
	// logger.
	subsystemLoggers = build.SubLoggers{}

	swpwLog = addSubLogger("SWPW")
)

// Initialize package-global logger variables.
func init() {
	addSubLogger(chainwatch.Subsystem, chainwatch.UseLogger)
	addSubLogger(zmqntfn.Subsystem, zmqntfn.UseLogger)
	addSubLogger(bitcoindrpc.Subsystem, bitcoindrpc.UseLogger)
	addSubLogger(signal.Subsystem, signal.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
}

// addSubLogger creates the logger for a subsystem, registers it and hands it
// to the package's UseLogger functions.
func addSubLogger(subsystem string,
	useLoggers ...func(btclog.Logger)) btclog.Logger {

	logger := build.NewSubLogger(subsystem, backendLog.Logger)
	subsystemLoggers[subsystem] = logger

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}

	return logger
}

// subLogManager exposes the subsystem loggers to build.ParseAndSetDebugLevels.
type subLogManager struct {
	loggers build.SubLoggers
}

// Compile-time check to ensure subLogManager implements
// build.LeveledSubLogger.
var _ build.LeveledSubLogger = (*subLogManager)(nil)

// SubLoggers returns all registered subsystem loggers.
func (m *subLogManager) SubLoggers() build.SubLoggers {
	return m.loggers
}

// SupportedSubsystems returns the sorted subsystem identifiers.
func (m *subLogManager) SupportedSubsystems() []string {
	return build.SortedSubsystems(m.loggers)
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
func (m *subLogManager) SetLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
func (m *subLogManager) SetLogLevels(logLevel string) {
	for subsystemID := range m.loggers {
		m.SetLogLevel(subsystemID, logLevel)
	}
}

// logClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type logClosure func() string

// String invokes the underlying function and returns the result.
func (c logClosure) String() string {
	return c()
}

// newLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func newLogClosure(c func() string) logClosure {
	return logClosure(c)
}
