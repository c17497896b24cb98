package build

import (
	"sync"

	"github.com/btcsuite/btclog"
)

// ShutdownLogger is a logger whose critical messages request a shutdown of
// the daemon. The shutdown is requested once, however many critical messages
// follow.
type ShutdownLogger struct {
	btclog.Logger

	shutdown     func()
	shutdownOnce sync.Once
}

// NewShutdownLogger wraps logger so that Critical and Criticalf call
// shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at critical level and requests a shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.requestShutdown()
}

// Critical logs at critical level and requests a shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.requestShutdown()
}

// requestShutdown calls the shutdown function on first use.
func (s *ShutdownLogger) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.Logger.Info("Requesting shutdown after critical error")
		s.shutdown()
	})
}
