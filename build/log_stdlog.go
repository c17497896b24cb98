//go:build stdlog
// +build stdlog

package build

import "os"

// LoggingType sends log lines to stdout only. Unit tests are built with it.
const LoggingType = LogTypeStdOut

// Write copies b to stdout.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
