//go:build !stdlog
// +build !stdlog

package build

import "os"

// LoggingType sends log lines to stdout and, once it runs, to the rotator.
const LoggingType = LogTypeDefault

// Write copies b to stdout and to the rotator pipe if it is set.
func (w *LogWriter) Write(b []byte) (int, error) {
	_, _ = os.Stdout.Write(b)

	if w.RotatorPipe == nil {
		return len(b), nil
	}

	return w.RotatorPipe.Write(b)
}
