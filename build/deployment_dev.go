//go:build dev
// +build dev

package build

const (
	// Deployment specifies a development build.
	Deployment = Development

	// LogLevel is the default debug level of swapwatchd.
	LogLevel = "debug"
)
