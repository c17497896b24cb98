//go:build !dev
// +build !dev

package build

const (
	// Deployment specifies a production build.
	Deployment = Production

	// LogLevel is the default debug level of swapwatchd.
	LogLevel = "info"
)
