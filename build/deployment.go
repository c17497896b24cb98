package build

// DeploymentType is the kind of build, selected with the "dev" build tag.
// Development builds default to debug logging and let unit tests log to
// stdout.
type DeploymentType byte

const (
	// Development is a build made with the "dev" tag.
	Development DeploymentType = iota

	// Production is the default build.
	Production
)

// String returns the name of the deployment type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
