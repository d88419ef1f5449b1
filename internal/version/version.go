package version

var (
	// Version is the current application version, stamped into every scan record.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
)
