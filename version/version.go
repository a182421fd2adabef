package version

import (
	"flag"
	"fmt"
	"os"
)

var (
	// BuildDate is the date when the binary was built
	BuildDate string
	// GitCommit is the commit hash when the binary was built
	GitCommit string
	// Version is the version of the workload identity controller
	Version string

	// custom user agent to append for adal and arm calls
	customUserAgent = flag.String("custom-user-agent", "", "User agent to append in addition to the controller version.")
)

// GetUserAgent is used to get the user agent string which is then provided to adal
// to use as the extended user agent header.
// The format is: workload-identity-controller/<Version>/<Git commit>/<Build date>
func GetUserAgent() string {
	if *customUserAgent != "" {
		return fmt.Sprintf("workload-identity-controller/%s/%s/%s %s", Version, GitCommit, BuildDate, *customUserAgent)
	}
	return fmt.Sprintf("workload-identity-controller/%s/%s/%s", Version, GitCommit, BuildDate)
}

// PrintVersionAndExit prints the version and exits
func PrintVersionAndExit() {
	fmt.Printf("Version: %s - Commit: %s - Date: %s\n", Version, GitCommit, BuildDate)
	os.Exit(0)
}
