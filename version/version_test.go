package version

import (
	"fmt"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	BuildDate = "Now"
	GitCommit = "Commit"
	Version = "v0.1.0"
	expectedUserAgentStr := fmt.Sprintf("workload-identity-controller/%s/%s/%s", Version, GitCommit, BuildDate)
	gotUserAgentStr := GetUserAgent()
	if !strings.EqualFold(expectedUserAgentStr, gotUserAgentStr) {
		t.Fatalf("got unexpected user agent string: %s. Expected: %s.", gotUserAgentStr, expectedUserAgentStr)
	}
}

func TestGetUserAgent(t *testing.T) {
	BuildDate = "now"
	GitCommit = "commit"
	Version = "version"

	tests := []struct {
		name              string
		customUserAgent   string
		expectedUserAgent string
	}{
		{
			name:              "default user agent",
			customUserAgent:   "",
			expectedUserAgent: "workload-identity-controller/version/commit/now",
		},
		{
			name:              "default user agent and custom user agent",
			customUserAgent:   "managedBy:aks",
			expectedUserAgent: "workload-identity-controller/version/commit/now managedBy:aks",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			customUserAgent = &test.customUserAgent
			actualUserAgent := GetUserAgent()
			if !strings.EqualFold(test.expectedUserAgent, actualUserAgent) {
				t.Fatalf("got unexpected user agent string: %s. Expected: %s.", test.expectedUserAgent, actualUserAgent)
			}
		})
	}
}
