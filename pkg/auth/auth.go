package auth

import (
	"fmt"
	"time"

	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/version"

	adal "github.com/Azure/go-autorest/autorest/adal"
)

const (
	adalTokenFromMSIOperationName                   = "adal_token_msi"
	adalTokenFromMSIWithUserAssignedIDOperationName = "adal_token_msi_userassignedid"
)

var reporter *metrics.Reporter

// GetServicePrincipalTokenFromMSI returns a service principal token acquired
// through the system-assigned managed identity of the hosting VM. The token
// is refreshed once so credential problems surface at startup.
func GetServicePrincipalTokenFromMSI(resource string) (*adal.ServicePrincipalToken, error) {
	begin := time.Now()
	msiEndpoint, err := adal.GetMSIVMEndpoint()
	if err != nil {
		recordError(adalTokenFromMSIOperationName)
		return nil, fmt.Errorf("failed to get the MSI endpoint, error: %v", err)
	}
	spt, err := adal.NewServicePrincipalTokenFromMSI(msiEndpoint, resource)
	if err != nil {
		recordError(adalTokenFromMSIOperationName)
		return nil, fmt.Errorf("failed to acquire a token for MSI, error: %v", err)
	}
	if err := spt.Refresh(); err != nil {
		recordError(adalTokenFromMSIOperationName)
		return nil, err
	}
	recordDuration(adalTokenFromMSIOperationName, time.Since(begin))
	return spt, nil
}

// GetServicePrincipalTokenFromMSIWithUserAssignedID returns a service
// principal token acquired through a user-assigned managed identity attached
// to the hosting VM.
func GetServicePrincipalTokenFromMSIWithUserAssignedID(clientID, resource string) (*adal.ServicePrincipalToken, error) {
	begin := time.Now()
	msiEndpoint, err := adal.GetMSIVMEndpoint()
	if err != nil {
		recordError(adalTokenFromMSIWithUserAssignedIDOperationName)
		return nil, fmt.Errorf("failed to get the MSI endpoint, error: %v", err)
	}
	spt, err := adal.NewServicePrincipalTokenFromMSIWithUserAssignedID(msiEndpoint, resource, clientID)
	if err != nil {
		recordError(adalTokenFromMSIWithUserAssignedIDOperationName)
		return nil, fmt.Errorf("failed to acquire a token using the MSI VM extension, error: %v", err)
	}
	if err := spt.Refresh(); err != nil {
		recordError(adalTokenFromMSIWithUserAssignedIDOperationName)
		return nil, err
	}
	recordDuration(adalTokenFromMSIWithUserAssignedIDOperationName, time.Since(begin))
	return spt, nil
}

// GetServicePrincipalToken returns a service principal token for the given
// credentials. activeDirectoryEndpoint and resource come from the azure
// environment so sovereign clouds resolve correctly.
func GetServicePrincipalToken(activeDirectoryEndpoint, tenantID, clientID, secret, resource string) (*adal.ServicePrincipalToken, error) {
	begin := time.Now()
	oauthConfig, err := adal.NewOAuthConfig(activeDirectoryEndpoint, tenantID)
	if err != nil {
		recordError(metrics.AdalTokenOperationName)
		return nil, fmt.Errorf("creating the OAuth config: %v", err)
	}
	spt, err := adal.NewServicePrincipalToken(
		*oauthConfig,
		clientID,
		secret,
		resource,
	)
	if err != nil {
		recordError(metrics.AdalTokenOperationName)
		return nil, err
	}
	if err := spt.Refresh(); err != nil {
		recordError(metrics.AdalTokenOperationName)
		return nil, err
	}
	recordDuration(metrics.AdalTokenOperationName, time.Since(begin))
	return spt, nil
}

func init() {
	err := adal.AddToUserAgent(version.GetUserAgent())
	if err != nil {
		// shouldn't fail ever
		panic(err)
	}
}

// InitReporter initialize the reporter with given reporter
func InitReporter(reporterInstance *metrics.Reporter) {
	reporter = reporterInstance
}

func recordError(operation string) {
	if reporter != nil {
		reporter.ReportOperation(
			operation,
			metrics.CloudProviderOperationsErrorsCountM.M(1))
	}
}

func recordDuration(operation string, duration time.Duration) {
	if reporter != nil {
		reporter.ReportOperation(
			operation,
			metrics.CloudProviderOperationsDurationM.M(duration.Seconds()))
	}
}
