package cloudprovider

import (
	"context"
	"strings"
	"time"

	"github.com/Azure/workload-identity-controller/pkg/config"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/stats"

	"github.com/Azure/azure-sdk-for-go/services/msi/mgmt/2018-11-30/msi"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"k8s.io/klog/v2"
)

// IdentityClient wraps the ARM user assigned identities client.
type IdentityClient struct {
	client msi.UserAssignedIdentitiesClient
}

// IdentityClientInt is the user assigned identity client surface used by
// the cloud provider.
type IdentityClientInt interface {
	Get(ctx context.Context, resourceGroup, name string) (msi.Identity, error)
	CreateOrUpdate(ctx context.Context, resourceGroup, name string, parameters msi.Identity) (msi.Identity, error)
	Delete(ctx context.Context, resourceGroup, name string) error
}

// NewIdentityClient creates a client for user assigned managed identities.
func NewIdentityClient(config config.AzureConfig, spt *adal.ServicePrincipalToken) (*IdentityClient, error) {
	client := msi.NewUserAssignedIdentitiesClient(config.SubscriptionID)
	azureEnv, err := azure.EnvironmentFromName(config.Cloud)
	if err != nil {
		return nil, err
	}
	client.BaseURI = azureEnv.ResourceManagerEndpoint
	client.Authorizer = autorest.NewBearerAuthorizer(spt)
	client.PollingDelay = 5 * time.Second
	return &IdentityClient{client: client}, nil
}

// Get returns the identity from ARM.
func (c *IdentityClient) Get(ctx context.Context, resourceGroup, name string) (msi.Identity, error) {
	begin := time.Now()
	identity, err := c.client.Get(ctx, resourceGroup, name)
	if err != nil {
		return identity, err
	}
	stats.Update(stats.CloudGet, time.Since(begin))
	return identity, nil
}

// CreateOrUpdate upserts the identity. ARM treats an identical PUT as a
// no-op.
func (c *IdentityClient) CreateOrUpdate(ctx context.Context, resourceGroup, name string, parameters msi.Identity) (msi.Identity, error) {
	begin := time.Now()
	identity, err := c.client.CreateOrUpdate(ctx, resourceGroup, name, parameters)
	if err != nil {
		return identity, err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return identity, nil
}

// Delete removes the identity from ARM.
func (c *IdentityClient) Delete(ctx context.Context, resourceGroup, name string) error {
	begin := time.Now()
	if _, err := c.client.Delete(ctx, resourceGroup, name); err != nil {
		return err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return nil
}

func (c *Client) getIdentity(ctx context.Context, spec *resolver.ManagedIdentitySpec) (engine.Observation, error) {
	identity, err := c.IdentityClient.Get(ctx, spec.ResourceGroup, spec.Name)
	if err != nil {
		if isNotFound(err) {
			return engine.Observation{Exists: false}, nil
		}
		c.recordError(metrics.CreateOrUpdateIdentityOperationName)
		return engine.Observation{}, classifyError(err)
	}
	return identityObservation(identity, spec), nil
}

func (c *Client) createOrUpdateIdentity(ctx context.Context, spec *resolver.ManagedIdentitySpec) (engine.Observation, error) {
	begin := time.Now()
	parameters := msi.Identity{
		Location: to.StringPtr(spec.Location),
		Tags:     *to.StringMapPtr(spec.Tags),
	}
	identity, err := c.IdentityClient.CreateOrUpdate(ctx, spec.ResourceGroup, spec.Name, parameters)
	if err != nil {
		c.recordError(metrics.CreateOrUpdateIdentityOperationName)
		return engine.Observation{}, classifyError(err)
	}
	c.recordDuration(metrics.CreateOrUpdateIdentityOperationName, time.Since(begin).Seconds())
	klog.V(5).Infof("upserted identity %s in %s", spec.Name, time.Since(begin))
	return identityObservation(identity, spec), nil
}

func (c *Client) deleteIdentity(ctx context.Context, ref engine.Ref) error {
	resourceGroup, name, err := splitProviderResourceID(ref.ID)
	if err != nil {
		return engine.NewTerminalError(err)
	}
	begin := time.Now()
	if err := c.IdentityClient.Delete(ctx, resourceGroup, name); err != nil {
		if isNotFound(err) {
			return nil
		}
		c.recordError(metrics.DeleteIdentityOperationName)
		return classifyError(err)
	}
	c.recordDuration(metrics.DeleteIdentityOperationName, time.Since(begin).Seconds())
	return nil
}

func identityObservation(identity msi.Identity, spec *resolver.ManagedIdentitySpec) engine.Observation {
	obs := engine.Observation{
		Exists:  true,
		Matches: identityMatches(identity, spec),
	}
	if identity.ID != nil {
		obs.ID = *identity.ID
	}
	if identity.UserAssignedIdentityProperties != nil {
		if identity.PrincipalID != nil {
			obs.PrincipalID = identity.PrincipalID.String()
		}
		if identity.ClientID != nil {
			obs.ClientID = identity.ClientID.String()
		}
	}
	return obs
}

// identityMatches reports whether the observed identity already carries
// the desired location and tags. Extra observed tags do not count as
// drift.
func identityMatches(identity msi.Identity, spec *resolver.ManagedIdentitySpec) bool {
	if identity.Location == nil || !strings.EqualFold(*identity.Location, spec.Location) {
		return false
	}
	for k, v := range spec.Tags {
		observed, ok := identity.Tags[k]
		if !ok || observed == nil || *observed != v {
			return false
		}
	}
	return true
}
