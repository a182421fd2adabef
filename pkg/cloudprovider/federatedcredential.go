package cloudprovider

import (
	"context"
	"net/http"
	"time"

	"github.com/Azure/workload-identity-controller/pkg/config"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/stats"
	"github.com/Azure/workload-identity-controller/version"

	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"k8s.io/klog/v2"
)

// federatedCredentialAPIVersion is the ARM api version for federated
// identity credentials, which has no generated client in the vendored SDK.
const federatedCredentialAPIVersion = "2023-01-31"

const federatedCredentialsMarker = "/federatedIdentityCredentials/"

// FederatedCredential is the ARM federated identity credential resource.
type FederatedCredential struct {
	ID         *string                        `json:"id,omitempty"`
	Name       *string                        `json:"name,omitempty"`
	Type       *string                        `json:"type,omitempty"`
	Properties *FederatedCredentialProperties `json:"properties,omitempty"`
}

// FederatedCredentialProperties are the federation settings of the
// credential.
type FederatedCredentialProperties struct {
	Issuer    *string   `json:"issuer,omitempty"`
	Subject   *string   `json:"subject,omitempty"`
	Audiences *[]string `json:"audiences,omitempty"`
}

// FederatedCredentialClient is a hand-rolled ARM client for federated
// identity credentials, built on autorest preparers.
type FederatedCredentialClient struct {
	client         autorest.Client
	baseURI        string
	subscriptionID string
}

// FederatedCredentialClientInt is the federated credential client surface
// used by the cloud provider.
type FederatedCredentialClientInt interface {
	Get(ctx context.Context, resourceGroup, identityName, name string) (FederatedCredential, error)
	CreateOrUpdate(ctx context.Context, resourceGroup, identityName, name string, parameters FederatedCredential) (FederatedCredential, error)
	Delete(ctx context.Context, resourceGroup, identityName, name string) error
}

// NewFederatedCredentialClient creates a client for federated identity
// credentials.
func NewFederatedCredentialClient(config config.AzureConfig, spt *adal.ServicePrincipalToken) (*FederatedCredentialClient, error) {
	azureEnv, err := azure.EnvironmentFromName(config.Cloud)
	if err != nil {
		return nil, err
	}
	client := autorest.NewClientWithUserAgent(version.GetUserAgent())
	client.Authorizer = autorest.NewBearerAuthorizer(spt)
	return &FederatedCredentialClient{
		client:         client,
		baseURI:        azureEnv.ResourceManagerEndpoint,
		subscriptionID: config.SubscriptionID,
	}, nil
}

func (c *FederatedCredentialClient) preparer(resourceGroup, identityName, name string, decorators ...autorest.PrepareDecorator) autorest.Preparer {
	pathParameters := map[string]interface{}{
		"subscriptionId":    autorest.Encode("path", c.subscriptionID),
		"resourceGroupName": autorest.Encode("path", resourceGroup),
		"resourceName":      autorest.Encode("path", identityName),
		"credentialName":    autorest.Encode("path", name),
	}
	queryParameters := map[string]interface{}{
		"api-version": federatedCredentialAPIVersion,
	}
	base := []autorest.PrepareDecorator{
		autorest.WithBaseURL(c.baseURI),
		autorest.WithPathParameters(
			"/subscriptions/{subscriptionId}/resourceGroups/{resourceGroupName}/providers/Microsoft.ManagedIdentity/userAssignedIdentities/{resourceName}/federatedIdentityCredentials/{credentialName}",
			pathParameters),
		autorest.WithQueryParameters(queryParameters),
	}
	return autorest.CreatePreparer(append(decorators, base...)...)
}

// Get returns the federated credential from ARM.
func (c *FederatedCredentialClient) Get(ctx context.Context, resourceGroup, identityName, name string) (FederatedCredential, error) {
	var result FederatedCredential

	req, err := c.preparer(resourceGroup, identityName, name, autorest.AsGet()).Prepare(
		(&http.Request{}).WithContext(ctx))
	if err != nil {
		return result, autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "Get", nil, "Failure preparing request")
	}

	begin := time.Now()
	resp, err := autorest.SendWithSender(c.client, req, azure.DoRetryWithRegistration(c.client))
	if err != nil {
		return result, autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "Get", resp, "Failure sending request")
	}

	err = autorest.Respond(
		resp,
		azure.WithErrorUnlessStatusCode(http.StatusOK),
		autorest.ByUnmarshallingJSON(&result),
		autorest.ByClosing())
	if err != nil {
		return result, err
	}
	stats.Update(stats.CloudGet, time.Since(begin))
	return result, nil
}

// CreateOrUpdate upserts the federated credential. An identical PUT is a
// no-op on the ARM side.
func (c *FederatedCredentialClient) CreateOrUpdate(ctx context.Context, resourceGroup, identityName, name string, parameters FederatedCredential) (FederatedCredential, error) {
	var result FederatedCredential

	req, err := c.preparer(resourceGroup, identityName, name,
		autorest.AsContentType("application/json; charset=utf-8"),
		autorest.AsPut(),
		autorest.WithJSON(parameters)).Prepare(
		(&http.Request{}).WithContext(ctx))
	if err != nil {
		return result, autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "CreateOrUpdate", nil, "Failure preparing request")
	}

	begin := time.Now()
	resp, err := autorest.SendWithSender(c.client, req, azure.DoRetryWithRegistration(c.client))
	if err != nil {
		return result, autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "CreateOrUpdate", resp, "Failure sending request")
	}

	err = autorest.Respond(
		resp,
		azure.WithErrorUnlessStatusCode(http.StatusOK, http.StatusCreated),
		autorest.ByUnmarshallingJSON(&result),
		autorest.ByClosing())
	if err != nil {
		return result, err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return result, nil
}

// Delete removes the federated credential. ARM returns 204 for an absent
// credential, so delete is naturally idempotent.
func (c *FederatedCredentialClient) Delete(ctx context.Context, resourceGroup, identityName, name string) error {
	req, err := c.preparer(resourceGroup, identityName, name, autorest.AsDelete()).Prepare(
		(&http.Request{}).WithContext(ctx))
	if err != nil {
		return autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "Delete", nil, "Failure preparing request")
	}

	begin := time.Now()
	resp, err := autorest.SendWithSender(c.client, req, azure.DoRetryWithRegistration(c.client))
	if err != nil {
		return autorest.NewErrorWithError(err, "cloudprovider.FederatedCredentialClient", "Delete", resp, "Failure sending request")
	}

	err = autorest.Respond(
		resp,
		azure.WithErrorUnlessStatusCode(http.StatusOK, http.StatusNoContent),
		autorest.ByClosing())
	if err != nil {
		return err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return nil
}

func (c *Client) getFederatedCredential(ctx context.Context, spec *resolver.FederatedCredentialSpec) (engine.Observation, error) {
	credential, err := c.FederatedCredentialClient.Get(ctx, spec.ResourceGroup, spec.IdentityName, spec.Name)
	if err != nil {
		if isNotFound(err) {
			return engine.Observation{Exists: false}, nil
		}
		c.recordError(metrics.CreateOrUpdateFederatedCredentialOperationName)
		return engine.Observation{}, classifyError(err)
	}
	return federatedCredentialObservation(credential, spec), nil
}

func (c *Client) createOrUpdateFederatedCredential(ctx context.Context, spec *resolver.FederatedCredentialSpec) (engine.Observation, error) {
	begin := time.Now()
	credential, err := c.FederatedCredentialClient.CreateOrUpdate(ctx, spec.ResourceGroup, spec.IdentityName, spec.Name, FederatedCredential{
		Properties: &FederatedCredentialProperties{
			Issuer:    to.StringPtr(spec.Issuer),
			Subject:   to.StringPtr(spec.Subject),
			Audiences: to.StringSlicePtr([]string{spec.Audience}),
		},
	})
	if err != nil {
		c.recordError(metrics.CreateOrUpdateFederatedCredentialOperationName)
		return engine.Observation{}, classifyError(err)
	}
	c.recordDuration(metrics.CreateOrUpdateFederatedCredentialOperationName, time.Since(begin).Seconds())
	klog.V(5).Infof("upserted federated credential %s on identity %s", spec.Name, spec.IdentityName)
	return federatedCredentialObservation(credential, spec), nil
}

func (c *Client) deleteFederatedCredential(ctx context.Context, ref engine.Ref) error {
	identityID, name, err := splitScopedResourceID(ref.ID, federatedCredentialsMarker)
	if err != nil {
		return engine.NewTerminalError(err)
	}
	resourceGroup, identityName, err := splitProviderResourceID(identityID)
	if err != nil {
		return engine.NewTerminalError(err)
	}

	begin := time.Now()
	if err := c.FederatedCredentialClient.Delete(ctx, resourceGroup, identityName, name); err != nil {
		if isNotFound(err) {
			return nil
		}
		c.recordError(metrics.DeleteFederatedCredentialOperationName)
		return classifyError(err)
	}
	c.recordDuration(metrics.DeleteFederatedCredentialOperationName, time.Since(begin).Seconds())
	return nil
}

func federatedCredentialObservation(credential FederatedCredential, spec *resolver.FederatedCredentialSpec) engine.Observation {
	obs := engine.Observation{
		Exists:  true,
		Matches: federatedCredentialMatches(credential, spec),
	}
	if credential.ID != nil {
		obs.ID = *credential.ID
	}
	return obs
}

func federatedCredentialMatches(credential FederatedCredential, spec *resolver.FederatedCredentialSpec) bool {
	props := credential.Properties
	if props == nil {
		return false
	}
	return to.String(props.Issuer) == spec.Issuer &&
		to.String(props.Subject) == spec.Subject &&
		stringSlicesEqual(to.StringSlice(props.Audiences), []string{spec.Audience})
}
