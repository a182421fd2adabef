package cloudprovider

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/workload-identity-controller/pkg/config"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/stats"

	"github.com/Azure/azure-sdk-for-go/services/preview/authorization/mgmt/2018-01-01-preview/authorization"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"k8s.io/klog/v2"
)

const roleDefinitionsMarker = "/providers/Microsoft.Authorization/roleDefinitions/"

// RoleDefinitionClient wraps the ARM role definitions client.
type RoleDefinitionClient struct {
	client authorization.RoleDefinitionsClient
}

// RoleDefinitionClientInt is the role definition client surface used by
// the cloud provider.
type RoleDefinitionClientInt interface {
	Get(ctx context.Context, scope, name string) (authorization.RoleDefinition, error)
	CreateOrUpdate(ctx context.Context, scope, name string, definition authorization.RoleDefinition) (authorization.RoleDefinition, error)
	Delete(ctx context.Context, scope, name string) error
	GetDefinitionIDByName(ctx context.Context, scope, roleName string) (string, error)
}

// NewRoleDefinitionClient creates a client for role definitions.
func NewRoleDefinitionClient(config config.AzureConfig, spt *adal.ServicePrincipalToken) (*RoleDefinitionClient, error) {
	client := authorization.NewRoleDefinitionsClient(config.SubscriptionID)
	azureEnv, err := azure.EnvironmentFromName(config.Cloud)
	if err != nil {
		return nil, err
	}
	client.BaseURI = azureEnv.ResourceManagerEndpoint
	client.Authorizer = autorest.NewBearerAuthorizer(spt)
	client.PollingDelay = 5 * time.Second
	return &RoleDefinitionClient{client: client}, nil
}

// Get returns the role definition from ARM.
func (c *RoleDefinitionClient) Get(ctx context.Context, scope, name string) (authorization.RoleDefinition, error) {
	begin := time.Now()
	definition, err := c.client.Get(ctx, scope, name)
	if err != nil {
		return definition, err
	}
	stats.Update(stats.CloudGet, time.Since(begin))
	return definition, nil
}

// CreateOrUpdate upserts the role definition.
func (c *RoleDefinitionClient) CreateOrUpdate(ctx context.Context, scope, name string, definition authorization.RoleDefinition) (authorization.RoleDefinition, error) {
	begin := time.Now()
	result, err := c.client.CreateOrUpdate(ctx, scope, name, definition)
	if err != nil {
		return result, err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return result, nil
}

// Delete removes the role definition from ARM.
func (c *RoleDefinitionClient) Delete(ctx context.Context, scope, name string) error {
	begin := time.Now()
	if _, err := c.client.Delete(ctx, scope, name); err != nil {
		return err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return nil
}

// GetDefinitionIDByName resolves a built-in role display name to its full
// definition resource id at the given scope.
func (c *RoleDefinitionClient) GetDefinitionIDByName(ctx context.Context, scope, roleName string) (string, error) {
	begin := time.Now()
	page, err := c.client.List(ctx, scope, fmt.Sprintf("roleName eq '%s'", roleName))
	if err != nil {
		return "", classifyError(err)
	}
	stats.Update(stats.CloudGet, time.Since(begin))

	for _, definition := range page.Values() {
		if definition.ID != nil {
			return *definition.ID, nil
		}
	}
	return "", engine.NewTerminalError(fmt.Errorf("role definition %q not found at scope %s", roleName, scope))
}

func (c *Client) getRoleDefinition(ctx context.Context, spec *resolver.CustomRoleDefinitionSpec) (engine.Observation, error) {
	definition, err := c.RoleDefinitionClient.Get(ctx, spec.AssignableScope, spec.Name)
	if err != nil {
		if isNotFound(err) {
			return engine.Observation{Exists: false}, nil
		}
		c.recordError(metrics.CreateOrUpdateRoleDefinitionOperationName)
		return engine.Observation{}, classifyError(err)
	}
	return roleDefinitionObservation(definition, spec), nil
}

func (c *Client) createOrUpdateRoleDefinition(ctx context.Context, spec *resolver.CustomRoleDefinitionSpec) (engine.Observation, error) {
	begin := time.Now()
	definition, err := c.RoleDefinitionClient.CreateOrUpdate(ctx, spec.AssignableScope, spec.Name, authorization.RoleDefinition{
		RoleDefinitionProperties: &authorization.RoleDefinitionProperties{
			RoleName:    to.StringPtr(spec.RoleName),
			Description: to.StringPtr(spec.Description),
			RoleType:    to.StringPtr("CustomRole"),
			Permissions: &[]authorization.Permission{
				{
					Actions:        to.StringSlicePtr(spec.Actions),
					NotActions:     to.StringSlicePtr(spec.NotActions),
					DataActions:    to.StringSlicePtr(spec.DataActions),
					NotDataActions: to.StringSlicePtr(spec.NotDataActions),
				},
			},
			AssignableScopes: to.StringSlicePtr([]string{spec.AssignableScope}),
		},
	})
	if err != nil {
		c.recordError(metrics.CreateOrUpdateRoleDefinitionOperationName)
		return engine.Observation{}, classifyError(err)
	}
	c.recordDuration(metrics.CreateOrUpdateRoleDefinitionOperationName, time.Since(begin).Seconds())
	klog.V(5).Infof("upserted role definition %s (%s)", spec.RoleName, spec.Name)
	return roleDefinitionObservation(definition, spec), nil
}

func (c *Client) deleteRoleDefinition(ctx context.Context, ref engine.Ref) error {
	scope, name, err := splitScopedResourceID(ref.ID, roleDefinitionsMarker)
	if err != nil {
		return engine.NewTerminalError(err)
	}
	begin := time.Now()
	if err := c.RoleDefinitionClient.Delete(ctx, scope, name); err != nil {
		if isNotFound(err) {
			return nil
		}
		c.recordError(metrics.DeleteRoleDefinitionOperationName)
		return classifyError(err)
	}
	c.recordDuration(metrics.DeleteRoleDefinitionOperationName, time.Since(begin).Seconds())
	return nil
}

func roleDefinitionObservation(definition authorization.RoleDefinition, spec *resolver.CustomRoleDefinitionSpec) engine.Observation {
	obs := engine.Observation{
		Exists:  true,
		Matches: roleDefinitionMatches(definition, spec),
	}
	if definition.ID != nil {
		obs.ID = *definition.ID
	}
	return obs
}

func roleDefinitionMatches(definition authorization.RoleDefinition, spec *resolver.CustomRoleDefinitionSpec) bool {
	props := definition.RoleDefinitionProperties
	if props == nil {
		return false
	}
	if props.RoleName == nil || *props.RoleName != spec.RoleName {
		return false
	}
	if props.Permissions == nil || len(*props.Permissions) != 1 {
		return false
	}
	permission := (*props.Permissions)[0]
	return stringSlicesEqual(to.StringSlice(permission.Actions), spec.Actions) &&
		stringSlicesEqual(to.StringSlice(permission.NotActions), spec.NotActions) &&
		stringSlicesEqual(to.StringSlice(permission.DataActions), spec.DataActions) &&
		stringSlicesEqual(to.StringSlice(permission.NotDataActions), spec.NotDataActions)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
