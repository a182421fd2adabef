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

	"github.com/Azure/azure-sdk-for-go/services/preview/authorization/mgmt/2020-04-01-preview/authorization"
	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	"github.com/Azure/go-autorest/autorest/to"
	"k8s.io/klog/v2"
)

// RoleAssignmentClient wraps the ARM role assignments client.
type RoleAssignmentClient struct {
	client authorization.RoleAssignmentsClient
}

// RoleAssignmentClientInt is the role assignment client surface used by
// the cloud provider.
type RoleAssignmentClientInt interface {
	Get(ctx context.Context, scope, name string) (authorization.RoleAssignment, error)
	Create(ctx context.Context, scope, name string, parameters authorization.RoleAssignmentCreateParameters) (authorization.RoleAssignment, error)
	DeleteByID(ctx context.Context, roleAssignmentID string) error
}

// NewRoleAssignmentClient creates a client for role assignments.
func NewRoleAssignmentClient(config config.AzureConfig, spt *adal.ServicePrincipalToken) (*RoleAssignmentClient, error) {
	client := authorization.NewRoleAssignmentsClient(config.SubscriptionID)
	azureEnv, err := azure.EnvironmentFromName(config.Cloud)
	if err != nil {
		return nil, err
	}
	client.BaseURI = azureEnv.ResourceManagerEndpoint
	client.Authorizer = autorest.NewBearerAuthorizer(spt)
	client.PollingDelay = 5 * time.Second
	return &RoleAssignmentClient{client: client}, nil
}

// Get returns the role assignment from ARM.
func (c *RoleAssignmentClient) Get(ctx context.Context, scope, name string) (authorization.RoleAssignment, error) {
	begin := time.Now()
	assignment, err := c.client.Get(ctx, scope, name, "")
	if err != nil {
		return assignment, err
	}
	stats.Update(stats.CloudGet, time.Since(begin))
	return assignment, nil
}

// Create creates the role assignment. ARM role assignments are immutable;
// creating one that already exists returns a conflict.
func (c *RoleAssignmentClient) Create(ctx context.Context, scope, name string, parameters authorization.RoleAssignmentCreateParameters) (authorization.RoleAssignment, error) {
	begin := time.Now()
	assignment, err := c.client.Create(ctx, scope, name, parameters)
	if err != nil {
		return assignment, err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return assignment, nil
}

// DeleteByID removes the role assignment by its full resource id.
func (c *RoleAssignmentClient) DeleteByID(ctx context.Context, roleAssignmentID string) error {
	begin := time.Now()
	if _, err := c.client.DeleteByID(ctx, roleAssignmentID, ""); err != nil {
		return err
	}
	stats.Update(stats.CloudPut, time.Since(begin))
	return nil
}

func (c *Client) getRoleAssignment(ctx context.Context, spec *resolver.RoleAssignmentSpec) (engine.Observation, error) {
	assignment, err := c.RoleAssignmentClient.Get(ctx, spec.Scope, spec.Name)
	if err != nil {
		if isNotFound(err) {
			return engine.Observation{Exists: false}, nil
		}
		c.recordError(metrics.CreateOrUpdateRoleAssignmentOperationName)
		return engine.Observation{}, classifyError(err)
	}
	// assignments are immutable in ARM and named deterministically from the
	// desired spec, so an existing assignment is the desired one
	obs := engine.Observation{Exists: true, Matches: true}
	if assignment.ID != nil {
		obs.ID = *assignment.ID
	}
	return obs, nil
}

func (c *Client) createRoleAssignment(ctx context.Context, spec *resolver.RoleAssignmentSpec, deps engine.Dependencies) (engine.Observation, error) {
	identity, ok := identityFromDeps(deps)
	if !ok || identity.PrincipalID == "" {
		return engine.Observation{}, engine.NewTerminalError(fmt.Errorf("identity principal id not available for role assignment %s", spec.Name))
	}

	roleDefinitionID := spec.RoleDefinitionID
	if roleDefinitionID == "" {
		// built-in role referenced by display name
		var err error
		roleDefinitionID, err = c.RoleDefinitionClient.GetDefinitionIDByName(ctx, spec.Scope, spec.RoleDefinitionName)
		if err != nil {
			c.recordError(metrics.CreateOrUpdateRoleAssignmentOperationName)
			return engine.Observation{}, err
		}
	}

	properties := &authorization.RoleAssignmentProperties{
		RoleDefinitionID: to.StringPtr(roleDefinitionID),
		PrincipalID:      to.StringPtr(identity.PrincipalID),
		PrincipalType:    authorization.PrincipalType(spec.PrincipalType),
	}
	if spec.Condition != "" {
		properties.Condition = to.StringPtr(spec.Condition)
		properties.ConditionVersion = to.StringPtr(spec.ConditionVersion)
	}

	begin := time.Now()
	assignment, err := c.RoleAssignmentClient.Create(ctx, spec.Scope, spec.Name, authorization.RoleAssignmentCreateParameters{
		RoleAssignmentProperties: properties,
	})
	if err != nil {
		c.recordError(metrics.CreateOrUpdateRoleAssignmentOperationName)
		return engine.Observation{}, classifyError(err)
	}
	c.recordDuration(metrics.CreateOrUpdateRoleAssignmentOperationName, time.Since(begin).Seconds())
	klog.V(5).Infof("created role assignment %s at scope %s", spec.Name, spec.Scope)

	obs := engine.Observation{Exists: true, Matches: true}
	if assignment.ID != nil {
		obs.ID = *assignment.ID
	}
	return obs, nil
}

func (c *Client) deleteRoleAssignment(ctx context.Context, ref engine.Ref) error {
	begin := time.Now()
	if err := c.RoleAssignmentClient.DeleteByID(ctx, ref.ID); err != nil {
		if isNotFound(err) {
			return nil
		}
		c.recordError(metrics.DeleteRoleAssignmentOperationName)
		return classifyError(err)
	}
	c.recordDuration(metrics.DeleteRoleAssignmentOperationName, time.Since(begin).Seconds())
	return nil
}
