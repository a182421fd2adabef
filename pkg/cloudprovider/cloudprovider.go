package cloudprovider

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"

	"github.com/Azure/workload-identity-controller/pkg/auth"
	"github.com/Azure/workload-identity-controller/pkg/config"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/k8s"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/utils"

	"github.com/Azure/go-autorest/autorest"
	"github.com/Azure/go-autorest/autorest/adal"
	"github.com/Azure/go-autorest/autorest/azure"
	yaml "gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Client is the azure cloud provider client. It dispatches engine calls
// to the typed ARM clients and the kubernetes service account client.
type Client struct {
	IdentityClient            IdentityClientInt
	FederatedCredentialClient FederatedCredentialClientInt
	RoleAssignmentClient      RoleAssignmentClientInt
	RoleDefinitionClient      RoleDefinitionClientInt
	KubeClient                k8s.Client

	Config     config.AzureConfig
	configFile string
	reporter   *metrics.Reporter
}

// ClientInt is the cloud provider surface: the engine boundary plus
// initialization.
type ClientInt interface {
	engine.CloudClient
	Init() error
}

// NewCloudProvider returns an azure cloud provider client backed by the
// given kubernetes service account client.
func NewCloudProvider(configFile string, kubeClient k8s.Client, reporter *metrics.Reporter) (*Client, error) {
	client := &Client{
		configFile: configFile,
		KubeClient: kubeClient,
		reporter:   reporter,
	}
	if err := client.Init(); err != nil {
		return nil, err
	}
	return client, nil
}

// Init initializes the cloud provider client based on a config path or
// environment variables.
func (c *Client) Init() error {
	c.Config = config.AzureConfig{}
	if c.configFile != "" {
		klog.V(6).Info("populate AzureConfig from azure.json")
		bytes, err := ioutil.ReadFile(c.configFile)
		if err != nil {
			klog.Errorf("read file (%s) error: %+v", c.configFile, err)
			return err
		}
		if err = yaml.Unmarshal(bytes, &c.Config); err != nil {
			klog.Errorf("unmarshal error: %v", err)
			return err
		}
	} else {
		klog.V(6).Info("populate AzureConfig from secret/environment variables")
		c.Config.Cloud = os.Getenv("CLOUD")
		c.Config.TenantID = os.Getenv("TENANT_ID")
		c.Config.ClientID = os.Getenv("CLIENT_ID")
		c.Config.ClientSecret = os.Getenv("CLIENT_SECRET")
		c.Config.SubscriptionID = os.Getenv("SUBSCRIPTION_ID")
		c.Config.ResourceGroupName = os.Getenv("RESOURCE_GROUP")
		c.Config.UseManagedIdentityExtension = strings.EqualFold(os.Getenv("USE_MSI"), "True")
		c.Config.UserAssignedIdentityID = os.Getenv("USER_ASSIGNED_MSI_CLIENT_ID")
	}

	azureEnv, err := azure.EnvironmentFromName(c.Config.Cloud)
	if err != nil {
		klog.Errorf("get cloud env error: %+v", err)
		return err
	}

	var spt *adal.ServicePrincipalToken
	if c.Config.UseManagedIdentityExtension {
		if c.Config.UserAssignedIdentityID == "" {
			klog.Infof("using system assigned identity for authentication")
			spt, err = auth.GetServicePrincipalTokenFromMSI(azureEnv.ResourceManagerEndpoint)
		} else {
			klog.Infof("using user assigned identity %s for authentication", utils.RedactClientID(c.Config.UserAssignedIdentityID))
			spt, err = auth.GetServicePrincipalTokenFromMSIWithUserAssignedID(c.Config.UserAssignedIdentityID, azureEnv.ResourceManagerEndpoint)
		}
	} else {
		spt, err = auth.GetServicePrincipalToken(
			azureEnv.ActiveDirectoryEndpoint,
			c.Config.TenantID,
			c.Config.ClientID,
			c.Config.ClientSecret,
			azureEnv.ResourceManagerEndpoint,
		)
	}
	if err != nil {
		klog.Errorf("get service principal token error: %+v", err)
		return err
	}

	c.IdentityClient, err = NewIdentityClient(c.Config, spt)
	if err != nil {
		klog.Errorf("create identity client error: %+v", err)
		return err
	}
	c.FederatedCredentialClient, err = NewFederatedCredentialClient(c.Config, spt)
	if err != nil {
		klog.Errorf("create federated credential client error: %+v", err)
		return err
	}
	c.RoleAssignmentClient, err = NewRoleAssignmentClient(c.Config, spt)
	if err != nil {
		klog.Errorf("create role assignment client error: %+v", err)
		return err
	}
	c.RoleDefinitionClient, err = NewRoleDefinitionClient(c.Config, spt)
	if err != nil {
		klog.Errorf("create role definition client error: %+v", err)
		return err
	}
	return nil
}

// Get observes the external state of one desired object. A missing object
// is reported as Exists=false, never as an error.
func (c *Client) Get(ctx context.Context, obj *resolver.Object) (engine.Observation, error) {
	switch obj.Kind {
	case resolver.KindManagedIdentity:
		return c.getIdentity(ctx, obj.ManagedIdentity)
	case resolver.KindFederatedCredential:
		return c.getFederatedCredential(ctx, obj.FederatedCredential)
	case resolver.KindCustomRoleDefinition:
		return c.getRoleDefinition(ctx, obj.CustomRoleDefinition)
	case resolver.KindRoleAssignment:
		return c.getRoleAssignment(ctx, obj.RoleAssignment)
	case resolver.KindServiceAccount:
		return c.getServiceAccount(ctx, obj.ServiceAccount)
	}
	return engine.Observation{}, engine.NewTerminalError(fmt.Errorf("unknown object kind %q", obj.Kind))
}

// CreateOrUpdate upserts the object. Re-issuing an identical desired state
// is a no-op on the azure side.
func (c *Client) CreateOrUpdate(ctx context.Context, obj *resolver.Object, deps engine.Dependencies) (engine.Observation, error) {
	switch obj.Kind {
	case resolver.KindManagedIdentity:
		return c.createOrUpdateIdentity(ctx, obj.ManagedIdentity)
	case resolver.KindFederatedCredential:
		return c.createOrUpdateFederatedCredential(ctx, obj.FederatedCredential)
	case resolver.KindCustomRoleDefinition:
		return c.createOrUpdateRoleDefinition(ctx, obj.CustomRoleDefinition)
	case resolver.KindRoleAssignment:
		return c.createRoleAssignment(ctx, obj.RoleAssignment, deps)
	case resolver.KindServiceAccount:
		return c.applyServiceAccount(ctx, obj.ServiceAccount, deps)
	}
	return engine.Observation{}, engine.NewTerminalError(fmt.Errorf("unknown object kind %q", obj.Kind))
}

// Delete removes the object identified by ref. Deleting an absent object
// succeeds.
func (c *Client) Delete(ctx context.Context, ref engine.Ref) error {
	switch ref.Kind {
	case resolver.KindManagedIdentity:
		return c.deleteIdentity(ctx, ref)
	case resolver.KindFederatedCredential:
		return c.deleteFederatedCredential(ctx, ref)
	case resolver.KindCustomRoleDefinition:
		return c.deleteRoleDefinition(ctx, ref)
	case resolver.KindRoleAssignment:
		return c.deleteRoleAssignment(ctx, ref)
	case resolver.KindServiceAccount:
		return c.deleteServiceAccount(ctx, ref)
	}
	return engine.NewTerminalError(fmt.Errorf("unknown object kind %q", ref.Kind))
}

// identityFromDeps returns the managed identity observation recorded
// earlier in the pass. Role assignments and federated credentials read the
// principal and client ids from here, never from stale status.
func identityFromDeps(deps engine.Dependencies) (engine.Observation, bool) {
	prefix := string(resolver.KindManagedIdentity) + "/"
	for key, obs := range deps {
		if strings.HasPrefix(key, prefix) {
			return obs, true
		}
	}
	return engine.Observation{}, false
}

// classifyError maps an azure or network error onto the engine taxonomy.
// Throttling and server-side failures are retryable; authorization,
// malformed requests and conflicts are terminal.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if auth.IsTokenRefreshError(err) {
		// AAD/IMDS hiccups clear up; bad credentials fail Init long before
		// an object level call gets here
		return engine.NewRetryableError(err)
	}
	if code, ok := statusCode(err); ok {
		switch {
		case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
			return engine.NewRetryableError(err)
		case code >= 500:
			return engine.NewRetryableError(err)
		default:
			return engine.NewTerminalError(err)
		}
	}
	// no http status: connection reset, DNS failure, timeout
	return engine.NewRetryableError(err)
}

func statusCode(err error) (int, bool) {
	var detailed autorest.DetailedError
	if errors.As(err, &detailed) {
		if code, ok := detailed.StatusCode.(int); ok {
			return code, true
		}
	}
	var requestErr *azure.RequestError
	if errors.As(err, &requestErr) {
		if code, ok := requestErr.StatusCode.(int); ok {
			return code, true
		}
	}
	return 0, false
}

// isNotFound reports whether err is an ARM 404.
func isNotFound(err error) bool {
	code, ok := statusCode(err)
	return ok && code == http.StatusNotFound
}

func (c *Client) recordError(operation string) {
	if c.reporter != nil {
		if err := c.reporter.ReportCloudProviderOperationError(operation); err != nil {
			klog.Warningf("failed to report metrics for operation %s, error: %+v", operation, err)
		}
	}
}

func (c *Client) recordDuration(operation string, seconds float64) {
	if c.reporter != nil {
		if err := c.reporter.ReportOperation(operation, metrics.CloudProviderOperationsDurationM.M(seconds)); err != nil {
			klog.Warningf("failed to report metrics for operation %s, error: %+v", operation, err)
		}
	}
}
