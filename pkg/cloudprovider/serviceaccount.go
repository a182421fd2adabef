package cloudprovider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/metrics"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/stats"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

func (c *Client) getServiceAccount(ctx context.Context, spec *resolver.ServiceAccountSpec) (engine.Observation, error) {
	begin := time.Now()
	sa, err := c.KubeClient.GetServiceAccount(ctx, spec.Namespace, spec.Name)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return engine.Observation{Exists: false}, nil
		}
		c.recordError(metrics.ApplyServiceAccountOperationName)
		return engine.Observation{}, classifyKubernetesError(err)
	}
	stats.Update(stats.K8sGet, time.Since(begin))

	clientID := sa.Annotations[aadwi.ClientIDAnnotation]
	expiration := sa.Annotations[aadwi.TokenExpirationAnnotation]
	return engine.Observation{
		Exists: true,
		// the client id annotation is reconciled after the pass once the
		// identity observation is known, so presence is enough here
		Matches:  clientID != "" && expiration == strconv.FormatInt(spec.TokenExpirationSeconds, 10),
		ID:       serviceAccountRefID(spec.Namespace, spec.Name),
		ClientID: clientID,
	}, nil
}

func (c *Client) applyServiceAccount(ctx context.Context, spec *resolver.ServiceAccountSpec, deps engine.Dependencies) (engine.Observation, error) {
	// the identity is reconciled after the service account, so the client
	// id is usually empty on the first pass and corrected post-pass
	clientID := ""
	if identity, ok := identityFromDeps(deps); ok {
		clientID = identity.ClientID
	}

	begin := time.Now()
	sa, err := c.KubeClient.ApplyServiceAccount(ctx, spec, clientID)
	if err != nil {
		c.recordError(metrics.ApplyServiceAccountOperationName)
		return engine.Observation{}, classifyKubernetesError(err)
	}
	stats.Update(stats.K8sPut, time.Since(begin))

	return engine.Observation{
		Exists:   true,
		Matches:  true,
		ID:       serviceAccountRefID(spec.Namespace, spec.Name),
		ClientID: sa.Annotations[aadwi.ClientIDAnnotation],
	}, nil
}

func (c *Client) deleteServiceAccount(ctx context.Context, ref engine.Ref) error {
	namespace, name, err := splitServiceAccountRefID(ref.ID)
	if err != nil {
		return engine.NewTerminalError(err)
	}
	begin := time.Now()
	if err := c.KubeClient.DeleteServiceAccount(ctx, namespace, name); err != nil {
		c.recordError(metrics.DeleteServiceAccountOperationName)
		return classifyKubernetesError(err)
	}
	stats.Update(stats.K8sPut, time.Since(begin))
	return nil
}

// serviceAccountRefID encodes the cluster-side coordinates into the ref id
// recorded on status, mirroring how ARM ids are recorded for azure objects.
func serviceAccountRefID(namespace, name string) string {
	return fmt.Sprintf("%s/%s", namespace, name)
}

func splitServiceAccountRefID(id string) (namespace, name string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed service account reference %q", id)
	}
	return parts[0], parts[1], nil
}

// classifyKubernetesError maps kubernetes api errors onto the engine
// taxonomy the same way ARM errors are classified.
func classifyKubernetesError(err error) error {
	if err == nil {
		return nil
	}
	if apierrors.IsServerTimeout(err) || apierrors.IsTimeout(err) || apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) || apierrors.IsServiceUnavailable(err) || apierrors.IsConflict(err) {
		return engine.NewRetryableError(err)
	}
	return engine.NewTerminalError(err)
}
