package k8s

import (
	"context"
	"fmt"
	"strconv"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/resolver"

	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client manages the kubernetes service accounts owned by workload
// identities.
type Client interface {
	// GetServiceAccount returns the service account or a NotFound error.
	GetServiceAccount(ctx context.Context, namespace, name string) (*v1.ServiceAccount, error)
	// ApplyServiceAccount creates the service account or updates its
	// workload identity annotations in place.
	ApplyServiceAccount(ctx context.Context, spec *resolver.ServiceAccountSpec, clientID string) (*v1.ServiceAccount, error)
	// DeleteServiceAccount removes the service account. Deleting an absent
	// service account is not an error.
	DeleteServiceAccount(ctx context.Context, namespace, name string) error
}

// KubeClient k8s client
type KubeClient struct {
	// Main Kubernetes client
	ClientSet kubernetes.Interface
}

// NewKubeClient new kubernetes api client
func NewKubeClient(config *rest.Config) (Client, error) {
	clientset, err := getkubeclient(config)
	if err != nil {
		return nil, err
	}
	return &KubeClient{ClientSet: clientset}, nil
}

// NewKubeClientFromClientset wraps an existing clientset, used in tests.
func NewKubeClientFromClientset(clientset kubernetes.Interface) Client {
	return &KubeClient{ClientSet: clientset}
}

func getkubeclient(config *rest.Config) (*kubernetes.Clientset, error) {
	// creates the clientset
	kubeClient, err := kubernetes.NewForConfig(config)
	return kubeClient, err
}

// BuildConfig returns the rest config for the given kubeconfig path, falling
// back to the in-cluster config when the path is empty.
func BuildConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}

// GetServiceAccount returns the service account or a NotFound error.
func (c *KubeClient) GetServiceAccount(ctx context.Context, namespace, name string) (*v1.ServiceAccount, error) {
	return c.ClientSet.CoreV1().ServiceAccounts(namespace).Get(ctx, name, metav1.GetOptions{})
}

// ApplyServiceAccount creates the service account if it does not exist, and
// otherwise reconciles its workload identity annotations.
func (c *KubeClient) ApplyServiceAccount(ctx context.Context, spec *resolver.ServiceAccountSpec, clientID string) (*v1.ServiceAccount, error) {
	annotations := serviceAccountAnnotations(spec, clientID)

	sa, err := c.GetServiceAccount(ctx, spec.Namespace, spec.Name)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return nil, err
		}
		sa = &v1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{
				Name:        spec.Name,
				Namespace:   spec.Namespace,
				Annotations: annotations,
			},
		}
		return c.ClientSet.CoreV1().ServiceAccounts(spec.Namespace).Create(ctx, sa, metav1.CreateOptions{})
	}

	if ServiceAccountMatches(sa, spec, clientID) {
		return sa, nil
	}
	if sa.Annotations == nil {
		sa.Annotations = make(map[string]string)
	}
	for k, v := range annotations {
		sa.Annotations[k] = v
	}
	return c.ClientSet.CoreV1().ServiceAccounts(spec.Namespace).Update(ctx, sa, metav1.UpdateOptions{})
}

// DeleteServiceAccount removes the service account, treating NotFound as
// success.
func (c *KubeClient) DeleteServiceAccount(ctx context.Context, namespace, name string) error {
	err := c.ClientSet.CoreV1().ServiceAccounts(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service account %s/%s, error: %+v", namespace, name, err)
	}
	return nil
}

// ServiceAccountMatches reports whether the observed service account already
// carries the desired workload identity annotations.
func ServiceAccountMatches(sa *v1.ServiceAccount, spec *resolver.ServiceAccountSpec, clientID string) bool {
	want := serviceAccountAnnotations(spec, clientID)
	for k, v := range want {
		if sa.Annotations[k] != v {
			return false
		}
	}
	return true
}

func serviceAccountAnnotations(spec *resolver.ServiceAccountSpec, clientID string) map[string]string {
	return map[string]string{
		aadwi.ClientIDAnnotation:        clientID,
		aadwi.TokenExpirationAnnotation: strconv.FormatInt(spec.TokenExpirationSeconds, 10),
	}
}
