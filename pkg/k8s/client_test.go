package k8s

import (
	"context"
	"testing"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/resolver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newTestSpec() *resolver.ServiceAccountSpec {
	return &resolver.ServiceAccountSpec{
		Namespace:              "default",
		Name:                   "workload-sa",
		TokenExpirationSeconds: 3600,
	}
}

func TestApplyServiceAccountCreates(t *testing.T) {
	client := NewKubeClientFromClientset(fake.NewSimpleClientset())

	sa, err := client.ApplyServiceAccount(context.Background(), newTestSpec(), "client-id-1")
	require.NoError(t, err)
	assert.Equal(t, "client-id-1", sa.Annotations[aadwi.ClientIDAnnotation])
	assert.Equal(t, "3600", sa.Annotations[aadwi.TokenExpirationAnnotation])
}

func TestApplyServiceAccountUpdatesExisting(t *testing.T) {
	existing := &v1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:        "workload-sa",
			Namespace:   "default",
			Annotations: map[string]string{"keep": "me"},
		},
	}
	client := NewKubeClientFromClientset(fake.NewSimpleClientset(existing))

	sa, err := client.ApplyServiceAccount(context.Background(), newTestSpec(), "client-id-2")
	require.NoError(t, err)
	assert.Equal(t, "client-id-2", sa.Annotations[aadwi.ClientIDAnnotation])
	assert.Equal(t, "me", sa.Annotations["keep"])
}

func TestApplyServiceAccountIdempotent(t *testing.T) {
	clientset := fake.NewSimpleClientset()
	client := NewKubeClientFromClientset(clientset)

	first, err := client.ApplyServiceAccount(context.Background(), newTestSpec(), "client-id-3")
	require.NoError(t, err)
	second, err := client.ApplyServiceAccount(context.Background(), newTestSpec(), "client-id-3")
	require.NoError(t, err)
	assert.Equal(t, first.Annotations, second.Annotations)
}

func TestDeleteServiceAccount(t *testing.T) {
	existing := &v1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{Name: "workload-sa", Namespace: "default"},
	}
	clientset := fake.NewSimpleClientset(existing)
	client := NewKubeClientFromClientset(clientset)

	require.NoError(t, client.DeleteServiceAccount(context.Background(), "default", "workload-sa"))
	_, err := client.GetServiceAccount(context.Background(), "default", "workload-sa")
	assert.True(t, apierrors.IsNotFound(err))

	// deleting again is not an error
	assert.NoError(t, client.DeleteServiceAccount(context.Background(), "default", "workload-sa"))
}

func TestServiceAccountMatches(t *testing.T) {
	spec := newTestSpec()
	sa := &v1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "workload-sa",
			Namespace: "default",
			Annotations: map[string]string{
				aadwi.ClientIDAnnotation:        "client-id-1",
				aadwi.TokenExpirationAnnotation: "3600",
			},
		},
	}
	assert.True(t, ServiceAccountMatches(sa, spec, "client-id-1"))
	assert.False(t, ServiceAccountMatches(sa, spec, "client-id-other"))

	sa.Annotations[aadwi.TokenExpirationAnnotation] = "60"
	assert.False(t, ServiceAccountMatches(sa, spec, "client-id-1"))
}
