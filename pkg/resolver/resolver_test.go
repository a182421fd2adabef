package resolver

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
)

func newInstance(name string, mutate func(*aadwi.WorkloadIdentity)) *aadwi.WorkloadIdentity {
	instance := &aadwi.WorkloadIdentity{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: aadwi.WorkloadIdentitySpec{
			Location:           "eastus",
			ResourceGroupName:  "rg-1",
			OIDCIssuerURL:      "https://oidc.example.com/cluster-1",
			ServiceAccountName: "app-sa",
			Tags:               map[string]string{"team": "identity"},
		},
	}
	if mutate != nil {
		mutate(instance)
	}
	return instance
}

func kindCount(set *DesiredObjectSet, kind Kind) int {
	count := 0
	for _, o := range set.Objects {
		if o.Kind == kind {
			count++
		}
	}
	return count
}

func TestResolveBuiltInRole(t *testing.T) {
	instance := newInstance("app-identity", func(wi *aadwi.WorkloadIdentity) {
		wi.Spec.RoleAssignments = []aadwi.RoleAssignment{
			{RoleDefinitionName: "Reader", Scope: "/subscriptions/S1"},
		}
	})

	set, err := Resolve(instance)
	require.NoError(t, err)

	assert.Equal(t, 1, kindCount(set, KindManagedIdentity))
	assert.Equal(t, 1, kindCount(set, KindFederatedCredential))
	assert.Equal(t, 1, kindCount(set, KindRoleAssignment))
	assert.Equal(t, 0, kindCount(set, KindCustomRoleDefinition))
	assert.Equal(t, 1, kindCount(set, KindServiceAccount))

	for _, o := range set.Objects {
		if o.Kind != KindRoleAssignment {
			continue
		}
		assert.Equal(t, "Reader", o.RoleAssignment.RoleDefinitionName)
		assert.Empty(t, o.RoleAssignment.RoleDefinitionID)
		assert.Equal(t, "ServicePrincipal", o.RoleAssignment.PrincipalType)
		assert.Equal(t, map[string]string{"team": "identity"}, o.RoleAssignment.Tags)
	}
}

func TestResolveCustomRole(t *testing.T) {
	instance := newInstance("app-identity", func(wi *aadwi.WorkloadIdentity) {
		wi.Spec.RoleAssignments = []aadwi.RoleAssignment{
			{
				RoleDefinitionName: "blob-reader-custom",
				Scope:              "/subscriptions/S1/resourceGroups/rg-1",
				Permissions: &aadwi.Permissions{
					Actions: []string{"Microsoft.Storage/storageAccounts/blobServices/containers/read"},
				},
			},
		}
	})

	set, err := Resolve(instance)
	require.NoError(t, err)

	assert.Equal(t, 1, kindCount(set, KindCustomRoleDefinition))
	assert.Equal(t, 1, kindCount(set, KindRoleAssignment))

	var def, assignment *Object
	for _, o := range set.Objects {
		switch o.Kind {
		case KindCustomRoleDefinition:
			def = o
		case KindRoleAssignment:
			assignment = o
		}
	}
	require.NotNil(t, def)
	require.NotNil(t, assignment)

	// the assignment references the generated definition, not a built-in
	// role name
	assert.Empty(t, assignment.RoleAssignment.RoleDefinitionName)
	assert.Contains(t, assignment.RoleAssignment.RoleDefinitionID, def.Name)
	assert.Equal(t, def.Key(), assignment.RoleAssignment.CustomRoleDefinition)

	// definitions roll up to the narrowest subscription ancestor
	assert.Equal(t, "/subscriptions/S1", def.CustomRoleDefinition.AssignableScope)
	assert.Contains(t, assignment.RoleAssignment.RoleDefinitionID, "/subscriptions/S1/providers/Microsoft.Authorization/roleDefinitions/")
}

func TestResolveDeterministic(t *testing.T) {
	instance := newInstance("app-identity", func(wi *aadwi.WorkloadIdentity) {
		wi.Spec.RoleAssignments = []aadwi.RoleAssignment{
			{RoleDefinitionName: "Reader", Scope: "/subscriptions/S1"},
			{
				RoleDefinitionName: "queue-ops",
				Scope:              "/subscriptions/S1/resourceGroups/rg-1",
				Permissions:        &aadwi.Permissions{DataActions: []string{"Microsoft.Storage/queues/messages/read"}},
			},
		}
	})

	first, err := Resolve(instance)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		next, err := Resolve(instance)
		require.NoError(t, err)
		if diff := cmp.Diff(first, next); diff != "" {
			t.Fatalf("resolve not deterministic (-first +next):\n%s", diff)
		}
	}
}

func TestResolveFederatedCredential(t *testing.T) {
	instance := newInstance("app-identity", nil)
	set, err := Resolve(instance)
	require.NoError(t, err)

	var fc *Object
	for _, o := range set.Objects {
		if o.Kind == KindFederatedCredential {
			fc = o
		}
	}
	require.NotNil(t, fc)
	assert.Equal(t, "system:serviceaccount:default:app-sa", fc.FederatedCredential.Subject)
	assert.Equal(t, "api://AzureADTokenExchange", fc.FederatedCredential.Audience)
	assert.Equal(t, "https://oidc.example.com/cluster-1", fc.FederatedCredential.Issuer)
	assert.Equal(t, "app-identity", fc.FederatedCredential.IdentityName)
	// the credential is a child of the identity, so it lives in the
	// identity's resource group, not the cluster's
	assert.Equal(t, "rg-1", fc.FederatedCredential.ResourceGroup)
}

func TestResolveExternallyManagedServiceAccount(t *testing.T) {
	instance := newInstance("app-identity", func(wi *aadwi.WorkloadIdentity) {
		wi.Spec.ServiceAccountManagedExternally = true
	})
	set, err := Resolve(instance)
	require.NoError(t, err)
	assert.Equal(t, 0, kindCount(set, KindServiceAccount))

	// the federated credential subject still points at the user supplied
	// account
	for _, o := range set.Objects {
		if o.Kind == KindFederatedCredential {
			assert.Equal(t, "system:serviceaccount:default:app-sa", o.FederatedCredential.Subject)
		}
	}
}

func TestResolveValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*aadwi.WorkloadIdentity)
	}{
		{
			name: "malformed issuer url",
			mutate: func(wi *aadwi.WorkloadIdentity) {
				wi.Spec.OIDCIssuerURL = "not-a-url"
			},
		},
		{
			name: "http issuer url",
			mutate: func(wi *aadwi.WorkloadIdentity) {
				wi.Spec.OIDCIssuerURL = "http://oidc.example.com"
			},
		},
		{
			name: "unrecognized scope",
			mutate: func(wi *aadwi.WorkloadIdentity) {
				wi.Spec.RoleAssignments = []aadwi.RoleAssignment{
					{RoleDefinitionName: "Reader", Scope: "S1/resourceGroups/rg-1"},
				}
			},
		},
		{
			name: "built-in role with permissions",
			mutate: func(wi *aadwi.WorkloadIdentity) {
				wi.Spec.RoleAssignments = []aadwi.RoleAssignment{
					{
						RoleDefinitionName: "Reader",
						Scope:              "/subscriptions/S1",
						Permissions:        &aadwi.Permissions{Actions: []string{"*/read"}},
					},
				}
			},
		},
		{
			name: "missing resource group",
			mutate: func(wi *aadwi.WorkloadIdentity) {
				wi.Spec.ResourceGroupName = ""
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			set, err := Resolve(newInstance("app-identity", test.mutate))
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "expected ValidationError, got %T", err)
			assert.Nil(t, set)
		})
	}
}

func TestResolveCustomRoleNameStableAcrossScopes(t *testing.T) {
	a := customRoleName("blob-reader", "/subscriptions/S1")
	b := customRoleName("blob-reader", "/subscriptions/S2")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, customRoleName("blob-reader", "/subscriptions/S1"))
}

func TestResolveGeneratedNamesAreGUIDs(t *testing.T) {
	name := definitionGUID("blob-reader", "/subscriptions/S1")
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, name)
	assert.Equal(t, name, definitionGUID("blob-reader", "/Subscriptions/S1"))
}
