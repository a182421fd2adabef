package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
)

func resolveFixture(t *testing.T, assignments []aadwi.RoleAssignment) *resolver.DesiredObjectSet {
	t.Helper()
	set, err := resolver.Resolve(&aadwi.WorkloadIdentity{
		ObjectMeta: metav1.ObjectMeta{Name: "app-identity", Namespace: "default"},
		Spec: aadwi.WorkloadIdentitySpec{
			Location:           "eastus",
			ResourceGroupName:  "rg-1",
			OIDCIssuerURL:      "https://oidc.example.com/cluster-1",
			ServiceAccountName: "app-sa",
			RoleAssignments:    assignments,
		},
	})
	require.NoError(t, err)
	return set
}

func position(order []*resolver.Object, kind resolver.Kind, index int) int {
	for i, o := range order {
		if o.Kind == kind && o.Index == index {
			return i
		}
	}
	return -1
}

func TestTopologicalOrderBasic(t *testing.T) {
	set := resolveFixture(t, []aadwi.RoleAssignment{
		{RoleDefinitionName: "Reader", Scope: "/subscriptions/S1"},
		{
			RoleDefinitionName: "queue-ops",
			Scope:              "/subscriptions/S1/resourceGroups/rg-1",
			Permissions:        &aadwi.Permissions{Actions: []string{"Microsoft.Storage/queues/read"}},
		},
	})

	order, err := Build(set).TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, len(set.Objects))

	identity := position(order, resolver.KindManagedIdentity, 0)
	federated := position(order, resolver.KindFederatedCredential, 0)
	sa := position(order, resolver.KindServiceAccount, 0)
	builtin := position(order, resolver.KindRoleAssignment, 0)
	custom := position(order, resolver.KindRoleAssignment, 1)
	definition := position(order, resolver.KindCustomRoleDefinition, 1)

	// identity precedes everything referencing its principal
	assert.Less(t, identity, federated)
	assert.Less(t, identity, builtin)
	assert.Less(t, identity, custom)
	// the service account name feeds the federated credential subject
	assert.Less(t, sa, federated)
	// definitions precede the assignments that reference them
	assert.Less(t, definition, custom)

	// declaration order is honored between independent assignments
	assert.Less(t, builtin, custom)
}

func TestTopologicalOrderDeterministic(t *testing.T) {
	set := resolveFixture(t, []aadwi.RoleAssignment{
		{RoleDefinitionName: "Reader", Scope: "/subscriptions/S1"},
		{RoleDefinitionName: "Contributor", Scope: "/subscriptions/S1/resourceGroups/rg-1"},
		{RoleDefinitionName: "Network Contributor", Scope: "/subscriptions/S2"},
	})

	g := Build(set)
	first, err := g.TopologicalOrder()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := Build(set).TopologicalOrder()
		require.NoError(t, err)
		for j := range first {
			assert.Equal(t, first[j].Key(), next[j].Key(), "order diverged at %d on run %d", j, i)
		}
	}
}

func TestReverseTopologicalOrder(t *testing.T) {
	set := resolveFixture(t, []aadwi.RoleAssignment{
		{RoleDefinitionName: "Reader", Scope: "/subscriptions/S1"},
	})

	g := Build(set)
	reversed, err := g.ReverseTopologicalOrder()
	require.NoError(t, err)

	// the identity is deleted last: assignments and credentials first
	assert.Equal(t, resolver.KindManagedIdentity, reversed[len(reversed)-2].Kind)
	assert.Equal(t, resolver.KindServiceAccount, reversed[len(reversed)-1].Kind)
	for i, o := range reversed {
		if o.Kind == resolver.KindRoleAssignment || o.Kind == resolver.KindFederatedCredential {
			assert.Less(t, i, len(reversed)-2)
		}
	}
}

func TestDependencies(t *testing.T) {
	set := resolveFixture(t, []aadwi.RoleAssignment{
		{
			RoleDefinitionName: "queue-ops",
			Scope:              "/subscriptions/S1",
			Permissions:        &aadwi.Permissions{Actions: []string{"Microsoft.Storage/queues/read"}},
		},
	})
	g := Build(set)

	var assignmentKey string
	for _, o := range set.Objects {
		if o.Kind == resolver.KindRoleAssignment {
			assignmentKey = o.Key()
		}
	}
	deps := g.Dependencies(assignmentKey)
	require.Len(t, deps, 2)
	// identity for the principal, definition for the role id
	assert.Contains(t, deps[0]+deps[1], string(resolver.KindManagedIdentity))
	assert.Contains(t, deps[0]+deps[1], string(resolver.KindCustomRoleDefinition))
}

func TestCycleError(t *testing.T) {
	set := resolveFixture(t, nil)
	g := Build(set)

	// force a cycle; unreachable through Build's static rules
	var identityKey, federatedKey string
	for _, o := range set.Objects {
		switch o.Kind {
		case resolver.KindManagedIdentity:
			identityKey = o.Key()
		case resolver.KindFederatedCredential:
			federatedKey = o.Key()
		}
	}
	g.addEdge(federatedKey, identityKey)

	_, err := g.TopologicalOrder()
	require.Error(t, err)
	assert.True(t, IsCycleError(err))
}
