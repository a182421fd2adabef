package resolver

import (
	"fmt"
)

// Kind enumerates the downstream object kinds a WorkloadIdentity expands
// into.
type Kind string

const (
	KindManagedIdentity      Kind = "ManagedIdentity"
	KindFederatedCredential  Kind = "FederatedCredential"
	KindCustomRoleDefinition Kind = "CustomRoleDefinition"
	KindRoleAssignment       Kind = "RoleAssignment"
	KindServiceAccount       Kind = "ServiceAccount"
)

// Object is one desired downstream object. Exactly one of the kind
// specific spec fields is set, matching Kind.
type Object struct {
	Kind Kind
	Name string

	// Index is the declaration position used for deterministic tie
	// breaking; role assignment derived objects carry the index of their
	// roleAssignments entry, singletons carry 0.
	Index int

	ManagedIdentity      *ManagedIdentitySpec
	FederatedCredential  *FederatedCredentialSpec
	CustomRoleDefinition *CustomRoleDefinitionSpec
	RoleAssignment       *RoleAssignmentSpec
	ServiceAccount       *ServiceAccountSpec
}

// Key uniquely identifies an object within a DesiredObjectSet.
func (o *Object) Key() string {
	return fmt.Sprintf("%s/%s", o.Kind, o.Name)
}

// ManagedIdentitySpec is the desired user assigned managed identity.
type ManagedIdentitySpec struct {
	Name          string
	ResourceGroup string
	Location      string
	Tags          map[string]string
}

// FederatedCredentialSpec binds the managed identity to a service account
// token issuer and subject.
type FederatedCredentialSpec struct {
	Name string
	// IdentityName and ResourceGroup locate the parent managed identity;
	// federated credentials are child resources of it.
	IdentityName  string
	ResourceGroup string
	Issuer        string
	Subject       string
	Audience      string
	Tags          map[string]string
}

// CustomRoleDefinitionSpec is a role definition generated from an inline
// permission set.
type CustomRoleDefinitionSpec struct {
	// Name is the role definition resource name, a deterministic GUID.
	Name string
	// RoleName is the display name, derived from roleDefinitionName plus
	// a stable hash of scope.
	RoleName        string
	Description     string
	AssignableScope string
	Actions         []string
	DataActions     []string
	NotActions      []string
	NotDataActions  []string
	Tags            map[string]string
}

// RoleAssignmentSpec grants the identity principal a role definition at a
// scope.
type RoleAssignmentSpec struct {
	// Name is the role assignment resource name, a deterministic GUID.
	Name  string
	Scope string
	// RoleDefinitionName is set for built-in roles.
	RoleDefinitionName string
	// RoleDefinitionID is set instead when the assignment references a
	// generated custom role definition.
	RoleDefinitionID string
	// CustomRoleDefinition is the key of the definition object this
	// assignment depends on, empty for built-in roles.
	CustomRoleDefinition string
	PrincipalType        string
	Condition            string
	ConditionVersion     string
	Tags                 map[string]string
}

// ServiceAccountSpec is the annotated kubernetes service account.
type ServiceAccountSpec struct {
	Namespace              string
	Name                   string
	TokenExpirationSeconds int64
}

// DesiredObjectSet is the full set of downstream objects a spec resolves
// to, in deterministic emission order.
type DesiredObjectSet struct {
	Objects []*Object
}

// Get returns the object with the given key or nil.
func (s *DesiredObjectSet) Get(key string) *Object {
	for _, o := range s.Objects {
		if o.Key() == key {
			return o
		}
	}
	return nil
}

// Identity returns the single managed identity object of the set.
func (s *DesiredObjectSet) Identity() *Object {
	for _, o := range s.Objects {
		if o.Kind == KindManagedIdentity {
			return o
		}
	}
	return nil
}
