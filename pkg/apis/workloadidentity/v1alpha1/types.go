package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// EventType is the type of change observed on the watched CRDs.
type EventType int

const (
	WorkloadIdentityCreated EventType = 0
	WorkloadIdentityDeleted EventType = 1
	WorkloadIdentityUpdated EventType = 2
	Exit                    EventType = 3
)

const (
	CRDGroup    = "workloadidentity.azure.com"
	CRDVersion  = "v1alpha1"
	CRDResource = "workloadidentities"

	// CleanupFinalizer blocks removal of a WorkloadIdentity until every
	// owned cloud object has been deleted.
	CleanupFinalizer = "workloadidentity.azure.com/cleanup"

	// ClientIDAnnotation carries the managed identity client id on the
	// kubernetes service account so the mutating webhook can project it.
	ClientIDAnnotation = "azure.workload.identity/client-id"
	// TokenExpirationAnnotation carries the requested service account
	// token lifetime in seconds.
	TokenExpirationAnnotation = "azure.workload.identity/service-account-token-expiration"

	// DefaultAudience is the only audience accepted for token exchange.
	DefaultAudience = "api://AzureADTokenExchange"
	// DefaultTokenExpirationSeconds is applied when the spec leaves
	// serviceAccountTokenExpiration unset.
	DefaultTokenExpirationSeconds int64 = 86400
	// DefaultPrincipalType is applied when a role assignment leaves
	// principalType unset.
	DefaultPrincipalType = "ServicePrincipal"
)

// Aggregate condition reasons surfaced on status.conditions["Ready"].
const (
	ReasonReady       = "Ready"
	ReasonProgressing = "Progressing"
	ReasonInvalid     = "Invalid"
)

// WorkloadIdentity is the composite API object. One WorkloadIdentity owns
// exactly one user assigned managed identity, one federated identity
// credential, the role assignments declared in its spec and, optionally,
// an annotated kubernetes service account.
//+k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
type WorkloadIdentity struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   WorkloadIdentitySpec   `json:"spec"`
	Status WorkloadIdentityStatus `json:"status,omitempty"`
}

//+k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
type WorkloadIdentityList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata"`

	Items []WorkloadIdentity `json:"items"`
}

// WorkloadIdentitySpec declares the desired identity setup.
type WorkloadIdentitySpec struct {
	// Location is the azure region the managed identity is created in.
	Location string `json:"location"`

	// ResourceGroupName is the resource group owning the managed identity.
	ResourceGroupName string `json:"resourceGroupName"`

	// OIDCIssuerURL is the cluster issuer trusted by the federated
	// credential. Must be a well formed https URL.
	OIDCIssuerURL string `json:"oidcIssuerURL"`

	// ServiceAccountName is the kubernetes service account bound to the
	// identity. When unset the WorkloadIdentity name is used for the
	// federated subject and no service account object is managed.
	ServiceAccountName string `json:"serviceAccountName,omitempty"`

	// ServiceAccountNamespace defaults to the WorkloadIdentity namespace.
	ServiceAccountNamespace string `json:"serviceAccountNamespace,omitempty"`

	// ServiceAccountTokenExpiration is the requested token lifetime in
	// seconds. Defaults to 86400.
	ServiceAccountTokenExpiration *int64 `json:"serviceAccountTokenExpiration,omitempty"`

	// ServiceAccountManagedExternally skips service account creation and
	// annotation; the user supplies and maintains the account themselves.
	ServiceAccountManagedExternally bool `json:"serviceAccountManagedExternally,omitempty"`

	// Tags are propagated verbatim to every created azure object.
	Tags map[string]string `json:"tags,omitempty"`

	// RoleAssignments is an ordered list; declaration order is preserved
	// in reconciliation order.
	RoleAssignments []RoleAssignment `json:"roleAssignments,omitempty"`
}

// RoleAssignment grants the identity a role definition at a scope. When
// Permissions is set a custom role definition is created first and
// referenced instead of a built-in role name.
type RoleAssignment struct {
	RoleDefinitionName string       `json:"roleDefinitionName"`
	Scope              string       `json:"scope"`
	Permissions        *Permissions `json:"permissions,omitempty"`
	Condition          string       `json:"condition,omitempty"`
	ConditionVersion   string       `json:"conditionVersion,omitempty"`
	PrincipalType      string       `json:"principalType,omitempty"`
}

// Permissions is the action set of a custom role definition.
type Permissions struct {
	Actions        []string `json:"actions,omitempty"`
	DataActions    []string `json:"dataActions,omitempty"`
	NotActions     []string `json:"notActions,omitempty"`
	NotDataActions []string `json:"notDataActions,omitempty"`
}

// WorkloadIdentityStatus surfaces the aggregate Ready condition, the
// per-object sub-conditions and the objects owned by this instance.
type WorkloadIdentityStatus struct {
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// ClientID and PrincipalID are populated once the managed identity
	// has been provisioned cloud-side.
	ClientID    string `json:"clientID,omitempty"`
	PrincipalID string `json:"principalID,omitempty"`

	Conditions []Condition `json:"conditions,omitempty"`

	// ManagedObjects records every downstream object created for this
	// instance so deletion can cascade across controller restarts.
	ManagedObjects []ObjectReference `json:"managedObjects,omitempty"`
}

// Condition is a single observation of the instance state. Type "Ready"
// is the aggregate; every other Type is a per-object sub-condition keyed
// by "<Kind>/<Name>".
type Condition struct {
	Type               string      `json:"type"`
	Status             string      `json:"status"`
	Reason             string      `json:"reason,omitempty"`
	Message            string      `json:"message,omitempty"`
	LastTransitionTime metav1.Time `json:"lastTransitionTime,omitempty"`
}

// ObjectReference identifies a downstream object owned by a
// WorkloadIdentity.
type ObjectReference struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	// ID is the external resource id once known.
	ID string `json:"id,omitempty"`
}

// TokenExpirationSeconds returns the effective service account token
// lifetime.
func (s *WorkloadIdentitySpec) TokenExpirationSeconds() int64 {
	if s.ServiceAccountTokenExpiration != nil {
		return *s.ServiceAccountTokenExpiration
	}
	return DefaultTokenExpirationSeconds
}

// EffectivePrincipalType returns the principal type of a role assignment,
// defaulted.
func (r *RoleAssignment) EffectivePrincipalType() string {
	if r.PrincipalType != "" {
		return r.PrincipalType
	}
	return DefaultPrincipalType
}

// IsEmpty reports whether no permission set is declared at all.
func (p *Permissions) IsEmpty() bool {
	if p == nil {
		return true
	}
	return len(p.Actions) == 0 && len(p.DataActions) == 0 &&
		len(p.NotActions) == 0 && len(p.NotDataActions) == 0
}
