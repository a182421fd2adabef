package resolver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/utils"
)

// namespaceUUID seeds the deterministic (v5) GUIDs generated for role
// assignment and custom role definition resource names. Changing it would
// orphan every object created by earlier versions.
var namespaceUUID = uuid.MustParse("b5e6c2a4-7f3d-4c9e-9d2a-52f8a1f0c3b7")

// builtInRoleNames are well-known built-in role display names that can
// never exist as a custom role, so a spec combining one of them with an
// inline permission set is rejected.
var builtInRoleNames = map[string]bool{
	"owner":                     true,
	"contributor":               true,
	"reader":                    true,
	"user access administrator": true,
	"managed identity operator": true,
	"network contributor":       true,
	"storage blob data reader":  true,
	"storage blob data owner":   true,
}

// ValidationError reports a spec that can never reconcile. It is surfaced
// immediately and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid spec: %s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is a *ValidationError.
func IsValidationError(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// Resolve computes the full set of downstream objects that must exist for
// the given WorkloadIdentity. It is pure and deterministic: the same
// instance always yields an identical DesiredObjectSet. No external calls
// are made.
func Resolve(instance *aadwi.WorkloadIdentity) (*DesiredObjectSet, error) {
	spec := &instance.Spec
	if err := validate(instance); err != nil {
		return nil, err
	}

	identityName := instance.Name
	saNamespace := spec.ServiceAccountNamespace
	if saNamespace == "" {
		saNamespace = instance.Namespace
	}
	saName := spec.ServiceAccountName
	if saName == "" {
		saName = instance.Name
	}

	set := &DesiredObjectSet{}

	if spec.ServiceAccountName != "" && !spec.ServiceAccountManagedExternally {
		set.Objects = append(set.Objects, &Object{
			Kind: KindServiceAccount,
			Name: saName,
			ServiceAccount: &ServiceAccountSpec{
				Namespace:              saNamespace,
				Name:                   saName,
				TokenExpirationSeconds: spec.TokenExpirationSeconds(),
			},
		})
	}

	set.Objects = append(set.Objects, &Object{
		Kind: KindManagedIdentity,
		Name: identityName,
		ManagedIdentity: &ManagedIdentitySpec{
			Name:          identityName,
			ResourceGroup: spec.ResourceGroupName,
			Location:      spec.Location,
			Tags:          copyTags(spec.Tags),
		},
	})

	set.Objects = append(set.Objects, &Object{
		Kind: KindFederatedCredential,
		Name: identityName + "-federated",
		FederatedCredential: &FederatedCredentialSpec{
			Name:          identityName + "-federated",
			IdentityName:  identityName,
			ResourceGroup: spec.ResourceGroupName,
			Issuer:        spec.OIDCIssuerURL,
			Subject:       utils.ServiceAccountSubject(saNamespace, saName),
			Audience:      aadwi.DefaultAudience,
			Tags:          copyTags(spec.Tags),
		},
	})

	for i := range spec.RoleAssignments {
		ra := &spec.RoleAssignments[i]
		assignment := &RoleAssignmentSpec{
			Name:             assignmentGUID(identityName, ra.Scope, ra.RoleDefinitionName, i),
			Scope:            ra.Scope,
			PrincipalType:    ra.EffectivePrincipalType(),
			Condition:        ra.Condition,
			ConditionVersion: ra.ConditionVersion,
			Tags:             copyTags(spec.Tags),
		}

		if !ra.Permissions.IsEmpty() {
			root, err := utils.ScopeRoot(ra.Scope)
			if err != nil {
				return nil, &ValidationError{Field: roleAssignmentField(i, "scope"), Message: err.Error()}
			}
			defName := definitionGUID(ra.RoleDefinitionName, ra.Scope)
			def := &Object{
				Kind:  KindCustomRoleDefinition,
				Name:  defName,
				Index: i,
				CustomRoleDefinition: &CustomRoleDefinitionSpec{
					Name:            defName,
					RoleName:        customRoleName(ra.RoleDefinitionName, ra.Scope),
					Description:     fmt.Sprintf("Custom role for workload identity %s", identityName),
					AssignableScope: root,
					Actions:         copyStrings(ra.Permissions.Actions),
					DataActions:     copyStrings(ra.Permissions.DataActions),
					NotActions:      copyStrings(ra.Permissions.NotActions),
					NotDataActions:  copyStrings(ra.Permissions.NotDataActions),
					Tags:            copyTags(spec.Tags),
				},
			}
			set.Objects = append(set.Objects, def)
			assignment.RoleDefinitionID = fmt.Sprintf("%s/providers/Microsoft.Authorization/roleDefinitions/%s", root, defName)
			assignment.CustomRoleDefinition = def.Key()
		} else {
			assignment.RoleDefinitionName = ra.RoleDefinitionName
		}

		set.Objects = append(set.Objects, &Object{
			Kind:           KindRoleAssignment,
			Name:           assignment.Name,
			Index:          i,
			RoleAssignment: assignment,
		})
	}

	return set, nil
}

func validate(instance *aadwi.WorkloadIdentity) error {
	spec := &instance.Spec

	if spec.ResourceGroupName == "" {
		return &ValidationError{Field: "resourceGroupName", Message: "must not be empty"}
	}
	if spec.Location == "" {
		return &ValidationError{Field: "location", Message: "must not be empty"}
	}

	issuer, err := url.Parse(spec.OIDCIssuerURL)
	if err != nil {
		return &ValidationError{Field: "oidcIssuerURL", Message: fmt.Sprintf("not a well-formed URL: %v", err)}
	}
	if issuer.Scheme != "https" || issuer.Host == "" {
		return &ValidationError{Field: "oidcIssuerURL", Message: fmt.Sprintf("%q is not a well-formed https URL", spec.OIDCIssuerURL)}
	}

	for i := range spec.RoleAssignments {
		ra := &spec.RoleAssignments[i]
		if ra.RoleDefinitionName == "" {
			return &ValidationError{Field: roleAssignmentField(i, "roleDefinitionName"), Message: "must not be empty"}
		}
		if err := utils.ValidateScope(ra.Scope); err != nil {
			return &ValidationError{Field: roleAssignmentField(i, "scope"), Message: err.Error()}
		}
		if !ra.Permissions.IsEmpty() && builtInRoleNames[strings.ToLower(ra.RoleDefinitionName)] {
			return &ValidationError{
				Field:   roleAssignmentField(i, "permissions"),
				Message: fmt.Sprintf("role %q is a built-in role and cannot be redefined as a custom role", ra.RoleDefinitionName),
			}
		}
	}
	return nil
}

func roleAssignmentField(i int, field string) string {
	return fmt.Sprintf("roleAssignments[%d].%s", i, field)
}

// customRoleName derives a stable display name from the declared role
// name plus a short hash of scope, so the same permission set at two
// scopes yields two distinct definitions.
func customRoleName(roleDefinitionName, scope string) string {
	return fmt.Sprintf("%s-%s", roleDefinitionName, scopeHash(scope))
}

func scopeHash(scope string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(scope)))
	return hex.EncodeToString(sum[:4])
}

// definitionGUID generates the deterministic role definition resource
// name required by ARM (a GUID).
func definitionGUID(roleDefinitionName, scope string) string {
	return uuid.NewSHA1(namespaceUUID, []byte("roleDefinition:"+roleDefinitionName+":"+strings.ToLower(scope))).String()
}

// assignmentGUID generates the deterministic role assignment resource
// name required by ARM (a GUID).
func assignmentGUID(identityName, scope, roleDefinitionName string, index int) string {
	seed := fmt.Sprintf("roleAssignment:%s:%s:%s:%d", identityName, strings.ToLower(scope), roleDefinitionName, index)
	return uuid.NewSHA1(namespaceUUID, []byte(seed)).String()
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
