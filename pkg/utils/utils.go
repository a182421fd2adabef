package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	subscriptionScopePattern    = regexp.MustCompile(`(?i)^/subscriptions/([^/]+)$`)
	resourceGroupScopePattern   = regexp.MustCompile(`(?i)^/subscriptions/([^/]+)/resourcegroups/([^/]+)$`)
	resourceScopePattern        = regexp.MustCompile(`(?i)^/subscriptions/([^/]+)/resourcegroups/([^/]+)/providers/(.+?)/(.+?)/(.+)$`)
	managementGroupScopePattern = regexp.MustCompile(`(?i)^/providers/Microsoft\.Management/managementGroups/([^/]+)$`)
)

// RedactClientID redacts client id
func RedactClientID(clientID string) string {
	return redact(clientID, "$1##### REDACTED #####$3")
}

func redact(src, repl string) string {
	r, _ := regexp.Compile(`^(\S{4})(\S|\s)*(\S{4})$`)
	return r.ReplaceAllString(src, repl)
}

// ValidateScope validates that scope is a recognized azure resource id:
// a subscription, a resource group, a resource within a resource group or
// a management group.
func ValidateScope(scope string) error {
	if subscriptionScopePattern.MatchString(scope) ||
		resourceGroupScopePattern.MatchString(scope) ||
		resourceScopePattern.MatchString(scope) ||
		managementGroupScopePattern.MatchString(scope) {
		return nil
	}
	return fmt.Errorf("invalid scope: %q, must be a subscription, resource group, resource or management group resource id", scope)
}

// ScopeRoot returns the subscription or management group node a scope
// rolls up to. Role definitions created for a scope are made assignable at
// this root.
func ScopeRoot(scope string) (string, error) {
	if managementGroupScopePattern.MatchString(scope) {
		return scope, nil
	}
	if subscriptionScopePattern.MatchString(scope) {
		return scope, nil
	}
	if m := resourceGroupScopePattern.FindStringSubmatch(scope); m != nil {
		return "/subscriptions/" + m[1], nil
	}
	if m := resourceScopePattern.FindStringSubmatch(scope); m != nil {
		return "/subscriptions/" + m[1], nil
	}
	return "", fmt.Errorf("invalid scope: %q has no subscription or management group root", scope)
}

// ServiceAccountSubject builds the federation subject claim for a
// kubernetes service account.
func ServiceAccountSubject(namespace, name string) string {
	return strings.Join([]string{"system:serviceaccount", namespace, name}, ":")
}
