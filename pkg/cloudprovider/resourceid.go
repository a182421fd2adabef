package cloudprovider

import (
	"fmt"
	"strings"
)

// splitProviderResourceID extracts the resource group and resource name
// from a full ARM resource id such as
// /subscriptions/{sub}/resourcegroups/{rg}/providers/{ns}/{type}/{name}.
func splitProviderResourceID(id string) (resourceGroup, name string, err error) {
	segments := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i < len(segments)-1; i++ {
		if strings.EqualFold(segments[i], "resourcegroups") {
			resourceGroup = segments[i+1]
		}
	}
	if resourceGroup == "" {
		return "", "", fmt.Errorf("no resource group in resource id %q", id)
	}
	name = segments[len(segments)-1]
	return resourceGroup, name, nil
}

// splitScopedResourceID splits an authorization resource id into the scope
// it is attached to and the resource name, using the provider marker, e.g.
// {scope}/providers/Microsoft.Authorization/roleDefinitions/{name}.
func splitScopedResourceID(id, marker string) (scope, name string, err error) {
	idx := strings.Index(strings.ToLower(id), strings.ToLower(marker))
	if idx <= 0 {
		return "", "", fmt.Errorf("marker %q not found in resource id %q", marker, id)
	}
	scope = strings.TrimSuffix(id[:idx], "/")
	name = strings.Trim(id[idx+len(marker):], "/")
	if name == "" {
		return "", "", fmt.Errorf("no resource name in resource id %q", id)
	}
	return scope, name, nil
}
