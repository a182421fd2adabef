package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime"
)

// DeepCopyInto copies the receiver into out.
func (in *WorkloadIdentity) DeepCopyInto(out *WorkloadIdentity) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy returns a deep copy of the receiver.
func (in *WorkloadIdentity) DeepCopy() *WorkloadIdentity {
	if in == nil {
		return nil
	}
	out := new(WorkloadIdentity)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *WorkloadIdentity) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *WorkloadIdentityList) DeepCopyInto(out *WorkloadIdentityList) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ListMeta.DeepCopyInto(&out.ListMeta)
	if in.Items != nil {
		items := make([]WorkloadIdentity, len(in.Items))
		for i := range in.Items {
			in.Items[i].DeepCopyInto(&items[i])
		}
		out.Items = items
	}
}

// DeepCopy returns a deep copy of the receiver.
func (in *WorkloadIdentityList) DeepCopy() *WorkloadIdentityList {
	if in == nil {
		return nil
	}
	out := new(WorkloadIdentityList)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyObject implements runtime.Object.
func (in *WorkloadIdentityList) DeepCopyObject() runtime.Object {
	if c := in.DeepCopy(); c != nil {
		return c
	}
	return nil
}

// DeepCopyInto copies the receiver into out.
func (in *WorkloadIdentitySpec) DeepCopyInto(out *WorkloadIdentitySpec) {
	*out = *in
	if in.ServiceAccountTokenExpiration != nil {
		v := *in.ServiceAccountTokenExpiration
		out.ServiceAccountTokenExpiration = &v
	}
	if in.Tags != nil {
		out.Tags = make(map[string]string, len(in.Tags))
		for k, v := range in.Tags {
			out.Tags[k] = v
		}
	}
	if in.RoleAssignments != nil {
		ras := make([]RoleAssignment, len(in.RoleAssignments))
		for i := range in.RoleAssignments {
			in.RoleAssignments[i].DeepCopyInto(&ras[i])
		}
		out.RoleAssignments = ras
	}
}

// DeepCopyInto copies the receiver into out.
func (in *RoleAssignment) DeepCopyInto(out *RoleAssignment) {
	*out = *in
	if in.Permissions != nil {
		out.Permissions = in.Permissions.DeepCopy()
	}
}

// DeepCopy returns a deep copy of the receiver.
func (in *Permissions) DeepCopy() *Permissions {
	if in == nil {
		return nil
	}
	out := new(Permissions)
	out.Actions = copyStrings(in.Actions)
	out.DataActions = copyStrings(in.DataActions)
	out.NotActions = copyStrings(in.NotActions)
	out.NotDataActions = copyStrings(in.NotDataActions)
	return out
}

// DeepCopyInto copies the receiver into out.
func (in *WorkloadIdentityStatus) DeepCopyInto(out *WorkloadIdentityStatus) {
	*out = *in
	if in.Conditions != nil {
		conds := make([]Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&conds[i])
		}
		out.Conditions = conds
	}
	if in.ManagedObjects != nil {
		refs := make([]ObjectReference, len(in.ManagedObjects))
		copy(refs, in.ManagedObjects)
		out.ManagedObjects = refs
	}
}

// DeepCopyInto copies the receiver into out.
func (in *Condition) DeepCopyInto(out *Condition) {
	*out = *in
	in.LastTransitionTime.DeepCopyInto(&out.LastTransitionTime)
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
