// Package status folds per-object reconciliation state into the single
// composite Ready condition surfaced to the user. Aggregation is a full
// recompute on every pass so conditions can never go stale.
package status

import (
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	aadwi "github.com/Azure/workload-identity-controller/pkg/apis/workloadidentity/v1alpha1"
	"github.com/Azure/workload-identity-controller/pkg/engine"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
)

const (
	// ConditionReady is the aggregate condition type.
	ConditionReady = "Ready"

	statusTrue  = "True"
	statusFalse = "False"
)

// Aggregate computes the composite Ready condition plus one sub-condition
// per object. Ready=True only when every object is Ready; otherwise the
// reason names the first non-ready object in topological order, or
// Progressing while transient states remain.
func Aggregate(order []*resolver.Object, states map[string]*engine.ObjectState, now metav1.Time) []aadwi.Condition {
	conditions := make([]aadwi.Condition, 0, len(order)+1)

	ready := aadwi.Condition{
		Type:               ConditionReady,
		Status:             statusTrue,
		Reason:             aadwi.ReasonReady,
		LastTransitionTime: now,
	}

	for _, obj := range order {
		state := states[obj.Key()]
		if state == nil {
			state = &engine.ObjectState{Phase: engine.PhasePending}
		}
		conditions = append(conditions, objectCondition(obj, state, now))

		if ready.Status == statusFalse {
			continue
		}
		switch state.Phase {
		case engine.PhaseReady:
			// keeps the aggregate True
		case engine.PhaseCreating, engine.PhaseDeleting, engine.PhasePending:
			ready.Status = statusFalse
			ready.Reason = aadwi.ReasonProgressing
			ready.Message = fmt.Sprintf("%s is %s", obj.Key(), phaseWord(state.Phase))
			if state.LastError != "" {
				ready.Message = fmt.Sprintf("%s: %s", ready.Message, state.LastError)
			}
		default:
			// Failed: the reason names the first failed object so the
			// user can locate it without reading every sub-condition
			ready.Status = statusFalse
			ready.Reason = obj.Key()
			ready.Message = state.LastError
		}
	}

	return append([]aadwi.Condition{ready}, conditions...)
}

// Invalid builds the condition set for a spec rejected by the resolver.
// There are no per-object sub-conditions because no objects were resolved.
func Invalid(err error, now metav1.Time) []aadwi.Condition {
	return []aadwi.Condition{{
		Type:               ConditionReady,
		Status:             statusFalse,
		Reason:             aadwi.ReasonInvalid,
		Message:            err.Error(),
		LastTransitionTime: now,
	}}
}

func objectCondition(obj *resolver.Object, state *engine.ObjectState, now metav1.Time) aadwi.Condition {
	c := aadwi.Condition{
		Type:               obj.Key(),
		Reason:             string(state.Phase),
		Message:            state.LastError,
		LastTransitionTime: now,
	}
	if state.Phase == engine.PhaseReady {
		c.Status = statusTrue
	} else {
		c.Status = statusFalse
	}
	return c
}

func phaseWord(p engine.Phase) string {
	switch p {
	case engine.PhaseCreating:
		return "being created"
	case engine.PhaseDeleting:
		return "being deleted"
	default:
		return "waiting on dependencies"
	}
}

// IsReady reports whether the aggregate Ready condition in conditions is
// True.
func IsReady(conditions []aadwi.Condition) bool {
	for _, c := range conditions {
		if c.Type == ConditionReady {
			return c.Status == statusTrue
		}
	}
	return false
}
