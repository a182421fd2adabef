// Package engine drives each desired object from observed state toward
// desired state, one object at a time in scheduler order, with bounded
// retry on transient failures.
package engine

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/Azure/workload-identity-controller/pkg/graph"
	"github.com/Azure/workload-identity-controller/pkg/resolver"
	"github.com/Azure/workload-identity-controller/pkg/retry"
)

// Phase is the reconciliation state of a single desired object.
type Phase string

const (
	PhasePending  Phase = "Pending"
	PhaseCreating Phase = "Creating"
	PhaseReady    Phase = "Ready"
	PhaseDeleting Phase = "Deleting"
	PhaseDeleted  Phase = "Deleted"
	PhaseFailed   Phase = "Failed"
)

// Transition reasons recorded on events and surfaced through status.
const (
	ReasonDependenciesReady  = "DependenciesReady"
	ReasonDependencyNotReady = "DependencyNotReady"
	ReasonUpToDate           = "UpToDate"
	ReasonCreated            = "Created"
	ReasonRetrying           = "Retrying"
	ReasonTerminalError      = "TerminalError"
	ReasonRetriesExhausted   = "RetriesExhausted"
	ReasonRemovedFromSpec    = "RemovedFromSpec"
	ReasonParentDeleted      = "ParentDeleted"
	ReasonDeleted            = "Deleted"
	ReasonAlreadyAbsent      = "AlreadyAbsent"
	ReasonDeleteFailed       = "DeleteFailed"
)

// Event is emitted on every state transition and consumed by the status
// aggregator and the kubernetes event recorder.
type Event struct {
	Kind   resolver.Kind
	Name   string
	From   Phase
	To     Phase
	Reason string
}

// EventSink receives transition events.
type EventSink func(Event)

// Observation is the externally observed state of one object.
type Observation struct {
	// Exists reports whether the object is present cloud-side.
	Exists bool
	// Matches reports whether the observed state equals the desired
	// state, making the upsert a no-op.
	Matches bool
	// ID is the external resource id.
	ID string
	// PrincipalID and ClientID are populated for the managed identity
	// only, after cloud-side creation.
	PrincipalID string
	ClientID    string
}

// Dependencies carries the observations of already reconciled upstream
// objects, keyed by object key. Role assignment creation reads the
// identity principal id from here, never from stale status.
type Dependencies map[string]Observation

// Ref identifies an owned object for deletion. ID is the external
// resource id recorded when the object was created.
type Ref struct {
	Kind resolver.Kind
	Name string
	ID   string
}

// CloudClient is the boundary to the cloud identity provider and the
// cluster object store. Implementations must be idempotent and safe
// under retry.
type CloudClient interface {
	// Get observes current external state. A missing object is reported
	// as Exists=false, not as an error.
	Get(ctx context.Context, obj *resolver.Object) (Observation, error)
	// CreateOrUpdate upserts the object. Re-issuing an identical desired
	// state must be a no-op.
	CreateOrUpdate(ctx context.Context, obj *resolver.Object, deps Dependencies) (Observation, error)
	// Delete removes the object. Deleting an absent object must succeed.
	Delete(ctx context.Context, ref Ref) error
}

// ObjectState is the per-object outcome of a pass.
type ObjectState struct {
	Phase       Phase
	Retries     int
	LastError   string
	Observation Observation
}

// PassResult is the outcome of one reconciliation pass.
type PassResult struct {
	Order  []*resolver.Object
	States map[string]*ObjectState
}

// Identity returns the managed identity observation of the pass, if it
// reached Ready.
func (r *PassResult) Identity() (Observation, bool) {
	for _, o := range r.Order {
		if o.Kind != resolver.KindManagedIdentity {
			continue
		}
		s := r.States[o.Key()]
		if s != nil && s.Phase == PhaseReady {
			return s.Observation, true
		}
	}
	return Observation{}, false
}

// Engine reconciles desired object sets through a CloudClient.
type Engine struct {
	cloud         CloudClient
	maxRetries    int
	retryInterval time.Duration
	sink          EventSink
	callTimeout   time.Duration
}

// NewEngine returns an engine with bounded retries per external call.
func NewEngine(cloud CloudClient, maxRetries int, retryInterval, callTimeout time.Duration, sink EventSink) *Engine {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Engine{
		cloud:         cloud,
		maxRetries:    maxRetries,
		retryInterval: retryInterval,
		callTimeout:   callTimeout,
		sink:          sink,
	}
}

func (e *Engine) transition(obj *resolver.Object, state *ObjectState, to Phase, reason string) {
	from := state.Phase
	state.Phase = to
	e.sink(Event{Kind: obj.Kind, Name: obj.Name, From: from, To: to, Reason: reason})
	klog.V(5).Infof("%s: %s -> %s (%s)", obj.Key(), from, to, reason)
}

// ReconcilePass walks the scheduler order exactly once, driving every
// object toward Ready. Dependencies are not re-derived mid-pass. The
// returned states feed the status aggregator.
func (e *Engine) ReconcilePass(ctx context.Context, order []*resolver.Object, g *graph.Graph) *PassResult {
	states := make(map[string]*ObjectState, len(order))
	for _, obj := range order {
		states[obj.Key()] = &ObjectState{Phase: PhasePending}
	}
	deps := make(Dependencies, len(order))

	for _, obj := range order {
		if ctx.Err() != nil {
			// instance deleted or controller stopping mid-pass; the pass
			// is abandoned, already-Ready objects are swept next pass
			klog.V(2).Infof("pass abandoned before %s: %v", obj.Key(), ctx.Err())
			return &PassResult{Order: order, States: states}
		}

		state := states[obj.Key()]
		if blocked := e.blockedOn(obj, g, states); blocked != "" {
			state.LastError = fmt.Sprintf("waiting for %s", blocked)
			e.sink(Event{Kind: obj.Kind, Name: obj.Name, From: PhasePending, To: PhasePending, Reason: ReasonDependencyNotReady})
			continue
		}

		e.transition(obj, state, PhaseCreating, ReasonDependenciesReady)
		e.reconcileObject(ctx, obj, state, deps)
		if state.Phase == PhaseReady {
			deps[obj.Key()] = state.Observation
		}
	}
	return &PassResult{Order: order, States: states}
}

// blockedOn returns the key of the first upstream dependency that is not
// Ready, or "".
func (e *Engine) blockedOn(obj *resolver.Object, g *graph.Graph, states map[string]*ObjectState) string {
	for _, dep := range g.Dependencies(obj.Key()) {
		if s, ok := states[dep]; ok && s.Phase != PhaseReady {
			return dep
		}
	}
	return ""
}

func (e *Engine) reconcileObject(ctx context.Context, obj *resolver.Object, state *ObjectState, deps Dependencies) {
	r := retry.NewRetryClient(e.maxRetries, e.retryInterval)

	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		obs, err := e.cloud.Get(callCtx, obj)
		if err != nil {
			return err
		}
		if obs.Exists && obs.Matches {
			// idempotent upsert: identical desired state is a no-op and
			// costs nothing beyond the observation
			state.Observation = obs
			return nil
		}
		obs, err = e.cloud.CreateOrUpdate(callCtx, obj, deps)
		if err != nil {
			return err
		}
		state.Observation = obs
		return nil
	}

	err := r.Do(op, func(err error) bool {
		if !IsRetryable(err) {
			return false
		}
		state.Retries++
		state.LastError = err.Error()
		e.sink(Event{Kind: obj.Kind, Name: obj.Name, From: PhaseCreating, To: PhaseCreating, Reason: ReasonRetrying})
		return true
	})
	if err != nil {
		state.LastError = err.Error()
		reason := ReasonTerminalError
		if IsRetryable(err) {
			reason = ReasonRetriesExhausted
		}
		e.transition(obj, state, PhaseFailed, reason)
		return
	}

	state.LastError = ""
	reason := ReasonCreated
	if state.Observation.Matches {
		reason = ReasonUpToDate
	}
	e.transition(obj, state, PhaseReady, reason)
}

// DeletePass removes owned objects in the given order (callers pass the
// reverse dependency order). Absent objects count as deleted. The reason
// is recorded on the Deleting transition so events distinguish spec
// changes from parent deletion.
func (e *Engine) DeletePass(ctx context.Context, refs []Ref, reason string) map[string]*ObjectState {
	states := make(map[string]*ObjectState, len(refs))

	for _, ref := range refs {
		key := fmt.Sprintf("%s/%s", ref.Kind, ref.Name)
		state := &ObjectState{Phase: PhaseReady}
		states[key] = state

		if ctx.Err() != nil {
			klog.V(2).Infof("delete pass abandoned before %s: %v", key, ctx.Err())
			return states
		}

		state.Phase = PhaseDeleting
		e.sink(Event{Kind: ref.Kind, Name: ref.Name, From: PhaseReady, To: PhaseDeleting, Reason: reason})

		r := retry.NewRetryClient(e.maxRetries, e.retryInterval)
		ref := ref
		err := r.Do(func() error {
			callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
			defer cancel()
			return e.cloud.Delete(callCtx, ref)
		}, func(err error) bool {
			if !IsRetryable(err) {
				return false
			}
			state.Retries++
			state.LastError = err.Error()
			e.sink(Event{Kind: ref.Kind, Name: ref.Name, From: PhaseDeleting, To: PhaseDeleting, Reason: ReasonRetrying})
			return true
		})
		if err != nil {
			state.Phase = PhaseFailed
			state.LastError = err.Error()
			e.sink(Event{Kind: ref.Kind, Name: ref.Name, From: PhaseDeleting, To: PhaseFailed, Reason: ReasonDeleteFailed})
			// keep going: remaining objects are independent of this one
			// in reverse order, and no error may silently disappear
			continue
		}
		state.Phase = PhaseDeleted
		state.LastError = ""
		e.sink(Event{Kind: ref.Kind, Name: ref.Name, From: PhaseDeleting, To: PhaseDeleted, Reason: ReasonDeleted})
	}
	return states
}

// AllDeleted reports whether every object of a delete pass reached
// Deleted.
func AllDeleted(states map[string]*ObjectState) bool {
	for _, s := range states {
		if s.Phase != PhaseDeleted {
			return false
		}
	}
	return true
}
