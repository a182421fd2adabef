// Package graph orders a desired object set so every object is
// reconciled strictly after its dependencies: the managed identity before
// anything referencing its principal, custom role definitions before the
// assignments that use them, the service account before the federated
// credential carrying its subject.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Azure/workload-identity-controller/pkg/resolver"
)

// CycleError reports a dependency cycle. The static edge rules cannot
// construct one, so this is an internal invariant violation rather than a
// user error.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among objects: %s", strings.Join(e.Remaining, ", "))
}

// IsCycleError returns true if err is a *CycleError.
func IsCycleError(err error) bool {
	_, ok := err.(*CycleError)
	return ok
}

// Graph is a DAG over a desired object set.
type Graph struct {
	objects []*resolver.Object
	// edges maps an object key to the keys depending on it.
	edges map[string][]string
	// indegree counts unsatisfied dependencies per object key.
	indegree map[string]int
}

// Build constructs the graph from the static dependency rules.
func Build(set *resolver.DesiredObjectSet) *Graph {
	g := &Graph{
		objects:  set.Objects,
		edges:    make(map[string][]string),
		indegree: make(map[string]int),
	}

	var identityKey, serviceAccountKey string
	for _, o := range set.Objects {
		g.indegree[o.Key()] = 0
		switch o.Kind {
		case resolver.KindManagedIdentity:
			identityKey = o.Key()
		case resolver.KindServiceAccount:
			serviceAccountKey = o.Key()
		}
	}

	for _, o := range set.Objects {
		switch o.Kind {
		case resolver.KindFederatedCredential:
			g.addEdge(identityKey, o.Key())
			if serviceAccountKey != "" {
				g.addEdge(serviceAccountKey, o.Key())
			}
		case resolver.KindRoleAssignment:
			// principalId only exists once the identity is created
			g.addEdge(identityKey, o.Key())
			if dep := o.RoleAssignment.CustomRoleDefinition; dep != "" {
				g.addEdge(dep, o.Key())
			}
		}
	}
	return g
}

func (g *Graph) addEdge(from, to string) {
	if from == "" || from == to {
		return
	}
	g.edges[from] = append(g.edges[from], to)
	g.indegree[to]++
}

// Dependencies returns the keys the given object depends on.
func (g *Graph) Dependencies(key string) []string {
	var deps []string
	for from, tos := range g.edges {
		for _, to := range tos {
			if to == key {
				deps = append(deps, from)
			}
		}
	}
	sort.Strings(deps)
	return deps
}

// TopologicalOrder returns the objects in an order satisfying every edge.
// Ties are broken by declaration order (position in the desired set), so
// the output is deterministic across runs.
func (g *Graph) TopologicalOrder() ([]*resolver.Object, error) {
	indegree := make(map[string]int, len(g.indegree))
	for k, v := range g.indegree {
		indegree[k] = v
	}

	order := make([]*resolver.Object, 0, len(g.objects))
	emitted := make(map[string]bool, len(g.objects))

	for len(order) < len(g.objects) {
		progressed := false
		// scan in declaration order; the first zero-indegree object wins
		for _, o := range g.objects {
			key := o.Key()
			if emitted[key] || indegree[key] != 0 {
				continue
			}
			emitted[key] = true
			order = append(order, o)
			for _, to := range g.edges[key] {
				indegree[to]--
			}
			progressed = true
			break
		}
		if !progressed {
			var remaining []string
			for _, o := range g.objects {
				if !emitted[o.Key()] {
					remaining = append(remaining, o.Key())
				}
			}
			return nil, &CycleError{Remaining: remaining}
		}
	}
	return order, nil
}

// ReverseTopologicalOrder returns the deletion order: every object before
// its dependencies, so owned records are torn down leaf-first.
func (g *Graph) ReverseTopologicalOrder() ([]*resolver.Object, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	reversed := make([]*resolver.Object, len(order))
	for i, o := range order {
		reversed[len(order)-1-i] = o
	}
	return reversed, nil
}
