package param

import (
	"fmt"
	"sort"

	qerr "github.com/qdevqt3/qmeasure/internal/errors"
)

// Graph is the insertion-ordered registry of parameter specs plus their
// depends_on and inferred_from edges.
//
// Graph is not safe for concurrent use; the session serializes access and
// freezes the graph for the lifetime of a run.
type Graph struct {
	order  []string
	specs  map[string]*Spec
	frozen bool
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{specs: make(map[string]*Spec)}
}

// Len returns the number of registered parameters.
func (g *Graph) Len() int { return len(g.order) }

// Names returns the registered names in insertion order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Get returns the spec for name, if registered.
func (g *Graph) Get(name string) (*Spec, bool) {
	s, ok := g.specs[name]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Specs returns all specs in insertion order.
func (g *Graph) Specs() []*Spec {
	out := make([]*Spec, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.specs[name].clone())
	}
	return out
}

// Has reports whether name is registered.
func (g *Graph) Has(name string) bool {
	_, ok := g.specs[name]
	return ok
}

// Freeze forbids further registration changes. Used when a run starts.
func (g *Graph) Freeze() { g.frozen = true }

// Unfreeze allows registration changes again. Used when a run ends.
func (g *Graph) Unfreeze() { g.frozen = false }

// Frozen reports whether the graph is frozen.
func (g *Graph) Frozen() bool { return g.frozen }

// Register inserts or replaces a spec.
//
// Every name in DependsOn and InferredFrom must already be registered.
// Re-registering an existing name replaces its spec and moves it to the end
// of insertion order, so a parameter can be re-registered with new
// setpoints; dependents keep referring to it by name. Registration fails if
// it would create a dependency cycle.
func (g *Graph) Register(spec Spec) error {
	if g.frozen {
		return qerr.Wrap(qerr.ErrInvalidState, "graph is frozen for a running session")
	}
	if spec.Name == "" {
		return qerr.NewNotParameter(spec.Name)
	}
	for _, dep := range spec.DependsOn {
		if dep == spec.Name {
			return qerr.Wrapf(qerr.ErrCycle, "'%s' cannot depend on itself", spec.Name)
		}
		if !g.Has(dep) {
			return qerr.NewUnknownReference(dep)
		}
	}
	for _, src := range spec.InferredFrom {
		if src == spec.Name {
			return qerr.Wrapf(qerr.ErrCycle, "'%s' cannot be inferred from itself", spec.Name)
		}
		if !g.Has(src) {
			return qerr.NewUnknownReference(src)
		}
	}

	if err := g.checkAcyclic(&spec); err != nil {
		return err
	}

	if _, exists := g.specs[spec.Name]; exists {
		g.removeFromOrder(spec.Name)
	}
	g.order = append(g.order, spec.Name)
	g.specs[spec.Name] = spec.clone()
	return nil
}

// Unregister removes a parameter by name.
//
// Removing a name that another registered parameter depends on or is
// inferred from is rejected. Unregistering an unknown name is a silent
// no-op.
func (g *Graph) Unregister(name string) error {
	if g.frozen {
		return qerr.Wrap(qerr.ErrInvalidState, "graph is frozen for a running session")
	}
	if _, ok := g.specs[name]; !ok {
		return nil
	}

	var dependents []string
	for _, other := range g.order {
		if other == name {
			continue
		}
		spec := g.specs[other]
		for _, dep := range spec.DependsOn {
			if dep == name {
				dependents = append(dependents, other)
			}
		}
		for _, src := range spec.InferredFrom {
			if src == name {
				dependents = append(dependents, other)
			}
		}
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		return qerr.NewInUse(name, dependents)
	}

	delete(g.specs, name)
	g.removeFromOrder(name)
	return nil
}

// Closure returns the set of all transitively required setpoint names for
// the given targets, excluding the targets themselves. The result is sorted
// for deterministic error messages.
func (g *Graph) Closure(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	stack := make([]string, 0, len(targets))
	for _, t := range targets {
		if spec, ok := g.specs[t]; ok {
			stack = append(stack, spec.DependsOn...)
		}
	}

	var closure []string
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[name] {
			continue
		}
		seen[name] = true
		closure = append(closure, name)
		if spec, ok := g.specs[name]; ok {
			stack = append(stack, spec.DependsOn...)
		}
	}
	sort.Strings(closure)
	return closure
}

// visit states for iterative cycle detection.
const (
	unvisited = iota
	inProgress
	done
)

// checkAcyclic verifies that inserting candidate leaves the graph without
// cycles. Edges follow both depends_on and inferred_from. The walk is an
// iterative DFS with an explicit visit-state map so deep chains cannot
// exhaust the call stack.
func (g *Graph) checkAcyclic(candidate *Spec) error {
	adj := make(map[string][]string, len(g.specs)+1)
	for name, spec := range g.specs {
		if name == candidate.Name {
			continue
		}
		edges := append(append([]string(nil), spec.DependsOn...), spec.InferredFrom...)
		adj[name] = edges
	}
	adj[candidate.Name] = append(append([]string(nil), candidate.DependsOn...), candidate.InferredFrom...)

	state := make(map[string]int, len(adj))

	type frame struct {
		name string
		next int
	}

	for start := range adj {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{name: start}}
		state[start] = inProgress
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := adj[top.name]
			if top.next < len(edges) {
				child := edges[top.next]
				top.next++
				switch state[child] {
				case inProgress:
					return fmt.Errorf("adding '%s' closes a cycle through '%s': %w",
						candidate.Name, child, qerr.ErrCycle)
				case unvisited:
					state[child] = inProgress
					stack = append(stack, frame{name: child})
				}
			} else {
				state[top.name] = done
				stack = stack[:len(stack)-1]
			}
		}
	}
	return nil
}

func (g *Graph) removeFromOrder(name string) {
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}
