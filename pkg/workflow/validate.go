package workflow

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/types"
)

var validate = validator.New()

// ValidateGraph checks the structural invariants of a workflow graph:
// unique node ids, exactly one trigger, edges referencing known nodes,
// no self-loops, and acyclicity.
func ValidateGraph(g *types.Graph) error {
	if g == nil || len(g.Nodes) == 0 {
		return errs.New(errs.KindValidation, "graph must contain at least one node")
	}

	seen := map[string]bool{}
	triggers := 0
	for _, n := range g.Nodes {
		if err := validate.Struct(n); err != nil {
			return errs.Wrap(errs.KindValidation, fmt.Sprintf("invalid node %q", n.ID), err)
		}
		if seen[n.ID] {
			return errs.New(errs.KindValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if n.Type == types.NodeTypeTrigger {
			triggers++
		}
	}
	if triggers != 1 {
		return errs.New(errs.KindValidation, fmt.Sprintf("graph must have exactly one trigger node, found %d", triggers))
	}

	for _, e := range g.Edges {
		if e.From == e.To {
			return errs.New(errs.KindValidation, fmt.Sprintf("self-loop on node %q", e.From))
		}
		if !seen[e.From] {
			return errs.New(errs.KindValidation, fmt.Sprintf("edge references unknown node %q", e.From))
		}
		if !seen[e.To] {
			return errs.New(errs.KindValidation, fmt.Sprintf("edge references unknown node %q", e.To))
		}
	}

	if _, err := TopologicalOrder(g); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns a deterministic topological order of node ids
// using Kahn's algorithm, ties broken lexicographically. Fails on cycles.
func TopologicalOrder(g *types.Graph) ([]string, error) {
	indegree := map[string]int{}
	successors := map[string][]string{}
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		successors[e.From] = append(successors[e.From], e.To)
		indegree[e.To]++
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		changed := false
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				changed = true
			}
		}
		if changed {
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, errs.New(errs.KindValidation, "graph contains a cycle")
	}
	return order, nil
}
