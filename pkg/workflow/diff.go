package workflow

import (
	"fmt"
	"sort"

	"github.com/camber-io/camber/pkg/jsonval"
	"github.com/camber-io/camber/pkg/types"
)

// BreakingCategory classifies a breaking change
type BreakingCategory string

const (
	BreakingOp         BreakingCategory = "op"
	BreakingParams     BreakingCategory = "params"
	BreakingConnection BreakingCategory = "connection"
	BreakingEdge       BreakingCategory = "edge"
)

// BreakingChange is one entry in a diff's breaking-change list
type BreakingChange struct {
	NodeID      string           `json:"nodeId"`
	Description string           `json:"description"`
	Category    BreakingCategory `json:"category"`
}

// DiffSummary describes the differences between two workflow graphs
type DiffSummary struct {
	AddedNodes      []string         `json:"addedNodes"`
	RemovedNodes    []string         `json:"removedNodes"`
	ModifiedNodes   []string         `json:"modifiedNodes"`
	AddedEdges      []string         `json:"addedEdges"`
	RemovedEdges    []string         `json:"removedEdges"`
	MetadataChanged bool             `json:"metadataChanged"`
	BreakingChanges []BreakingChange `json:"breakingChanges"`
}

// HasBreaking reports whether the diff carries breaking changes
func (d *DiffSummary) HasBreaking() bool {
	return len(d.BreakingChanges) > 0
}

// canonicalNode serializes the comparable surface of a node
func canonicalNode(n *types.Node) string {
	c, err := jsonval.Canonical(map[string]any{
		"type":         string(n.Type),
		"app":          n.App,
		"op":           n.Op,
		"params":       n.Params,
		"connectionId": n.ConnectionID,
	})
	if err != nil {
		// Node params come from validated JSON; unreachable in practice.
		return fmt.Sprintf("!err:%v", err)
	}
	return c
}

// edgeKey identifies an edge by id, falling back to (from,to)
func edgeKey(e *types.Edge) string {
	if e.ID != "" {
		return e.ID
	}
	return e.From + "->" + e.To
}

// Diff computes the difference between graphs a (current) and b (candidate),
// with metaA/metaB the respective version metadata.
func Diff(a, b *types.Graph, metaA, metaB map[string]string) *DiffSummary {
	d := &DiffSummary{
		AddedNodes:    []string{},
		RemovedNodes:  []string{},
		ModifiedNodes: []string{},
		AddedEdges:    []string{},
		RemovedEdges:  []string{},
	}

	nodesA := map[string]*types.Node{}
	nodesB := map[string]*types.Node{}
	if a != nil {
		for _, n := range a.Nodes {
			nodesA[n.ID] = n
		}
	}
	if b != nil {
		for _, n := range b.Nodes {
			nodesB[n.ID] = n
		}
	}

	for id := range nodesB {
		if _, ok := nodesA[id]; !ok {
			d.AddedNodes = append(d.AddedNodes, id)
		}
	}
	for id, oldNode := range nodesA {
		newNode, ok := nodesB[id]
		if !ok {
			d.RemovedNodes = append(d.RemovedNodes, id)
			d.BreakingChanges = append(d.BreakingChanges, BreakingChange{
				NodeID:      id,
				Description: fmt.Sprintf("node %q removed", id),
				Category:    BreakingOp,
			})
			continue
		}
		if canonicalNode(oldNode) != canonicalNode(newNode) {
			d.ModifiedNodes = append(d.ModifiedNodes, id)
			d.BreakingChanges = append(d.BreakingChanges, breakingForNode(oldNode, newNode)...)
		}
	}

	edgesA := map[string]*types.Edge{}
	edgesB := map[string]*types.Edge{}
	if a != nil {
		for _, e := range a.Edges {
			edgesA[edgeKey(e)] = e
		}
	}
	if b != nil {
		for _, e := range b.Edges {
			edgesB[edgeKey(e)] = e
		}
	}
	for key := range edgesB {
		if _, ok := edgesA[key]; !ok {
			d.AddedEdges = append(d.AddedEdges, key)
		}
	}
	for key, e := range edgesA {
		if _, ok := edgesB[key]; !ok {
			d.RemovedEdges = append(d.RemovedEdges, key)
			// A removed edge whose target node survives cuts that node's input.
			if _, targetKept := nodesB[e.To]; targetKept {
				d.BreakingChanges = append(d.BreakingChanges, BreakingChange{
					NodeID:      e.To,
					Description: fmt.Sprintf("edge into %q removed", e.To),
					Category:    BreakingEdge,
				})
			}
		}
	}

	cA, _ := jsonval.Canonical(metaA)
	cB, _ := jsonval.Canonical(metaB)
	d.MetadataChanged = cA != cB

	sort.Strings(d.AddedNodes)
	sort.Strings(d.RemovedNodes)
	sort.Strings(d.ModifiedNodes)
	sort.Strings(d.AddedEdges)
	sort.Strings(d.RemovedEdges)
	sort.Slice(d.BreakingChanges, func(i, j int) bool {
		if d.BreakingChanges[i].NodeID != d.BreakingChanges[j].NodeID {
			return d.BreakingChanges[i].NodeID < d.BreakingChanges[j].NodeID
		}
		return d.BreakingChanges[i].Category < d.BreakingChanges[j].Category
	})
	return d
}

// breakingForNode inspects a modified node for breaking categories.
// The graph carries no parameter schemas, so a populated parameter of an
// unchanged op is treated as required; parameters dropped alongside an op
// change are subsumed by the op entry. A node's provider is its app, so a
// connection swap within the same app is compatible.
func breakingForNode(oldNode, newNode *types.Node) []BreakingChange {
	var out []BreakingChange

	if oldNode.Op != newNode.Op {
		out = append(out, BreakingChange{
			NodeID:      oldNode.ID,
			Description: fmt.Sprintf("operation changed from %q to %q", oldNode.Op, newNode.Op),
			Category:    BreakingOp,
		})
	} else {
		for param, value := range oldNode.Params {
			if value == nil {
				continue
			}
			if _, ok := newNode.Params[param]; !ok {
				out = append(out, BreakingChange{
					NodeID:      oldNode.ID,
					Description: fmt.Sprintf("required parameter %q removed", param),
					Category:    BreakingParams,
				})
			}
		}
	}

	if oldNode.ConnectionID != newNode.ConnectionID && oldNode.App != newNode.App {
		out = append(out, BreakingChange{
			NodeID:      oldNode.ID,
			Description: fmt.Sprintf("connection moved from provider %q to %q", oldNode.App, newNode.App),
			Category:    BreakingConnection,
		})
	}

	return out
}
