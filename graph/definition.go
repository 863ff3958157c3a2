// Package graph implements the execution graph engine: a reentrant DAG
// scheduler with bounded concurrency, per-node retry and timeout handling,
// continue-on-error dependency release, and observable lifecycle events.
package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// NodeType classifies how a node's handler interprets its config.
type NodeType string

const (
	NodeTypeTask      NodeType = "task"
	NodeTypeCondition NodeType = "condition"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeMerge     NodeType = "merge"
	NodeTypeLoop      NodeType = "loop"
)

// RetryPolicy controls re-invocation of a failed node handler.
type RetryPolicy struct {
	MaxRetries  int  `json:"maxRetries" yaml:"maxRetries"`
	BackoffMs   int  `json:"backoffMs" yaml:"backoffMs"`
	Exponential bool `json:"exponential" yaml:"exponential"`
}

// Backoff returns the delay before the given retry. Attempt is 1-based:
// attempt k sleeps BackoffMs * 2^(k-1) when exponential, else BackoffMs.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	base := time.Duration(p.BackoffMs) * time.Millisecond
	if !p.Exponential || attempt <= 1 {
		return base
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// Node is a single unit of work in the graph.
type Node struct {
	ID              string
	Type            NodeType
	Dependencies    []string
	Config          map[string]interface{}
	Timeout         time.Duration // 0 means no timeout
	Retry           *RetryPolicy
	ContinueOnError bool
}

// Definition describes a graph before execution.
type Definition struct {
	ID         string
	Nodes      []Node
	EntryNodes []string
}

// dfs colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// Validate checks the structural invariants of the definition: unique node
// ids, dependency reference integrity, acyclicity, and a non-empty entry
// set. When EntryNodes is empty it is computed as the set of nodes with no
// dependencies; the computed set is returned via the definition itself.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("graph %q has no nodes: %w", d.ID, core.ErrInvalidGraph)
	}

	byID := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("graph %q contains a node with empty id: %w", d.ID, core.ErrInvalidGraph)
		}
		if _, exists := byID[n.ID]; exists {
			return fmt.Errorf("graph %q: node %q: %w", d.ID, n.ID, core.ErrDuplicateNode)
		}
		byID[n.ID] = n
	}

	for _, n := range d.Nodes {
		for _, dep := range n.Dependencies {
			if _, exists := byID[dep]; !exists {
				return fmt.Errorf("graph %q: node %q depends on %q: %w", d.ID, n.ID, dep, core.ErrUnknownDependency)
			}
		}
	}

	if cycle := d.findCycle(byID); cycle != "" {
		return fmt.Errorf("graph %q: cycle through %q: %w", d.ID, cycle, core.ErrGraphCycle)
	}

	if len(d.EntryNodes) == 0 {
		for _, n := range d.Nodes {
			if len(n.Dependencies) == 0 {
				d.EntryNodes = append(d.EntryNodes, n.ID)
			}
		}
		sort.Strings(d.EntryNodes)
	} else {
		for _, entry := range d.EntryNodes {
			if _, exists := byID[entry]; !exists {
				return fmt.Errorf("graph %q: entry node %q does not exist: %w", d.ID, entry, core.ErrInvalidGraph)
			}
		}
	}
	if len(d.EntryNodes) == 0 {
		return fmt.Errorf("graph %q: %w", d.ID, core.ErrNoEntryNodes)
	}

	return nil
}

// findCycle runs DFS with color marking over the dependency edges and
// returns the id of a node on a cycle, or "" when the graph is acyclic.
func (d *Definition) findCycle(byID map[string]*Node) string {
	colors := make(map[string]int, len(byID))

	var visit func(id string) string
	visit = func(id string) string {
		colors[id] = colorGray
		for _, dep := range byID[id].Dependencies {
			switch colors[dep] {
			case colorGray:
				return dep
			case colorWhite:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		colors[id] = colorBlack
		return ""
	}

	for id := range byID {
		if colors[id] == colorWhite {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
