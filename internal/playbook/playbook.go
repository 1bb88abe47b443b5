// Package playbook models predefined automation graphs. A playbook is
// not executed procedurally by the engine: the graph is rendered into
// the model's instructions, and the model reports its own progress
// through a single control tool. The engine's contract is to relay
// every status report and to keep the control tool out of reach when
// the session is not running a playbook.
package playbook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node is one step of a playbook graph. Type semantics (navigate,
// click, loop, condition, approval, pause) are instructions to the
// model, not engine behavior.
type Node struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Label  string         `json:"label"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge is a directed connection between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is a playbook definition. Read-only during execution.
type Graph struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Parse decodes a graph from JSON and checks referential integrity:
// every edge endpoint must name a declared node, and node ids must be
// unique.
func Parse(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode playbook graph: %w", err)
	}
	if len(g.Nodes) == 0 {
		return nil, fmt.Errorf("playbook graph has no nodes")
	}

	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("playbook node missing id")
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate playbook node id %q", n.ID)
		}
		seen[n.ID] = true
	}
	for _, e := range g.Edges {
		if !seen[e.From] {
			return nil, fmt.Errorf("edge references unknown node %q", e.From)
		}
		if !seen[e.To] {
			return nil, fmt.Errorf("edge references unknown node %q", e.To)
		}
	}
	return &g, nil
}

// HasNode reports whether id names a declared node.
func (g *Graph) HasNode(id string) bool {
	for _, n := range g.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Instructions renders the graph as model-facing execution guidance.
// The model walks the graph itself; the text spells out the status
// reporting contract it must honor.
func (g *Graph) Instructions() string {
	var b strings.Builder
	b.WriteString("You are executing a predefined automation playbook")
	if g.Name != "" {
		fmt.Fprintf(&b, " named %q", g.Name)
	}
	b.WriteString(".\n\nNodes:\n")
	for _, n := range g.Nodes {
		fmt.Fprintf(&b, "- [%s] %s: %s", n.ID, n.Type, n.Label)
		if len(n.Config) > 0 {
			if cfg, err := json.Marshal(n.Config); err == nil {
				fmt.Fprintf(&b, " (config: %s)", cfg)
			}
		}
		b.WriteString("\n")
	}
	if len(g.Edges) > 0 {
		b.WriteString("\nFlow:\n")
		for _, e := range g.Edges {
			fmt.Fprintf(&b, "- %s -> %s\n", e.From, e.To)
		}
	}
	b.WriteString(`
Execute the nodes by following the flow edges from the first node.
Before starting work on a node, call report_node_status with that
node's id and status "running". Immediately after finishing a node,
call report_node_status again with status "success", or "error" if the
node's work failed. Never skip a status report. Interpret loop and
condition nodes yourself by choosing which edge to follow next.
`)
	return b.String()
}
