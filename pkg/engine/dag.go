package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is one action in the dependency graph.
type GraphNode struct {
	// Key is the namespace-relative name of the action.
	Key string `json:"key"`

	// Action is the action deployed by this node.
	Action *Action `json:"-"`

	// Dependencies are the graph-internal keys that must be deployed first.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are the keys that depend on this node.
	Dependents []string `json:"dependents,omitempty"`

	// Status is written by the scheduler only.
	Status NodeStatus `json:"status"`
}

// Graph is the dependency graph of the actions of one project.
type Graph struct {
	// Namespace is the namespace every local qualified name lives in.
	Namespace string `json:"namespace"`

	// Nodes maps keys to nodes.
	Nodes map[string]*GraphNode `json:"nodes"`
}

// BuildGraph extracts the inter-action references of a fully expanded
// project. Sequences depend on their local components and copies on their
// local source. References outside the project are not tracked.
func BuildGraph(p *Project) (*Graph, error) {
	g := &Graph{
		Namespace: p.Namespace,
		Nodes:     make(map[string]*GraphNode),
	}

	// First pass: index all actions
	for _, a := range p.AllActions() {
		key := a.Key()
		if _, exists := g.Nodes[key]; exists {
			return nil, NewDuplicateEntityError(MakeQName(p.Namespace, a.Package, a.Name))
		}
		g.Nodes[key] = &GraphNode{Key: key, Action: a, Status: NodePending}
	}

	// Second pass: edges
	for _, key := range g.Keys() {
		node := g.Nodes[key]
		refs, err := references(node.Action, p.Namespace)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, dep := range refs {
			if _, local := g.Nodes[dep]; !local || seen[dep] {
				continue
			}
			seen[dep] = true
			node.Dependencies = append(node.Dependencies, dep)
			g.Nodes[dep].Dependents = append(g.Nodes[dep].Dependents, key)
		}
	}

	return g, nil
}

// references returns the local keys an action refers to.
func references(a *Action, namespace string) ([]string, error) {
	var raw []string
	switch spec := a.Spec.(type) {
	case SequenceSpec:
		raw = spec.Components
	case CopySpec:
		raw = []string{spec.Source}
	default:
		return nil, nil
	}

	keys := make([]string, 0, len(raw))
	for _, ref := range raw {
		q, err := Qualify(ref, namespace, a.Package)
		if err != nil {
			return nil, NewManifestError(a.QName(namespace), "invalid action reference", err)
		}
		if key, ok := LocalKey(q, namespace); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Keys returns the node keys in sorted order.
func (g *Graph) Keys() []string {
	keys := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Edges returns every (dependent, dependency) pair, sorted.
func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for _, key := range g.Keys() {
		for _, dep := range g.Nodes[key].Dependencies {
			edges = append(edges, [2]string{key, dep})
		}
	}
	return edges
}

// Waves computes the deployment waves with Kahn's algorithm without
// touching node status. It fails with a cyclic dependency error listing the
// nodes that can never become ready.
func (g *Graph) Waves() ([][]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for key, node := range g.Nodes {
		inDegree[key] = len(node.Dependencies)
	}

	var waves [][]string
	current := make([]string, 0)
	for _, key := range g.Keys() {
		if inDegree[key] == 0 {
			current = append(current, key)
		}
	}

	processed := 0
	for len(current) > 0 {
		waves = append(waves, current)
		processed += len(current)

		next := make([]string, 0)
		for _, key := range current {
			for _, dependent := range g.Nodes[key].Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(g.Nodes) {
		pending := make([]string, 0, len(g.Nodes)-processed)
		for key, degree := range inDegree {
			if degree > 0 {
				pending = append(pending, key)
			}
		}
		return waves, NewCyclicDependencyError(pending)
	}
	return waves, nil
}

// Validate reports whether the graph can be fully scheduled.
func (g *Graph) Validate() error {
	_, err := g.Waves()
	return err
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools. Nodes stuck in a cycle are
// grouped in a separate cluster.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Deployment {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	waves, err := g.Waves()
	for i, keys := range waves {
		fmt.Fprintf(&sb, "  subgraph cluster_wave_%d {\n", i)
		fmt.Fprintf(&sb, "    label=\"Wave %d\";\n", i+1)
		sb.WriteString("    style=dashed;\n")
		for _, key := range keys {
			node := g.Nodes[key]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				key, key, node.Action.Kind(), kindColor(node.Action.Kind()))
		}
		sb.WriteString("  }\n\n")
	}

	if err != nil {
		sb.WriteString("  subgraph cluster_cycle {\n")
		sb.WriteString("    label=\"Cycle\";\n")
		sb.WriteString("    color=red;\n")
		for _, key := range PendingOf(err) {
			fmt.Fprintf(&sb, "    %q [fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", key)
		}
		sb.WriteString("  }\n\n")
	}

	for _, edge := range g.Edges() {
		style := "style=solid, color=black"
		if g.Nodes[edge[0]].Action.Kind() == KindCopy {
			style = "style=dashed, color=blue"
		}
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", edge[0], edge[1], style)
	}

	sb.WriteString("}\n")
	return sb.String()
}

// kindColor returns a color for visualizing action kinds.
func kindColor(kind ActionKind) string {
	switch kind {
	case KindLocation, KindCode:
		return "lightgreen"
	case KindSequence:
		return "lightblue"
	case KindCopy:
		return "lightyellow"
	case KindImage:
		return "lightgray"
	default:
		return "white"
	}
}
