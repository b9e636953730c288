package engine

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// DependencyKind classifies how one node refers to another.
type DependencyKind string

const (
	// DependencyStart means the node's startWhen reads the other node.
	DependencyStart DependencyKind = "start"

	// DependencyPolicy means a control-policy expression reads the other node.
	DependencyPolicy DependencyKind = "policy"
)

// GraphEdge is a reference from one node's expressions to another node.
type GraphEdge struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Kind DependencyKind `json:"kind"`
}

// GraphNode is a pipeline node placed in the start order.
type GraphNode struct {
	ID           string   `json:"id"`
	Level        int      `json:"level"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

// DependencyGraph is the static view of which nodes a pipeline's
// expressions read. Start edges determine the level of each node: level 0
// nodes have no start dependency on another node.
type DependencyGraph struct {
	Nodes  map[string]*GraphNode `json:"nodes"`
	Edges  []GraphEdge           `json:"edges"`
	Roots  []string              `json:"roots"`
	Levels [][]string            `json:"levels"`
}

// BuildDependencyGraph derives the dependency graph of a pipeline from the
// identifiers its expressions reference. A cycle of start dependencies is
// an error: none of the nodes on it could ever start.
func BuildDependencyGraph(p *Pipeline) (*DependencyGraph, error) {
	byIdent := make(map[string]string, len(p.Nodes))
	for _, n := range p.Nodes {
		if ident := SanitizeIdentifier(n.ID); ident != VarEvent && ident != VarNode {
			byIdent[ident] = n.ID
		}
	}

	g := &DependencyGraph{Nodes: make(map[string]*GraphNode, len(p.Nodes))}
	startDeps := make(map[string][]string, len(p.Nodes))
	startDependents := make(map[string][]string, len(p.Nodes))
	inDegree := make(map[string]int, len(p.Nodes))

	for _, n := range p.Nodes {
		g.Nodes[n.ID] = &GraphNode{ID: n.ID, Dependencies: []string{}, Dependents: []string{}}
		inDegree[n.ID] = 0
	}

	for _, n := range p.Nodes {
		for _, ref := range referencedNodes(n.StartWhen, byIdent, n.ID) {
			g.Edges = append(g.Edges, GraphEdge{From: ref, To: n.ID, Kind: DependencyStart})
			startDeps[n.ID] = append(startDeps[n.ID], ref)
			startDependents[ref] = append(startDependents[ref], n.ID)
			inDegree[n.ID]++
		}
		for _, ref := range referencedNodes(policyText(n.ControlPolicy), byIdent, n.ID) {
			g.Edges = append(g.Edges, GraphEdge{From: ref, To: n.ID, Kind: DependencyPolicy})
		}
	}

	for id, node := range g.Nodes {
		node.Dependencies = append(node.Dependencies, startDeps[id]...)
		node.Dependents = append(node.Dependents, startDependents[id]...)
	}

	if cycle := findCycle(p.Nodes, startDependents); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("startWhen cycle detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(ErrCodeValidation).WithResource(p.ID)
	}

	// Kahn's algorithm, level by level.
	var current []string
	for _, n := range p.Nodes {
		if inDegree[n.ID] == 0 {
			current = append(current, n.ID)
		}
	}
	for level := 0; len(current) > 0; level++ {
		sort.Strings(current)
		g.Levels = append(g.Levels, current)
		var next []string
		for _, id := range current {
			g.Nodes[id].Level = level
			for _, dep := range startDependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}
	if len(g.Levels) > 0 {
		g.Roots = g.Levels[0]
	}
	return g, nil
}

func findCycle(nodes []*Node, dependents map[string][]string) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(nodes))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = onStack
		path = append(path, id)
		for _, next := range dependents[id] {
			switch state[next] {
			case onStack:
				for i, p := range path {
					if p == next {
						return append(append([]string{}, path[i:]...), next)
					}
				}
			case unvisited:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}

	for _, n := range nodes {
		if state[n.ID] == unvisited {
			if c := visit(n.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// ToDOT renders the graph in Graphviz DOT format. Start edges are solid,
// policy edges dashed.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph Pipeline {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range g.Levels {
		fmt.Fprintf(&sb, "  subgraph cluster_level_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Level %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			fmt.Fprintf(&sb, "    %q;\n", id)
		}
		sb.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		style := "style=solid"
		if e.Kind == DependencyPolicy {
			style = "style=dashed, color=gray"
		}
		fmt.Fprintf(&sb, "  %q -> %q [%s];\n", e.From, e.To, style)
	}
	sb.WriteString("}\n")
	return sb.String()
}

func policyText(p *ControlPolicy) string {
	if p == nil {
		return ""
	}
	parts := []string{p.StopWhen, p.RestartWhen, p.RetryWhen, p.AlertWhen, p.SkipWhen}
	for _, r := range p.CustomRules {
		parts = append(parts, r.Condition)
		for _, v := range r.ActionParams {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n")
}

// referencedNodes returns the ids of the nodes whose identifiers appear in
// expr as top-level names, excluding self. Names inside string literals or
// after a "." are ignored.
func referencedNodes(expr string, byIdent map[string]string, self string) []string {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var out []string

	src := []rune(expr)
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			i = j + 1
		case c == '_' || unicode.IsLetter(c):
			j := i
			for j < len(src) && (src[j] == '_' || unicode.IsLetter(src[j]) || unicode.IsDigit(src[j])) {
				j++
			}
			if !precededByDot(src, i) {
				if id, ok := byIdent[string(src[i:j])]; ok && id != self && !seen[id] {
					seen[id] = true
					out = append(out, id)
				}
			}
			i = j
		default:
			i++
		}
	}
	sort.Strings(out)
	return out
}

func precededByDot(src []rune, i int) bool {
	for k := i - 1; k >= 0; k-- {
		if unicode.IsSpace(src[k]) {
			continue
		}
		return src[k] == '.'
	}
	return false
}
