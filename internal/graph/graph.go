package graph

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

// End is the implicit role-less terminal node.
const End = "END"

// Routing hints produced by the built-in agents.
const (
	HintRespond    = "respond"
	HintPlan       = "plan"
	HintApproval   = "approval"
	HintResearch   = "research"
	HintReport     = "report"
	HintPlanned    = "planned"
	HintContinue   = "continue"
	HintReplan     = "replan"
	HintSufficient = "sufficient"
)

// HintSet maps each role to the routing hints it may produce.
type HintSet map[state.Role][]string

// DefaultHints returns the hint domains of the built-in agents.
func DefaultHints() HintSet {
	return HintSet{
		state.RoleCoordinator: {HintRespond, HintPlan, HintApproval, HintResearch, HintReport},
		state.RolePlanner:     {HintPlanned},
		state.RoleResearcher:  {HintContinue, HintReplan, HintSufficient},
		state.RoleRapporteur:  nil,
	}
}

// Predicate is a pure function of the state used to guard an edge.
type Predicate func(state.WorkflowState) bool

// Condition guards an edge. It matches when the routing hint equals Hint
// (if set) and Pred returns true (if set). The zero Condition always matches.
type Condition struct {
	Name string
	Hint string
	Pred Predicate
}

// Always is the unconditional edge condition.
var Always = Condition{}

// OnHint returns a condition matching a routing hint.
func OnHint(hint string) Condition {
	return Condition{Name: hint, Hint: hint}
}

// When returns a condition matching a routing hint and a named predicate.
func When(hint, name string, pred Predicate) Condition {
	label := name
	if hint != "" {
		label = hint + " && " + name
	}
	return Condition{Name: label, Hint: hint, Pred: pred}
}

// IsAlways returns true if the condition has neither hint nor predicate.
func (c Condition) IsAlways() bool {
	return c.Hint == "" && c.Pred == nil
}

// Matches evaluates the condition.
func (c Condition) Matches(s state.WorkflowState, hint string) bool {
	if c.Hint != "" && c.Hint != hint {
		return false
	}
	if c.Pred != nil && !c.Pred(s) {
		return false
	}
	return true
}

// Label returns a short human-readable description of the condition.
func (c Condition) Label() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.Hint != "":
		return c.Hint
	case c.Pred != nil:
		return "predicate"
	default:
		return "always"
	}
}

// Edge is a prioritized conditional transition.
type Edge struct {
	To        string
	Condition Condition
}

// Node is one step of the workflow, executed by the agent registered for Role.
type Node struct {
	ID string
	// Role is empty only for End.
	Role state.Role
	// Iterates marks nodes that count toward the iteration ceiling. Every
	// cycle must pass through one.
	Iterates bool
	// Edges are evaluated in declared order; first match wins.
	Edges []Edge
}

// IsTerminal returns true if the node has no outgoing edges.
func (n Node) IsTerminal() bool {
	return len(n.Edges) == 0
}

// Graph is a validated, immutable workflow graph.
type Graph struct {
	start string
	nodes map[string]*Node
	order []string
}

// Start returns the start node ID.
func (g *Graph) Start() string {
	return g.start
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	out := *n
	out.Edges = slices.Clone(n.Edges)
	return out, true
}

// Nodes returns copies of all nodes in declaration order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		n, _ := g.Node(id)
		out = append(out, n)
	}
	return out
}

// IsTerminal returns true for End and for nodes without outgoing edges.
func (g *Graph) IsTerminal(id string) bool {
	if id == End {
		return true
	}
	n, ok := g.nodes[id]
	return ok && n.IsTerminal()
}

// Resolve returns the node that follows from after it produced hint. The
// first edge whose condition matches wins.
func (g *Graph) Resolve(from string, s state.WorkflowState, hint string) (string, error) {
	n, ok := g.nodes[from]
	if !ok {
		return "", errors.NewNoMatchingTransitionError(from, hint)
	}
	for _, e := range n.Edges {
		if e.Condition.Matches(s, hint) {
			return e.To, nil
		}
	}
	return "", errors.NewNoMatchingTransitionError(from, hint)
}

// Builder assembles and validates a Graph.
type Builder struct {
	hints HintSet
	start string
	nodes map[string]*Node
	order []string
	errs  []error
}

// NewBuilder creates a Builder that validates hint coverage against hints.
// A nil HintSet uses DefaultHints.
func NewBuilder(hints HintSet) *Builder {
	if hints == nil {
		hints = DefaultHints()
	}
	return &Builder{
		hints: hints,
		nodes: make(map[string]*Node),
	}
}

// AddNode declares a node executed by role.
func (b *Builder) AddNode(id string, role state.Role, iterates bool) *Builder {
	switch {
	case id == "":
		b.errs = append(b.errs, errors.NewGraphConfigurationError("", "node id must not be empty"))
	case id == End:
		b.errs = append(b.errs, errors.NewGraphConfigurationError(id, "END is implicit and cannot be declared"))
	case b.nodes[id] != nil:
		b.errs = append(b.errs, errors.NewGraphConfigurationError(id, "duplicate node"))
	default:
		b.nodes[id] = &Node{ID: id, Role: role, Iterates: iterates}
		b.order = append(b.order, id)
	}
	return b
}

// AddEdge appends an outgoing edge to from. Edge order is priority order.
func (b *Builder) AddEdge(from, to string, cond Condition) *Builder {
	n, ok := b.nodes[from]
	if !ok {
		b.errs = append(b.errs, errors.NewGraphConfigurationError(from, "edge from undeclared node"))
		return b
	}
	n.Edges = append(n.Edges, Edge{To: to, Condition: cond})
	return b
}

// SetStart selects the start node.
func (b *Builder) SetStart(id string) *Builder {
	b.start = id
	return b
}

// Build validates the graph and returns it. Validation failures are
// GraphConfigurationErrors naming the offending node.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}

	g := &Graph{
		start: b.start,
		nodes: make(map[string]*Node, len(b.nodes)),
		order: slices.Clone(b.order),
	}
	for id, n := range b.nodes {
		cp := *n
		cp.Edges = slices.Clone(n.Edges)
		g.nodes[id] = &cp
	}

	if err := validate(g, b.hints); err != nil {
		return nil, err
	}
	return g, nil
}

func validate(g *Graph, hints HintSet) error {
	if g.start == "" {
		return errors.NewGraphConfigurationError("", "no start node")
	}
	if _, ok := g.nodes[g.start]; !ok {
		return errors.NewGraphConfigurationError(g.start, "start node does not exist")
	}

	hasTerminal := false
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Role == "" {
			return errors.NewGraphConfigurationError(id, "only END may be role-less")
		}
		if _, known := hints[n.Role]; !known {
			return errors.NewGraphConfigurationError(id, fmt.Sprintf("unknown role %q", n.Role))
		}
		if n.IsTerminal() {
			hasTerminal = true
		}
		for _, e := range n.Edges {
			if e.To == End {
				hasTerminal = true
				continue
			}
			if _, ok := g.nodes[e.To]; !ok {
				return errors.NewGraphConfigurationError(id, fmt.Sprintf("edge targets unknown node %q", e.To))
			}
		}
	}
	if !hasTerminal {
		return errors.NewGraphConfigurationError("", "graph has no terminal node")
	}

	if id := firstUnreachable(g); id != "" {
		return errors.NewGraphConfigurationError(id, "node is unreachable from start")
	}

	for _, id := range g.order {
		if hint, ok := uncoveredHint(g.nodes[id], hints); ok {
			msg := fmt.Sprintf("hint %q has no unconditional edge (dead-end risk)", hint)
			if hint == "" {
				msg = "role produces no hints and the node has no unconditional edge (dead-end risk)"
			}
			return errors.NewGraphConfigurationError(id, msg)
		}
	}

	if id := cycleWithoutIteration(g); id != "" {
		return errors.NewGraphConfigurationError(id,
			"cycle does not pass through an iterating node (infinite-loop risk)")
	}
	return nil
}

func firstUnreachable(g *Graph) string {
	seen := map[string]bool{g.start: true}
	queue := []string{g.start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.nodes[id].Edges {
			if e.To == End || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, e.To)
		}
	}
	for _, id := range g.order {
		if !seen[id] {
			return id
		}
	}
	return ""
}

// uncoveredHint reports a hint in the node role's domain that is not
// guaranteed to match some edge. A role without hints always routes on the
// empty hint, which only an unconditional edge covers.
func uncoveredHint(n *Node, hints HintSet) (string, bool) {
	if n.IsTerminal() {
		return "", false
	}
	for _, e := range n.Edges {
		if e.Condition.IsAlways() {
			return "", false
		}
	}
	domain := hints[n.Role]
	if len(domain) == 0 {
		return "", true
	}
	for _, h := range domain {
		covered := false
		for _, e := range n.Edges {
			if e.Condition.Hint == h && e.Condition.Pred == nil {
				covered = true
				break
			}
		}
		if !covered {
			return h, true
		}
	}
	return "", false
}

// cycleWithoutIteration removes iterating nodes and runs a Kahn
// topological sort over the rest. Nodes left over sit on a cycle that never
// passes an iterating node; the first one in declaration order is returned.
func cycleWithoutIteration(g *Graph) string {
	inDegree := make(map[string]int)
	for _, id := range g.order {
		if !g.nodes[id].Iterates {
			inDegree[id] = 0
		}
	}
	for id := range inDegree {
		for _, e := range g.nodes[id].Edges {
			if _, ok := inDegree[e.To]; ok {
				inDegree[e.To]++
			}
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	removed := make(map[string]bool)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed[id] = true
		for _, e := range g.nodes[id].Edges {
			if _, ok := inDegree[e.To]; !ok {
				continue
			}
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	for _, id := range g.order {
		if _, ok := inDegree[id]; ok && !removed[id] {
			return id
		}
	}
	return ""
}
