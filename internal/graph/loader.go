package graph

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/state"
)

// Definition is the YAML form of a workflow graph.
//
//	start: coordinator
//	nodes:
//	  - id: coordinator
//	    role: coordinator
//	    edges:
//	      - to: END
//	        when: {hint: respond}
//	      - to: researcher
//	        when: {hint: approval, predicate: feedback_approved}
type Definition struct {
	Start string           `yaml:"start"`
	Nodes []NodeDefinition `yaml:"nodes"`
}

// NodeDefinition is the YAML form of a node.
type NodeDefinition struct {
	ID       string           `yaml:"id"`
	Role     string           `yaml:"role"`
	Iterates bool             `yaml:"iterates,omitempty"`
	Edges    []EdgeDefinition `yaml:"edges,omitempty"`
}

// EdgeDefinition is the YAML form of an edge. A missing when clause is
// unconditional.
type EdgeDefinition struct {
	To   string          `yaml:"to"`
	When *WhenDefinition `yaml:"when,omitempty"`
}

// WhenDefinition names the hint and predicate guarding an edge.
type WhenDefinition struct {
	Hint      string `yaml:"hint,omitempty"`
	Predicate string `yaml:"predicate,omitempty"`
}

// Parse decodes and validates a YAML graph definition. Named predicates are
// resolved against preds, or DefaultPredicates when preds is nil.
func Parse(data []byte, hints HintSet, preds map[string]Predicate) (*Graph, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.NewGraphConfigurationError("", "definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.NewValidationError("decode graph definition").WithCause(err)
	}
	return def.Build(hints, preds)
}

// Load reads a YAML graph definition from r.
func Load(r io.Reader, hints HintSet, preds map[string]Predicate) (*Graph, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read graph definition: %w", err)
	}
	return Parse(data, hints, preds)
}

// LoadFile reads a YAML graph definition from path.
func LoadFile(path string, hints HintSet, preds map[string]Predicate) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph definition %s: %w", path, err)
	}
	g, err := Parse(data, hints, preds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Build converts the definition into a validated Graph.
func (d Definition) Build(hints HintSet, preds map[string]Predicate) (*Graph, error) {
	if preds == nil {
		preds = DefaultPredicates()
	}

	b := NewBuilder(hints)
	for _, n := range d.Nodes {
		b.AddNode(n.ID, state.Role(n.Role), n.Iterates)
	}
	for _, n := range d.Nodes {
		for _, e := range n.Edges {
			cond, err := e.condition(preds)
			if err != nil {
				return nil, errors.NewGraphConfigurationError(n.ID, err.Error())
			}
			b.AddEdge(n.ID, e.To, cond)
		}
	}
	return b.SetStart(d.Start).Build()
}

func (e EdgeDefinition) condition(preds map[string]Predicate) (Condition, error) {
	if e.When == nil {
		return Always, nil
	}
	if e.When.Predicate == "" {
		if e.When.Hint == "" {
			return Always, nil
		}
		return OnHint(e.When.Hint), nil
	}
	pred, ok := preds[e.When.Predicate]
	if !ok {
		return Condition{}, fmt.Errorf("unknown predicate %q", e.When.Predicate)
	}
	return When(e.When.Hint, e.When.Predicate, pred), nil
}

// Definition returns the YAML form of g. Predicate names survive the round
// trip only for conditions built with When.
func (g *Graph) Definition() Definition {
	def := Definition{Start: g.start}
	for _, n := range g.Nodes() {
		nd := NodeDefinition{ID: n.ID, Role: string(n.Role), Iterates: n.Iterates}
		for _, e := range n.Edges {
			ed := EdgeDefinition{To: e.To}
			if !e.Condition.IsAlways() {
				w := &WhenDefinition{Hint: e.Condition.Hint}
				if e.Condition.Pred != nil {
					w.Predicate = predicateName(e.Condition)
				}
				ed.When = w
			}
			nd.Edges = append(nd.Edges, ed)
		}
		def.Nodes = append(def.Nodes, nd)
	}
	return def
}

func predicateName(c Condition) string {
	prefix := c.Hint + " && "
	if c.Hint != "" && len(c.Name) > len(prefix) && c.Name[:len(prefix)] == prefix {
		return c.Name[len(prefix):]
	}
	return c.Name
}
