package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/ragents/internal/errors"
)

// Request is the argument of one tool call.
type Request struct {
	Query      string
	MaxResults int
}

// Item is one retrieved document.
type Item struct {
	Title     string
	URL       string
	Content   string
	Score     float64 // 0 when the backend reports no relevance
	Published string
}

// Result is the outcome of one tool call.
type Result struct {
	Tool  string
	Query string
	Items []Item
}

// Best returns the highest scoring item, preferring earlier items on ties.
func (r Result) Best() (Item, bool) {
	if len(r.Items) == 0 {
		return Item{}, false
	}
	best := r.Items[0]
	for _, it := range r.Items[1:] {
		if it.Score > best.Score {
			best = it
		}
	}
	return best, true
}

// Tool is a retrieval backend.
type Tool interface {
	Name() string
	Search(ctx context.Context, req Request) (Result, error)
}

// Executor runs named tools. Failures are errors.ToolError values that
// carry their retry classification.
type Executor interface {
	Execute(ctx context.Context, tool string, req Request) (Result, error)
}

// Registry is an Executor over registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[strings.ToLower(t.Name())] = t
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[strings.ToLower(name)]
	return ok
}

// Execute implements Executor.
func (r *Registry) Execute(ctx context.Context, name string, req Request) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return Result{}, errors.NewToolError(name, fmt.Sprintf("unknown tool (registered: %s)", strings.Join(r.Names(), ", ")), nil)
	}
	if strings.TrimSpace(req.Query) == "" {
		return Result{}, errors.NewToolError(name, "empty query", errors.ErrInvalidInput)
	}
	if req.MaxResults <= 0 {
		req.MaxResults = DefaultMaxResults
	}
	res, err := t.Search(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res.Tool = t.Name()
	res.Query = req.Query
	return res, nil
}

// DefaultMaxResults is used when a request does not set MaxResults.
const DefaultMaxResults = 3

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, req Request) (Result, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ToolName }

// Search implements Tool.
func (f Func) Search(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}
