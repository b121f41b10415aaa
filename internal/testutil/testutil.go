// Package testutil provides fakes shared by the agent, engine and CLI
// tests.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/ragents/internal/llm"
	"github.com/Iron-Ham/ragents/internal/tools"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at a fixed date.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reply is a scripted model answer, chosen when the prompt contains Match.
type Reply struct {
	Match string
	Text  string
	Err   error
}

// Generator is a scripted llm.Generator. The first reply whose Match is
// contained in the prompt wins; an empty Match matches anything.
type Generator struct {
	mu      sync.Mutex
	replies []Reply
	prompts []string
}

var _ llm.Generator = (*Generator)(nil)

// NewGenerator creates a scripted generator.
func NewGenerator(replies ...Reply) *Generator {
	return &Generator{replies: replies}
}

// Generate implements llm.Generator.
func (g *Generator) Generate(_ context.Context, prompt string, _ ...llm.Option) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	for _, r := range g.replies {
		if strings.Contains(prompt, r.Match) {
			return r.Text, r.Err
		}
	}
	return "", nil
}

// Prompts returns the prompts seen so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// SearchTool is a fake retrieval tool answering from a query→items table
// and counting calls.
type SearchTool struct {
	ToolName string

	mu      sync.Mutex
	answers map[string][]tools.Item
	errs    map[string][]error // consumed one per call, front first
	calls   map[string]int
}

// NewSearchTool creates an empty fake tool.
func NewSearchTool(name string) *SearchTool {
	return &SearchTool{
		ToolName: name,
		answers:  make(map[string][]tools.Item),
		errs:     make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// Answer registers the items returned for query.
func (t *SearchTool) Answer(query string, items ...tools.Item) *SearchTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers[query] = items
	return t
}

// FailNext queues errors returned by the next calls for query.
func (t *SearchTool) FailNext(query string, errs ...error) *SearchTool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs[query] = append(t.errs[query], errs...)
	return t
}

// Calls returns how often query was searched.
func (t *SearchTool) Calls(query string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[query]
}

// Name implements tools.Tool.
func (t *SearchTool) Name() string { return t.ToolName }

// Search implements tools.Tool.
func (t *SearchTool) Search(ctx context.Context, req tools.Request) (tools.Result, error) {
	if err := ctx.Err(); err != nil {
		return tools.Result{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[req.Query]++
	if q := t.errs[req.Query]; len(q) > 0 {
		t.errs[req.Query] = q[1:]
		return tools.Result{}, q[0]
	}
	return tools.Result{Items: t.answers[req.Query]}, nil
}
