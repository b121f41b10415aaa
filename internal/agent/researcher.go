package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/ragents/internal/errors"
	"github.com/Iron-Ham/ragents/internal/graph"
	"github.com/Iron-Ham/ragents/internal/logging"
	"github.com/Iron-Ham/ragents/internal/memory"
	"github.com/Iron-Ham/ragents/internal/state"
	"github.com/Iron-Ham/ragents/internal/tools"
)

// ResearcherConfig tunes a research round.
type ResearcherConfig struct {
	BatchSize    int     // subtasks per invocation
	Concurrency  int     // subtasks researched in parallel
	MaxResults   int     // items requested per query
	MaxReplans   int     // plan revisions allowed after a fruitless round
	MinRelevance float64 // used when the run sets no relevance threshold
}

// DefaultResearcherConfig returns the researcher defaults.
func DefaultResearcherConfig() ResearcherConfig {
	return ResearcherConfig{BatchSize: 3, Concurrency: 4, MaxResults: tools.DefaultMaxResults, MaxReplans: 1, MinRelevance: 0.3}
}

// Researcher answers the open subtasks of the plan, consulting the memory
// store before any external tool.
type Researcher struct {
	exec   tools.Executor
	mem    *memory.Store
	cfg    ResearcherConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewResearcher creates a Researcher. mem may be nil to disable memory.
func NewResearcher(exec tools.Executor, mem *memory.Store, cfg ResearcherConfig, logger *logging.Logger) *Researcher {
	def := DefaultResearcherConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = def.MinRelevance
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Researcher{
		exec:   exec,
		mem:    mem,
		cfg:    cfg,
		logger: logger.WithRole(string(state.RoleResearcher)),
		now:    time.Now,
	}
}

// Role implements Agent.
func (r *Researcher) Role() state.Role { return state.RoleResearcher }

// Hints implements Agent.
func (r *Researcher) Hints() []string { return graph.DefaultHints()[state.RoleResearcher] }

type outcome struct {
	update state.SubtaskUpdate
	notes  []state.Note
}

// Invoke implements Agent.
func (r *Researcher) Invoke(ctx context.Context, s state.WorkflowState) (Result, error) {
	open := s.SubtasksWithStatus(state.SubtaskPending, state.SubtaskInProgress)
	if len(open) == 0 {
		return Result{Hint: r.nextHint(s, 0, 0)}, nil
	}
	batch := open[:min(len(open), r.cfg.BatchSize)]

	threshold := s.Config.RelevanceThreshold
	if threshold <= 0 {
		threshold = r.cfg.MinRelevance
	}
	policy := tools.RetryPolicy{
		Attempts: max(s.Config.RetryLimit, 1),
		Initial:  s.Config.BackoffInitial,
		Max:      s.Config.BackoffMax,
	}

	results := make([]outcome, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, st := range batch {
		g.Go(func() error {
			out, err := r.research(gctx, st, threshold, policy)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var (
		d        state.Delta
		failures []string
		done     int
	)
	for _, out := range results {
		d.SubtaskUpdates = append(d.SubtaskUpdates, out.update)
		d.Notes = append(d.Notes, out.notes...)
		if out.update.Status == state.SubtaskDone {
			done++
		} else {
			failures = append(failures, fmt.Sprintf("%s: %s", out.update.ID, out.update.Reason))
		}
	}
	if len(failures) > 0 {
		d.LastError = state.Ptr("research failed for " + strings.Join(failures, "; "))
	}

	hint := r.nextHint(s, len(open)-len(batch), done)
	r.logger.Info("research round finished",
		"subtasks", len(batch), "done", done, "failed", len(failures), "notes", len(d.Notes), "hint", hint)
	return Result{Delta: d, Hint: hint}, nil
}

// nextHint decides where the run goes after this round.
func (r *Researcher) nextHint(s state.WorkflowState, remaining, newlyDone int) string {
	switch {
	case remaining > 0:
		return graph.HintContinue
	case s.DoneCount()+newlyDone == 0 && s.PlanVersion() < r.cfg.MaxReplans+1:
		return graph.HintReplan
	default:
		return graph.HintSufficient
	}
}

// research runs every query of one subtask. Query failures are isolated
// into the subtask's outcome; only cancellation is returned as an error.
func (r *Researcher) research(ctx context.Context, st state.Subtask, threshold float64, policy tools.RetryPolicy) (outcome, error) {
	var (
		notes  []state.Note
		best   float64
		errMsg []string
	)
	for _, q := range st.Queries {
		entry, cached, err := r.retrieve(ctx, st.Source, q, policy)
		if err != nil {
			if ctx.Err() != nil {
				return outcome{}, ctx.Err()
			}
			r.logger.Warn("query failed", "subtask", st.ID, "query", q, "error", err)
			errMsg = append(errMsg, fmt.Sprintf("%q: %v", q, err))
			continue
		}
		rel := entry.Payload.Relevance
		best = max(best, rel)
		r.logger.Debug("query answered", "subtask", st.ID, "query", q, "cached", cached, "relevance", rel)
		if rel < threshold {
			continue
		}
		notes = append(notes, state.Note{
			Fingerprint: entry.Fingerprint,
			Query:       entry.Query,
			Title:       entry.Payload.Title,
			SourceRef:   entry.Payload.SourceRef,
			Content:     entry.Payload.Content,
			Relevance:   rel,
			RetrievedAt: entry.CreatedAt,
			Subtasks:    []string{st.ID},
		})
	}

	out := outcome{notes: notes, update: state.SubtaskUpdate{ID: st.ID, Status: state.SubtaskDone}}
	switch {
	case len(notes) > 0:
	case len(errMsg) > 0:
		out.update.Status = state.SubtaskFailed
		out.update.Reason = "retrieval failed: " + strings.Join(errMsg, "; ")
	default:
		out.update.Status = state.SubtaskFailed
		out.update.Reason = fmt.Sprintf("best relevance %.2f below threshold %.2f", best, threshold)
	}
	return out, nil
}

// retrieve answers one query from memory, or fetches it through the tool
// with retries and stores the best item.
func (r *Researcher) retrieve(ctx context.Context, source, query string, policy tools.RetryPolicy) (memory.Entry, bool, error) {
	fetch := func(ctx context.Context) (memory.Payload, error) {
		res, err := tools.ExecuteWithRetry(ctx, r.exec, source,
			tools.Request{Query: query, MaxResults: r.cfg.MaxResults}, policy,
			func(err error, delay time.Duration) {
				r.logger.Warn("retrying tool call", "tool", source, "query", query, "delay", delay, "error", err)
			})
		if err != nil {
			return memory.Payload{}, err
		}
		return bestPayload(query, res)
	}

	if r.mem != nil {
		return r.mem.Fetch(ctx, query, fetch)
	}
	p, err := fetch(ctx)
	if err != nil {
		return memory.Entry{}, false, err
	}
	return memory.Entry{Fingerprint: memory.Fingerprint(query), Query: query, Payload: p, CreatedAt: r.now()}, false, nil
}

// bestPayload picks the most relevant item. Relevance is the higher of the
// backend score and the lexical similarity of the query to the item.
func bestPayload(query string, res tools.Result) (memory.Payload, error) {
	var (
		best  memory.Payload
		found bool
	)
	for _, it := range res.Items {
		if strings.TrimSpace(it.Content) == "" && strings.TrimSpace(it.Title) == "" {
			continue
		}
		rel := max(it.Score, memory.Similarity(query, it.Title), memory.Similarity(query, it.Content))
		rel = min(rel, 1)
		if !found || rel > best.Relevance {
			best = memory.Payload{SourceRef: it.URL, Title: it.Title, Content: it.Content, Relevance: rel}
			found = true
		}
	}
	if !found {
		return memory.Payload{}, errors.NewToolError(res.Tool, "no results", nil)
	}
	return best, nil
}
