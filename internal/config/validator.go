package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Checkpoint backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "engine.retry_limit")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidBackends returns the list of checkpoint backends
func ValidBackends() []string {
	return []string{BackendFile, BackendSQLite, BackendMemory}
}

// ValidApprovalModes returns the list of approval modes
func ValidApprovalModes() []string {
	return []string{"never", "always", "first_plan", "min_subtasks"}
}

// ValidReportFormats returns the formats the final report can be rendered in
func ValidReportFormats() []string {
	return []string{"markdown", "html"}
}

// ValidSources returns the research tools a plan may name
func ValidSources() []string {
	return []string{"tavily", "arxiv", "fetch"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, c.validateEngine()...)
	errs = append(errs, c.validateMemory()...)
	errs = append(errs, c.validateCheckpoint()...)
	errs = append(errs, c.validateResearch()...)
	errs = append(errs, c.validatePlanner()...)
	errs = append(errs, c.validateApproval()...)
	errs = append(errs, c.validateReport()...)
	errs = append(errs, c.validateLLM()...)
	errs = append(errs, c.validateSearch()...)
	errs = append(errs, c.validateEvents()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validatePaths()...)
	return errs
}

type checker struct {
	errs []ValidationError
}

func (k *checker) add(field string, value any, msg string, args ...any) {
	k.errs = append(k.errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(msg, args...)})
}

func (k *checker) positive(field string, v int) {
	if v <= 0 {
		k.add(field, v, "must be positive")
	}
}

func (k *checker) nonNegative(field string, v int) {
	if v < 0 {
		k.add(field, v, "must be non-negative")
	}
}

func (k *checker) unit(field string, v float64) {
	if v < 0 || v > 1 {
		k.add(field, v, "must be between 0 and 1")
	}
}

func (k *checker) oneOf(field, v string, valid []string) {
	if !slices.Contains(valid, v) {
		k.add(field, v, "must be one of: %s", strings.Join(valid, ", "))
	}
}

func (k *checker) duration(field string, v time.Duration) {
	if v < 0 {
		k.add(field, v, "must be non-negative")
	}
}

func (c *Config) validateEngine() []ValidationError {
	var k checker
	e := c.Engine
	k.positive("engine.max_iterations", e.MaxIterations)
	const maxIterations = 1000
	if e.MaxIterations > maxIterations {
		k.add("engine.max_iterations", e.MaxIterations, "exceeds maximum of %d", maxIterations)
	}
	k.positive("engine.retry_limit", e.RetryLimit)
	k.positive("engine.save_attempts", e.SaveAttempts)
	k.unit("engine.relevance_threshold", e.RelevanceThreshold)
	k.duration("engine.per_node_timeout", e.PerNodeTimeout)
	k.duration("engine.backoff_initial", e.BackoffInitial)
	k.duration("engine.backoff_max", e.BackoffMax)
	if e.BackoffMax > 0 && e.BackoffInitial > e.BackoffMax {
		k.add("engine.backoff_initial", e.BackoffInitial, "must not exceed engine.backoff_max (%s)", e.BackoffMax)
	}
	return k.errs
}

func (c *Config) validateMemory() []ValidationError {
	var k checker
	m := c.Memory
	k.unit("memory.similarity_threshold", m.SimilarityThreshold)
	k.positive("memory.limit", m.Limit)
	k.duration("memory.max_age", m.MaxAge)
	k.nonNegative("memory.max_entries", m.MaxEntries)
	return k.errs
}

func (c *Config) validateCheckpoint() []ValidationError {
	var k checker
	k.oneOf("checkpoint.backend", c.Checkpoint.Backend, ValidBackends())
	k.positive("checkpoint.keep_revisions", c.Checkpoint.KeepRevisions)
	return k.errs
}

func (c *Config) validateResearch() []ValidationError {
	var k checker
	r := c.Research
	k.positive("research.batch_size", r.BatchSize)
	k.positive("research.concurrency", r.Concurrency)
	k.positive("research.max_results", r.MaxResults)
	k.nonNegative("research.max_replans", r.MaxReplans)
	k.unit("research.min_relevance", r.MinRelevance)
	return k.errs
}

func (c *Config) validatePlanner() []ValidationError {
	var k checker
	p := c.Planner
	k.positive("planner.max_subtasks", p.MaxSubtasks)
	k.positive("planner.max_queries", p.MaxQueries)
	if len(p.Sources) == 0 {
		k.add("planner.sources", p.Sources, "must name at least one source")
	}
	for i, s := range p.Sources {
		k.oneOf(fmt.Sprintf("planner.sources[%d]", i), s, ValidSources())
	}
	if p.DefaultSource != "" && len(p.Sources) > 0 && !slices.Contains(p.Sources, p.DefaultSource) {
		k.add("planner.default_source", p.DefaultSource, "must be one of planner.sources")
	}
	return k.errs
}

func (c *Config) validateApproval() []ValidationError {
	var k checker
	a := c.Approval
	k.oneOf("approval.mode", a.Mode, ValidApprovalModes())
	if a.Mode == "min_subtasks" {
		k.positive("approval.min_subtasks", a.MinSubtasks)
	}
	return k.errs
}

func (c *Config) validateReport() []ValidationError {
	var k checker
	k.oneOf("report.format", c.Report.Format, ValidReportFormats())
	return k.errs
}

func (c *Config) validateLLM() []ValidationError {
	var k checker
	if strings.TrimSpace(c.LLM.Model) == "" {
		k.add("llm.model", c.LLM.Model, "must not be empty")
	}
	if c.LLM.BaseURL != "" && !hasScheme(c.LLM.BaseURL, "http://", "https://") {
		k.add("llm.base_url", c.LLM.BaseURL, "must be an http(s) URL")
	}
	k.duration("llm.timeout", c.LLM.Timeout)
	return k.errs
}

func (c *Config) validateSearch() []ValidationError {
	var k checker
	s := c.Search
	k.duration("search.timeout", s.Timeout)
	if s.Tavily.Depth != "" {
		k.oneOf("search.tavily.depth", s.Tavily.Depth, []string{"basic", "advanced"})
	}
	for _, ep := range []struct{ field, url string }{
		{"search.tavily.endpoint", s.Tavily.Endpoint},
		{"search.arxiv.endpoint", s.Arxiv.Endpoint},
	} {
		if ep.url != "" && !hasScheme(ep.url, "http://", "https://") {
			k.add(ep.field, ep.url, "must be an http(s) URL")
		}
	}
	k.nonNegative("search.fetch.max_content", s.Fetch.MaxContent)
	return k.errs
}

func (c *Config) validateEvents() []ValidationError {
	var k checker
	e := c.Events
	if e.NATSURL != "" && !hasScheme(e.NATSURL, "nats://", "tls://", "ws://", "wss://") {
		k.add("events.nats_url", e.NATSURL, "must be a nats://, tls://, ws:// or wss:// URL")
	}
	// Subjects are dot-separated tokens without wildcards.
	if e.SubjectPrefix != "" {
		if strings.ContainsAny(e.SubjectPrefix, "*> \t") || strings.HasPrefix(e.SubjectPrefix, ".") ||
			strings.HasSuffix(e.SubjectPrefix, ".") || strings.Contains(e.SubjectPrefix, "..") {
			k.add("events.subject_prefix", e.SubjectPrefix, "must be a literal NATS subject")
		}
	}
	return k.errs
}

func (c *Config) validateLogging() []ValidationError {
	var k checker
	l := c.Logging
	if l.Level != "" {
		k.oneOf("logging.level", strings.ToLower(l.Level), ValidLogLevels())
	}
	k.nonNegative("logging.max_size_mb", l.MaxSizeMB)
	const maxLogSizeMB = 1000
	if l.MaxSizeMB > maxLogSizeMB {
		k.add("logging.max_size_mb", l.MaxSizeMB, "exceeds maximum of %dMB", maxLogSizeMB)
	}
	k.nonNegative("logging.max_backups", l.MaxBackups)
	return k.errs
}

func (c *Config) validatePaths() []ValidationError {
	var k checker
	path := c.Paths.DataDir
	if strings.ContainsRune(path, '\x00') {
		k.add("paths.data_dir", path, "path contains invalid null character")
	}
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		k.add("paths.data_dir", path, "path exceeds maximum length of %d characters", maxPathLength)
	}
	return k.errs
}

func hasScheme(url string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(strings.ToLower(url), s) {
			return true
		}
	}
	return false
}
