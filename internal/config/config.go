package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. RAGENTS_LLM_MODEL for
// llm.model.
const EnvPrefix = "RAGENTS"

// Config represents the complete ragents configuration
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Research   ResearchConfig   `mapstructure:"research"`
	Planner    PlannerConfig    `mapstructure:"planner"`
	Approval   ApprovalConfig   `mapstructure:"approval"`
	Report     ReportConfig     `mapstructure:"report"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Search     SearchConfig     `mapstructure:"search"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// EngineConfig holds the per-run defaults applied by the engine
type EngineConfig struct {
	// MaxIterations caps planner and researcher executions per run
	MaxIterations int `mapstructure:"max_iterations"`
	// PerNodeTimeout bounds one agent invocation; a timeout is retried
	PerNodeTimeout time.Duration `mapstructure:"per_node_timeout"`
	// RetryLimit is the number of attempts per node, including the first
	RetryLimit int `mapstructure:"retry_limit"`
	// RelevanceThreshold is the minimum relevance of a stored research note
	RelevanceThreshold float64 `mapstructure:"relevance_threshold"`
	// BackoffInitial and BackoffMax bound the exponential retry delay
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// SaveAttempts is how often a checkpoint save is tried before the run fails
	SaveAttempts int `mapstructure:"save_attempts"`
	// GraphFile optionally replaces the built-in research graph with a YAML definition
	GraphFile string `mapstructure:"graph_file"`
}

// MemoryConfig controls the retrieval memory shared by runs
type MemoryConfig struct {
	// Persist writes entries to memory.db under the data directory
	Persist bool `mapstructure:"persist"`
	// SimilarityThreshold is the minimum similarity of a lookup hit
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	// Limit caps matches returned by one lookup
	Limit int `mapstructure:"limit"`
	// MaxAge expires entries from lookups (0 = never)
	MaxAge time.Duration `mapstructure:"max_age"`
	// MaxEntries bounds the in-memory entry count (0 = unbounded)
	MaxEntries int `mapstructure:"max_entries"`
}

// CheckpointConfig selects the checkpoint backend
type CheckpointConfig struct {
	// Backend is one of "file", "sqlite" or "memory"
	Backend string `mapstructure:"backend"`
	// KeepRevisions is how many revisions per run the sqlite backend retains
	KeepRevisions int `mapstructure:"keep_revisions"`
}

// ResearchConfig controls the researcher agent
type ResearchConfig struct {
	BatchSize    int     `mapstructure:"batch_size"`
	Concurrency  int     `mapstructure:"concurrency"`
	MaxResults   int     `mapstructure:"max_results"`
	MaxReplans   int     `mapstructure:"max_replans"`
	MinRelevance float64 `mapstructure:"min_relevance"`
}

// PlannerConfig controls plan size and the sources subtasks may use
type PlannerConfig struct {
	MaxSubtasks   int      `mapstructure:"max_subtasks"`
	MaxQueries    int      `mapstructure:"max_queries"`
	Sources       []string `mapstructure:"sources"`
	DefaultSource string   `mapstructure:"default_source"`
}

// ApprovalConfig decides which plans wait for a human
type ApprovalConfig struct {
	// Mode is one of "never", "always", "first_plan" or "min_subtasks"
	Mode string `mapstructure:"mode"`
	// MinSubtasks is the plan size that requires approval in min_subtasks mode
	MinSubtasks int `mapstructure:"min_subtasks"`
}

// ReportConfig controls the final report
type ReportConfig struct {
	// Format is markdown or html
	Format string `mapstructure:"format"`
}

// LLMConfig configures the OpenAI-compatible model endpoint
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SearchConfig configures the research tools
type SearchConfig struct {
	// Timeout bounds one HTTP request of any tool
	Timeout time.Duration `mapstructure:"timeout"`
	Tavily  TavilyConfig  `mapstructure:"tavily"`
	Arxiv   ArxivConfig   `mapstructure:"arxiv"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
}

// TavilyConfig configures web search. The tool is registered when an API
// key is present.
type TavilyConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
	// Depth is "basic" or "advanced"
	Depth string `mapstructure:"depth"`
}

// ArxivConfig configures paper search
type ArxivConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// FetchConfig configures direct page retrieval
type FetchConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxContent truncates converted pages, in bytes
	MaxContent int `mapstructure:"max_content"`
}

// EventsConfig controls forwarding of run events
type EventsConfig struct {
	// NATSURL enables forwarding when set, e.g. nats://localhost:4222
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. :9090
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes logs to <data_dir>/logs/ragents.log; otherwise only
	// warnings reach stderr
	Enabled bool `mapstructure:"enabled"`
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// MaxSizeMB rotates the log file at this size
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// PathsConfig controls where run data lives
type PathsConfig struct {
	// DataDir holds checkpoints, the memory database and logs. Empty means
	// the default under the user's data directory. ~ is expanded.
	DataDir string `mapstructure:"data_dir"`
}

// ResolveDataDir returns the absolute data directory.
func (p *PathsConfig) ResolveDataDir() string {
	if p.DataDir == "" {
		return DefaultDataDir()
	}
	path := expandHome(p.DataDir)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// CheckpointDir is the file checkpoint backend's root.
func (p *PathsConfig) CheckpointDir() string {
	return filepath.Join(p.ResolveDataDir(), "runs")
}

// CheckpointDB is the sqlite checkpoint backend's database.
func (p *PathsConfig) CheckpointDB() string {
	return filepath.Join(p.ResolveDataDir(), "checkpoints.db")
}

// MemoryDB is the persisted memory database.
func (p *PathsConfig) MemoryDB() string {
	return filepath.Join(p.ResolveDataDir(), "memory.db")
}

// LogDir holds ragents.log and its backups.
func (p *PathsConfig) LogDir() string {
	return filepath.Join(p.ResolveDataDir(), "logs")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations:      20,
			PerNodeTimeout:     2 * time.Minute,
			RetryLimit:         3,
			RelevanceThreshold: 0.3,
			BackoffInitial:     500 * time.Millisecond,
			BackoffMax:         10 * time.Second,
			SaveAttempts:       3,
		},
		Memory: MemoryConfig{
			Persist:             true,
			SimilarityThreshold: 0.8,
			Limit:               5,
			MaxAge:              7 * 24 * time.Hour,
			MaxEntries:          10000,
		},
		Checkpoint: CheckpointConfig{
			Backend:       BackendFile,
			KeepRevisions: 10,
		},
		Research: ResearchConfig{
			BatchSize:    3,
			Concurrency:  4,
			MaxResults:   3,
			MaxReplans:   1,
			MinRelevance: 0.3,
		},
		Planner: PlannerConfig{
			MaxSubtasks:   5,
			MaxQueries:    3,
			Sources:       []string{"tavily", "arxiv", "fetch"},
			DefaultSource: "tavily",
		},
		Approval: ApprovalConfig{
			Mode:        "first_plan",
			MinSubtasks: 3,
		},
		Report: ReportConfig{
			Format: "markdown",
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 60 * time.Second,
		},
		Search: SearchConfig{
			Timeout: 20 * time.Second,
			Tavily:  TavilyConfig{Depth: "basic"},
			Arxiv:   ArxivConfig{Enabled: true},
			Fetch:   FetchConfig{Enabled: true, MaxContent: 20000},
		},
		Events: EventsConfig{
			SubjectPrefix: "ragents.events",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("engine.max_iterations", d.Engine.MaxIterations)
	viper.SetDefault("engine.per_node_timeout", d.Engine.PerNodeTimeout)
	viper.SetDefault("engine.retry_limit", d.Engine.RetryLimit)
	viper.SetDefault("engine.relevance_threshold", d.Engine.RelevanceThreshold)
	viper.SetDefault("engine.backoff_initial", d.Engine.BackoffInitial)
	viper.SetDefault("engine.backoff_max", d.Engine.BackoffMax)
	viper.SetDefault("engine.save_attempts", d.Engine.SaveAttempts)
	viper.SetDefault("engine.graph_file", d.Engine.GraphFile)

	viper.SetDefault("memory.persist", d.Memory.Persist)
	viper.SetDefault("memory.similarity_threshold", d.Memory.SimilarityThreshold)
	viper.SetDefault("memory.limit", d.Memory.Limit)
	viper.SetDefault("memory.max_age", d.Memory.MaxAge)
	viper.SetDefault("memory.max_entries", d.Memory.MaxEntries)

	viper.SetDefault("checkpoint.backend", d.Checkpoint.Backend)
	viper.SetDefault("checkpoint.keep_revisions", d.Checkpoint.KeepRevisions)

	viper.SetDefault("research.batch_size", d.Research.BatchSize)
	viper.SetDefault("research.concurrency", d.Research.Concurrency)
	viper.SetDefault("research.max_results", d.Research.MaxResults)
	viper.SetDefault("research.max_replans", d.Research.MaxReplans)
	viper.SetDefault("research.min_relevance", d.Research.MinRelevance)

	viper.SetDefault("planner.max_subtasks", d.Planner.MaxSubtasks)
	viper.SetDefault("planner.max_queries", d.Planner.MaxQueries)
	viper.SetDefault("planner.sources", d.Planner.Sources)
	viper.SetDefault("planner.default_source", d.Planner.DefaultSource)

	viper.SetDefault("approval.mode", d.Approval.Mode)
	viper.SetDefault("approval.min_subtasks", d.Approval.MinSubtasks)

	viper.SetDefault("report.format", d.Report.Format)

	viper.SetDefault("llm.base_url", d.LLM.BaseURL)
	viper.SetDefault("llm.api_key", d.LLM.APIKey)
	viper.SetDefault("llm.model", d.LLM.Model)
	viper.SetDefault("llm.timeout", d.LLM.Timeout)

	viper.SetDefault("search.timeout", d.Search.Timeout)
	viper.SetDefault("search.tavily.api_key", d.Search.Tavily.APIKey)
	viper.SetDefault("search.tavily.endpoint", d.Search.Tavily.Endpoint)
	viper.SetDefault("search.tavily.depth", d.Search.Tavily.Depth)
	viper.SetDefault("search.arxiv.enabled", d.Search.Arxiv.Enabled)
	viper.SetDefault("search.arxiv.endpoint", d.Search.Arxiv.Endpoint)
	viper.SetDefault("search.fetch.enabled", d.Search.Fetch.Enabled)
	viper.SetDefault("search.fetch.max_content", d.Search.Fetch.MaxContent)

	viper.SetDefault("events.nats_url", d.Events.NATSURL)
	viper.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)

	viper.SetDefault("metrics.addr", d.Metrics.Addr)

	viper.SetDefault("logging.enabled", d.Logging.Enabled)
	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)

	viper.SetDefault("paths.data_dir", d.Paths.DataDir)
}

// BindEnv makes every key overridable through RAGENTS_<SECTION>_<KEY>.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Keys returns the known configuration keys, sorted, narrowed by a glob
// pattern such as "engine.*" or "*.timeout" when pattern is set.
func Keys(pattern string) ([]string, error) {
	var g glob.Glob
	if pattern != "" {
		var err error
		if g, err = glob.Compile(pattern, '.'); err != nil {
			return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
		}
	}
	keys := []string{}
	for _, key := range viper.AllKeys() {
		if g == nil || g.Match(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragents")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragents"
	}
	return filepath.Join(home, ".config", "ragents")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultDataDir returns $XDG_DATA_HOME/ragents, falling back to
// ~/.local/share/ragents.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ragents")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragents"
	}
	return filepath.Join(home, ".local", "share", "ragents")
}
