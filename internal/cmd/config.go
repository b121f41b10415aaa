package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ragents/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify ragents configuration",
	Long: `View or modify ragents configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show [pattern]",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration: defaults, config file, environment and
flags combined. An optional glob narrows the keys, for example 'engine.*'
or '*.timeout'. API keys are masked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  ragents config set engine.max_iterations 30
  ragents config set approval.mode always
  ragents config set checkpoint.backend sqlite
  ragents config set search.tavily.api_key tvly-...

The resulting configuration is validated before it is written.
Run 'ragents config show' to list every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/ragents/config.yaml with the most used options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// settingKeys are configuration keys; flag-only keys are excluded.
func settingKeys(pattern string) ([]string, error) {
	keys, err := config.Keys(pattern)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(keys, func(k string) bool { return k == "config" }), nil
}

func isSecret(key string) bool {
	return strings.HasSuffix(key, "api_key")
}

// settingValue returns the value of key as it should be displayed.
func settingValue(key string) any {
	v := viper.Get(key)
	if isSecret(key) {
		if s := viper.GetString(key); s != "" {
			return maskSecret(s)
		}
		return ""
	}
	if d, ok := v.(time.Duration); ok {
		return d.String()
	}
	return v
}

func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

// nestSettings turns dotted keys into the nested maps of a YAML document.
func nestSettings(keys []string) map[string]any {
	root := map[string]any{}
	for _, key := range keys {
		parts := strings.Split(key, ".")
		m := root
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = settingValue(key)
	}
	return root
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}
	keys, err := settingKeys(pattern)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		return fmt.Errorf("no configuration keys match %q", pattern)
	}

	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	data, err := yaml.Marshal(nestSettings(keys))
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := strings.ToLower(args[0])
	value := args[1]

	keys, err := settingKeys("")
	if err != nil {
		return err
	}
	if !slices.Contains(keys, key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'ragents config show' to see valid keys", key)
	}

	// Lists are given comma separated.
	var typed any = value
	if _, isList := viper.Get(key).([]string); isList {
		typed = strings.Split(value, ",")
	}

	previous := viper.Get(key)
	viper.Set(key, typed)
	if _, err := config.Load(); err != nil {
		viper.Set(key, previous)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = config.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	shown := value
	if isSecret(key) {
		shown = maskSecret(value)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", configFile)
	return nil
}

const configTemplate = `# ragents configuration
# Every key can also be set through RAGENTS_<SECTION>_<KEY>,
# e.g. RAGENTS_LLM_API_KEY or RAGENTS_ENGINE_MAX_ITERATIONS.

engine:
  # Planner and researcher executions allowed per run
  max_iterations: 20
  # Time limit for a single agent execution
  per_node_timeout: 2m
  # Retries of a failing node before the run fails
  retry_limit: 3
  # Custom workflow graph (YAML); empty uses the built-in research graph
  graph_file: ""

# When to pause for plan approval: never, always, first_plan, min_subtasks
approval:
  mode: first_plan
  min_subtasks: 3

# Report output format: markdown, html
report:
  format: markdown

# Where run checkpoints live: file, sqlite, memory
checkpoint:
  backend: file
  keep_revisions: 10

llm:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key: ""

search:
  tavily:
    api_key: ""
    depth: basic
  arxiv:
    enabled: true
  fetch:
    enabled: true

memory:
  # Reuse research across runs
  persist: true
  similarity_threshold: 0.8

logging:
  enabled: true
  level: info
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'ragents config set' to modify values", configFile)
	}
	if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	fmt.Fprintln(cmd.OutOrStdout(), "Edit this file to set your API keys and customize ragents.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_ENGINE_MAX_ITERATIONS)\n", config.EnvPrefix, config.EnvPrefix)
	return nil
}
