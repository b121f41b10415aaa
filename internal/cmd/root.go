package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ragents/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ragents",
	Short: "Multi-agent research workflows",
	Long: `ragents runs research tasks through a graph of agents: a coordinator
triages the request, a planner breaks it into subtasks, a researcher
gathers sources and a rapporteur writes the report.

Every step is checkpointed, so paused or interrupted runs can be
resumed, inspected and watched from another terminal.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is $HOME/.config/ragents/config.yaml)")
	flags.String("data-dir", "", "directory for checkpoints, memory and logs")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	bindFlag("config", flags.Lookup("config"))
	bindFlag("paths.data_dir", flags.Lookup("data-dir"))
	bindFlag("logging.level", flags.Lookup("log-level"))
}

type flagBinding struct {
	key  string
	flag *pflag.Flag
}

// flagBindings are applied to viper on every invocation.
var flagBindings []flagBinding

// bindFlag makes flag override the configuration key when it is set.
func bindFlag(key string, flag *pflag.Flag) {
	flagBindings = append(flagBindings, flagBinding{key: key, flag: flag})
}

func initConfig() {
	for _, b := range flagBindings {
		_ = viper.BindPFlag(b.key, b.flag)
	}

	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	// RAGENTS_ENGINE_MAX_ITERATIONS overrides engine.max_iterations
	config.BindEnv()

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
