package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the workflow graph",
	Long: `Print the workflow graph as a Mermaid flowchart or as a YAML definition.

Without --file the configured graph (engine.graph_file) is used, falling
back to the built-in research graph. The YAML output is a valid graph
file and a starting point for custom graphs.`,
	Args: cobra.NoArgs,
	RunE: runGraph,
}

var (
	graphFile   string
	graphFormat string
)

func init() {
	rootCmd.AddCommand(graphCmd)

	graphCmd.Flags().StringVar(&graphFile, "file", "", "Graph definition to load and validate")
	graphCmd.Flags().StringVar(&graphFormat, "format", "mermaid", "Output format (mermaid, yaml)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	path := graphFile
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Engine.GraphFile
	}
	g, err := loadGraph(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch graphFormat {
	case "mermaid":
		fmt.Fprint(out, g.Mermaid())
		return nil
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(g.Definition()); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (use mermaid or yaml)", graphFormat)
	}
}
