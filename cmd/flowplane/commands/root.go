package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "flowplane",
		Short: "Flowplane - reactive pipeline control plane",
		Long: `Flowplane drives data pipelines from the events their tasks emit.

Each pipeline node declares when it starts and how it reacts to events
through expressions over the event and the state of its sibling nodes.
The control plane evaluates those rules for every incoming event and
dispatches actions to task runtimes over HTTP, gRPC or in-process
handlers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newNodesCommand())
	rootCmd.AddCommand(newEmitCommand())
	rootCmd.AddCommand(newActionCommand())
	rootCmd.AddCommand(newSchemasCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newDispatchesCommand())

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
