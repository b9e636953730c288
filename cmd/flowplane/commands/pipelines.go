package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/flowplane/pkg/engine"
)

func newSubmitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit FILE...",
		Short: "Validate and store pipelines",
		Long: `Validate pipeline documents (YAML, JSON or CUE) and store their nodes.

Each document is checked against the pipeline definition, the registered
task schemas and its expressions before any node is written. Resubmitting
a pipeline replaces its nodes and drops the ones no longer declared.`,
		Example: `  flowplane submit pipelines/etl.yaml
  flowplane submit pipelines/*.cue --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			var submitted []*engine.Pipeline
			for _, path := range args {
				p, err := rt.service.SubmitFile(ctx, path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				log.Info().Str("file", path).Str("pipeline", p.ID).Int("nodes", len(p.Nodes)).Msg("Pipeline submitted")
				submitted = append(submitted, p)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), submitted)
			}
			for _, p := range submitted {
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s (%d nodes)\n", p.ID, len(p.Nodes))
			}
			return nil
		},
	}
	return cmd
}

func newValidateCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a pipeline without storing it",
		Long: `Validate a pipeline document and print its dependency levels.

Nodes on the same level can start in parallel; a node depends on every
node its startWhen expression reads.`,
		Example: `  flowplane validate pipelines/etl.yaml
  flowplane validate pipelines/etl.yaml --dot etl.dot`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			p, graph, err := rt.service.ValidateFile(ctx, args[0])
			if err != nil {
				return err
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"pipeline": p.ID,
					"levels":   graph.Levels,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s is valid (%d nodes)\n", p.ID, len(p.Nodes))
			for i, level := range graph.Levels {
				fmt.Fprintf(out, "  level %d: %s\n", i, strings.Join(level, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PIPELINE",
		Short: "Deactivate every node of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			if err := rt.service.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newNodesCommand() *cobra.Command {
	var pipelineID string

	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List active nodes and their observed status",
		Example: `  flowplane nodes
  flowplane nodes --pipeline etl --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			nodes, err := rt.service.Nodes(ctx, pipelineID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), nodes)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PIPELINE\tNODE\tTYPE\tSTATUS\tUPDATED")
			for _, n := range nodes {
				updated := "-"
				if !n.UpdatedAt.IsZero() {
					updated = n.UpdatedAt.Format("2006-01-02 15:04:05")
				}
				status := n.Status
				if status == "" {
					status = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n.PipelineID, n.ID, n.TaskConfig.TaskType, status, updated)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&pipelineID, "pipeline", "p", "", "only list nodes of this pipeline")
	return cmd
}
