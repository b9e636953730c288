package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newActionCommand() *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "action NODE ACTION",
		Short: "Dispatch an action to a node",
		Long: `Dispatch an action to a node, bypassing its control policy.

The action must be declared by the node's task schema and is admitted by
the configured policies like any automatic dispatch.`,
		Example: `  # Approve a pending gate
  flowplane action publish-gate approve

  # Restart a job with parameters
  flowplane action load-warehouse start --param source=/data/out`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			values, err := parsePayload(params)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, runtimeOptions{engine: true, nats: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			result, err := rt.service.ExecuteActionByID(ctx, args[0], args[1], values)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"node":   args[0],
					"action": args[1],
					"result": result,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", args[0], args[1], result)
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&params, "param", nil, "action parameter as key=value (repeatable)")
	return cmd
}

func newSchemasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schemas",
		Short: "List registered task types",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			schemas := rt.schemas.List()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), schemas)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tACTIONS\tSTATES\tEVENTS")
			for _, s := range schemas {
				actions := make([]string, 0, len(s.Actions))
				for name := range s.Actions {
					actions = append(actions, name)
				}
				states := make([]string, 0, len(s.States))
				for name := range s.States {
					states = append(states, name)
				}
				events := make([]string, 0, len(s.Events))
				for _, e := range s.Events {
					events = append(events, e.Name)
				}
				sort.Strings(actions)
				sort.Strings(states)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Type,
					orDash(strings.Join(actions, ",")), orDash(strings.Join(states, ",")), orDash(strings.Join(events, ",")))
			}
			return w.Flush()
		},
	}
}

func newDispatchesCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dispatches NODE",
		Short: "Show the action dispatch history of a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			records, err := rt.store.ListDispatches(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTION\tPROTOCOL\tOUTCOME\tDURATION\tERROR")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CreatedAt.Format("2006-01-02 15:04:05"), r.Action, r.Protocol, r.Outcome,
					r.Duration.Round(time.Millisecond), orDash(r.Error))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of records")
	return cmd
}
