package commands

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/ingress"
	"github.com/openfroyo/flowplane/pkg/stores"
)

func newEmitCommand() *cobra.Command {
	var (
		eventType  string
		source     string
		pipelineID string
		eventID    string
		payload    map[string]string
		local      bool
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Send an event to the control plane",
		Long: `Send an event to the control plane.

With the NATS ingress enabled the event is published on the event stream
and handled by the running service. Otherwise, or with --local, it is
handled in this process against the configured store.

Payload values are parsed as YAML scalars, so numbers and booleans keep
their type.`,
		Example: `  # Report that a node finished
  flowplane emit --type succeeded --pipeline etl --source /pipelines/etl/nodes/extract \
    --payload path=/data/out --payload rows=1200

  # Handle the event in-process
  flowplane emit --type tick --source /cron/nightly --local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			values, err := parsePayload(payload)
			if err != nil {
				return err
			}
			opts := []engine.EventOption{engine.WithPayload(values)}
			if pipelineID != "" {
				opts = append(opts, engine.WithPipelineID(pipelineID))
			}
			if eventID != "" {
				opts = append(opts, engine.WithEventID(eventID))
			}
			event := engine.NewEvent(eventType, source, opts...)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NATS.Enabled && !local && !cfg.NATS.Embedded {
				return publishEvent(ctx, cmd, cfg.NATS, event)
			}

			rt, err := newRuntime(ctx, runtimeOptions{engine: true})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))
			if err := rt.store.AppendEvent(ctx, event); err != nil {
				rt.logger.Warn().Err(err).Msg("Failed to record event")
			}
			if err := rt.service.TriggerEvent(ctx, event); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "handled %s (%s)\n", event.ID(), event.Type())
			return nil
		},
	}

	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type")
	cmd.Flags().StringVarP(&source, "source", "s", "/cli", "event source")
	cmd.Flags().StringVarP(&pipelineID, "pipeline", "p", "", "pipeline the event belongs to")
	cmd.Flags().StringVar(&eventID, "id", "", "event id (generated when empty)")
	cmd.Flags().StringToStringVar(&payload, "payload", nil, "payload entry as key=value (repeatable)")
	cmd.Flags().BoolVar(&local, "local", false, "handle the event in this process")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func publishEvent(ctx context.Context, cmd *cobra.Command, cfg ingress.Config, event engine.Event) error {
	conn, err := ingress.Connect(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	pub := ingress.NewPublisher(cfg, conn.JS, conn.NC, log.Logger)
	if err := pub.Emit(ctx, event); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %s on %s\n", event.ID(), ingress.EventSubject(cfg.PublishPrefix, event))
	return nil
}

func parsePayload(raw map[string]string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		var value interface{}
		if err := yaml.Unmarshal([]byte(v), &value); err != nil || value == nil {
			value = v
		}
		if _, isMap := value.(map[string]interface{}); isMap {
			value = v
		}
		out[k] = value
	}
	return out, nil
}

func newEventsCommand() *cobra.Command {
	var (
		pipelineID string
		sources    []string
		types      []string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded events",
		Long: `List events recorded by the control plane, oldest first. With --limit
only the most recent matches are shown.

--source and --type take glob patterns; "**" crosses path separators in
sources.`,
		Example: `  flowplane events --pipeline etl
  flowplane events --source '/pipelines/*/nodes/extract' --type 'fail*'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			matcher, err := engine.NewPatternMatcher(sources, types)
			if err != nil {
				return err
			}
			rt, err := newRuntime(ctx, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close(context.WithoutCancel(ctx))

			records, err := rt.store.ListEvents(ctx, stores.EventFilter{PipelineID: pipelineID})
			if err != nil {
				return err
			}
			var matched []*stores.EventRecord
			for _, r := range records {
				if !matcher.Matches(engine.NewEvent(r.Type, r.Source)) {
					continue
				}
				matched = append(matched, r)
			}
			if limit > 0 && len(matched) > limit {
				matched = matched[len(matched)-limit:]
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), matched)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tPIPELINE\tTYPE\tSOURCE\tID")
			for _, r := range matched {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.OccurredAt.Format("2006-01-02 15:04:05"), orDash(r.PipelineID), r.Type, r.Source, r.EventID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&pipelineID, "pipeline", "p", "", "only events of this pipeline")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "source glob (repeatable)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "type glob (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events, 0 for all")
	return cmd
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
