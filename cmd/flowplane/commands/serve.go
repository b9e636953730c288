package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/flowplane/pkg/archive"
	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/ingress"
	"github.com/openfroyo/flowplane/pkg/policy"
	"github.com/openfroyo/flowplane/pkg/registry"
	"github.com/openfroyo/flowplane/pkg/telemetry"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the control plane service.

The service:
  - Consumes events from the configured JetStream stream
  - Evaluates every active node against each event
  - Dispatches actions through the HTTP, gRPC and in-process gateways
  - Reloads task schemas and admission policies when their files change
  - Serves Prometheus metrics`,
		Example: `  # Run with a config file
  flowplane serve --config flowplane.yaml

  # Run against a local embedded NATS server
  FLOWPLANE_NATS_ENABLED=true flowplane serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, runtimeOptions{engine: true, nats: true})
			if err != nil {
				return err
			}
			rt.interruptScripts = true
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				rt.Close(shutdownCtx)
			}()
			return serve(rt.tel.WithContext(ctx), rt, version)
		},
	}
	return cmd
}

func serve(ctx context.Context, rt *runtime, version string) error {
	cfg := rt.cfg
	logger := rt.logger

	rt.tel.Events.Subscribe(func(n telemetry.Notification) {
		ev := logger.Info()
		switch n.Level {
		case telemetry.LevelWarning:
			ev = logger.Warn()
		case telemetry.LevelError:
			ev = logger.Error()
		}
		ev.Str("notification", n.Type).
			Str("pipeline_id", n.PipelineID).
			Str("node_id", n.NodeID).
			Msg(n.Message)
	}, nil)

	if err := rt.tel.StartMetricsServer(ctx); err != nil {
		return err
	}

	if cfg.Schemas.Watch {
		loader := registry.NewLoader(logger)
		err := loader.Watch(ctx, cfg.Schemas.Paths, func(schemas []*engine.TaskSchema) error {
			if err := rt.schemas.Replace(schemas, registry.BuiltinSchemas()...); err != nil {
				return err
			}
			return rt.tel.Events.Publish(telemetry.Notification{
				Type:    telemetry.NotificationSchemasReloaded,
				Level:   telemetry.LevelInfo,
				Message: fmt.Sprintf("%d task schemas reloaded", len(schemas)),
			})
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	if rt.policies != nil && cfg.Policies.Watch {
		loader := policy.NewLoader(logger)
		err := loader.Watch(ctx, cfg.Policies.Paths, func(policies []policy.Policy) error {
			return rt.policies.ReloadPolicies(ctx, policies)
		})
		if err != nil {
			return err
		}
		defer func() { _ = loader.StopWatching() }()
	}

	consumerErr := make(chan error, 1)
	if rt.conn != nil {
		opts := []ingress.ConsumerOption{
			ingress.WithEventLog(rt.store),
			ingress.WithMetrics(rt.tel.Metrics),
			ingress.WithTracer(rt.tel.Tracer),
		}
		if cfg.Archive.Enabled {
			archiver, err := archive.New(ctx, cfg.Archive, logger)
			if err != nil {
				return err
			}
			opts = append(opts, ingress.WithArchiver(archiver))
		}
		consumer, err := ingress.NewConsumer(cfg.NATS, rt.sched, logger, opts...)
		if err != nil {
			return err
		}
		go func() { consumerErr <- consumer.Run(ctx, rt.conn.Stream) }()
	} else {
		if cfg.Archive.Enabled {
			logger.Warn().Msg("Event archive needs the NATS ingress, archive disabled")
		}
		logger.Warn().Msg("NATS ingress disabled, events arrive only through the CLI")
	}

	nodes, err := rt.store.FindAllActiveNodes(ctx)
	if err != nil {
		return err
	}
	rt.tel.Metrics.SetActiveNodes(len(nodes))

	logger.Info().
		Str("version", version).
		Str("store", cfg.Store.Driver).
		Int("active_nodes", len(nodes)).
		Int("task_types", len(rt.schemas.List())).
		Bool("nats", rt.conn != nil).
		Msg("Control plane started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down control plane")
		return nil
	case err := <-consumerErr:
		return err
	}
}
