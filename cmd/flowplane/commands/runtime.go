package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowplane/pkg/config"
	"github.com/openfroyo/flowplane/pkg/engine"
	"github.com/openfroyo/flowplane/pkg/executor"
	"github.com/openfroyo/flowplane/pkg/expr"
	"github.com/openfroyo/flowplane/pkg/ingress"
	"github.com/openfroyo/flowplane/pkg/pipeline"
	"github.com/openfroyo/flowplane/pkg/policy"
	"github.com/openfroyo/flowplane/pkg/registry"
	"github.com/openfroyo/flowplane/pkg/stores"
	"github.com/openfroyo/flowplane/pkg/telemetry"
	"github.com/openfroyo/flowplane/pkg/transports/ssh"
)

// runtime is the set of components a command works with. Commands that
// only read or write pipelines skip the engine part.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	store   stores.Store
	schemas *registry.Registry
	service *pipeline.Service

	policies  *policy.Engine
	cp        *engine.ControlPlane
	sched     *engine.PartitionedScheduler
	local     *pipeline.LocalEmitter
	conn      *ingress.Conn
	publisher *ingress.Publisher
	grpc      *executor.GRPCGateway
	ssh       *ssh.Client
	scripts   *executor.RemoteScripts

	// interruptScripts stops running remote scripts on Close instead of
	// waiting for them.
	interruptScripts bool
}

type runtimeOptions struct {
	engine bool
	nats   bool
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	return cfg, nil
}

func newRuntime(ctx context.Context, opts runtimeOptions) (rt *runtime, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}
	rt = &runtime{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			rt.Close(context.WithoutCancel(ctx))
		}
	}()

	store, err := stores.Open(ctx, cfg.Store, rt.logger)
	if err != nil {
		return nil, err
	}
	rt.store = store

	rt.schemas = registry.NewWithBuiltins(rt.logger)
	if len(cfg.Schemas.Paths) > 0 {
		loaded, err := registry.NewLoader(rt.logger).LoadFromPaths(cfg.Schemas.Paths)
		if err != nil {
			return nil, fmt.Errorf("failed to load task schemas: %w", err)
		}
		if err := rt.schemas.Replace(loaded, registry.BuiltinSchemas()...); err != nil {
			return nil, err
		}
	}

	var svcOpts []pipeline.Option
	if cfg.Catalog.Path != "" {
		catalog, err := pipeline.LoadCatalogFile(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		svcOpts = append(svcOpts, pipeline.WithResolver(catalog))
	}
	svcOpts = append(svcOpts, pipeline.WithNotifier(tel.Events))

	var (
		handler engine.EventHandler
		actions pipeline.ActionExecutor
	)
	if opts.engine {
		if err := rt.buildEngine(ctx, opts.nats); err != nil {
			return nil, err
		}
		handler = scheduledHandler{rt.sched}
		actions = rt.cp
	}

	rt.service, err = pipeline.NewService(rt.store, rt.schemas, handler, actions, rt.logger, svcOpts...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) buildEngine(ctx context.Context, withNATS bool) error {
	cfg := rt.cfg

	if withNATS && cfg.NATS.Enabled {
		conn, err := ingress.Connect(ctx, cfg.NATS, rt.logger)
		if err != nil {
			return err
		}
		rt.conn = conn
		rt.publisher = ingress.NewPublisher(cfg.NATS, conn.JS, conn.NC, rt.logger)
	}

	internal := executor.NewInternalGateway(rt.logger)
	rt.grpc = executor.NewGRPCGateway(cfg.Executor.GRPC, rt.schemas, rt.logger)
	var exec engine.TaskExecutor = executor.NewRouter(
		executor.NewHTTPGateway(cfg.Executor.HTTP, rt.schemas, rt.logger),
		rt.grpc,
		internal,
		executor.NewKubernetesGateway(rt.logger),
	)
	if cfg.Executor.Audit {
		exec = executor.NewAudited(exec, rt.store, rt.logger)
	}

	var next engine.Hooks
	if rt.publisher != nil {
		next = rt.publisher
	}
	cpOpts := rt.tel.ControlPlaneOptions(next)

	if cfg.Policies.Enabled {
		pe, err := policy.NewEngine(rt.logger)
		if err != nil {
			return err
		}
		if len(cfg.Policies.Paths) > 0 {
			if err := pe.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
				return err
			}
		}
		rt.policies = pe
		cpOpts = append(cpOpts, engine.WithAuthorizer(pe))
	}

	evaluator := expr.NewStarlarkEvaluator(cfg.Expressions.Timeout, cfg.Expressions.MaxSteps)
	rt.cp = engine.NewControlPlane(rt.store, rt.schemas, exec, evaluator, rt.logger, cpOpts...)
	rt.sched = engine.NewPartitionedScheduler(rt.cp, cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, rt.logger)
	rt.sched.Start()

	var emitter executor.Emitter
	if rt.publisher != nil {
		emitter = rt.publisher
	} else {
		rt.local = pipeline.NewLocalEmitter(rt.sched, rt.logger)
		emitter = rt.local
	}
	executor.RegisterApprovalHandlers(internal, registry.TypeApproval, emitter)

	if cfg.Executor.SSH.Enabled {
		client, err := ssh.NewClient(cfg.Executor.SSH, rt.logger)
		if err != nil {
			return err
		}
		rt.ssh = client
		rt.scripts = executor.RegisterRemoteScriptHandlers(internal, registry.TypeRemoteScript, client, emitter, rt.logger)
	}
	return nil
}

// Close waits for locally emitted events and releases every component.
func (rt *runtime) Close(ctx context.Context) {
	if rt.scripts != nil {
		if rt.interruptScripts {
			rt.scripts.Close()
		} else {
			rt.scripts.Wait()
		}
	}
	if rt.local != nil {
		rt.local.Wait()
	}
	if rt.sched != nil {
		rt.sched.Stop()
	}
	var errs []error
	if rt.grpc != nil {
		errs = append(errs, rt.grpc.Close())
	}
	if rt.ssh != nil {
		errs = append(errs, rt.ssh.Close())
	}
	if rt.conn != nil {
		rt.conn.Close()
	}
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.tel.Shutdown(ctx))
	if err := errors.Join(errs...); err != nil {
		rt.logger.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}

// scheduledHandler routes triggered events through the scheduler so they
// keep per-pipeline order with stream events.
type scheduledHandler struct {
	sched *engine.PartitionedScheduler
}

func (h scheduledHandler) OnEvent(ctx context.Context, event engine.Event) error {
	return <-h.sched.Submit(ctx, event)
}
