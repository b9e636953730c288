// Package telemetry provides the observability stack of the control plane:
// structured logging (zerolog), tracing (OpenTelemetry), Prometheus metrics
// and an in-process notification publisher.
//
// Initialize telemetry at startup and attach it to the control plane:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	cp := engine.NewControlPlane(nodes, schemas, exec, eval,
//	    tel.Logger.Zerolog(), tel.ControlPlaneOptions(nil)...)
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and keeps its own registry.
// Key series, prefixed with the configured namespace:
//
//   - events_received_total{type}
//   - node_evaluations_total{outcome}
//   - action_dispatches_total{task_type,action,outcome}
//   - action_dispatch_duration_seconds{task_type,action}
//   - messages_consumed_total{outcome}
//   - errors_by_code_total{class,code}
//
// A disabled Metrics accepts every call and records nothing.
//
// # Notifications
//
// Alert and skip hooks are published as Notification values. Subscribers
// choose what they receive with FilterByLevel, FilterByType and
// FilterByPipeline:
//
//	tel.Events.Subscribe(func(n telemetry.Notification) {
//	    log.Print(n.Message)
//	}, telemetry.FilterByType(telemetry.NotificationNodeAlert))
//
// # Tracing
//
// Supported exporters are "otlp", "stdout" and "none". A disabled tracer
// hands out non-recording spans so callers never check for nil.
package telemetry
