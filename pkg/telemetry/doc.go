// Package telemetry provides observability instrumentation for ignite.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring deployments.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry spans per run, attempt and backend call
//  3. Metrics Collection - Prometheus counters and histograms on a private registry
//  4. Event Publishing - Ordered lifecycle events for audit and journaling
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Logging.Level = "debug"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.Metrics.StartMetricsServer(ctx, tel.Logger); err != nil {
//	    return err
//	}
//
// Components that receive no telemetry use Nop, which records nothing.
//
// # Structured Logging
//
// Loggers carry run, module and action fields:
//
//	log := tel.Logger.NewComponentLogger("executor").
//	    WithRunID(runID).
//	    WithActionID("M#Counter")
//	log.WithField("attempt", 2).Warn("retrying")
//
// Supported levels are trace, debug, info, warn, error, fatal and disabled.
// The format is either "json" or "console".
//
// # Distributed Tracing
//
// Each run opens a span; each attempt opens a child span and each backend
// call a grandchild. Exporters are "none", "stdout" and "otlp" (gRPC).
//
//	ctx, span := tel.Tracer.StartRunSpan(ctx, runID, "M")
//	defer span.End()
//
// # Metrics
//
// All metrics live under the configured namespace (default "ignite"):
//
//   - runs_started_total, runs_completed_total, run_duration_seconds
//   - actions_total, attempts_total, inflight_actions
//   - backend_call_duration_seconds, backend_errors_total
//   - journal_writes_total, errors_by_code_total
//
// Every Metrics method is safe to call on a disabled or nil collector.
//
// # Events
//
// The EventPublisher fans out lifecycle events (run.started, action.retrying,
// action.failed, ...) to subscribers. Async publishers deliver from a single
// goroutine, so subscribers observe events in publish order, and Shutdown
// drains anything still buffered.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.ActionID)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
