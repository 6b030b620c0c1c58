package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/ignite/pkg/telemetry"
)

// Example_structuredLogging demonstrates structured logging usage.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{
		Level:  "info",
		Format: "json",
	}, os.Stderr)

	log := logger.NewComponentLogger("executor").
		WithRunID("run-123").
		WithModule("MarketplaceProductsModule")

	log.WithActionID("MarketplaceProductsModule#MarketplaceProducts").
		WithField("attempt", 1).
		Info("action confirmed")

	log.WithError(fmt.Errorf("connection reset")).Warn("retrying")

	// Output varies, no output specified
}

// Example_events demonstrates ordered event delivery.
func Example_events() {
	publisher, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:     true,
		BufferSize:  16,
		EnableAsync: true,
	})

	publisher.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.ActionID)
	}, telemetry.FilterByRunID("run-1"))

	_ = publisher.PublishActionStarted("run-1", "M#Counter", "create", 1)
	_ = publisher.PublishActionRetrying("run-1", "M#Counter", "timeout", 1, time.Second)
	_ = publisher.PublishActionStarted("run-2", "M#Other", "create", 1)
	_ = publisher.PublishActionSucceeded("run-1", "M#Counter", 2)

	_ = publisher.Shutdown(context.Background())

	// Output:
	// action.started M#Counter
	// action.retrying M#Counter
	// action.succeeded M#Counter
}

// Example_metrics demonstrates metrics collection.
func Example_metrics() {
	cfg := telemetry.DefaultConfig()
	metrics, _ := telemetry.NewMetrics(cfg.Metrics)

	metrics.RecordRunStarted("MarketplaceProductsModule")

	timer := telemetry.NewTimer()
	metrics.RecordBackendCall("submit", timer.Duration(), nil)
	metrics.RecordAttempt("create", "success")
	metrics.RecordActionOutcome("create", "succeeded")
	metrics.RecordJournalWrite("success")

	metrics.RecordRunCompleted("succeeded", 50*time.Millisecond)

	families, _ := metrics.Registry().Gather()
	fmt.Println(len(families) > 0)

	// Output:
	// true
}
