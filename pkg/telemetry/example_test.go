package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/avtune/avtune/pkg/engine"
	"github.com/avtune/avtune/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	ic := telemetry.StartOperation(ctx, "run")
	ic.Logger.WithHost("iem.lan").Debug("Starting session")
	ic.End(nil)
}

// Example_eventPublishing shows a subscriber narrowed by a filter.
func Example_eventPublishing() {
	events := telemetry.NewEventPublisher(telemetry.EventsConfig{})

	events.Subscribe(func(evt engine.Event) {
		fmt.Printf("%s %s: %s\n", evt.Type, evt.Action, evt.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	ctx := context.Background()
	_ = events.Publish(ctx, &engine.Event{
		Type:    engine.EventActionCompleted,
		Action:  "cpu-governor",
		Message: "applied",
		Level:   telemetry.EventLevelInfo,
	})
	_ = events.Publish(ctx, &engine.Event{
		Type:    engine.EventActionFailed,
		Action:  "irq-affinity",
		Message: "exit status 1",
		Level:   telemetry.EventLevelError,
	})
	_ = events.Shutdown(ctx)

	// Output:
	// action.failed irq-affinity: exit status 1
}

// Example_metricsCollection records one session.
func Example_metricsCollection() {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Namespace: "avtune"})
	if err != nil {
		panic(err)
	}

	m.RecordSessionStarted()
	m.RecordAction("sysctl", "applied", 120*time.Millisecond)
	m.RecordVerify("confirmed")
	m.RecordCommit("committed")
	m.RecordSessionCompleted("completed", 2*time.Second)

	families, _ := m.Registry().Gather()
	fmt.Println(len(families))

	// Output:
	// 7
}
