// Package telemetry provides the observability plumbing for avtune.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and in-process event publishing behind one
// Telemetry value created at startup:
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
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Library packages take a zerolog.Logger; pass them
// tel.Logger.NewComponentLogger("engine").Zerolog(). Logger adds
// session-oriented fields:
//
//	logger := tel.Logger.WithHost("iem.lan").WithSession(sessionID)
//	logger.WithAction("cpu-governor", "sysfs").Info("Applied")
//
// # Tracing
//
// NewTracer installs the global provider. The engine starts its session,
// connect and action spans from it. The CLI wraps each command in a root
// span with StartOperation. Exporters are "stdout", "otlp" (gRPC) and
// "none", the default.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder on a private registry:
//
//   - avtune_sessions_started_total
//   - avtune_sessions_completed_total{status}
//   - avtune_session_duration_seconds
//   - avtune_actions_total{module,result}
//   - avtune_action_duration_seconds{module}
//   - avtune_verify_outcomes_total{outcome}
//   - avtune_commits_total{result}
//   - avtune_errors_total{code}
//
// avtune is a one-shot process, so there is no scrape endpoint. When
// MetricsConfig.File is set, Shutdown writes the registry in the
// node_exporter textfile-collector format.
//
// # Events
//
// EventPublisher implements engine.EventPublisher. NewTelemetry subscribes a
// log sink; further subscribers can be added with Subscribe and narrowed
// with FilterByLevel, FilterByType and FilterBySession.
package telemetry
