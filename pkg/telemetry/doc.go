// Package telemetry wires logging, metrics and tracing for fnforge.
//
// # Logging
//
// NewLogger builds a zerolog logger from LoggingConfig: console or JSON
// format, stderr by default, a file when Output is a path. Components derive
// child loggers with Component:
//
//	logger, closer, err := telemetry.NewLogger(cfg.Logging)
//	defer closer.Close()
//	log := telemetry.Component(logger, "deployer")
//
// # Metrics
//
// Metrics keeps its own Prometheus registry and implements engine.Observer,
// so handing it to engine.NewDeployer or engine.NewReconciler records:
//
//	fnforge_deploys_completed_total{service,status}
//	fnforge_deploy_duration_seconds{status}
//	fnforge_entities_settled_total{kind,outcome}
//	fnforge_entity_duration_seconds{kind}
//	fnforge_deploy_waves
//	fnforge_undeploys_completed_total{service,status}
//	fnforge_resources_deleted_total{kind}
//	fnforge_resources_skipped_total{reason}
//	fnforge_errors_total{class,code}
//	fnforge_policy_findings_total{policy,severity}
//	fnforge_watch_redeploys_total{result}
//
// Serve exposes the registry over HTTP; the watch command uses it for
// --metrics-addr.
//
// # Tracing
//
// NewTracer installs a global OpenTelemetry tracer provider with a stdout or
// OTLP gRPC exporter. The engine starts its deploy, wave, entity and
// undeploy spans from the global provider, so no engine wiring is needed.
//
// # Configuration
//
// DefaultConfig suits interactive CLI runs, DevelopmentConfig adds debug
// logs and stdout traces, and ProductionConfig switches to JSON logs and
// OTLP. Config.Validate is called by NewTelemetry.
package telemetry
