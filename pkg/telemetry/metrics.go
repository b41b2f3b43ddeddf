package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fnforge/pkg/engine"
)

// Metrics provides Prometheus metrics for deploy and undeploy runs. It is an
// engine.Observer; a disabled instance records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	deploysCompleted   *prometheus.CounterVec
	deployDuration     *prometheus.HistogramVec
	undeploysCompleted *prometheus.CounterVec
	undeployDuration   prometheus.Histogram

	// Entity metrics
	entitiesSettled *prometheus.CounterVec
	entityDuration  *prometheus.HistogramVec
	waves           prometheus.Histogram

	// Reconciliation metrics
	resourcesDeleted *prometheus.CounterVec
	resourcesSkipped *prometheus.CounterVec

	// Error and policy metrics
	errorsByCode     *prometheus.CounterVec
	policyViolations *prometheus.CounterVec

	// Watch metrics
	watchRedeploys *prometheus.CounterVec

	lastDeploy *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploysCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_completed_total",
				Help:      "Total number of completed deploy runs",
			},
			[]string{"service", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of deploy runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		undeploysCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "undeploys_completed_total",
				Help:      "Total number of completed undeploy runs",
			},
			[]string{"service", "status"},
		),
		undeployDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "undeploy_duration_seconds",
				Help:      "Duration of undeploy runs in seconds",
				Buckets:   buckets,
			},
		),

		entitiesSettled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_settled_total",
				Help:      "Total number of dispatched entities by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		entityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "entity_duration_seconds",
				Help:      "Duration of one entity dispatch in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		waves: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_waves",
				Help:      "Number of action waves per deploy run",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
		),

		resourcesDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_deleted_total",
				Help:      "Total number of remote resources deleted by reconciliation",
			},
			[]string{"kind"},
		),
		resourcesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_skipped_total",
				Help:      "Total number of remote resources left in place by reconciliation",
			},
			[]string{"reason"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_findings_total",
				Help:      "Total number of policy findings by policy and severity",
			},
			[]string{"policy", "severity"},
		),

		watchRedeploys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_redeploys_total",
				Help:      "Total number of redeploys triggered by the project watcher",
			},
			[]string{"result"},
		),

		lastDeploy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_deploy_timestamp_seconds",
				Help:      "Completion time of the last deploy run",
			},
			[]string{"service"},
		),
	}

	registry.MustRegister(
		m.deploysCompleted,
		m.deployDuration,
		m.undeploysCompleted,
		m.undeployDuration,
		m.entitiesSettled,
		m.entityDuration,
		m.waves,
		m.resourcesDeleted,
		m.resourcesSkipped,
		m.errorsByCode,
		m.policyViolations,
		m.watchRedeploys,
		m.lastDeploy,
	)

	return m, nil
}

// Registry returns the registry of m, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// EntitySettled implements engine.Observer.
func (m *Metrics) EntitySettled(_ context.Context, _ string, result engine.EntityResult) {
	if m.registry == nil {
		return
	}
	outcome := "deployed"
	if result.Error != "" {
		outcome = "failed"
	}
	m.entitiesSettled.WithLabelValues(string(result.Kind), outcome).Inc()
	m.entityDuration.WithLabelValues(string(result.Kind)).Observe(result.Duration.Seconds())
}

// DeployCompleted implements engine.Observer.
func (m *Metrics) DeployCompleted(_ context.Context, report *engine.Report) {
	if m.registry == nil {
		return
	}
	status := string(report.Status)
	m.deploysCompleted.WithLabelValues(report.Service, status).Inc()
	m.deployDuration.WithLabelValues(status).Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	m.waves.Observe(float64(len(report.Waves)))
	m.lastDeploy.WithLabelValues(report.Service).Set(float64(report.CompletedAt.Unix()))
}

// UndeployCompleted implements engine.Observer.
func (m *Metrics) UndeployCompleted(_ context.Context, report *engine.UndeployReport) {
	if m.registry == nil {
		return
	}
	status := string(engine.RunStatusSucceeded)
	if len(report.Errors) > 0 {
		status = string(engine.RunStatusFailed)
	}
	m.undeploysCompleted.WithLabelValues(report.Service, status).Inc()
	m.undeployDuration.Observe(report.Duration.Seconds())
	for _, ref := range report.Deleted {
		m.resourcesDeleted.WithLabelValues(string(ref.Kind)).Inc()
	}
	for _, s := range report.Skipped {
		m.resourcesSkipped.WithLabelValues(s.Reason).Inc()
	}
}

// RecordError records err by its engine class and code. Errors outside the
// engine taxonomy count as class "unknown".
func (m *Metrics) RecordError(err error) {
	if m.registry == nil || err == nil {
		return
	}
	class, code := "unknown", ""
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		class, code = string(engErr.Class), engErr.Code
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
}

// RecordPolicyFinding records one policy violation or warning.
func (m *Metrics) RecordPolicyFinding(policy, severity string) {
	if m.registry == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// RecordWatchRedeploy records a redeploy triggered by a file change.
func (m *Metrics) RecordWatchRedeploy(err error) {
	if m.registry == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.watchRedeploys.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on listener until ctx is done.
func (m *Metrics) Serve(ctx context.Context, listener net.Listener, logger zerolog.Logger) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", listener.Addr().String()).Str("path", path).Msg("Serving metrics")
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (m *Metrics) ListenAndServe(ctx context.Context, logger zerolog.Logger) error {
	if m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}
	return m.Serve(ctx, listener, logger)
}
