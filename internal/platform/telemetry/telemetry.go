// Package telemetry exposes Prometheus metrics and OpenTelemetry spans for
// the interpretation engine: HTTP traffic, pipeline stages, verification
// actions and evaluation grades.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "medclare"

// Config holds telemetry settings.
type Config struct {
	ServiceName    string
	ServiceVersion string
	MetricsEnabled bool
}

// Provider owns the metric collectors and the tracer. A nil *Provider is
// valid and records nothing, which keeps call sites free of nil checks.
type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	pipelineRuns  *prometheus.CounterVec
	verifications *prometheus.CounterVec
	evaluations   *prometheus.CounterVec
	wsClients     prometheus.Gauge
	dbPoolConns   *prometheus.GaugeVec
}

// NewProvider registers all collectors on a private registry. The tracer
// comes from the global otel provider, which is a no-op unless an SDK is
// installed by the binary.
func NewProvider(cfg Config) *Provider {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "medclare"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "0.0.0"
	}

	p := &Provider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		tracer: otel.Tracer(cfg.ServiceName,
			trace.WithInstrumentationVersion(cfg.ServiceVersion)),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"stage"}),

		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Pipeline stage failures",
		}, []string{"stage", "timeout"}),

		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by outcome",
		}, []string{"outcome"}),

		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_actions_total",
			Help:      "Verification workflow actions",
		}, []string{"action"}),

		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_grades_total",
			Help:      "Explanation evaluations by grade",
		}, []string{"grade"}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		dbPoolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Database pool connections by state",
		}, []string{"state"}),
	}

	p.registry.MustRegister(
		p.httpRequests, p.httpDuration,
		p.stageDuration, p.stageFailures, p.pipelineRuns,
		p.verifications, p.evaluations,
		p.wsClients, p.dbPoolConns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry exposes the underlying registry, mainly for tests.
func (p *Provider) Registry() *prometheus.Registry { return p.registry }

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return otel.Tracer("medclare")
	}
	return p.tracer
}

// PrometheusHandler serves the text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// MetricsMiddleware counts requests per matched route, so path parameters do
// not explode label cardinality.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil || !p.cfg.MetricsEnabled {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			p.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TracingMiddleware opens a server span per request.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := p.Tracer().Start(req.Context(), req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// StartStage opens a span for one pipeline stage. The returned func ends the
// span and records duration and failure.
func (p *Provider) StartStage(ctx context.Context, reportID, stage string) (context.Context, func(err error, timeout bool)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, "pipeline."+stage,
		trace.WithAttributes(
			attribute.String("report.id", reportID),
			attribute.String("pipeline.stage", stage),
		))
	return ctx, func(err error, timeout bool) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if p == nil {
			return
		}
		p.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		if err != nil {
			p.stageFailures.WithLabelValues(stage, strconv.FormatBool(timeout)).Inc()
		}
	}
}

// Pipeline run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeWithheld  = "withheld"
	OutcomeFailed    = "failed"
	OutcomeConflict  = "conflict"
)

func (p *Provider) PipelineRun(outcome string) {
	if p == nil {
		return
	}
	p.pipelineRuns.WithLabelValues(outcome).Inc()
}

func (p *Provider) Verification(action string) {
	if p == nil {
		return
	}
	p.verifications.WithLabelValues(action).Inc()
}

func (p *Provider) Evaluation(grade string) {
	if p == nil {
		return
	}
	p.evaluations.WithLabelValues(grade).Inc()
}

func (p *Provider) SetWebSocketClients(n int) {
	if p == nil {
		return
	}
	p.wsClients.Set(float64(n))
}

// SetDBPool records pool connection counts.
func (p *Provider) SetDBPool(total, idle, acquired int32) {
	if p == nil {
		return
	}
	p.dbPoolConns.WithLabelValues("total").Set(float64(total))
	p.dbPoolConns.WithLabelValues("idle").Set(float64(idle))
	p.dbPoolConns.WithLabelValues("acquired").Set(float64(acquired))
}
