// Package tracing provides a plugin that records one OpenTelemetry span per task.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sliink/taskworker/pkg/plugin"
)

// ID is the identifier the plugin is registered under
const ID = "tracing"

const instrumentationName = "github.com/sliink/taskworker/internal/plugins/tracing"

// Config controls span sampling and export
type Config struct {
	ServiceName string  `mapstructure:"service_name" default:"taskworker" validate:"required"`
	SampleRatio float64 `mapstructure:"sample_ratio" default:"1" validate:"gte=0,lte=1"`
	// LogSpans exports finished spans to the plugin logger at debug level
	LogSpans bool `mapstructure:"log_spans" default:"true"`
}

// Plugin opens a span in OnTaskStart and ends it in the terminal hook
type Plugin struct {
	cfg        Config
	workerID   string
	logger     *zap.Logger
	registerer prometheus.Registerer

	provider     trace.TracerProvider
	ownsProvider *sdktrace.TracerProvider
	meter        metric.MeterProvider
	ownsMeter    *sdkmetric.MeterProvider

	tracer   trace.Tracer
	duration metric.Float64Histogram
	spans    cmap.ConcurrentMap[string, trace.Span]
}

// New creates the plugin with its own SDK tracer provider. Task durations
// are exported on the worker's Prometheus registerer.
func New(settings plugin.Settings) (plugin.ExecutorPlugin, error) {
	return NewWithProviders(settings, nil, nil)
}

// NewWithProviders creates the plugin using the given providers. A nil
// tracer provider makes the plugin build and own an SDK provider. A nil
// meter provider makes it own an SDK meter provider exporting to
// settings.Registerer, or use the global one when there is no registerer.
func NewWithProviders(settings plugin.Settings, tp trace.TracerProvider, mp metric.MeterProvider) (*Plugin, error) {
	var cfg Config
	if err := plugin.DecodeConfig(settings.Config, &cfg); err != nil {
		return nil, err
	}

	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Plugin{
		cfg:        cfg,
		workerID:   settings.WorkerID,
		logger:     logger,
		registerer: settings.Registerer,
		provider:   tp,
		meter:      mp,
		spans:      cmap.New[trace.Span](),
	}
	return p, nil
}

// Init creates the tracer and the task duration instrument
func (p *Plugin) Init(ctx context.Context) error {
	res := resource.NewSchemaless(
		attribute.String("service.name", p.cfg.ServiceName),
		attribute.String("service.instance.id", p.workerID),
	)

	if p.meter == nil {
		if p.registerer == nil {
			p.meter = otel.GetMeterProvider()
		} else {
			exporter, err := otelprom.New(
				otelprom.WithRegisterer(p.registerer),
				otelprom.WithoutScopeInfo(),
			)
			if err != nil {
				return fmt.Errorf("create prometheus exporter: %w", err)
			}
			p.ownsMeter = sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(exporter),
				sdkmetric.WithResource(res),
			)
			p.meter = p.ownsMeter
		}
	}

	histogram, err := p.meter.Meter(instrumentationName).Float64Histogram(
		"taskworker.tracing.task.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Task duration measured between the start and terminal hooks."),
	)
	if err != nil {
		if p.ownsMeter != nil {
			_ = p.ownsMeter.Shutdown(ctx)
		}
		return fmt.Errorf("create duration histogram: %w", err)
	}
	p.duration = histogram

	if p.provider == nil {
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.cfg.SampleRatio))),
			sdktrace.WithResource(res),
		}
		if p.cfg.LogSpans {
			opts = append(opts, sdktrace.WithBatcher(&logExporter{logger: p.logger}))
		}
		p.ownsProvider = sdktrace.NewTracerProvider(opts...)
		p.provider = p.ownsProvider
	}
	p.tracer = p.provider.Tracer(instrumentationName)
	return nil
}

// Shutdown ends spans of tasks that never finished and flushes the owned providers
func (p *Plugin) Shutdown(ctx context.Context) error {
	for _, id := range p.spans.Keys() {
		if span, ok := p.spans.Pop(id); ok {
			span.SetStatus(codes.Error, "worker shut down before task finished")
			span.End()
		}
	}

	var errs []error
	if p.ownsProvider != nil {
		if err := p.ownsProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.ownsMeter != nil {
		if err := p.ownsMeter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OnTaskStart opens the task span
func (p *Plugin) OnTaskStart(tc *plugin.TaskContext) error {
	if p.tracer == nil {
		return errors.New("tracing plugin not initialized")
	}

	attrs := []attribute.KeyValue{
		attribute.String("task.id", tc.TaskID),
		attribute.String("task.kind", tc.Kind),
		attribute.Int("task.attempt", tc.Attempt),
		attribute.String("worker.id", tc.WorkerID),
	}
	for k, v := range tc.Labels {
		attrs = append(attrs, attribute.String("task.label."+k, v))
	}

	_, span := p.tracer.Start(context.Background(), "task "+tc.Kind,
		trace.WithTimestamp(tc.StartedAt),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.spans.Set(tc.TaskID, span)
	return nil
}

// OnTaskSucceeded ends the task span with an OK status
func (p *Plugin) OnTaskSucceeded(tc *plugin.TaskContext) error {
	return p.finish(tc, nil)
}

// OnTaskFailed ends the task span with an error status and the recorded cause
func (p *Plugin) OnTaskFailed(tc *plugin.TaskContext, cause error) error {
	return p.finish(tc, cause)
}

func (p *Plugin) finish(tc *plugin.TaskContext, cause error) error {
	outcome := "succeeded"
	if cause != nil {
		outcome = "failed"
	}
	if p.duration != nil {
		p.duration.Record(context.Background(), time.Since(tc.StartedAt).Seconds(),
			metric.WithAttributes(
				attribute.String("task.kind", tc.Kind),
				attribute.String("outcome", outcome),
			))
	}

	span, ok := p.spans.Pop(tc.TaskID)
	if !ok {
		return fmt.Errorf("no open span for task %s", tc.TaskID)
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	return nil
}

// OpenSpans returns the number of tasks with a span still open
func (p *Plugin) OpenSpans() int {
	return p.spans.Count()
}

// logExporter writes finished spans to a zap logger
type logExporter struct {
	logger *zap.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.logger.Debug("span finished",
			zap.String("name", span.Name()),
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("span_id", span.SpanContext().SpanID().String()),
			zap.Duration("duration", span.EndTime().Sub(span.StartTime())),
			zap.String("status", span.Status().Code.String()))
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}
