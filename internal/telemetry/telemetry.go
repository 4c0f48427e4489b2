// Package telemetry exports synthesis and playback metrics through
// OpenTelemetry with a Prometheus endpoint.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Drop reasons.
const (
	ReasonOverflow = "overflow"
	ReasonCancel   = "cancel"
	ReasonNoWorker = "no_worker"
	ReasonError    = "error"
)

// Recorder receives measurements from the pools, engines and mixer.
type Recorder interface {
	TaskSubmitted(model string)
	TaskDropped(model, reason string, n int)
	WorkerCrashed(model string)
	RenderDuration(model string, d time.Duration)
	CacheHit(model string)
	ClipPlayed(line string)
}

// Nop discards every measurement.
var Nop Recorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) TaskSubmitted(string)                 {}
func (nopRecorder) TaskDropped(string, string, int)      {}
func (nopRecorder) WorkerCrashed(string)                 {}
func (nopRecorder) RenderDuration(string, time.Duration) {}
func (nopRecorder) CacheHit(string)                      {}
func (nopRecorder) ClipPlayed(string)                    {}

// Metrics is a Recorder backed by an OpenTelemetry meter provider.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler

	submitted metric.Int64Counter
	dropped   metric.Int64Counter
	crashed   metric.Int64Counter
	cacheHits metric.Int64Counter
	played    metric.Int64Counter
	render    metric.Float64Histogram
}

// New sets up a meter provider exporting to its own Prometheus registry.
// The scrape handler is available through Handler.
func New(serviceName string) (*Metrics, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter("github.com/naturalspeech/naturalspeech")

	m := &Metrics{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}
	var errs []error
	m.submitted, err = meter.Int64Counter("naturalspeech.tasks.submitted",
		metric.WithDescription("Synthesis tasks accepted by a worker pool"))
	errs = append(errs, err)
	m.dropped, err = meter.Int64Counter("naturalspeech.tasks.dropped",
		metric.WithDescription("Synthesis tasks discarded before playback"))
	errs = append(errs, err)
	m.crashed, err = meter.Int64Counter("naturalspeech.workers.crashed",
		metric.WithDescription("Synthesis processes that exited unexpectedly"))
	errs = append(errs, err)
	m.cacheHits, err = meter.Int64Counter("naturalspeech.cache.hits",
		metric.WithDescription("Fragments served from the clip cache"))
	errs = append(errs, err)
	m.played, err = meter.Int64Counter("naturalspeech.clips.played",
		metric.WithDescription("Clips played to completion"))
	errs = append(errs, err)
	m.render, err = meter.Float64Histogram("naturalspeech.render.duration",
		metric.WithDescription("Time a worker spent synthesizing one fragment"),
		metric.WithUnit("s"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func modelAttr(model string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("model", model))
}

func (m *Metrics) TaskSubmitted(model string) {
	m.submitted.Add(context.Background(), 1, modelAttr(model))
}

func (m *Metrics) TaskDropped(model, reason string, n int) {
	m.dropped.Add(context.Background(), int64(n), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) WorkerCrashed(model string) {
	m.crashed.Add(context.Background(), 1, modelAttr(model))
}

func (m *Metrics) RenderDuration(model string, d time.Duration) {
	m.render.Record(context.Background(), d.Seconds(), modelAttr(model))
}

func (m *Metrics) CacheHit(model string) {
	m.cacheHits.Add(context.Background(), 1, modelAttr(model))
}

func (m *Metrics) ClipPlayed(line string) {
	m.played.Add(context.Background(), 1)
}

// Serve exposes the metrics handler on addr until ctx is done.
func Serve(ctx context.Context, addr string, m *Metrics, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
