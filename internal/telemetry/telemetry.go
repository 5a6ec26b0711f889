// Package telemetry provides the OpenTelemetry metric surface for dispatch.
//
// The client records counters for job lifecycle, event-stream framing and
// memory retrieval so operators can see how a workspace's jobs behave
// without scraping logs. Export wiring (readers) is the embedder's choice;
// by default metrics flow to whatever global meter provider is installed.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Telemetry owns the meter provider for one dispatch instance.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
}

// New creates a Telemetry instance with the given readers. With no readers
// the provider is still valid; instruments become cheap no-ops.
func New(serviceName, serviceVersion string, readers ...sdkmetric.Reader) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	return &Telemetry{
		meterProvider: sdkmetric.NewMeterProvider(opts...),
	}, nil
}

// Meter returns a named meter. Falls back to the global provider when the
// receiver is nil so components can be constructed without telemetry.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down meter provider: %w", err)
	}
	return nil
}
