package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ClientMetrics holds the instruments recorded by the dispatch client.
type ClientMetrics struct {
	jobsStarted       metric.Int64Counter
	jobsCompleted     metric.Int64Counter
	jobsFailed        metric.Int64Counter
	framesDecoded     metric.Int64Counter
	framesDropped     metric.Int64Counter
	streamResumes     metric.Int64Counter
	retrievalFailures metric.Int64Counter
}

// NewClientMetrics creates all client instruments on the given meter.
func NewClientMetrics(meter metric.Meter) (*ClientMetrics, error) {
	m := &ClientMetrics{}
	var err error

	if m.jobsStarted, err = meter.Int64Counter("dispatch.jobs.started",
		metric.WithDescription("Jobs submitted to the backend")); err != nil {
		return nil, fmt.Errorf("creating jobs.started counter: %w", err)
	}
	if m.jobsCompleted, err = meter.Int64Counter("dispatch.jobs.completed",
		metric.WithDescription("Jobs that reached the completed state")); err != nil {
		return nil, fmt.Errorf("creating jobs.completed counter: %w", err)
	}
	if m.jobsFailed, err = meter.Int64Counter("dispatch.jobs.failed",
		metric.WithDescription("Jobs that reached the failed state")); err != nil {
		return nil, fmt.Errorf("creating jobs.failed counter: %w", err)
	}
	if m.framesDecoded, err = meter.Int64Counter("dispatch.stream.frames.decoded",
		metric.WithDescription("Event frames decoded from job streams")); err != nil {
		return nil, fmt.Errorf("creating frames.decoded counter: %w", err)
	}
	if m.framesDropped, err = meter.Int64Counter("dispatch.stream.frames.dropped",
		metric.WithDescription("Malformed or unknown frames discarded")); err != nil {
		return nil, fmt.Errorf("creating frames.dropped counter: %w", err)
	}
	if m.streamResumes, err = meter.Int64Counter("dispatch.stream.resumes",
		metric.WithDescription("Event streams reopened from a non-zero offset")); err != nil {
		return nil, fmt.Errorf("creating stream.resumes counter: %w", err)
	}
	if m.retrievalFailures, err = meter.Int64Counter("dispatch.memory.retrieval.failures",
		metric.WithDescription("Memory retrievals that degraded to empty context")); err != nil {
		return nil, fmt.Errorf("creating retrieval.failures counter: %w", err)
	}

	return m, nil
}

// Nil-safe recording methods. Components hold a *ClientMetrics that may be
// nil when telemetry is disabled.

func (m *ClientMetrics) JobStarted(ctx context.Context, workflow string) {
	if m == nil {
		return
	}
	m.jobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflow)))
}

func (m *ClientMetrics) JobCompleted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsCompleted.Add(ctx, 1)
}

func (m *ClientMetrics) JobFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsFailed.Add(ctx, 1)
}

func (m *ClientMetrics) FrameDecoded(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.framesDecoded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *ClientMetrics) FrameDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.framesDropped.Add(ctx, 1)
}

func (m *ClientMetrics) StreamResumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.streamResumes.Add(ctx, 1)
}

func (m *ClientMetrics) RetrievalFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.retrievalFailures.Add(ctx, 1)
}
