package monque

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName identifies this library to the application's meter provider.
const meterName = "github.com/rezkam/monque"

// schedulerMetrics wraps the OpenTelemetry instruments the scheduler reports
// on. Instruments come from the global meter provider, so embedders that
// never install one get no-op metrics for free. Every method is best-effort;
// metrics must never influence job flow.
type schedulerMetrics struct {
	claimed    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	active     metric.Int64UpDownCounter
	duration   metric.Float64Histogram
	stale      metric.Int64Counter
	reconnects metric.Int64Counter
}

func newSchedulerMetrics(logger *slog.Logger) *schedulerMetrics {
	meter := otel.Meter(meterName)
	m := &schedulerMetrics{}

	var err error
	if m.claimed, err = meter.Int64Counter("monque.jobs.claimed",
		metric.WithDescription("Jobs claimed by this instance")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.jobs.claimed", "error", err)
	}
	if m.completed, err = meter.Int64Counter("monque.jobs.completed",
		metric.WithDescription("Jobs that finished successfully")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.jobs.completed", "error", err)
	}
	if m.failed, err = meter.Int64Counter("monque.jobs.failed",
		metric.WithDescription("Job runs that ended in an error")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.jobs.failed", "error", err)
	}
	if m.active, err = meter.Int64UpDownCounter("monque.jobs.active",
		metric.WithDescription("Jobs currently executing on this instance")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.jobs.active", "error", err)
	}
	if m.duration, err = meter.Float64Histogram("monque.job.duration",
		metric.WithDescription("Handler wall time"),
		metric.WithUnit("ms")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.job.duration", "error", err)
	}
	if m.stale, err = meter.Int64Counter("monque.stale.recovered",
		metric.WithDescription("Jobs requeued by stale lease recovery")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.stale.recovered", "error", err)
	}
	if m.reconnects, err = meter.Int64Counter("monque.changestream.reconnects",
		metric.WithDescription("Successful change stream reconnections")); err != nil {
		logger.Warn("failed to create metric instrument", "instrument", "monque.changestream.reconnects", "error", err)
	}

	return m
}

func (m *schedulerMetrics) jobClaimed(ctx context.Context, name string) {
	if m.claimed == nil {
		return
	}
	m.claimed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", name)))
}

func (m *schedulerMetrics) jobCompleted(ctx context.Context, name string, d time.Duration) {
	if m.completed != nil {
		m.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", name)))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(d)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("job_name", name)))
	}
}

func (m *schedulerMetrics) jobFailed(ctx context.Context, name string, willRetry bool) {
	if m.failed == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", name),
		attribute.Bool("will_retry", willRetry),
	))
}

func (m *schedulerMetrics) jobActive(ctx context.Context, delta int64) {
	if m.active == nil {
		return
	}
	m.active.Add(ctx, delta)
}

func (m *schedulerMetrics) staleRecovered(ctx context.Context, count int64) {
	if m.stale == nil {
		return
	}
	m.stale.Add(ctx, count)
}

func (m *schedulerMetrics) streamReconnected(ctx context.Context) {
	if m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1)
}
