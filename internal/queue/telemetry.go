package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	jobsEnqueuedCounter     metric.Int64Counter
	jobsDeduplicatedCounter metric.Int64Counter
	jobsFinishedCounter     metric.Int64Counter
	cleanupCounter          metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/phrazzld/scry-ingest/internal/queue")

	var err error
	jobsEnqueuedCounter, err = meter.Int64Counter(
		"scry.queue.jobs.enqueued",
		metric.WithDescription("Number of jobs inserted into a queue"),
	)
	if err != nil {
		panic(err)
	}

	jobsDeduplicatedCounter, err = meter.Int64Counter(
		"scry.queue.jobs.deduplicated",
		metric.WithDescription("Number of enqueues absorbed by an existing job"),
	)
	if err != nil {
		panic(err)
	}

	jobsFinishedCounter, err = meter.Int64Counter(
		"scry.queue.jobs.finished",
		metric.WithDescription("Number of job attempts by outcome"),
	)
	if err != nil {
		panic(err)
	}

	cleanupCounter, err = meter.Int64Counter(
		"scry.queue.cleanup.jobs",
		metric.WithDescription("Number of jobs touched by correlation cleanup"),
	)
	if err != nil {
		panic(err)
	}
}

func recordEnqueued(ctx context.Context, queue string) {
	jobsEnqueuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func recordDeduplicated(ctx context.Context, queue string) {
	jobsDeduplicatedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
}

func recordFinished(ctx context.Context, queue, outcome string) {
	jobsFinishedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", outcome),
	))
}

func recordCleanup(ctx context.Context, queue string, removed, failed int) {
	cleanupCounter.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("result", "removed"),
	))
	if failed > 0 {
		cleanupCounter.Add(ctx, int64(failed), metric.WithAttributes(
			attribute.String("queue", queue),
			attribute.String("result", "failed"),
		))
	}
}
