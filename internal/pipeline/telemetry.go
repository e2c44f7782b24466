package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	runsCounter     metric.Int64Counter
	chunksCounter   metric.Int64Counter
	tokensCounter   metric.Int64Counter
	runDurationHist metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/phrazzld/scry-ingest/internal/pipeline")

	var err error
	runsCounter, err = meter.Int64Counter(
		"scry.pipeline.runs",
		metric.WithDescription("Number of pipeline runs by outcome"),
	)
	if err != nil {
		panic(err)
	}

	chunksCounter, err = meter.Int64Counter(
		"scry.pipeline.chunks",
		metric.WithDescription("Number of chunks pushed to the training queue"),
	)
	if err != nil {
		panic(err)
	}

	tokensCounter, err = meter.Int64Counter(
		"scry.pipeline.segment.tokens",
		metric.WithDescription("Tokens consumed by paragraph segmentation"),
	)
	if err != nil {
		panic(err)
	}

	runDurationHist, err = meter.Float64Histogram(
		"scry.pipeline.run.duration",
		metric.WithDescription("Duration of pipeline runs that claimed a unit"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func recordRun(ctx context.Context, res Result, elapsed time.Duration) {
	outcome := metric.WithAttributes(attribute.String("outcome", string(res.Outcome)))
	runsCounter.Add(ctx, 1, outcome)
	if res.Outcome == OutcomeIdle {
		return
	}
	runDurationHist.Record(ctx, elapsed.Seconds(), outcome)
	if res.Outcome == OutcomeDone {
		chunksCounter.Add(ctx, int64(res.Chunks))
	}
	if res.Usage != nil {
		tokensCounter.Add(ctx, int64(res.Usage.InputTokens), metric.WithAttributes(attribute.String("direction", "input")))
		tokensCounter.Add(ctx, int64(res.Usage.OutputTokens), metric.WithAttributes(attribute.String("direction", "output")))
	}
}
