package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phrazzld/scry-ingest/internal/api"
	"github.com/phrazzld/scry-ingest/internal/config"
	"github.com/phrazzld/scry-ingest/internal/events"
	"github.com/phrazzld/scry-ingest/internal/pipeline"
	"github.com/phrazzld/scry-ingest/internal/platform/gemini"
	"github.com/phrazzld/scry-ingest/internal/platform/kafka"
	"github.com/phrazzld/scry-ingest/internal/platform/objectstore"
	"github.com/phrazzld/scry-ingest/internal/platform/postgres"
	"github.com/phrazzld/scry-ingest/internal/queue"
	"github.com/phrazzld/scry-ingest/internal/quota"
	"github.com/phrazzld/scry-ingest/internal/segment"
	"github.com/phrazzld/scry-ingest/internal/source"
	"github.com/phrazzld/scry-ingest/internal/task"
	"github.com/phrazzld/scry-ingest/internal/training"
)

// application holds the wired service components.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	router  http.Handler
	runner  *task.Runner
	kicks   *queue.Worker
	closers []io.Closer
}

func queueConfig(cfg config.QueueConfig) queue.Config {
	return queue.Config{
		StepDelay:       cfg.StepDelay,
		DefaultAttempts: cfg.DefaultAttempts,
		DedupTTL:        cfg.DedupTTL,
		Lease:           cfg.Lease,
		RetryBackoff:    cfg.RetryBackoff,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay,
	}
}

func cleanupOptions(cfg config.QueueConfig) queue.CleanupOptions {
	opts := queue.DefaultCleanupOptions()
	opts.RetryAttempts = cfg.RetryAttempts
	opts.RetryDelay = cfg.RetryDelay
	return opts
}

// newParseQueue opens the dataset-parse queue on the Postgres job store.
func newParseQueue(pool *pgxpool.Pool, cfg config.QueueConfig, logger *slog.Logger) (*queue.Queue, error) {
	return queue.New(task.ParseQueue, postgres.NewJobStore(pool), queueConfig(cfg), logger)
}

func newSources(ctx context.Context, cfg config.SourcesConfig, logger *slog.Logger) (*source.Registry, error) {
	client := source.NewHTTPClient(cfg.HTTPTimeout)
	urls := source.NewURLReader(client, cfg.MaxBodyBytes, logger)

	registry := source.NewRegistry()
	registry.Register(source.KindLink, urls)
	registry.Register(source.KindExternalFile, urls)
	registry.Register(source.KindAPIFile, source.NewAPIFileReader(client, cfg.MaxBodyBytes))

	if cfg.FileBucket == "" {
		logger.Warn("no file bucket configured, local file collections cannot be parsed")
		return registry, nil
	}
	files, err := objectstore.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create file reader: %w", err)
	}
	registry.Register(source.KindFileLocal, files)
	return registry, nil
}

// newApplication wires every component on top of an open pool. Nothing is
// started.
func newApplication(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*application, error) {
	app := &application{config: cfg, logger: logger}

	catalog := postgres.NewCatalog(pool)
	units := postgres.NewUnitStore(pool, catalog, cfg.Training.ClaimBackoff)
	quotas := postgres.NewQuotaStore(pool, quota.Limits{
		AIPoints:   cfg.Quota.DefaultAIPoints,
		IndexLimit: cfg.Quota.DefaultIndexLimit,
	}, cfg.Quota.ReserveCost)

	sources, err := newSources(ctx, cfg.Sources, logger)
	if err != nil {
		return nil, err
	}

	var segmenter segment.Service
	if cfg.Features.ParagraphAI {
		s, err := gemini.NewSegmenter(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create segmenter: %w", err)
		}
		segmenter = s
	}

	var sink pipeline.TrainingQueue
	switch cfg.Sink.Driver {
	case "kafka":
		k, err := kafka.NewSink(cfg.Sink.KafkaBrokers, cfg.Sink.KafkaTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka sink: %w", err)
		}
		app.closers = append(app.closers, k)
		sink = k
	default:
		s, err := postgres.NewTrainingSink(pool, quotas)
		if err != nil {
			return nil, fmt.Errorf("failed to create training sink: %w", err)
		}
		sink = s
	}

	emitter := events.NewInMemoryEmitter(logger)

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.MaxChunkSize = cfg.LLM.MaxChunkSize
	worker, err := pipeline.NewWorker(pipeline.Deps{
		Units:     units,
		Catalog:   catalog,
		Quota:     quotas,
		Usage:     postgres.NewUsageStore(pool),
		Sources:   sources,
		Segmenter: segmenter,
		Queue:     sink,
		Emitter:   emitter,
	}, pipeCfg, pipeline.Features{ParagraphAI: cfg.Features.ParagraphAI}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline worker: %w", err)
	}

	app.runner, err = task.NewRunner(worker, task.RunnerConfig{
		WorkerCount:  cfg.Training.WorkerCount,
		PollInterval: cfg.Training.PollInterval,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse runner: %w", err)
	}

	q, err := newParseQueue(pool, cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create parse queue: %w", err)
	}
	app.kicks, err = q.RegisterWorker(task.KickProcessor(app.runner),
		queue.WithConcurrency(cfg.Queue.Concurrency),
		queue.WithPollInterval(cfg.Queue.PollInterval),
		queue.WithFailureHandler(func(ctx context.Context, job *queue.Job, err error, decision queue.Decision) {
			logger.WarnContext(ctx, "kick job failed", "job_id", job.ID, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register kick worker: %w", err)
	}

	kicker, err := task.NewKicker(q, cfg.Training.KickDedupTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create kicker: %w", err)
	}
	emitter.Subscribe(events.TypeParseRequested, kicker)

	handler, err := api.NewHandler(api.Deps{
		Producer: training.NewProducer(units, emitter, cfg.Training.RetryBudget, logger),
		Units:    units,
		Kicker:   kicker,
		Jobs:     q,
		Runner:   app.runner,
		Quotas:   quotas,
		Cleanup:  cleanupOptions(cfg.Queue),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api handler: %w", err)
	}
	app.router = api.NewRouter(handler, logger)
	return app, nil
}

// start launches the parse runner and the kick consumer.
func (a *application) start(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	a.kicks.Start(ctx)
	return nil
}

// stop halts background work and releases the sink.
func (a *application) stop() error {
	a.kicks.Stop()
	err := a.runner.Stop()
	for _, c := range a.closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
