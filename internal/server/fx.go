// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-validator/internal/api"
	"github.com/JakeFAU/media-validator/internal/classify"
	"github.com/JakeFAU/media-validator/internal/clock/system"
	"github.com/JakeFAU/media-validator/internal/config"
	"github.com/JakeFAU/media-validator/internal/crawl"
	"github.com/JakeFAU/media-validator/internal/dispatcher"
	"github.com/JakeFAU/media-validator/internal/hash/sha256"
	"github.com/JakeFAU/media-validator/internal/id/uuid"
	"github.com/JakeFAU/media-validator/internal/logging"
	"github.com/JakeFAU/media-validator/internal/orchestrator"
	collyprobe "github.com/JakeFAU/media-validator/internal/probe/colly"
	gcppublisher "github.com/JakeFAU/media-validator/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/media-validator/internal/queue/memory"
	queuePubsub "github.com/JakeFAU/media-validator/internal/queue/pubsub"
	"github.com/JakeFAU/media-validator/internal/ratelimit"
	"github.com/JakeFAU/media-validator/internal/repair"
	"github.com/JakeFAU/media-validator/internal/retry"
	gcsstorage "github.com/JakeFAU/media-validator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/media-validator/internal/storage/local"
	memoryStorage "github.com/JakeFAU/media-validator/internal/storage/memory"
	pgstore "github.com/JakeFAU/media-validator/internal/storage/postgres"
	surrealstore "github.com/JakeFAU/media-validator/internal/storage/surreal"
	"github.com/JakeFAU/media-validator/internal/telemetry"
	"github.com/JakeFAU/media-validator/internal/validation"
	"github.com/JakeFAU/media-validator/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	orchestrator *orchestrator.Orchestrator
	checks       []api.ReadinessCheck

	memoryQueue    *queueMemory.Queue
	pubsubQueue    *queuePubsub.Queue
	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storage        *storage.Client
	pgStore        *pgstore.Store
	surreal        *surrealstore.Client
	memoryDocs     *memoryStorage.DocumentStore
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("documents", cfg.Documents.Backend),
		zap.String("reports", cfg.Reports.Backend),
		zap.String("export", cfg.Export.Backend),
	)
	return &App{cfg: cfg, logger: logger}, nil
}

// Orchestrator exposes the job and repair coordinator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Documents returns the in-memory document store, or nil for other backends.
func (a *App) Documents() *memoryStorage.DocumentStore {
	return a.memoryDocs
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunWorkers runs the worker pool until ctx ends.
func (a *App) RunWorkers(ctx context.Context) {
	a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Count))
	a.dispatch.Run(ctx)
}

// Run starts the workers and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.RunWorkers(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.pubsubQueue != nil {
		a.pubsubQueue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.surreal != nil {
		if err := a.surreal.Close(ctx); err != nil {
			a.logger.Warn("surrealdb close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync on stderr/stdout returns EINVAL on some platforms; nothing to act on.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.cfg.Telemetry.Version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		Enabled:     a.cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.logger.Info("building application dependencies")
	docs, err := a.setupDocuments(ctx)
	if err != nil {
		return err
	}
	reports, repairs, err := a.setupReports(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupExport(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	queue, err := a.setupQueue(ctx)
	if err != nil {
		return err
	}

	a.dispatch = dispatcher.New(queue, nil)
	policy := a.cfg.RetryPolicy()
	placeholders := a.cfg.RepairPlaceholders()

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Reports:   reports,
		Repairs:   repairs,
		Queue:     a.dispatch,
		Crawler:   crawl.New(docs, a.dispatch, policy, a.logger),
		Repairer:  repair.New(docs, placeholders, policy, a.logger),
		Blobs:     blobs,
		Hasher:    sha256.New(),
		Publisher: publisher,
		Clock:     system.New(),
		IDs:       uuid.New(),
	}, orchestrator.Config{
		TargetCollections: a.cfg.Validation.TargetCollections,
		DefaultBatchSize:  a.cfg.Validation.DefaultBatchSize,
		MaxBatchSize:      a.cfg.Validation.MaxBatchSize,
		InvalidItemCap:    a.cfg.Validation.InvalidItemCap,
		EventsTopic:       a.cfg.Events.Topic,
	}, a.logger)

	classifier := a.setupClassifier(placeholders, policy)
	workerCfg := worker.Config{
		Concurrency:  a.cfg.Classifier.Concurrency,
		BatchTimeout: a.cfg.Classifier.BatchTimeout,
		MediaFields:  a.cfg.Validation.MediaFields,
	}
	for i := 0; i < a.cfg.Worker.Count; i++ {
		a.dispatch.Add(worker.New(a.dispatch, docs, classifier, a.orchestrator, policy, workerCfg,
			a.logger.With(zap.Int("worker_id", i))))
	}

	a.apiServer = api.NewServer(a.orchestrator, *a.cfg, a.logger, a.checks...)
	return nil
}

func (a *App) setupDocuments(ctx context.Context) (validation.DocumentStore, error) {
	switch a.cfg.Documents.Backend {
	case "surreal":
		sc := a.cfg.Documents.Surreal
		client, err := surrealstore.Connect(ctx, surrealstore.Config{
			URL:       sc.URL,
			Namespace: sc.Namespace,
			Database:  sc.Database,
			Username:  sc.Username,
			Password:  sc.Password,
			AuthLevel: sc.AuthLevel,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("surrealdb init failed: %w", err)
		}
		a.surreal = client
		a.logger.Info("using SurrealDB document store",
			zap.String("url", sc.URL), zap.String("namespace", sc.Namespace), zap.String("database", sc.Database))
		return surrealstore.NewDocumentStore(client), nil
	default:
		docs := memoryStorage.NewDocumentStore()
		if a.cfg.Documents.SeedFile != "" {
			n, err := docs.LoadSeedFile(a.cfg.Documents.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("seed documents failed: %w", err)
			}
			a.logger.Info("seeded in-memory document store", zap.Int("documents", n))
		} else {
			a.logger.Warn("in-memory document store has no seed file; collections are empty")
		}
		a.memoryDocs = docs
		return docs, nil
	}
}

func (a *App) setupReports(ctx context.Context) (validation.ReportStore, validation.RepairStore, error) {
	if a.cfg.Reports.Backend != "postgres" {
		a.logger.Info("using in-memory report store")
		return memoryStorage.NewReportStore(), memoryStorage.NewRepairStore(), nil
	}
	store, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Reports.DSN,
		MaxConns:        a.cfg.Reports.MaxConns,
		MinConns:        a.cfg.Reports.MinConns,
		MaxConnLifetime: a.cfg.Reports.MaxConnLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("report store init failed: %w", err)
	}
	a.pgStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, fmt.Errorf("report schema init failed: %w", err)
	}
	a.checks = append(a.checks, api.ReadinessCheck{Name: "reports", Check: store.Ping})
	a.logger.Info("using Postgres report store")
	return store, store, nil
}

func (a *App) setupExport(ctx context.Context) (validation.BlobStore, error) {
	switch a.cfg.Export.Backend {
	case "gcs":
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: a.cfg.Export.Bucket, Prefix: a.cfg.Export.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobs.CheckBucket(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		a.logger.Info("exporting reports to GCS", zap.String("bucket", a.cfg.Export.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Export.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("exporting reports to local disk", zap.String("path", a.cfg.Export.BaseDir))
		return blobs, nil
	case "memory":
		a.logger.Info("exporting reports to memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		a.logger.Info("report export disabled")
		return nil, nil
	}
}

func (a *App) client(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.Queue.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) setupPublisher(ctx context.Context) (validation.Publisher, error) {
	if a.cfg.Events.Topic == "" {
		a.logger.Info("no events topic configured, lifecycle events disabled")
		return nil, nil
	}
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	a.publisher = gcppublisher.New(client)
	a.logger.Info("Pub/Sub event publisher initialized",
		zap.String("project", a.cfg.Queue.ProjectID), zap.String("topic", a.cfg.Events.Topic))
	return a.publisher, nil
}

func (a *App) setupQueue(ctx context.Context) (validation.Queue, error) {
	if a.cfg.Queue.Backend != "pubsub" {
		a.memoryQueue = queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
		a.logger.Info("using in-memory task queue", zap.Int("depth", a.cfg.Worker.QueueDepth))
		return a.memoryQueue, nil
	}
	client, err := a.client(ctx)
	if err != nil {
		return nil, err
	}
	q, err := queuePubsub.New(client, a.cfg.Queue.Topic, a.cfg.Queue.Subscription, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub queue init failed: %w", err)
	}
	a.pubsubQueue = q
	a.checks = append(a.checks, api.ReadinessCheck{Name: "queue", Check: func(context.Context) error { return q.Err() }})
	a.logger.Info("using Pub/Sub task queue",
		zap.String("topic", a.cfg.Queue.Topic), zap.String("subscription", a.cfg.Queue.Subscription))
	return q, nil
}

func (a *App) setupClassifier(placeholders repair.Placeholders, policy retry.Policy) *classify.Classifier {
	var (
		prober  validation.Prober
		limiter classify.Limiter
	)
	if a.cfg.Classifier.Probe {
		limiter = ratelimit.New(ratelimit.Config{
			PerHostRPS:   a.cfg.Classifier.RatePerHost,
			PerHostBurst: a.cfg.Classifier.BurstPerHost,
		})
		prober = collyprobe.New(collyprobe.Config{
			UserAgent: a.cfg.Classifier.UserAgent,
			Timeout:   a.cfg.Classifier.RequestTimeout,
		})
	} else {
		a.logger.Warn("reachability probing disabled; well-formed references are accepted unchecked")
	}
	return classify.New(classify.Config{
		EphemeralSchemes: a.cfg.Validation.EphemeralSchemes,
		Placeholders:     placeholders.URLs(),
		ProbeTimeout:     a.cfg.Classifier.RequestTimeout,
		Retry:            policy,
		Limiter:          limiter,
	}, prober, a.logger)
}
