package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"story-pipeline/internal/briefs"
	"story-pipeline/internal/config"
	"story-pipeline/internal/database"
	"story-pipeline/internal/imagegen"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/metrics"
	"story-pipeline/internal/model"
	"story-pipeline/internal/notify"
	"story-pipeline/internal/pipeline"
	"story-pipeline/internal/report"
	"story-pipeline/internal/repository"
	"story-pipeline/internal/retry"
	"story-pipeline/internal/telemetry"
	"story-pipeline/internal/worker"
)

const (
	exitOK      = 0
	exitFailure = 1
)

type flags struct {
	autoGenerate bool
	count        int
	serve        bool
	migrate      string
}

func parseFlags() flags {
	var f flags
	flag.BoolVar(&f.autoGenerate, "auto-generate", false, "synthesise new briefs before processing one")
	flag.IntVar(&f.count, "count", 5, "number of briefs to synthesise with -auto-generate")
	flag.BoolVar(&f.serve, "serve", false, "run the scheduled worker with an HTTP status server")
	flag.StringVar(&f.migrate, "migrate", "", "run migrations and exit: up | down | version")
	flag.Parse()
	return f
}

func main() {
	os.Exit(run())
}

func run() int {
	f := parseFlags()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitFailure
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding, OutputPath: cfg.LogOutput})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitFailure
	}
	defer func() { _ = log.Sync() }()
	cfg.LogSummary(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, database.Options{
		DSN:           cfg.GetDSN(),
		MaxConns:      cfg.DBMaxConns,
		IdleTimeout:   cfg.DBIdleTimeout,
		ConnectTries:  cfg.DBConnectTries,
		ConnectPeriod: cfg.DBConnectPeriod,
	}, log)
	if err != nil {
		log.Error("Failed to connect to database", zap.Error(err))
		return exitFailure
	}
	defer pool.Close()

	if f.migrate != "" {
		return runMigrations(ctx, pool, f.migrate, log)
	}
	if cfg.DBAutoMigrate {
		if err := database.Migrate(ctx, pool, log); err != nil {
			log.Error("Failed to apply migrations", zap.Error(err))
			return exitFailure
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", zap.Error(err), zap.String("error_kind", string(model.Classify(err))))
		return exitFailure
	}

	tp, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.OTelEnabled,
		Exporter:    cfg.OTelExporter,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "storygen",
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		log.Error("Failed to initialize tracing", zap.Error(err))
		return exitFailure
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}()

	pusher := metrics.NewPusher(cfg.PushgatewayURL, log)
	defer func() { _ = pusher.Push() }()

	app, err := build(ctx, cfg, pool, tp, log)
	if err != nil {
		log.Error("Failed to build pipeline", zap.Error(err), zap.String("error_kind", string(model.Classify(err))))
		return exitFailure
	}
	defer app.close()

	if f.serve {
		return serve(ctx, cfg, app, log)
	}

	if f.autoGenerate {
		rep, err := app.generator.Generate(ctx, f.count)
		if err != nil {
			log.Error("Brief generation failed", zap.Error(err))
			return exitFailure
		}
		fmt.Println(report.Briefs(rep.Requested, rep.Inserted, rep.Failed))
	}

	return processOne(ctx, app, log)
}

// app - собранные зависимости процесса.
type app struct {
	store     *repository.PostgresStore
	queue     *briefs.Queue
	generator *briefs.Generator
	runner    *pipeline.Runner
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, tp *telemetry.Provider, log *zap.Logger) (*app, error) {
	a := &app{store: repository.NewPostgresStore(pool, log)}
	a.queue = briefs.NewQueue(a.store, cfg.QueueStaleAfter, cfg.BriefLowWatermark, log)

	client, err := llm.New(llm.Config{
		ClientType: cfg.AIClientType,
		BaseURL:    cfg.AIBaseURL,
		APIKey:     cfg.AIAPIKey,
		Model:      cfg.AIModel,
		MaxTokens:  cfg.AIMaxTokens,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	images, err := imagegen.New(imagegen.Config{
		Provider:      cfg.ImageProvider,
		Enabled:       cfg.ImageEnabled(),
		BaseURL:       cfg.ImageBaseURL,
		APIKey:        cfg.ImageAPIKey,
		Model:         cfg.ImageModel,
		Size:          cfg.ImageSize,
		SavePath:      cfg.ImageSavePath,
		PublicBaseURL: cfg.ImagePublicBaseURL,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrConfiguration, err)
	}

	var genOpts []briefs.GeneratorOption
	if cfg.RedisURL != "" {
		rdb, err := briefs.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		genOpts = append(genOpts, briefs.WithFingerprints(briefs.NewRedisFingerprints(rdb, cfg.BriefDedupTTL, log)))
	}
	a.generator, err = briefs.NewGenerator(client, retry.New(pipeline.LLMRetryPolicy(cfg)), cfg.AIModel, briefs.Catalog{
		Themes:        cfg.Policy.Themes,
		Genres:        cfg.Policy.Genres,
		Virtues:       cfg.Policy.Virtues,
		ReadingLevels: cfg.Policy.ReadingLevels,
	}, a.store, log, genOpts...)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []pipeline.Option{pipeline.WithTracer(tp.Tracer)}
	if cfg.RabbitMQURL != "" {
		conn, err := notify.ConnectRabbitMQ(ctx, cfg.RabbitMQURL, 5, 2*time.Second, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		publisher, err := notify.NewRabbitPublisher(conn, cfg.StoryReadyQueue, log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		opts = append(opts, pipeline.WithPublisher(publisher))
	}

	a.runner = pipeline.Build(cfg, client, images, a.store, a.queue, log, opts...)
	return a, nil
}

// processOne захватывает и прогоняет один бриф.
func processOne(ctx context.Context, a *app, log *zap.Logger) int {
	brief, err := a.queue.ClaimNext(ctx)
	if err != nil {
		log.Error("Failed to claim brief", zap.Error(err))
		return exitFailure
	}
	if brief == nil {
		fmt.Println("No work available.")
		return exitOK
	}

	res, err := a.runner.Run(ctx, *brief)
	if err != nil {
		log.Error("Pipeline run failed",
			zap.String("brief_id", brief.ID.String()),
			zap.String("error_kind", string(model.Classify(err))),
			zap.Error(err),
		)
		if res != nil && res.Run != nil {
			fmt.Println(report.Failure(res.Run))
		}
		return exitFailure
	}
	fmt.Println(report.Success(res.Story, res.Run))
	return exitOK
}

// serve запускает воркер по расписанию и HTTP-сервер до сигнала остановки.
func serve(ctx context.Context, cfg *config.Config, a *app, log *zap.Logger) int {
	w, err := worker.New(worker.Config{
		Schedule:    cfg.WorkerSchedule,
		Concurrency: cfg.WorkerConcurrency,
		RefillCount: cfg.BriefRefillCount,
	}, a.queue, a.runner, a.generator, log)
	if err != nil {
		log.Error("Failed to create worker", zap.Error(err))
		return exitFailure
	}

	srv := worker.NewServer(cfg.WorkerHTTPPort, worker.NewRouter(w, a.store, log))
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.WorkerHTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	w.Start()
	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		log.Error("HTTP server failed", zap.Error(err))
		code = exitFailure
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", zap.Error(err))
	}
	if err := w.Stop(shutdownCtx); err != nil {
		log.Warn("Worker stopped with unfinished runs", zap.Error(err))
	}
	return code
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool, direction string, log *zap.Logger) int {
	m := database.NewMigrator(pool, log)
	switch direction {
	case "up":
		if err := m.Up(ctx); err != nil {
			log.Error("Migration up failed", zap.Error(err))
			return exitFailure
		}
	case "down":
		if err := m.Down(ctx); err != nil {
			log.Error("Migration down failed", zap.Error(err))
			return exitFailure
		}
	case "version":
		version, dirty, err := m.Version(ctx)
		if err != nil {
			log.Error("Failed to read migration version", zap.Error(err))
			return exitFailure
		}
		fmt.Printf("schema version %d (dirty: %t)\n", version, dirty)
	default:
		log.Error("Unknown migrate command", zap.String("command", direction))
		return exitFailure
	}
	return exitOK
}
