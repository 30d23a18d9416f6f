package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"
	"google.golang.org/api/option"

	"github.com/prodgen/backend/internal/auth"
	"github.com/prodgen/backend/internal/batches"
	"github.com/prodgen/backend/internal/catalog"
	"github.com/prodgen/backend/internal/catalogsync"
	"github.com/prodgen/backend/internal/config"
	"github.com/prodgen/backend/internal/execution"
	"github.com/prodgen/backend/internal/generator"
	"github.com/prodgen/backend/internal/handlers"
	"github.com/prodgen/backend/internal/jobs"
	"github.com/prodgen/backend/internal/ledger"
	"github.com/prodgen/backend/internal/logger"
	"github.com/prodgen/backend/internal/router"
	"github.com/prodgen/backend/internal/validation"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create database pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("cannot reach PostgreSQL")
	}
	log.Info().Msg("connected to PostgreSQL")

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create River migrator")
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		log.Fatal().Err(err).Msg("River migrate up failed")
	}
	log.Info().Msg("River migrations applied")

	validator, err := validation.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compile parameter schemas")
	}

	// Ledger
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool), ledger.Pricing{
		ImageOverageCents: cfg.ImageOverageCents,
		TextOverageCents:  cfg.TextOverageCents,
	}, log)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.EnqueueTxFunc
	enqueueGenerate := func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsRepo := jobs.NewRepository(pool)
	jobsSvc := jobs.NewService(jobsRepo, ledgerSvc, validator, enqueueGenerate, log)

	batchRepo := batches.NewRepository(pool)
	batchSvc := batches.NewService(batchRepo, jobsRepo, jobsSvc, ledgerSvc, validator, log)

	// Generators
	imageGen := generator.NewWebhookGenerator(cfg.GeneratorWebhookURL, cfg.GeneratorTimeout, log)
	var textGen execution.Generator
	if cfg.GeminiAPIKey != "" {
		genaiClient, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create GenAI client")
		}
		defer genaiClient.Close()
		textGen = generator.NewGeminiGenerator(genaiClient.GenerativeModel(cfg.GeminiModel), log)
	} else {
		log.Warn().Msg("GEMINI_API_KEY not set, description jobs will fail")
	}

	// Catalog sync
	accounts := catalog.NewAccountRepository(pool)
	syncer := catalog.NewSyncer(accounts, catalog.NewClient(cfg.CatalogTimeout, log), catalog.NewProductRepository(pool), cfg.CatalogPageSize)
	syncRepo := catalogsync.NewRepository(pool)
	runner := catalogsync.NewRunner(syncRepo, syncer, catalogsync.RunnerConfig{
		Budget:         cfg.SyncInvocationBudget,
		SafetyMargin:   cfg.SyncSafetyMargin,
		ClaimLimit:     cfg.SyncClaimLimit,
		MaxPagesPerJob: cfg.SyncMaxPagesPerJob,
	}, log)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, batchRepo, generator.NewRouter(imageGen, textGen), execution.Options{
		PausedSnooze: cfg.PausedSnooze,
		Timeout:      time.Duration(jobs.MaxVariations) * cfg.GeneratorTimeout,
	}, log))
	river.AddWorker(workers, catalogsync.NewRunWorker(runner, log))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault:      {MaxWorkers: 10},
			execution.QueueGenerate: {MaxWorkers: cfg.ExecutionMaxWorkers},
			catalogsync.QueueSync:   {MaxWorkers: 1},
		},
		PeriodicJobs: []*river.PeriodicJob{catalogsync.PeriodicJob(cfg.SyncInterval)},
		Workers:      workers,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create River client")
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args execution.GenerateArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	syncSvc := catalogsync.NewService(syncRepo, accounts, func(ctx context.Context) error {
		_, err := riverClient.Insert(ctx, catalogsync.RunArgs{}, nil)
		return err
	}, log)

	// Auth & HTTP
	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	apiRouter := router.New(router.Handlers{
		Auth:    auth.NewHandler(authSvc, log),
		Credits: handlers.NewCreditsHandler(ledgerSvc, log),
		Jobs:    handlers.NewJobsHandler(jobsSvc, log),
		Batches: handlers.NewBatchesHandler(batchSvc, log),
		Sync:    handlers.NewSyncHandler(syncSvc, log),
	}, authSvc, log)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(apiRouter)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start River client")
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP shutdown failed")
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("River stop failed")
		}
	}()

	log.Info().Str("addr", srv.Addr).Msg("starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
}
