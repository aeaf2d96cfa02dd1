package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/cache"
	"github.com/erp/fiscal/internal/infrastructure/config"
	"github.com/erp/fiscal/internal/infrastructure/credential"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/infrastructure/migration"
	"github.com/erp/fiscal/internal/infrastructure/nfexml"
	"github.com/erp/fiscal/internal/infrastructure/persistence"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/erp/fiscal/internal/infrastructure/telemetry"
	"github.com/erp/fiscal/internal/infrastructure/worker"
	"github.com/erp/fiscal/internal/infrastructure/xmlsig"
	"github.com/erp/fiscal/internal/interfaces/http/handler"
	"github.com/erp/fiscal/internal/interfaces/http/middleware"
	"github.com/erp/fiscal/internal/interfaces/http/router"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := logger.ConfigForEnvironment(cfg.App.Env)
	logCfg.Service = cfg.App.Name
	if cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		logCfg.Format = cfg.Log.Format
	}
	if cfg.Log.Output != "" {
		logCfg.Output = cfg.Log.Output
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting fiscal service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("authority_env", cfg.Authority.Environment),
	)

	ctx := context.Background()

	tracerProvider, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	log = loggerProvider.Bridge(log, logger.ParseLevel(cfg.Log.Level))
	meter := meterProvider.Meter("github.com/erp/fiscal")
	fiscalMetrics, err := telemetry.NewFiscalMetrics(meter)
	if err != nil {
		log.Fatal("Failed to create fiscal metrics", zap.Error(err))
	}

	db, err := persistence.NewDatabase(&cfg.Database, log, logger.MapGormLogLevel(cfg.Log.Level))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, cfg.Telemetry.DBTraceEnabled, 200*time.Millisecond, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		log.Fatal("Failed to get sql.DB", zap.Error(err))
	}

	migrator, err := migration.NewEmbedded(sqlDB, log)
	if err != nil {
		log.Fatal("Failed to create migrator", zap.Error(err))
	}
	if err := migrator.Up(); err != nil {
		log.Fatal("Failed to apply migrations", zap.Error(err))
	}
	log.Info("Database ready")

	artifacts, err := storage.New(ctx, &cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize artifact storage", zap.Error(err))
	}
	if s3Store, ok := artifacts.(*storage.S3ArtifactStore); ok && cfg.Storage.Endpoint != "" {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to prepare artifact bucket", zap.Error(err))
		}
	}

	guard, err := cache.NewGuardFactory(cfg.Redis, cache.WithLogger(log)).CreateGuard()
	if err != nil {
		log.Fatal("Failed to create submission guard", zap.Error(err))
	}
	defer func() {
		_ = guard.Close()
	}()

	key, err := cfg.Credential.Key()
	if err != nil {
		log.Fatal("Invalid credential encryption key", zap.Error(err))
	}
	cipher, err := credential.NewCipher(key)
	if err != nil {
		log.Fatal("Failed to create credential cipher", zap.Error(err))
	}

	rootCAs, err := cfg.Authority.RootCAs()
	if err != nil {
		log.Fatal("Failed to load authority CA bundle", zap.Error(err))
	}

	payloads, err := app.NewPayloadValidator()
	if err != nil {
		log.Fatal("Failed to compile job payload schemas", zap.Error(err))
	}

	location := cfg.Authority.Location()
	benefitRules := make([]fiscal.BenefitRule, 0, len(cfg.Fiscal.BenefitRules))
	for _, r := range cfg.Fiscal.BenefitRules {
		benefitRules = append(benefitRules, fiscal.BenefitRule{
			State:         r.State,
			TaxSituations: r.TaxSituations,
			Code:          r.Code,
		})
	}
	var benefits *fiscal.BenefitTable
	if len(benefitRules) > 0 {
		benefits = fiscal.NewBenefitTable(benefitRules)
	}

	clock := shared.Clock(shared.SystemClock)
	jobRepo := persistence.NewGormJobRepository(db.DB, clock)
	sources := persistence.NewGormSourceRepository(db.DB)

	deps := app.Dependencies{
		Emissions:     persistence.NewGormEmissionRepository(db.DB),
		Cancellations: persistence.NewGormCancellationRepository(db.DB),
		Sources:       sources,
		Counter:       persistence.NewGormSequenceCounter(db.DB, clock),
		Assembler: fiscal.NewAssembler(fiscal.AssemblerConfig{
			Location:       location,
			ProcessVersion: cfg.Fiscal.ProcessVersion,
			Benefits:       benefits,
		}),
		Serializer:  nfexml.NewSerializer(location),
		Signer:      xmlsig.NewSigner(log),
		Credentials: credential.NewLoader(artifacts, cipher, clock, log),
		Authority: sefaz.NewClient(sefaz.Config{
			AuthorizationURL:  cfg.Authority.AuthorizationURL,
			ReceiptURL:        cfg.Authority.ReceiptURL,
			EventURL:          cfg.Authority.EventURL,
			Timeout:           cfg.Authority.Timeout,
			RequestsPerSecond: cfg.Authority.RequestsPerSecond,
			Burst:             cfg.Authority.Burst,
		}, sefaz.WithLogger(log), sefaz.WithRootCAs(rootCAs)),
		Artifacts: artifacts,
		Guard:     guard,
		Jobs:      jobRepo,
		Payloads:  payloads,
		Status:    app.NewStatusSynchronizer(sources, log),
	}
	svcCfg := app.Config{
		DefaultSeries: cfg.Fiscal.DefaultSeries,
		Environment:   fiscal.Environment(cfg.Authority.Environment),
		GuardTTL:      cfg.Redis.GuardTTL,
		MaxAttempts:   cfg.Worker.MaxAttempts,
	}
	svcOpts := []app.Option{app.WithLogger(log), app.WithClock(clock), app.WithMetrics(fiscalMetrics)}
	emissionService := app.NewEmissionService(deps, svcCfg, svcOpts...)
	cancellationService := app.NewCancellationService(deps, svcCfg, svcOpts...)
	jobService := app.NewJobService(jobRepo)

	// Background workers
	var workers []*worker.Worker
	if cfg.Worker.Enabled {
		handlers := map[string]worker.Handler{
			queue.JobTypeEmit:   worker.HandlerFunc(emissionService.HandleJob),
			queue.JobTypeCancel: worker.HandlerFunc(cancellationService.HandleJob),
		}
		workerCfg := worker.Config{
			PollInterval: cfg.Worker.PollInterval,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BaseDelay:    cfg.Worker.BaseDelay,
			ErrorBackoff: cfg.Worker.ErrorBackoff,
			StaleAfter:   cfg.Worker.StaleAfter,
		}
		for _, jobType := range cfg.Worker.JobTypes {
			h, ok := handlers[jobType]
			if !ok {
				log.Warn("Unknown job type in worker configuration", zap.String("job_type", jobType))
				continue
			}
			w := worker.New(jobRepo, jobType, h, workerCfg,
				worker.WithLogger(log),
				worker.WithClock(clock),
				worker.WithMetrics(fiscalMetrics),
			)
			if err := w.Start(ctx); err != nil {
				log.Fatal("Failed to start worker", zap.String("job_type", jobType), zap.Error(err))
			}
			workers = append(workers, w)
		}
		log.Info("Workers started", zap.Int("count", len(workers)))
	}

	// HTTP
	engine := router.NewEngine(router.EngineConfig{
		Logger:         log,
		ServiceName:    cfg.Telemetry.ServiceName,
		TracingEnabled: cfg.Telemetry.Enabled,
		MaxBodyBytes:   cfg.HTTP.MaxBodySize,
	})
	httpMetrics, err := middleware.HTTPMetrics(meter)
	if err != nil {
		log.Fatal("Failed to create HTTP metrics", zap.Error(err))
	}
	engine.Use(httpMetrics)

	router.SystemRoutes(engine, handler.NewSystemHandler(version, map[string]handler.Pinger{
		"database": sqlDB,
	}))
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	for _, registrar := range router.FiscalRoutes(
		handler.NewNFeHandler(emissionService, cancellationService),
		handler.NewJobHandler(jobService),
	) {
		r.Register(registrar)
	}
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	for _, w := range workers {
		if err := w.Stop(shutdownCtx); err != nil {
			log.Error("Worker did not stop cleanly", zap.String("job_type", w.JobType()), zap.Error(err))
		}
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush metrics", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}
	if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush logs", zap.Error(err))
	}

	log.Info("Server exited")
}
