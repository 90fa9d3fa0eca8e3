package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"trackvault/internal/config"
	"trackvault/internal/domain"
	"trackvault/internal/downloader"
	"trackvault/internal/fetcher"
	apphttp "trackvault/internal/http"
	"trackvault/internal/ledger"
	"trackvault/internal/metrics"
	"trackvault/internal/repository/sqlite"
	"trackvault/internal/resolver"
	"trackvault/internal/service"
	"trackvault/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}
	if strings.TrimSpace(cfg.Resolver.BaseURL) == "" {
		logger.Fatalf("resolver base url is required")
	}
	masterKey, err := cfg.MasterKey()
	if err != nil {
		logger.Fatalf("resolver master key: %v", err)
	}

	for _, dir := range []string{filepath.Dir(cfg.Database.Path), filepath.Dir(cfg.Ledger.Path), cfg.Download.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatalf("create directory %s: %v", dir, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	jobService := service.NewJobService(jobRepo)
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	store := ledger.NewStore(afero.NewOsFs(), cfg.Ledger.Path, logger)
	led, err := ledger.New(store, logger)
	if err != nil {
		logger.Fatalf("open ledger: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.New()
	pipelineMetrics.Register(registry)

	res := resolver.NewHTTPResolver(cfg.Resolver.BaseURL, masterKey, time.Duration(cfg.Resolver.Timeout)*time.Second)

	fetchOpts := fetcher.DefaultOptions()
	fetchOpts.Timeout = time.Duration(cfg.Download.FetchTimeout) * time.Second
	fetchOpts.MaxRetries = cfg.Download.MaxRetries
	fetchOpts.RetryBackoff = time.Duration(cfg.Download.RetryBackoffMS) * time.Millisecond

	manager := downloader.NewManager(downloader.Config{
		DownloadRoot:  cfg.Download.DataDir,
		MaxActiveJobs: cfg.Download.MaxActiveJobs,
		ChunkWorkers:  cfg.Download.ChunkWorkers,
		FetchOptions:  fetchOpts,
		ArchiveOptions: storage.UploadOptions{
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		Logger:  logger,
		Metrics: pipelineMetrics,
	}, res, led, jobService, storageSvc)

	if err := manager.Start(ctx); err != nil {
		logger.Fatalf("start manager: %v", err)
	}
	if err := manager.Reconcile(ctx); err != nil {
		logger.Warnf("reconcile stale jobs: %v", err)
	}

	go drainEvents(manager, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(
		jobService,
		manager,
		led,
		userService,
		apphttp.ArchiveConfig{
			Storage:   storageSvc,
			Bucket:    cfg.Storage.Bucket,
			KeyPrefix: cfg.Storage.KeyPrefix,
		},
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
}

func drainEvents(manager downloader.Manager, logger *logrus.Logger) {
	for event := range manager.Events() {
		entry := logger.WithFields(logrus.Fields{
			"job_id":  event.JobID,
			"item_id": event.ItemID,
		})
		switch event.Kind {
		case domain.JobEventFailed:
			entry.Warnf("job failed: %v", event.Err)
		case domain.JobEventProgress:
			entry.Debugf("progress %d/%d", event.CompletedChunks, event.TotalChunks)
		default:
			entry.Infof("job %s", event.Kind)
		}
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, archiving disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client), nil
}
