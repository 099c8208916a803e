package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/config"
	"github.com/policeconduct/formsapi/handler"
	"github.com/policeconduct/formsapi/middleware"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/pkg/metrics"
	"github.com/policeconduct/formsapi/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := os.Getenv("FORMS_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	slog.Info("configuration loaded successfully", "path", configPath)
	for _, setting := range cfg.Validate() {
		slog.Warn("missing setting, dependent endpoints will fail", "setting", setting)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Initialize storage
	draftObjects, submissionObjects, secretObjects, err := newStores(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}

	// Initialize services
	var tokens service.TokenSource
	if cfg.Recaptcha.APIKey == "" {
		source, err := service.NewSecretSource(&cfg.Recaptcha.Credentials, secretObjects)
		if err != nil {
			slog.Error("recaptcha credentials are not configured", "error", err)
		} else {
			tokens = service.NewCredentialProvider(source, cfg.Recaptcha.Credentials.TokenURL, nil)
		}
	}
	verifier := service.NewRecaptchaService(&cfg.Recaptcha, tokens, m)
	drafts := service.NewDraftStore(draftObjects, &cfg.Drafts, m)
	recorder := service.NewSubmissionRecorder(submissionObjects, verifier, drafts, &cfg.Submissions, m)

	checks := map[string]handler.HealthCheck{}
	var limiter middleware.Limiter
	if cfg.RateLimit.Requests > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		if cfg.RateLimit.RedisURL != "" {
			rdb, err := newRedisClient(cfg.RateLimit.RedisURL)
			if err != nil {
				slog.Error("failed to initialize redis, using in-memory rate limits", "error", err)
			} else {
				defer rdb.Close()
				limiter = middleware.WithFallback(
					middleware.NewRedisRateLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window),
					limiter,
				)
				checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
			}
		}
	}

	// Setup Gin router
	gin.SetMode(gin.ReleaseMode)
	formsHandler := handler.NewFormsHandler(drafts, recorder, cfg.Server.MaxBodyBytes)
	router, err := handler.NewRouter(formsHandler, handler.RouterConfig{
		PathPrefix:      cfg.Server.PathPrefix,
		CORS:            &cfg.CORS,
		TrustedProxies:  cfg.Server.TrustedProxies,
		TrustedPlatform: cfg.Server.TrustedPlatform,
		Limiter:         limiter,
		Metrics:         m,
	})
	if err != nil {
		slog.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	var opsSrv *http.Server
	if cfg.Metrics.Enabled {
		opsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           handler.NewOpsRouter(reg, checks),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			slog.Info("ops server starting", "addr", cfg.Metrics.Addr)
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("failed to start ops server", "error", err)
			}
		}()
	}

	// Start server in goroutine
	go func() {
		slog.Info("server starting", "port", cfg.Server.Port, "path_prefix", cfg.Server.PathPrefix)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if opsSrv != nil {
		if err := opsSrv.Shutdown(ctx); err != nil {
			slog.Warn("ops server forced to shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}

// newStores returns the drafts, submissions and secrets buckets. The secrets
// store is nil unless a credentials bucket is configured.
func newStores(ctx context.Context, cfg *config.Config) (drafts, submissions, secrets service.ObjectStore, err error) {
	switch cfg.Storage.Driver {
	case "memory":
		slog.Warn("using in-memory storage, data is lost on restart")
		drafts = service.NewMemoryStore(10000)
		submissions = service.NewMemoryStore(0)
		if cfg.Recaptcha.Credentials.Bucket != "" {
			secrets = service.NewMemoryStore(0)
		}
		return drafts, submissions, secrets, nil

	case "minio":
		minioSvc, err := service.NewMinioService(&cfg.Storage)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.Storage.EnsureBuckets {
			for _, bucket := range []string{cfg.Drafts.Bucket, cfg.Submissions.Bucket} {
				if bucket == "" {
					continue
				}
				if err := minioSvc.EnsureBucket(ctx, bucket); err != nil {
					return nil, nil, nil, fmt.Errorf("bucket %s: %w", bucket, err)
				}
			}
		}
		drafts = minioSvc.Bucket(cfg.Drafts.Bucket)
		submissions = minioSvc.Bucket(cfg.Submissions.Bucket)
		if cfg.Recaptcha.Credentials.Bucket != "" {
			secrets = minioSvc.Bucket(cfg.Recaptcha.Credentials.Bucket)
		}
		return drafts, submissions, secrets, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
