package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/baechuer/cityevents/services/media-uploader/internal/cleanup"
	"github.com/baechuer/cityevents/services/media-uploader/internal/config"
	"github.com/baechuer/cityevents/services/media-uploader/internal/handler"
	"github.com/baechuer/cityevents/services/media-uploader/internal/jobs"
	"github.com/baechuer/cityevents/services/media-uploader/internal/logger"
	"github.com/baechuer/cityevents/services/media-uploader/internal/messaging"
	"github.com/baechuer/cityevents/services/media-uploader/internal/middleware"
	"github.com/baechuer/cityevents/services/media-uploader/internal/repository"
	"github.com/baechuer/cityevents/services/media-uploader/internal/storage"
)

func main() {
	config.LoadDotEnv()
	logger.Init()
	log := logger.Log

	cfg := config.LoadOrigin()
	log.Info().Str("addr", cfg.HTTPAddr).Msg("starting media origin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	uploadRepo := repository.NewUploadRepository(pool)
	if err := uploadRepo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	// Initialize S3 client
	s3Client, err := storage.NewS3Client(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create S3 client")
	}
	if err := s3Client.EnsureBuckets(ctx); err != nil {
		log.Error().Err(err).Msg("failed to ensure buckets exist")
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	jobStore := jobs.NewStore(rdb, cfg.JobTTL)

	// Initialize RabbitMQ
	conn, err := messaging.Dial(cfg.RabbitURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer conn.Close()

	publisher, err := messaging.NewPublisher(conn, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create RabbitMQ publisher")
	}
	defer publisher.Close()

	if cfg.SimulateAI {
		simulator := jobs.NewSimulator(jobStore, cfg.SimulateAIStep, log)
		defer simulator.Stop()

		consumer, err := messaging.NewConsumer(conn, cfg, func(_ context.Context, m messaging.AIGenerateMessage) error {
			simulator.Start(m.JobID)
			return nil
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create ai consumer")
		}
		defer consumer.Close()

		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("ai consumer stopped")
			}
		}()
	}

	sweeper := cleanup.NewSweeper(uploadRepo, s3Client, cfg, log)
	go sweeper.Run(ctx)

	uploadHandler := handler.NewUploadHandler(uploadRepo, s3Client, publisher, jobStore, cfg, log)
	auth := middleware.NewAuth(cfg.JWTSecret)
	presignLimit := middleware.RateLimit(rdb, middleware.RouteLimit{
		Name:     "presign",
		Capacity: cfg.PresignLimit,
		Window:   cfg.PresignWindow,
	}, middleware.PrincipalUserOrIP, log)

	// Setup router
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.AccessLog(log))
	r.Use(middleware.Metrics)
	r.Use(httprate.LimitByIP(cfg.GlobalLimit, cfg.GlobalWindow))

	// Health check
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := uploadRepo.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("db not ready"))
			return
		}
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("redis not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/upload", uploadHandler.Routes(auth.Require, presignLimit))

	if os.Getenv("ORIGIN_DEV_TOKEN") == "true" {
		token, err := middleware.IssueToken(cfg.JWTSecret, uuid.New(), 24*time.Hour)
		if err == nil {
			log.Warn().Str("token", token).Msg("issued development token")
		}
	}

	// Start server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Msg("media origin started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down media origin")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
}
