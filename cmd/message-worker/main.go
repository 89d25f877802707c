// Package main is the entry point for the chatgate message worker.
//
// The worker long-polls the messages queue, runs each job through the
// dispatch state machine (intent detection, media analysis, reply delivery),
// and routes outcomes: successes are acknowledged, retryable failures are
// republished with backoff until the attempt budget runs out, and terminal
// failures are dead-lettered. Every attempt leaves an audit record.
//
// Startup sequence:
//  1. Load configuration (env -> .env -> SSM for non-local environments).
//  2. Initialize the structured JSON logger.
//  3. Build AWS clients (SQS, CloudWatch, with LocalStack endpoint override).
//  4. Connect the audit database pool.
//  5. Build the collaborator clients and the worker pool, then run until
//     SIGINT/SIGTERM.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatgate/internal/config"
	"chatgate/internal/db"
	"chatgate/internal/external"
	"chatgate/internal/queue"
	"chatgate/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("chatgate message worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"concurrency", cfg.Worker.Concurrency,
		"max_attempts", cfg.Worker.MaxAttempts,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.Region))
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Queue.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.Queue.EndpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	pool, err := newDatabasePool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting audit database: %w", err)
	}
	defer pool.Close()

	audit, err := db.NewAuditRepository(pool)
	if err != nil {
		return fmt.Errorf("creating audit repository: %w", err)
	}

	whatsapp := external.NewWhatsAppClient(
		&http.Client{Timeout: cfg.WhatsApp.Timeout},
		cfg.WhatsApp,
		logger,
	)
	intent := external.NewIntentClient(
		&http.Client{Timeout: cfg.Intent.Timeout},
		cfg.Intent,
		logger,
	)
	media := external.NewMediaAnalysisClient(
		&http.Client{Timeout: cfg.Media.Timeout},
		cfg.Media,
		logger,
	)

	var metrics worker.PipelineMetrics = worker.NoopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = worker.NewCloudWatchPipelineMetrics(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	dispatcher := worker.NewDispatcher(whatsapp, intent, whatsapp, media, logger)

	workerPool := worker.NewPool(
		queue.NewConsumer(sqsClient, cfg.Queue, cfg.Worker, logger),
		queue.NewProducer(sqsClient, cfg.Queue, logger),
		dispatcher,
		audit,
		metrics,
		cfg.Worker,
		worker.DefaultRetryPolicy(),
		logger,
	)

	return workerPool.Run(ctx)
}

// secretProvider returns the SSM provider for deployed environments. Local
// development resolves everything from the environment and .env.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

func newDatabasePool(ctx context.Context, dbCfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dbCfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(dbCfg.MaxConns)
	poolCfg.MinConns = int32(dbCfg.MinConns)
	poolCfg.MaxConnLifetime = dbCfg.MaxConnLifetime

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return pgxpool.NewWithConfig(connectCtx, poolCfg)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
