// Package main is the entry point for the chatgate webhook receiver.
//
// The receiver terminates Meta webhook traffic: it answers the GET
// subscription handshake, verifies the HMAC signature on POST deliveries,
// normalizes the payload, and enqueues one job per message on SQS. All
// message processing happens in the message-worker binary; the receiver's
// only job is to get the payload onto the queue and answer quickly.
//
// Startup sequence:
//  1. Load configuration (env -> .env -> SSM for non-local environments).
//  2. Initialize the structured JSON logger.
//  3. Build AWS clients (SQS, with LocalStack endpoint override support).
//  4. Connect the audit database pool for the readiness probe.
//  5. Build the HTTP chassis, mount the webhook routes, and serve.
//
// Graceful shutdown is handled via SIGINT/SIGTERM interception.
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
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatgate/internal/config"
	"chatgate/internal/core"
	"chatgate/internal/external"
	"chatgate/internal/queue"
	"chatgate/internal/webhook"
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
	logger.Info("chatgate receiver starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
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

	pool, err := newDatabasePool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting audit database: %w", err)
	}
	defer pool.Close()

	producer := queue.NewProducer(sqsClient, cfg.Queue, logger)
	whatsapp := external.NewWhatsAppClient(
		&http.Client{Timeout: cfg.WhatsApp.Timeout},
		cfg.WhatsApp,
		logger,
	)

	srv, err := core.NewServer(cfg, logger,
		core.NewProbe("database", pool.Ping),
		core.NewProbe("queue", queueProbe(sqsClient, cfg.Queue.MessagesURL)),
	)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	handler := webhook.NewHandler(
		webhook.NewParser(logger),
		producer,
		whatsapp,
		cfg.WhatsApp.AppSecret,
		cfg.WhatsApp.VerifyToken,
		logger,
	)
	handler.RegisterRoutes(srv.Router())

	return srv.Run(ctx)
}

// secretProvider returns the SSM provider for deployed environments. Local
// development resolves everything from the environment and .env, so SSM is
// skipped entirely.
func secretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}

// newDatabasePool connects the pgx pool used by the readiness probe. The
// receiver itself never writes to the audit store, but an instance that
// cannot reach it is likely in a broken network segment and should be
// drained anyway.
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

// queueProbe verifies the messages queue exists and is reachable.
func queueProbe(client *sqs.Client, queueURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
		})
		return err
	}
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
