package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfman30/replies-engine/cmd/mainconfig"
	"github.com/wolfman30/replies-engine/internal/api/router"
	appconfig "github.com/wolfman30/replies-engine/internal/config"
	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/ingress"
	"github.com/wolfman30/replies-engine/internal/observability/metrics"
	"github.com/wolfman30/replies-engine/internal/secrets"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

func main() {
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting replies-engine webhook server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	awsCfg, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg)
	store := conversation.NewStore(dynamoClient, conversation.Tables{
		Conversations: cfg.ConversationsTable,
		Stage:         cfg.StageTable,
		TriggerLock:   cfg.TriggerLockTable,
	}, cfg.BatchWindow, cfg.TTLBuffer, logger)

	secretsClient := secretsmanager.NewFromConfig(awsCfg)
	fetcher := secrets.NewFetcher(secretsClient, logger)

	sqsClient := sqs.NewFromConfig(awsCfg)
	dispatcher := conversation.NewDispatcher(sqsClient)

	svc := ingress.NewService(store, fetcher, dispatcher, ingress.QueueURLs{
		WhatsApp: cfg.WhatsAppQueueURL,
		SMS:      cfg.SMSQueueURL,
		Email:    cfg.EmailQueueURL,
		Handoff:  cfg.HandoffQueueURL,
	}, cfg.BatchWindow, cfg.WebhookStage, logger)

	metricsHandler, pipelineMetrics := setupPipelineMetrics()
	webhookHandler := ingress.NewHandler(svc, logger, ingress.WithMetrics(pipelineMetrics))

	r := router.New(&router.Config{
		Logger:           logger,
		WebhookHandler:   webhookHandler,
		MetricsHandler:   metricsHandler,
		WebhookRateLimit: 20,
		WebhookBurst:     40,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// setupPipelineMetrics builds an isolated registry so tests never collide on
// the global default.
func setupPipelineMetrics() (http.Handler, *metrics.PipelineMetrics) {
	registry := prometheus.NewRegistry()
	m := metrics.NewPipelineMetrics(registry)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), m
}
