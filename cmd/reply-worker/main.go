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
	"github.com/wolfman30/replies-engine/internal/assistant"
	appconfig "github.com/wolfman30/replies-engine/internal/config"
	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/messaging"
	"github.com/wolfman30/replies-engine/internal/observability/metrics"
	"github.com/wolfman30/replies-engine/internal/replies"
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

	awsConfig, err := mainconfig.LoadAWSConfig(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsConfig)
	store := conversation.NewStore(dynamoClient, conversation.Tables{
		Conversations: cfg.ConversationsTable,
		Stage:         cfg.StageTable,
		TriggerLock:   cfg.TriggerLockTable,
	}, cfg.BatchWindow, cfg.TTLBuffer, logger)

	secretsClient := secretsmanager.NewFromConfig(awsConfig)
	fetcher := secrets.NewFetcher(secretsClient, logger)

	registry := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(registry)

	generator := assistant.NewGenerator(logger)
	sender := messaging.NewTwilioSender(logger)
	processor := replies.NewProcessor(store, fetcher, generator, sender, logger,
		replies.WithMetrics(pipelineMetrics))

	sqsClient := sqs.NewFromConfig(awsConfig)
	queues := map[string]string{
		"whatsapp": cfg.WhatsAppQueueURL,
		"sms":      cfg.SMSQueueURL,
		"email":    cfg.EmailQueueURL,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workers := make([]*replies.Worker, 0, len(queues))
	for channel, queueURL := range queues {
		worker := replies.NewWorker(
			processor,
			conversation.NewSQSQueue(sqsClient, queueURL),
			logger.With("queue", channel),
			replies.WithWorkerCount(cfg.WorkerCount),
			replies.WithHeartbeat(cfg.HeartbeatInterval, cfg.VisibilityExtension),
		)
		worker.Start(ctx)
		workers = append(workers, worker)
		logger.Info("reply worker consuming", "channel", channel, "workers", cfg.WorkerCount)
	}

	// Scrape endpoint only; the worker serves no application traffic.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	metricsSrv := &http.Server{Addr: ":" + cfg.Port, Handler: metricsMux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down reply worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		for _, worker := range workers {
			worker.Wait()
		}
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("reply worker stopped")
	case <-doneCtx.Done():
		logger.Error("reply worker shutdown timed out", "error", doneCtx.Err())
	}

	if err := metricsSrv.Shutdown(doneCtx); err != nil {
		logger.Error("metrics server forced to shutdown", "error", err)
	}
}
