package replies

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

type queueClient interface {
	Receive(ctx context.Context, maxMessages, waitSeconds int) ([]conversation.QueueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
	ExtendVisibility(ctx context.Context, receiptHandle string, extensionSeconds int32) error
}

type batchProcessor interface {
	Process(ctx context.Context, rawTrigger string) Disposition
}

const (
	defaultWorkerCount         = 2
	defaultWaitSeconds         = 2
	defaultBatchSize           = 5
	maxWaitSeconds             = 20
	maxReceiveBatchSize        = 10
	deleteTimeoutSeconds       = 5
	defaultHeartbeatInterval   = 5 * time.Minute
	defaultVisibilityExtension = 10 * time.Minute
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int

	heartbeatInterval   time.Duration
	visibilityExtension time.Duration
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the SQS long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithHeartbeat tunes the visibility heartbeat. An interval of zero disables
// it, for tests and very short visibility timeouts.
func WithHeartbeat(interval, extension time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.heartbeatInterval = interval
		cfg.visibilityExtension = extension
	}
}

// Worker consumes batch triggers from one channel queue and runs them
// through the processor.
type Worker struct {
	processor batchProcessor
	queue     queueClient
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

// NewWorker creates a queue consumer around the processor.
func NewWorker(processor batchProcessor, queue queueClient, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("replies: processor cannot be nil")
	}
	if queue == nil {
		panic("replies: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:             defaultWorkerCount,
		receiveWaitSecs:     defaultWaitSeconds,
		receiveBatchSize:    defaultBatchSize,
		heartbeatInterval:   defaultHeartbeatInterval,
		visibilityExtension: defaultVisibilityExtension,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		processor: processor,
		queue:     queue,
		logger:    logger,
		cfg:       cfg,
	}
}

// Start launches the consumer goroutines.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all consumer goroutines have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("reply worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("reply worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive batch triggers", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg conversation.QueueMessage) {
	var hb *conversation.Heartbeat
	if w.cfg.heartbeatInterval > 0 {
		hb = conversation.NewHeartbeat(w.queue, msg.ReceiptHandle, w.cfg.heartbeatInterval, w.cfg.visibilityExtension, w.logger)
		hb.Start(ctx)
	}

	disposition := w.processor.Process(ctx, msg.Body)

	if hb != nil {
		if hbErr := hb.Stop(); hbErr != nil && disposition == DispositionAck {
			// A failed extension means the message may already have been
			// redelivered; redelivering once more is safe, losing it is not.
			w.logger.Warn("heartbeat failed during processing, leaving message in flight",
				"message_id", msg.ID,
				"error", hbErr,
			)
			disposition = DispositionRetry
		}
	}

	switch disposition {
	case DispositionAck:
		w.deleteMessage(ctx, msg.ReceiptHandle)
	case DispositionRetry:
		w.logger.Info("leaving trigger in flight for redelivery", "message_id", msg.ID)
	}
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeoutSeconds*time.Second)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete processed trigger", "error", err)
	}
}
