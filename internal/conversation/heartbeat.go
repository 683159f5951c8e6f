package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/replies-engine/pkg/logging"
)

type visibilityExtender interface {
	ExtendVisibility(ctx context.Context, receiptHandle string, extensionSeconds int32) error
}

// Heartbeat periodically extends an in-flight message's visibility timeout
// while a batch run is still working on it. The first failed extension is
// recorded and ends the loop: once an extension is refused the handle is
// likely expired, and redelivery is absorbed by the processing lock anyway.
type Heartbeat struct {
	queue         visibilityExtender
	receiptHandle string
	interval      time.Duration
	extension     time.Duration
	logger        *logging.Logger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	firstErr error
}

// NewHeartbeat builds a heartbeat for one in-flight message. Start must be
// called to begin ticking.
func NewHeartbeat(queue visibilityExtender, receiptHandle string, interval, extension time.Duration, logger *logging.Logger) *Heartbeat {
	if logger == nil {
		logger = logging.Default()
	}
	return &Heartbeat{
		queue:         queue,
		receiptHandle: receiptHandle,
		interval:      interval,
		extension:     extension,
		logger:        logger,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the ticking goroutine.
func (h *Heartbeat) Start(ctx context.Context) {
	go h.run(ctx)
}

func (h *Heartbeat) run(ctx context.Context) {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.queue.ExtendVisibility(ctx, h.receiptHandle, int32(h.extension/time.Second)); err != nil {
				h.logger.Warn("visibility heartbeat failed", "error", err)
				h.recordErr(err)
				return
			}
			h.logger.Debug("extended message visibility", "extension", h.extension)
		}
	}
}

func (h *Heartbeat) recordErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.firstErr == nil {
		h.firstErr = err
	}
}

// Stop signals the goroutine and waits for it to exit, bounded by one
// interval plus slack so a stuck extension call cannot hang shutdown.
// It returns the first extension error observed, if any.
func (h *Heartbeat) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })

	select {
	case <-h.done:
	case <-time.After(h.interval + 10*time.Second):
		h.logger.Warn("visibility heartbeat did not stop in time")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.firstErr
}
