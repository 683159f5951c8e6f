// Package replies is the batch-consuming half of the engine. A worker pool
// drains the per-channel trigger queues; for each trigger the processor
// locks the conversation, merges the staged fragments, asks the assistant
// for a reply, delivers it through the provider and commits the turns to
// history exactly once.
package replies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/replies-engine/internal/assistant"
	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/internal/messaging"
	"github.com/wolfman30/replies-engine/internal/observability/metrics"
	"github.com/wolfman30/replies-engine/internal/secrets"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

var repliesTracer = otel.Tracer("replies.internal.replies")

// ErrChannelMismatch marks a staged batch whose fragments were written for a
// different conversation identity than the trigger names. Indicates table
// corruption or a mis-built trigger; never retried into success.
var ErrChannelMismatch = errors.New("replies: staged fragments do not match trigger channel")

type replyStore interface {
	AcquireProcessingLock(ctx context.Context, primaryChannel, conversationID string) error
	QueryStaging(ctx context.Context, conversationID string) ([]conversation.StagedFragment, error)
	GetConversation(ctx context.Context, primaryChannel, conversationID string) (*conversation.Record, error)
	CommitReply(ctx context.Context, primaryChannel, conversationID string, in conversation.CommitInput) error
	ReleaseLockForRetry(ctx context.Context, primaryChannel, conversationID string) error
	DeleteStaging(ctx context.Context, conversationID string, messageSIDs []string) error
	DeleteTriggerLock(ctx context.Context, conversationID string) error
}

type secretSource interface {
	Provider(ctx context.Context, ref string) (*secrets.ProviderSecret, error)
	AI(ctx context.Context, ref string) (*secrets.AISecret, error)
}

type replyGenerator interface {
	Generate(ctx context.Context, req assistant.Request) (*assistant.Result, error)
}

type messageSender interface {
	Send(ctx context.Context, msg messaging.OutboundMessage) (string, error)
}

// Disposition is the worker's verdict on one queue message.
type Disposition int

const (
	// DispositionAck deletes the message: the batch was handled, or retrying
	// cannot help.
	DispositionAck Disposition = iota
	// DispositionRetry leaves the message in flight so the broker redelivers
	// it; the queue's redrive policy dead-letters after max receives.
	DispositionRetry
)

// String returns the disposition as a metric label.
func (d Disposition) String() string {
	if d == DispositionRetry {
		return "retry"
	}
	return "ack"
}

// Processor runs one batch trigger end to end.
type Processor struct {
	store     replyStore
	secrets   secretSource
	generator replyGenerator
	sender    messageSender
	metrics   *metrics.PipelineMetrics

	logger *logging.Logger
	now    func() time.Time
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithMetrics instruments batch processing.
func WithMetrics(m *metrics.PipelineMetrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// NewProcessor wires the Stage B orchestrator.
func NewProcessor(store replyStore, sec secretSource, generator replyGenerator, sender messageSender, logger *logging.Logger, opts ...ProcessorOption) *Processor {
	if store == nil || sec == nil || generator == nil || sender == nil {
		panic("replies: store, secrets, generator and sender are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	p := &Processor{
		store:     store,
		secrets:   sec,
		generator: generator,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process consumes one raw trigger message. The returned disposition tells
// the worker whether to delete the queue message or leave it for redelivery.
func (p *Processor) Process(ctx context.Context, rawTrigger string) Disposition {
	ctx, span := repliesTracer.Start(ctx, "replies.process")
	defer span.End()

	var trigger conversation.TriggerMessage
	if err := json.Unmarshal([]byte(rawTrigger), &trigger); err != nil {
		p.logger.Error("undecodable batch trigger", "error", err)
		return DispositionRetry
	}
	if trigger.ConversationID == "" || trigger.PrimaryChannel == "" {
		p.logger.Error("batch trigger missing conversation identity", "trigger", rawTrigger)
		return DispositionRetry
	}
	span.SetAttributes(attribute.String("replies.conversation_id", trigger.ConversationID))

	err := p.store.AcquireProcessingLock(ctx, trigger.PrimaryChannel, trigger.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationLocked) {
			// Another worker owns this batch; the duplicate trigger is spent.
			p.logger.Info("duplicate trigger, conversation already locked", "conversation_id", trigger.ConversationID)
			return DispositionAck
		}
		p.logger.Error("failed to acquire processing lock", "conversation_id", trigger.ConversationID, "error", err)
		return DispositionRetry
	}

	start := p.now()
	disposition, err := p.run(ctx, trigger, start)
	if err != nil {
		span.RecordError(err)
	}
	p.metrics.ObserveBatch(trigger.Channel, disposition.String(), p.now().Sub(start).Seconds())
	return disposition
}

// run executes the locked portion of the flow. Every pre-commit failure
// releases the lock for retry; commit failures never do, because the reply
// already left through the provider.
func (p *Processor) run(ctx context.Context, trigger conversation.TriggerMessage, start time.Time) (Disposition, error) {
	frags, err := p.store.QueryStaging(ctx, trigger.ConversationID)
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("query staging: %w", err))
	}
	if len(frags) == 0 {
		// Fragments expired or a previous run already consumed them. Unwind
		// both locks and let the next inbound message open a fresh window.
		p.logger.Warn("trigger fired with no staged fragments", "conversation_id", trigger.ConversationID)
		p.cleanup(ctx, trigger.ConversationID, nil)
		p.releaseLock(ctx, trigger)
		return DispositionAck, nil
	}

	if frags[0].PrimaryChannel != "" && frags[0].PrimaryChannel != trigger.PrimaryChannel {
		return p.failBeforeCommit(ctx, trigger,
			fault.Permanent(fmt.Errorf("%w: staged %q, trigger %q", ErrChannelMismatch, frags[0].PrimaryChannel, trigger.PrimaryChannel)))
	}

	combined := conversation.MergeFragments(frags)
	first := conversation.FirstFragment(frags)

	rec, err := p.store.GetConversation(ctx, trigger.PrimaryChannel, trigger.ConversationID)
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("hydrate conversation: %w", err))
	}

	ch, err := conversation.ParseChannel(trigger.Channel)
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fault.Permanent(err))
	}

	aiSecret, err := p.secrets.AI(ctx, rec.AIAPIKeyRef)
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("fetch AI secret: %w", err))
	}
	providerSecret, err := p.secrets.Provider(ctx, rec.CredentialRefFor(ch))
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("fetch provider secret: %w", err))
	}

	result, err := p.generator.Generate(ctx, assistant.Request{
		APIKey:      aiSecret.APIKey,
		ThreadID:    rec.ThreadID,
		AssistantID: rec.AssistantIDReplies,
		UserMessage: combined,
	})
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("generate reply: %w", err))
	}
	p.metrics.ObserveTokens(result.PromptTokens, result.CompletionTokens)

	sentSID, err := p.sender.Send(ctx, messaging.OutboundMessage{
		AccountSID: providerSecret.TwilioAccountSID,
		AuthToken:  providerSecret.TwilioAuthToken,
		From:       rec.CompanyAddress(ch),
		To:         rec.RecipientAddress(ch),
		Body:       result.Reply.Content,
		Channel:    ch,
	})
	if err != nil {
		return p.failBeforeCommit(ctx, trigger, fmt.Errorf("send reply: %w", err))
	}

	userAt := first.ReceivedAt
	if userAt == "" {
		userAt = start.UTC().Format(time.RFC3339Nano)
	}
	commit := conversation.CommitInput{
		Turns: []conversation.Turn{
			{
				Role:      conversation.RoleUser,
				Content:   combined,
				Timestamp: userAt,
				SID:       first.MessageSID,
			},
			{
				Role:             conversation.RoleAssistant,
				Content:          result.Reply.Content,
				Timestamp:        p.now().UTC().Format(time.RFC3339Nano),
				SID:              sentSID,
				PromptTokens:     result.PromptTokens,
				CompletionTokens: result.CompletionTokens,
				TotalTokens:      result.TotalTokens,
			},
		},
		NewStatus:            conversation.StatusReplySent,
		ProcessingTimeMillis: p.now().Sub(start).Milliseconds(),
		TaskComplete:         result.Reply.TaskComplete,
		HandOffToHuman:       result.Reply.HandOffToHuman,
		HandOffReason:        result.Reply.HandOffToHumanReason,
	}
	if result.Reply.HandOffToHuman {
		commit.NewStatus = conversation.StatusHandoffPending
	}
	if result.ThreadID != rec.ThreadID {
		commit.ThreadID = result.ThreadID
	}

	if err := p.store.CommitReply(ctx, trigger.PrimaryChannel, trigger.ConversationID, commit); err != nil {
		// The reply was already delivered. Retrying would send it again, so
		// the message is acked regardless of why the commit failed.
		p.logger.Error("reply sent but history commit failed",
			"conversation_id", trigger.ConversationID,
			"sent_sid", sentSID,
			"error", err,
		)
		return DispositionAck, err
	}

	p.cleanup(ctx, trigger.ConversationID, conversation.FragmentSIDs(frags))
	p.logger.Info("batch committed",
		"conversation_id", trigger.ConversationID,
		"channel", ch,
		"fragments", len(frags),
		"sent_sid", sentSID,
		"total_tokens", result.TotalTokens,
	)
	return DispositionAck, nil
}

// failBeforeCommit releases the processing lock and reports the message for
// redelivery. Permanent failures ride the same path: redelivery drains the
// receive budget and lands the trigger in the dead-letter queue.
func (p *Processor) failBeforeCommit(ctx context.Context, trigger conversation.TriggerMessage, err error) (Disposition, error) {
	p.logger.Error("batch processing failed before commit",
		"conversation_id", trigger.ConversationID,
		"kind", fault.KindOf(err).String(),
		"error", err,
	)
	p.releaseLock(ctx, trigger)
	return DispositionRetry, err
}

func (p *Processor) releaseLock(ctx context.Context, trigger conversation.TriggerMessage) {
	if err := p.store.ReleaseLockForRetry(ctx, trigger.PrimaryChannel, trigger.ConversationID); err != nil {
		p.logger.Error("failed to release processing lock", "conversation_id", trigger.ConversationID, "error", err)
	}
}

// cleanup best-effort deletes the consumed staging rows and the trigger
// lock. Leftovers expire through the tables' TTL.
func (p *Processor) cleanup(ctx context.Context, conversationID string, sids []string) {
	if len(sids) > 0 {
		if err := p.store.DeleteStaging(ctx, conversationID, sids); err != nil {
			p.logger.Warn("failed to delete staged fragments", "conversation_id", conversationID, "error", err)
		}
	}
	if err := p.store.DeleteTriggerLock(ctx, conversationID); err != nil {
		p.logger.Warn("failed to delete trigger lock", "conversation_id", conversationID, "error", err)
	}
}
