package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/internal/messaging"
	"github.com/wolfman30/replies-engine/internal/secrets"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

var ingressTracer = otel.Tracer("replies.internal.ingress")

type conversationStore interface {
	LookupCredentialRef(ctx context.Context, ch conversation.Channel, from, to string) (*conversation.CredentialRef, error)
	GetConversation(ctx context.Context, primaryChannel, conversationID string) (*conversation.Record, error)
	StageFragment(ctx context.Context, frag *conversation.StagedFragment) error
	AcquireTriggerLock(ctx context.Context, conversationID string) error
}

type secretSource interface {
	Provider(ctx context.Context, ref string) (*secrets.ProviderSecret, error)
}

type queueDispatcher interface {
	SendTo(ctx context.Context, queueURL, body string, delaySeconds int32) error
}

// Disposition tells the HTTP layer how to answer the provider.
type Disposition int

const (
	// DispositionAccepted means the fragment was staged; acknowledge.
	DispositionAccepted Disposition = iota
	// DispositionRejected means the message was dropped; acknowledge anyway
	// so the provider stops retrying.
	DispositionRejected
	// DispositionLockedNotice means a reply is being generated right now;
	// tell the participant to wait.
	DispositionLockedNotice
	// DispositionRetry means a transient dependency failure; answer 5xx so
	// the provider redelivers the webhook.
	DispositionRetry
)

// String returns the disposition as a metric label.
func (d Disposition) String() string {
	switch d {
	case DispositionAccepted:
		return "accepted"
	case DispositionRejected:
		return "rejected"
	case DispositionLockedNotice:
		return "locked"
	case DispositionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome is the result of processing one webhook.
type Outcome struct {
	Disposition Disposition
	Reason      RejectReason
	Err         error
}

// Service orchestrates Stage A: authenticate late, gate, stage, arm the
// batch trigger.
type Service struct {
	store      conversationStore
	secrets    secretSource
	dispatcher queueDispatcher
	queues     QueueURLs

	batchWindow  time.Duration
	webhookStage string

	logger *logging.Logger
	now    func() time.Time
}

// NewService wires the Stage A orchestrator.
func NewService(store conversationStore, sec secretSource, dispatcher queueDispatcher, queues QueueURLs, batchWindow time.Duration, webhookStage string, logger *logging.Logger) *Service {
	if store == nil || sec == nil || dispatcher == nil {
		panic("ingress: store, secrets and dispatcher are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		store:        store,
		secrets:      sec,
		dispatcher:   dispatcher,
		queues:       queues,
		batchWindow:  batchWindow,
		webhookStage: webhookStage,
		logger:       logger,
		now:          time.Now,
	}
}

// Process runs one inbound webhook through the full Stage A flow. Signature
// validation is late: the sender is resolved to a conversation first, because
// the auth token that signed the request lives in that conversation's
// per-tenant secret.
func (s *Service) Process(ctx context.Context, r *http.Request, ch conversation.Channel) Outcome {
	ctx, span := ingressTracer.Start(ctx, "ingress.process")
	defer span.End()
	span.SetAttributes(attribute.String("replies.channel", string(ch)))

	msg, err := ParseWebhook(r, ch)
	if err != nil {
		s.logger.Warn("rejected malformed webhook", "channel", ch, "error", err)
		return Outcome{Disposition: DispositionRejected, Reason: ReasonMalformedPayload, Err: err}
	}

	ref, err := s.store.LookupCredentialRef(ctx, ch, msg.From, msg.To)
	if err != nil {
		if errors.Is(err, conversation.ErrConversationNotFound) {
			s.logger.Warn("webhook from unknown sender", "channel", ch, "to", msg.To)
			return Outcome{Disposition: DispositionRejected, Reason: ReasonUnknownSender, Err: err}
		}
		return s.failure(ch, err)
	}

	// Only telephony webhooks carry a Twilio signature. Email arrives from
	// the inbound mail pipeline, which authenticated upstream.
	if ch.Telephony() {
		secret, err := s.secrets.Provider(ctx, ref.SecretRef)
		if err != nil {
			return s.failure(ch, err)
		}
		webhookURL := messaging.CanonicalWebhookURL(r, s.webhookStage)
		if !messaging.ValidateTwilioSignature(r, secret.TwilioAuthToken, webhookURL) {
			s.logger.Warn("webhook signature validation failed",
				"channel", ch,
				"conversation_id", ref.ConversationID,
			)
			return Outcome{Disposition: DispositionRejected, Reason: ReasonInvalidSignature}
		}
	}

	rec, err := s.store.GetConversation(ctx, ref.PrimaryChannel, ref.ConversationID)
	if err != nil {
		return s.failure(ch, err)
	}

	if reason := CheckConversation(rec, ch); reason != ReasonNone {
		s.logger.Info("inbound message gated",
			"channel", ch,
			"conversation_id", ref.ConversationID,
			"reason", reason,
		)
		if reason == ReasonConversationLocked {
			return Outcome{Disposition: DispositionLockedNotice, Reason: reason}
		}
		return Outcome{Disposition: DispositionRejected, Reason: reason}
	}

	route := SelectRoute(rec, ch, ch.StripPrefix(msg.From), s.queues)

	if err := s.store.StageFragment(ctx, &conversation.StagedFragment{
		ConversationID: ref.ConversationID,
		MessageSID:     msg.MessageSID,
		PrimaryChannel: ref.PrimaryChannel,
		Body:           msg.Body,
	}); err != nil {
		return s.failure(ch, err)
	}

	if route.Handoff {
		// No batching for handoff: the full context goes straight to a human.
		envelope, err := json.Marshal(newHandoffEnvelope(rec, msg, s.now()))
		if err != nil {
			return s.failure(ch, fmt.Errorf("ingress: marshal handoff envelope: %w", err))
		}
		if err := s.dispatcher.SendTo(ctx, route.QueueURL, string(envelope), 0); err != nil {
			return s.failure(ch, err)
		}
		s.logger.Info("message routed to handoff queue", "conversation_id", ref.ConversationID)
		return Outcome{Disposition: DispositionAccepted}
	}

	trigger, err := json.Marshal(conversation.TriggerMessage{
		ConversationID: ref.ConversationID,
		PrimaryChannel: ref.PrimaryChannel,
		Channel:        string(ch),
	})
	if err != nil {
		return s.failure(ch, fmt.Errorf("ingress: marshal trigger: %w", err))
	}

	err = s.store.AcquireTriggerLock(ctx, ref.ConversationID)
	switch {
	case err == nil:
		if err := s.dispatcher.SendTo(ctx, route.QueueURL, string(trigger), int32(s.batchWindow.Seconds())); err != nil {
			return s.failure(ch, err)
		}
		s.logger.Info("batch trigger armed",
			"conversation_id", ref.ConversationID,
			"channel", ch,
			"delay", s.batchWindow,
		)
	case errors.Is(err, conversation.ErrTriggerLockHeld):
		// The window is already open; this fragment rides the pending trigger.
		s.logger.Info("joined open batch window", "conversation_id", ref.ConversationID)
	default:
		return s.failure(ch, err)
	}

	return Outcome{Disposition: DispositionAccepted}
}

// failure maps a dependency error to an outcome: transient failures bounce
// back to the provider for redelivery, everything else is dropped.
func (s *Service) failure(ch conversation.Channel, err error) Outcome {
	if fault.IsTransient(err) {
		s.logger.Error("transient ingress failure, asking provider to retry", "channel", ch, "error", err)
		return Outcome{Disposition: DispositionRetry, Reason: ReasonInternal, Err: err}
	}
	s.logger.Error("dropping webhook after non-retryable failure", "channel", ch, "error", err)
	return Outcome{Disposition: DispositionRejected, Reason: ReasonInternal, Err: err}
}
