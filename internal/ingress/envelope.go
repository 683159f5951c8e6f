package ingress

import (
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/replies-engine/internal/conversation"
)

// HandoffEnvelope is the full hydrated context delivered to the human
// handoff queue. Unlike the batch trigger, the consumer gets everything it
// needs without reading the tables back.
type HandoffEnvelope struct {
	EnvelopeID     string `json:"envelope_id"`
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
	Channel        string `json:"channel_type"`

	MessageSID string `json:"message_sid"`
	Body       string `json:"body"`
	ReceivedAt string `json:"received_at"`

	CompanyID      string `json:"company_id,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	RecipientTel   string `json:"recipient_tel,omitempty"`
	RecipientEmail string `json:"recipient_email,omitempty"`
}

func newHandoffEnvelope(rec *conversation.Record, msg *InboundMessage, receivedAt time.Time) HandoffEnvelope {
	return HandoffEnvelope{
		EnvelopeID:     uuid.NewString(),
		ConversationID: rec.ConversationID,
		PrimaryChannel: rec.PrimaryChannel,
		Channel:        string(msg.Channel),
		MessageSID:     msg.MessageSID,
		Body:           msg.Body,
		ReceivedAt:     receivedAt.UTC().Format(time.RFC3339Nano),
		CompanyID:      rec.CompanyID,
		ProjectID:      rec.ProjectID,
		RecipientTel:   rec.RecipientTel,
		RecipientEmail: rec.RecipientEmail,
	}
}
