package conversation

import (
	"fmt"
	"strings"
)

// Channel identifies the messaging provider surface a conversation runs on.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

// ParseChannel maps a raw channel string to a supported Channel.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelEmail:
		return ChannelEmail, nil
	default:
		return "", fmt.Errorf("conversation: unsupported channel %q", raw)
	}
}

// Telephony reports whether the channel addresses participants by phone
// number. Telephony identifiers arrive with a "<channel>:" prefix that the
// conversation records do not carry.
func (c Channel) Telephony() bool {
	return c == ChannelWhatsApp || c == ChannelSMS
}

// StripPrefix removes the channel's own prefix ("whatsapp:", "sms:") from a
// participant identifier. Email identifiers pass through unchanged.
func (c Channel) StripPrefix(id string) string {
	if !c.Telephony() {
		return id
	}
	return strings.TrimPrefix(id, string(c)+":")
}

// gsiSpec describes the secondary index used to resolve an inbound
// (sender, recipient) pair to a conversation record.
type gsiSpec struct {
	indexName     string
	pkName        string
	skName        string
	credentialKey string
}

var gsiByChannel = map[Channel]gsiSpec{
	ChannelWhatsApp: {
		indexName:     "company-whatsapp-number-recipient-tel-index",
		pkName:        "gsi_company_whatsapp_number",
		skName:        "gsi_recipient_tel",
		credentialKey: "whatsapp_credentials_id",
	},
	ChannelSMS: {
		indexName:     "company-sms-number-recipient-tel-index",
		pkName:        "gsi_company_sms_number",
		skName:        "gsi_recipient_tel",
		credentialKey: "sms_credentials_id",
	},
	ChannelEmail: {
		indexName:     "company-email-recipient-email-index",
		pkName:        "gsi_company_email",
		skName:        "gsi_recipient_email",
		credentialKey: "email_credentials_id",
	},
}

// Status values carried in conversation_status. StatusProcessingReply doubles
// as the reply worker's lock: while it is set, new inbound fragments are
// rejected and no second worker may commit.
const (
	StatusActive          = "active"
	StatusProcessingReply = "processing_reply"
	StatusReplySent       = "reply_sent"
	StatusRetry           = "retry"
	StatusHandoffPending  = "handoff_pending"
)

// Turn is one history entry appended to a conversation's messages list.
// Assistant turns carry the run's token usage.
type Turn struct {
	Role      string `dynamodbav:"role" json:"role"`
	Content   string `dynamodbav:"content" json:"content"`
	Timestamp string `dynamodbav:"timestamp" json:"timestamp"`
	SID       string `dynamodbav:"sid,omitempty" json:"sid,omitempty"`

	PromptTokens     int `dynamodbav:"prompt_tokens,omitempty" json:"prompt_tokens,omitempty"`
	CompletionTokens int `dynamodbav:"completion_tokens,omitempty" json:"completion_tokens,omitempty"`
	TotalTokens      int `dynamodbav:"total_tokens,omitempty" json:"total_tokens,omitempty"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Record is the main-table conversation item. The partition key is the
// participant's channel identifier and the sort key is the conversation ID.
type Record struct {
	PrimaryChannel string `dynamodbav:"primary_channel"`
	ConversationID string `dynamodbav:"conversation_id"`
	CompanyID      string `dynamodbav:"company_id,omitempty"`
	ProjectID      string `dynamodbav:"project_id,omitempty"`

	ConversationStatus string   `dynamodbav:"conversation_status,omitempty"`
	ProjectStatus      string   `dynamodbav:"project_status,omitempty"`
	AllowedChannels    []string `dynamodbav:"allowed_channels,omitempty"`

	// Channel-level addressing mirrored onto the GSI attributes.
	RecipientTel   string `dynamodbav:"recipient_tel,omitempty"`
	RecipientEmail string `dynamodbav:"recipient_email,omitempty"`

	// ChannelConfig holds per-channel settings, including the Secrets Manager
	// reference under whatsapp_credentials_id / sms_credentials_id /
	// email_credentials_id.
	ChannelConfig map[string]string `dynamodbav:"channel_config,omitempty"`

	// AI configuration for generating replies.
	ThreadID           string `dynamodbav:"thread_id,omitempty"`
	AssistantIDReplies string `dynamodbav:"assistant_id_replies,omitempty"`
	AIAPIKeyRef        string `dynamodbav:"ai_api_key_reference,omitempty"`

	// Routing overrides that divert replies to the human handoff queue.
	AutoQueueReply            bool     `dynamodbav:"auto_queue_reply_message,omitempty"`
	AutoQueueReplyFromNumbers []string `dynamodbav:"auto_queue_reply_message_from_number,omitempty"`
	AutoQueueReplyFromEmails  []string `dynamodbav:"auto_queue_reply_message_from_email,omitempty"`

	Messages  []Turn `dynamodbav:"messages,omitempty"`
	UpdatedAt string `dynamodbav:"updated_at,omitempty"`
}

// Locked reports whether the conversation is currently being replied to.
func (r *Record) Locked() bool {
	return r.ConversationStatus == StatusProcessingReply
}

// ChannelAllowed reports whether the channel is enabled for this project.
// An absent allow-list permits every channel.
func (r *Record) ChannelAllowed(ch Channel) bool {
	if len(r.AllowedChannels) == 0 {
		return true
	}
	for _, allowed := range r.AllowedChannels {
		if strings.EqualFold(allowed, string(ch)) {
			return true
		}
	}
	return false
}

// CredentialRefFor returns the Secrets Manager reference for the channel's
// provider credentials, or "" when the channel is not configured.
func (r *Record) CredentialRefFor(ch Channel) string {
	return r.ChannelConfig[string(ch)+"_credentials_id"]
}

// CompanyAddress returns the identifier outbound replies are sent from.
func (r *Record) CompanyAddress(ch Channel) string {
	if ch.Telephony() {
		return r.ChannelConfig["company_number"]
	}
	return r.ChannelConfig["company_address"]
}

// RecipientAddress returns the participant identifier replies are sent to.
// For telephony channels the recipient is the primary channel itself; the
// dedicated attribute wins when present.
func (r *Record) RecipientAddress(ch Channel) string {
	if ch.Telephony() {
		if r.RecipientTel != "" {
			return r.RecipientTel
		}
		return r.PrimaryChannel
	}
	if r.RecipientEmail != "" {
		return r.RecipientEmail
	}
	return r.PrimaryChannel
}

// StagedFragment is one inbound message fragment parked in the staging table
// while the batch window is open. The table's TTL on expires_at sweeps
// fragments orphaned by a failed batch run.
type StagedFragment struct {
	ConversationID string `dynamodbav:"conversation_id"`
	MessageSID     string `dynamodbav:"message_sid"`
	PrimaryChannel string `dynamodbav:"primary_channel,omitempty"`
	Body           string `dynamodbav:"body,omitempty"`
	ReceivedAt     string `dynamodbav:"received_at"`
	ExpiresAt      int64  `dynamodbav:"expires_at"`
}

// CredentialRef is the result of resolving an inbound (sender, recipient)
// pair through the channel's GSI.
type CredentialRef struct {
	SecretRef      string
	ConversationID string
	PrimaryChannel string
}

// TriggerMessage is the batch trigger enqueued to the channel queue with a
// delay of the batch window.
type TriggerMessage struct {
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
	Channel        string `json:"channel_type"`
}
