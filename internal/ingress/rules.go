package ingress

import (
	"strings"

	"github.com/wolfman30/replies-engine/internal/conversation"
)

// RejectReason codes why an inbound message was not staged. Telephony
// webhooks still answer 200 on rejection so the provider stops retrying;
// the reason only reaches logs and email JSON responses.
type RejectReason string

const (
	ReasonNone               RejectReason = ""
	ReasonMalformedPayload   RejectReason = "MALFORMED_PAYLOAD"
	ReasonUnknownSender      RejectReason = "CONVERSATION_NOT_FOUND"
	ReasonInvalidSignature   RejectReason = "INVALID_SIGNATURE"
	ReasonProjectInactive    RejectReason = "PROJECT_INACTIVE"
	ReasonChannelNotAllowed  RejectReason = "CHANNEL_NOT_ALLOWED"
	ReasonConversationLocked RejectReason = "CONVERSATION_LOCKED"
	ReasonInternal           RejectReason = "INTERNAL_ERROR"
)

// CheckConversation applies the gate rules to a hydrated conversation.
// The lock check runs last so a locked-but-inactive project is reported as
// inactive, not locked.
func CheckConversation(rec *conversation.Record, ch conversation.Channel) RejectReason {
	if rec.ProjectStatus != conversation.StatusActive {
		return ReasonProjectInactive
	}
	if !rec.ChannelAllowed(ch) {
		return ReasonChannelNotAllowed
	}
	if rec.Locked() {
		return ReasonConversationLocked
	}
	return ReasonNone
}

// QueueURLs names the destination queues Stage A can route to.
type QueueURLs struct {
	WhatsApp string
	SMS      string
	Email    string
	Handoff  string
}

// ForChannel returns the batch trigger queue for the channel.
func (q QueueURLs) ForChannel(ch conversation.Channel) string {
	switch ch {
	case conversation.ChannelWhatsApp:
		return q.WhatsApp
	case conversation.ChannelSMS:
		return q.SMS
	case conversation.ChannelEmail:
		return q.Email
	default:
		return ""
	}
}

// Route is where the staged message's trigger goes. Handoff routes bypass
// the batching window entirely: a human picks the message up, so there is
// nothing to micro-batch and the trigger is sent immediately.
type Route struct {
	QueueURL string
	Handoff  bool
}

// SelectRoute decides between the channel's batch queue and the human
// handoff queue. sender is the inbound participant identifier with the
// channel prefix already stripped.
func SelectRoute(rec *conversation.Record, ch conversation.Channel, sender string, queues QueueURLs) Route {
	if rec.AutoQueueReply || senderAutoQueued(rec, ch, sender) {
		return Route{QueueURL: queues.Handoff, Handoff: true}
	}
	return Route{QueueURL: queues.ForChannel(ch)}
}

func senderAutoQueued(rec *conversation.Record, ch conversation.Channel, sender string) bool {
	list := rec.AutoQueueReplyFromNumbers
	if ch == conversation.ChannelEmail {
		list = rec.AutoQueueReplyFromEmails
	}
	for _, entry := range list {
		if strings.EqualFold(ch.StripPrefix(entry), sender) {
			return true
		}
	}
	return false
}
