// Package ingress is the webhook-facing half of the replies engine. It
// authenticates inbound provider callbacks, checks the conversation's rules,
// stages the message fragment for batching and arms the delayed batch
// trigger.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/fault"
)

// ErrMalformedWebhook marks a payload missing the fields the channel's
// provider always sends.
var ErrMalformedWebhook = errors.New("ingress: malformed webhook payload")

// InboundMessage is one parsed webhook, normalized across channels. From and
// To keep the provider's channel prefix; the store strips it where needed.
type InboundMessage struct {
	Channel    conversation.Channel
	From       string
	To         string
	Body       string
	MessageSID string
	AccountSID string
}

// ParseWebhook extracts the inbound message from the provider's request.
// Telephony channels post form-encoded Twilio fields; email posts JSON.
func ParseWebhook(r *http.Request, ch conversation.Channel) (*InboundMessage, error) {
	if ch.Telephony() {
		return parseTelephony(r, ch)
	}
	return parseEmail(r)
}

func parseTelephony(r *http.Request, ch conversation.Channel) (*InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fault.Validation(fmt.Errorf("%w: %v", ErrMalformedWebhook, err))
	}
	msg := &InboundMessage{
		Channel:    ch,
		From:       r.PostForm.Get("From"),
		To:         r.PostForm.Get("To"),
		Body:       r.PostForm.Get("Body"),
		MessageSID: r.PostForm.Get("MessageSid"),
		AccountSID: r.PostForm.Get("AccountSid"),
	}
	if msg.From == "" || msg.To == "" || msg.MessageSID == "" {
		return nil, fault.Validation(fmt.Errorf("%w: From, To and MessageSid required", ErrMalformedWebhook))
	}
	if strings.TrimSpace(msg.Body) == "" {
		return nil, fault.Validation(fmt.Errorf("%w: empty Body", ErrMalformedWebhook))
	}
	return msg, nil
}

type emailWebhook struct {
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	EmailBody   string `json:"email_body"`
	EmailID     string `json:"email_id"`
}

func parseEmail(r *http.Request) (*InboundMessage, error) {
	var payload emailWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, fault.Validation(fmt.Errorf("%w: %v", ErrMalformedWebhook, err))
	}
	if payload.FromAddress == "" || payload.ToAddress == "" || payload.EmailID == "" {
		return nil, fault.Validation(fmt.Errorf("%w: from_address, to_address and email_id required", ErrMalformedWebhook))
	}
	if strings.TrimSpace(payload.EmailBody) == "" {
		return nil, fault.Validation(fmt.Errorf("%w: empty email_body", ErrMalformedWebhook))
	}
	return &InboundMessage{
		Channel:    conversation.ChannelEmail,
		From:       payload.FromAddress,
		To:         payload.ToAddress,
		Body:       payload.EmailBody,
		MessageSID: payload.EmailID,
	}, nil
}
