package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

var twilioSendTracer = otel.Tracer("replies.internal.messaging.twilio_send")

// OutboundMessage is one reply to deliver through Twilio. Credentials ride on
// the message because every conversation carries its own provider secret.
type OutboundMessage struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
	Body       string
	Channel    conversation.Channel
}

// TwilioSender posts messages through Twilio's REST API.
type TwilioSender struct {
	httpClient *http.Client
	logger     *logging.Logger
}

// NewTwilioSender builds a sender with sane defaults.
func NewTwilioSender(logger *logging.Logger) *TwilioSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &TwilioSender{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Send dispatches a single message, retrying transient failures. It returns
// the provider's message SID on success. Non-rate-limit 4xx responses are
// permanent: retrying a rejected number or bad credential cannot succeed.
func (s *TwilioSender) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	if msg.AccountSID == "" || msg.AuthToken == "" {
		return "", fault.Config(errors.New("messaging: twilio credentials missing"))
	}
	if msg.To == "" || msg.From == "" {
		return "", fault.Validation(errors.New("messaging: to and from required"))
	}
	if strings.TrimSpace(msg.Body) == "" {
		return "", fault.Validation(errors.New("messaging: body required"))
	}

	ctx, span := twilioSendTracer.Start(ctx, "messaging.twilio.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("replies.channel", string(msg.Channel)),
		attribute.String("replies.to", msg.To),
	)

	payload := url.Values{}
	payload.Set("To", addressFor(msg.Channel, msg.To))
	payload.Set("From", addressFor(msg.Channel, msg.From))
	payload.Set("Body", msg.Body)

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", msg.AccountSID)

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(payload.Encode()))
		if err != nil {
			return "", fault.Permanent(err)
		}
		req.SetBasicAuth(msg.AccountSID, msg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			lastErr = fault.Transient(fmt.Errorf("messaging: twilio request: %w", err))
		} else {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				var parsed struct {
					SID string `json:"sid"`
				}
				_ = json.Unmarshal(body, &parsed)
				s.logger.Info("twilio message sent", "channel", msg.Channel, "to", msg.To, "sid", parsed.SID)
				return parsed.SID, nil
			}
			sendErr := fmt.Errorf("messaging: twilio send failed: %s", formatTwilioError(resp.StatusCode, body))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 429 {
				return "", fault.Permanent(sendErr)
			}
			lastErr = fault.Transient(sendErr)
		}

		if attempt < 3 {
			time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
		}
	}

	span.RecordError(lastErr)
	return "", lastErr
}

// addressFor prefixes WhatsApp numbers the way the Messages API expects.
// SMS numbers and email addresses go through as-is.
func addressFor(ch conversation.Channel, number string) string {
	if ch == conversation.ChannelWhatsApp && !strings.HasPrefix(number, "whatsapp:") {
		return "whatsapp:" + number
	}
	return number
}

type twilioAPIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
