package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/messaging"
	"github.com/wolfman30/replies-engine/internal/observability/metrics"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

// LockedNotice is delivered to the participant when their previous message
// is still being answered.
const LockedNotice = "I'm processing your previous message. Please wait for my response before sending more."

// Handler exposes the webhook endpoints over HTTP.
type Handler struct {
	svc     *Service
	metrics *metrics.PipelineMetrics
	logger  *logging.Logger
}

// HandlerOption customizes a Handler.
type HandlerOption func(*Handler)

// WithMetrics instruments the webhook endpoints. Without it the handler
// serves traffic unobserved.
func WithMetrics(m *metrics.PipelineMetrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a webhook handler.
func NewHandler(svc *Service, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if svc == nil {
		panic("ingress: service cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{svc: svc, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the per-channel webhook endpoints. Both the bare channel
// paths the providers are configured with and the /webhooks/{channel} alias
// are served.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/whatsapp", h.WebhookFor(conversation.ChannelWhatsApp))
	r.Post("/sms", h.WebhookFor(conversation.ChannelSMS))
	r.Post("/email", h.WebhookFor(conversation.ChannelEmail))
	r.Post("/webhooks/{channel}", h.Webhook)
	return r
}

// Webhook handles POST /webhooks/{channel} requests.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ch, err := conversation.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	h.serve(w, r, ch)
}

// WebhookFor returns a handler bound to one channel, for the bare provider
// paths that carry no {channel} URL parameter.
func (h *Handler) WebhookFor(ch conversation.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, ch)
	}
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, ch conversation.Channel) {
	start := time.Now()
	outcome := h.svc.Process(r.Context(), r, ch)
	h.metrics.ObserveInbound(string(ch), outcome.Disposition.String())
	h.metrics.ObserveWebhookLatency(string(ch), time.Since(start).Seconds())
	if ch.Telephony() {
		h.respondTwiML(w, outcome)
		return
	}
	h.respondJSON(w, outcome)
}

// HealthCheck handles GET /health requests.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// respondTwiML answers telephony webhooks. Rejections still get 200 with an
// empty TwiML body: a 4xx would make Twilio retry and page on-call for
// messages the engine chose to drop.
func (h *Handler) respondTwiML(w http.ResponseWriter, outcome Outcome) {
	if outcome.Disposition == DispositionRetry {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	body := messaging.EmptyTwiML()
	if outcome.Disposition == DispositionLockedNotice {
		body = messaging.MessageTwiML(LockedNotice)
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func (h *Handler) respondJSON(w http.ResponseWriter, outcome Outcome) {
	type response struct {
		Status  string `json:"status"`
		Reason  string `json:"reason,omitempty"`
		Message string `json:"message,omitempty"`
	}

	status := http.StatusOK
	resp := response{Status: "received"}
	switch outcome.Disposition {
	case DispositionRejected:
		if outcome.Reason == ReasonMalformedPayload {
			status = http.StatusBadRequest
		}
		resp = response{Status: "rejected", Reason: string(outcome.Reason)}
	case DispositionLockedNotice:
		status = http.StatusConflict
		resp = response{Status: "locked", Message: LockedNotice}
	case DispositionRetry:
		status = http.StatusInternalServerError
		resp = response{Status: "error", Reason: string(outcome.Reason)}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode webhook response", "error", err)
	}
}
