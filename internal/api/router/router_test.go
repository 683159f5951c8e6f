package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/ingress"
	"github.com/wolfman30/replies-engine/internal/observability/metrics"
	"github.com/wolfman30/replies-engine/internal/secrets"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

type stubStore struct{}

func (stubStore) LookupCredentialRef(context.Context, conversation.Channel, string, string) (*conversation.CredentialRef, error) {
	return nil, conversation.ErrConversationNotFound
}

func (stubStore) GetConversation(context.Context, string, string) (*conversation.Record, error) {
	return nil, conversation.ErrConversationNotFound
}

func (stubStore) StageFragment(context.Context, *conversation.StagedFragment) error { return nil }

func (stubStore) AcquireTriggerLock(context.Context, string) error { return nil }

type stubSecrets struct{}

func (stubSecrets) Provider(context.Context, string) (*secrets.ProviderSecret, error) {
	return &secrets.ProviderSecret{}, nil
}

type stubDispatcher struct{}

func (stubDispatcher) SendTo(context.Context, string, string, int32) error { return nil }

func newTestRouter(t *testing.T, withMetrics bool) http.Handler {
	t.Helper()
	logger := logging.New("error")
	svc := ingress.NewService(stubStore{}, stubSecrets{}, stubDispatcher{}, ingress.QueueURLs{}, 10*time.Second, "", logger)

	cfg := &Config{Logger: logger}
	if withMetrics {
		registry := prometheus.NewRegistry()
		m := metrics.NewPipelineMetrics(registry)
		cfg.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		cfg.WebhookHandler = ingress.NewHandler(svc, logger, ingress.WithMetrics(m))
	} else {
		cfg.WebhookHandler = ingress.NewHandler(svc, logger)
	}
	return New(cfg)
}

func TestRouterHealth(t *testing.T) {
	r := newTestRouter(t, false)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"status":"ok"`)
}

func TestRouterMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, true)

	// Drive one webhook through so the counters exist before scraping.
	hook := httptest.NewRequest(http.MethodPost, "/whatsapp", strings.NewReader("From=whatsapp%3A%2B15551234567&To=whatsapp%3A%2B15550001111&Body=hi&MessageSid=SM1"))
	hook.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hookRR := httptest.NewRecorder()
	r.ServeHTTP(hookRR, hook)
	require.Equal(t, http.StatusOK, hookRR.Code)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "replies_ingress_inbound_webhook_total")
}

func TestRouterMetricsDisabledByDefault(t *testing.T) {
	r := newTestRouter(t, false)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouterWebhookRouted(t *testing.T) {
	r := newTestRouter(t, false)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader("From=whatsapp%3A%2B15551234567&To=whatsapp%3A%2B15550001111&Body=hi&MessageSid=SM1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	// Unknown sender still gets a 200 TwiML ack so the provider stops retrying.
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml", rr.Header().Get("Content-Type"))
}
