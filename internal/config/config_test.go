package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("CONVERSATIONS_TABLE", "conversations")
	t.Setenv("CONVERSATIONS_STAGE_TABLE", "conversations-stage")
	t.Setenv("CONVERSATIONS_TRIGGER_LOCK_TABLE", "conversations-trigger-lock")
	t.Setenv("WHATSAPP_QUEUE_URL", "https://sqs.local/whatsapp")
	t.Setenv("SMS_QUEUE_URL", "https://sqs.local/sms")
	t.Setenv("EMAIL_QUEUE_URL", "https://sqs.local/email")
	t.Setenv("HANDOFF_QUEUE_URL", "https://sqs.local/handoff")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg := Load()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	if cfg.BatchWindow != 10*time.Second {
		t.Errorf("default batch window = %v, want 10s", cfg.BatchWindow)
	}
	if cfg.TTLBuffer != 60*time.Second {
		t.Errorf("default ttl buffer = %v, want 60s", cfg.TTLBuffer)
	}
	if cfg.HeartbeatInterval != 5*time.Minute {
		t.Errorf("default heartbeat interval = %v, want 5m", cfg.HeartbeatInterval)
	}
	if cfg.VisibilityExtension != 10*time.Minute {
		t.Errorf("default visibility extension = %v, want 10m", cfg.VisibilityExtension)
	}
	if cfg.WorkerCount != 2 {
		t.Errorf("default worker count = %d, want 2", cfg.WorkerCount)
	}
}

func TestValidateListsAllMissingVars(t *testing.T) {
	t.Setenv("CONVERSATIONS_TABLE", "conversations")
	cfg := Load()
	cfg.StageTable = ""
	cfg.TriggerLockTable = ""
	cfg.WhatsAppQueueURL = ""
	cfg.SMSQueueURL = ""
	cfg.EmailQueueURL = ""
	cfg.HandoffQueueURL = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, name := range []string{
		"CONVERSATIONS_STAGE_TABLE",
		"CONVERSATIONS_TRIGGER_LOCK_TABLE",
		"WHATSAPP_QUEUE_URL",
		"SMS_QUEUE_URL",
		"EMAIL_QUEUE_URL",
		"HANDOFF_QUEUE_URL",
	} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error should mention %s: %v", name, err)
		}
	}
	if strings.Contains(err.Error(), "CONVERSATIONS_TABLE,") {
		t.Errorf("error should not mention variables that are set: %v", err)
	}
}

func TestValidateRejectsShortVisibilityExtension(t *testing.T) {
	setRequired(t)
	t.Setenv("SQS_HEARTBEAT_INTERVAL_MS", "600000")
	t.Setenv("SQS_VISIBILITY_EXTENSION_SECONDS", "300")

	if err := Load().Validate(); err == nil {
		t.Fatal("expected error when visibility extension does not exceed heartbeat interval")
	}
}

func TestQueueURLForChannel(t *testing.T) {
	setRequired(t)
	cfg := Load()

	cases := map[string]string{
		"whatsapp": cfg.WhatsAppQueueURL,
		"sms":      cfg.SMSQueueURL,
		"email":    cfg.EmailQueueURL,
		"voice":    "",
	}
	for channel, want := range cases {
		if got := cfg.QueueURLForChannel(channel); got != want {
			t.Errorf("QueueURLForChannel(%q) = %q, want %q", channel, got, want)
		}
	}
}

func TestWebhookStageTrimsSlashes(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_STAGE", "/prod/")
	if got := Load().WebhookStage; got != "prod" {
		t.Errorf("WebhookStage = %q, want %q", got, "prod")
	}
}
