package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// DynamoDB tables
	ConversationsTable string
	StageTable         string
	TriggerLockTable   string

	// SQS queues
	WhatsAppQueueURL string
	SMSQueueURL      string
	EmailQueueURL    string
	HandoffQueueURL  string

	// Batching / locking windows
	BatchWindow time.Duration
	TTLBuffer   time.Duration

	// Heartbeat tuning for the reply worker
	HeartbeatInterval   time.Duration
	VisibilityExtension time.Duration

	// Stage A URL reconstruction: optional API stage prefix included in the
	// URL the provider signed (e.g. "prod").
	WebhookStage string

	WorkerCount int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ConversationsTable: getEnv("CONVERSATIONS_TABLE", ""),
		StageTable:         getEnv("CONVERSATIONS_STAGE_TABLE", ""),
		TriggerLockTable:   getEnv("CONVERSATIONS_TRIGGER_LOCK_TABLE", ""),

		WhatsAppQueueURL: getEnv("WHATSAPP_QUEUE_URL", ""),
		SMSQueueURL:      getEnv("SMS_QUEUE_URL", ""),
		EmailQueueURL:    getEnv("EMAIL_QUEUE_URL", ""),
		HandoffQueueURL:  getEnv("HANDOFF_QUEUE_URL", ""),

		BatchWindow: time.Duration(getEnvAsInt("BATCH_WINDOW_SECONDS", 10)) * time.Second,
		TTLBuffer:   time.Duration(getEnvAsInt("TTL_BUFFER_SECONDS", 60)) * time.Second,

		HeartbeatInterval:   time.Duration(getEnvAsInt("SQS_HEARTBEAT_INTERVAL_MS", 300000)) * time.Millisecond,
		VisibilityExtension: time.Duration(getEnvAsInt("SQS_VISIBILITY_EXTENSION_SECONDS", 600)) * time.Second,

		WebhookStage: strings.Trim(getEnv("WEBHOOK_STAGE", ""), "/"),

		WorkerCount: getEnvAsInt("WORKER_COUNT", 2),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// Validate reports every missing required variable at once so a bad deploy
// fails on first boot with the full list.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"CONVERSATIONS_TABLE", c.ConversationsTable},
		{"CONVERSATIONS_STAGE_TABLE", c.StageTable},
		{"CONVERSATIONS_TRIGGER_LOCK_TABLE", c.TriggerLockTable},
		{"WHATSAPP_QUEUE_URL", c.WhatsAppQueueURL},
		{"SMS_QUEUE_URL", c.SMSQueueURL},
		{"EMAIL_QUEUE_URL", c.EmailQueueURL},
		{"HANDOFF_QUEUE_URL", c.HandoffQueueURL},
	}

	var missing []string
	for _, v := range required {
		if strings.TrimSpace(v.value) == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.BatchWindow <= 0 {
		return fmt.Errorf("config: BATCH_WINDOW_SECONDS must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: SQS_HEARTBEAT_INTERVAL_MS must be positive")
	}
	if c.VisibilityExtension <= c.HeartbeatInterval {
		return fmt.Errorf("config: SQS_VISIBILITY_EXTENSION_SECONDS must exceed the heartbeat interval")
	}
	return nil
}

// QueueURLForChannel maps a channel name to its batch trigger queue.
func (c *Config) QueueURLForChannel(channel string) string {
	switch channel {
	case "whatsapp":
		return c.WhatsAppQueueURL
	case "sms":
		return c.SMSQueueURL
	case "email":
		return c.EmailQueueURL
	default:
		return ""
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
