// Package secrets fetches per-conversation credentials from AWS Secrets
// Manager. Every conversation carries references to two JSON secrets: the
// messaging provider credentials used for signature validation and sending,
// and the AI credentials used to generate replies.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

var (
	ErrSecretNotFound  = errors.New("secrets: secret not found")
	ErrSecretMalformed = errors.New("secrets: secret payload malformed")
)

// ProviderSecret holds the messaging provider credentials.
type ProviderSecret struct {
	TwilioAccountSID string `json:"twilio_account_sid"`
	TwilioAuthToken  string `json:"twilio_auth_token"`
}

// AISecret holds the credentials for the assistant API.
type AISecret struct {
	APIKey string `json:"ai_api_key"`
}

type secretsAPI interface {
	GetSecretValue(context.Context, *secretsmanager.GetSecretValueInput, ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Fetcher retrieves and decodes secrets.
type Fetcher struct {
	client secretsAPI
	logger *logging.Logger
}

// NewFetcher builds a fetcher backed by the provided Secrets Manager client.
func NewFetcher(client secretsAPI, logger *logging.Logger) *Fetcher {
	if client == nil {
		panic("secrets: client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Fetcher{client: client, logger: logger}
}

// Provider fetches the messaging provider credentials referenced by ref.
func (f *Fetcher) Provider(ctx context.Context, ref string) (*ProviderSecret, error) {
	var secret ProviderSecret
	if err := f.fetch(ctx, ref, &secret); err != nil {
		return nil, err
	}
	if secret.TwilioAuthToken == "" {
		return nil, fault.Config(fmt.Errorf("%w: twilio_auth_token missing in %s", ErrSecretMalformed, ref))
	}
	return &secret, nil
}

// AI fetches the assistant API credentials referenced by ref.
func (f *Fetcher) AI(ctx context.Context, ref string) (*AISecret, error) {
	var secret AISecret
	if err := f.fetch(ctx, ref, &secret); err != nil {
		return nil, err
	}
	if secret.APIKey == "" {
		return nil, fault.Config(fmt.Errorf("%w: ai_api_key missing in %s", ErrSecretMalformed, ref))
	}
	return &secret, nil
}

func (f *Fetcher) fetch(ctx context.Context, ref string, out any) error {
	if ref == "" {
		return fault.Validation(errors.New("secrets: secret reference required"))
	}

	resp, err := f.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return classify(fmt.Errorf("secrets: fetch %s: %w", ref, err))
	}
	if resp.SecretString == nil {
		return fault.Config(fmt.Errorf("%w: %s has no string payload", ErrSecretMalformed, ref))
	}
	if err := json.Unmarshal([]byte(*resp.SecretString), out); err != nil {
		return fault.Config(fmt.Errorf("%w: %s: %v", ErrSecretMalformed, ref, err))
	}
	return nil
}

// classify maps Secrets Manager errors onto fault kinds. A missing or
// undecryptable secret is a deployment problem, not a retry candidate.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ResourceNotFoundException":
			return fault.Config(fmt.Errorf("%w: %v", ErrSecretNotFound, err))
		case "InvalidParameterException", "InvalidRequestException":
			return fault.Validation(err)
		case "DecryptionFailure", "AccessDeniedException":
			return fault.Config(err)
		case "InternalServiceError", "ThrottlingException":
			return fault.Transient(err)
		}
	}
	return fault.Transient(err)
}
