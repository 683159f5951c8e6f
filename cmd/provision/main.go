// Command provision creates the DynamoDB tables the replies engine needs.
// Intended for local development against LocalStack and for bootstrapping
// fresh environments; every operation is idempotent.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/wolfman30/replies-engine/cmd/mainconfig"
	appconfig "github.com/wolfman30/replies-engine/internal/config"
)

func main() {
	cfg := appconfig.Load()
	if cfg.ConversationsTable == "" || cfg.StageTable == "" || cfg.TriggerLockTable == "" {
		log.Fatal("CONVERSATIONS_TABLE, CONVERSATIONS_STAGE_TABLE and CONVERSATIONS_TRIGGER_LOCK_TABLE are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)

	if err := createConversationsTable(ctx, client, cfg.ConversationsTable); err != nil {
		log.Fatalf("create %s: %v", cfg.ConversationsTable, err)
	}
	if err := createStageTable(ctx, client, cfg.StageTable); err != nil {
		log.Fatalf("create %s: %v", cfg.StageTable, err)
	}
	if err := createTriggerLockTable(ctx, client, cfg.TriggerLockTable); err != nil {
		log.Fatalf("create %s: %v", cfg.TriggerLockTable, err)
	}

	log.Printf("tables ready: %s, %s, %s", cfg.ConversationsTable, cfg.StageTable, cfg.TriggerLockTable)
}

// createConversationsTable provisions the conversation records table with the
// three per-channel lookup indexes used to resolve inbound senders.
func createConversationsTable(ctx context.Context, client *dynamodb.Client, name string) error {
	gsi := func(indexName, pk, sk string) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName: aws.String(indexName),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(pk), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(sk), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{
				ProjectionType:   types.ProjectionTypeInclude,
				NonKeyAttributes: []string{"channel_config"},
			},
		}
	}

	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("primary_channel"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("conversation_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi_company_whatsapp_number"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi_company_sms_number"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi_company_email"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi_recipient_tel"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi_recipient_email"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("primary_channel"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("conversation_id"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			gsi("company-whatsapp-number-recipient-tel-index", "gsi_company_whatsapp_number", "gsi_recipient_tel"),
			gsi("company-sms-number-recipient-tel-index", "gsi_company_sms_number", "gsi_recipient_tel"),
			gsi("company-email-recipient-email-index", "gsi_company_email", "gsi_recipient_email"),
		},
	})
	return ignoreExisting(err)
}

// createStageTable provisions the fragment staging table. Rows expire through
// expires_at so abandoned batch windows clean themselves up.
func createStageTable(ctx context.Context, client *dynamodb.Client, name string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("conversation_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("message_sid"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("conversation_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("message_sid"), KeyType: types.KeyTypeRange},
		},
	})
	if err := ignoreExisting(err); err != nil {
		return err
	}
	return enableTTL(ctx, client, name)
}

// createTriggerLockTable provisions the batch trigger lock table. The TTL is
// the crash recovery path: a lock whose worker died expires on its own.
func createTriggerLockTable(ctx context.Context, client *dynamodb.Client, name string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("conversation_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("conversation_id"), KeyType: types.KeyTypeHash},
		},
	})
	if err := ignoreExisting(err); err != nil {
		return err
	}
	return enableTTL(ctx, client, name)
}

func enableTTL(ctx context.Context, client *dynamodb.Client, table string) error {
	if err := dynamodb.NewTableExistsWaiter(client).Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	}, time.Minute); err != nil {
		return err
	}
	_, err := client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String("expires_at"),
			Enabled:       aws.Bool(true),
		},
	})
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		// TTL already enabled.
		return nil
	}
	return err
}

func ignoreExisting(err error) error {
	var exists *types.ResourceInUseException
	if errors.As(err, &exists) {
		return nil
	}
	return err
}
