package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

// Sentinel errors surfaced by the store. Callers branch on these (or on the
// fault.Kind wrapping them) rather than on AWS error types.
var (
	ErrConversationNotFound = errors.New("conversation: record not found")
	ErrCredentialRefMissing = errors.New("conversation: channel config missing credential reference")
	ErrTriggerLockHeld      = errors.New("conversation: trigger lock already held")
	ErrConversationLocked   = errors.New("conversation: reply already in progress")
	ErrLockLost             = errors.New("conversation: processing lock lost before commit")
)

type dynamoAPI interface {
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(context.Context, *dynamodb.BatchWriteItemInput, ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Tables names the three DynamoDB tables the engine coordinates across.
type Tables struct {
	Conversations string
	Stage         string
	TriggerLock   string
}

// Store persists conversations, staged fragments and trigger locks.
type Store struct {
	client dynamoAPI
	tables Tables

	// Staged fragments and trigger locks expire batchWindow+ttlBuffer after
	// creation so an interrupted batch run cannot wedge a conversation.
	batchWindow time.Duration
	ttlBuffer   time.Duration

	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewStore builds a store backed by the provided DynamoDB client.
func NewStore(client dynamoAPI, tables Tables, batchWindow, ttlBuffer time.Duration, logger *logging.Logger) *Store {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tables.Conversations == "" || tables.Stage == "" || tables.TriggerLock == "" {
		panic("conversation: all table names are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		client:      client,
		tables:      tables,
		batchWindow: batchWindow,
		ttlBuffer:   ttlBuffer,
		logger:      logger,
		tracer:      otel.Tracer("replies.internal.conversation"),
		now:         time.Now,
	}
}

// LookupCredentialRef resolves an inbound (sender, recipient) pair through
// the channel's GSI and returns the Secrets Manager reference needed to
// validate the webhook signature, plus the main-table key of the matching
// conversation. Telephony identifiers are stripped of their channel prefix
// before the query.
func (s *Store) LookupCredentialRef(ctx context.Context, ch Channel, from, to string) (*CredentialRef, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.lookup_credential_ref",
		trace.WithAttributes(attribute.String("replies.channel", string(ch))))
	defer span.End()

	spec, ok := gsiByChannel[ch]
	if !ok {
		return nil, fault.Validation(fmt.Errorf("conversation: unsupported channel %q", ch))
	}

	// Company identifier is the GSI PK, participant identifier the SK.
	pkValue := ch.StripPrefix(to)
	skValue := ch.StripPrefix(from)

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                aws.String(s.tables.Conversations),
		IndexName:                aws.String(spec.indexName),
		KeyConditionExpression:   aws.String("#pk = :pk AND #sk = :sk"),
		ExpressionAttributeNames: map[string]string{"#pk": spec.pkName, "#sk": spec.skName},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pkValue},
			":sk": &types.AttributeValueMemberS{Value: skValue},
		},
		ProjectionExpression: aws.String("channel_config, conversation_id, primary_channel"),
		Limit:                aws.Int32(1),
	})
	if err != nil {
		return nil, s.classify(fmt.Errorf("conversation: GSI lookup on %s: %w", spec.indexName, err))
	}
	if len(out.Items) == 0 {
		return nil, ErrConversationNotFound
	}

	var row struct {
		ConversationID string            `dynamodbav:"conversation_id"`
		PrimaryChannel string            `dynamodbav:"primary_channel"`
		ChannelConfig  map[string]string `dynamodbav:"channel_config"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &row); err != nil {
		return nil, fmt.Errorf("conversation: decode GSI row: %w", err)
	}

	ref := row.ChannelConfig[spec.credentialKey]
	if ref == "" {
		return nil, fault.Config(fmt.Errorf("%w: %s for conversation %s", ErrCredentialRefMissing, spec.credentialKey, row.ConversationID))
	}
	return &CredentialRef{
		SecretRef:      ref,
		ConversationID: row.ConversationID,
		PrimaryChannel: row.PrimaryChannel,
	}, nil
}

// GetConversation fetches the full conversation item with a strongly
// consistent read.
func (s *Store) GetConversation(ctx context.Context, primaryChannel, conversationID string) (*Record, error) {
	if primaryChannel == "" || conversationID == "" {
		return nil, fault.Validation(errors.New("conversation: primaryChannel and conversationID required"))
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Conversations),
		Key:            recordKey(primaryChannel, conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.classify(fmt.Errorf("conversation: fetch %s/%s: %w", primaryChannel, conversationID, err))
	}
	if out.Item == nil {
		return nil, ErrConversationNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("conversation: decode record: %w", err)
	}
	return &rec, nil
}

// StageFragment parks one inbound fragment in the staging table. The TTL is
// stamped here so every fragment of a batch expires on the same schedule.
func (s *Store) StageFragment(ctx context.Context, frag *StagedFragment) error {
	if frag == nil || frag.ConversationID == "" || frag.MessageSID == "" {
		return fault.Validation(errors.New("conversation: fragment requires conversation_id and message_sid"))
	}
	now := s.now().UTC()
	frag.ReceivedAt = now.Format(time.RFC3339Nano)
	frag.ExpiresAt = now.Add(s.batchWindow + s.ttlBuffer).Unix()

	item, err := attributevalue.MarshalMap(frag)
	if err != nil {
		return fmt.Errorf("conversation: marshal fragment: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Stage),
		Item:      item,
	})
	if err != nil {
		return s.classify(fmt.Errorf("conversation: stage fragment %s/%s: %w", frag.ConversationID, frag.MessageSID, err))
	}
	return nil
}

// AcquireTriggerLock claims the per-conversation batch trigger with a
// put-if-absent. Exactly one caller per window wins; the rest see
// ErrTriggerLockHeld. The lock expires on its own if the batch run dies
// before cleanup.
func (s *Store) AcquireTriggerLock(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return fault.Validation(errors.New("conversation: conversationID required"))
	}
	expiresAt := s.now().Add(s.batchWindow + s.ttlBuffer).Unix()

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.TriggerLock),
		Item: map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
			"expires_at":      &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt)},
		},
		ConditionExpression: aws.String("attribute_not_exists(conversation_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fault.With(fault.KindLockContention, ErrTriggerLockHeld)
		}
		return s.classify(fmt.Errorf("conversation: acquire trigger lock for %s: %w", conversationID, err))
	}
	return nil
}

// AcquireProcessingLock flips conversation_status to processing_reply if and
// only if no other worker holds it. ErrConversationLocked marks a benign
// duplicate trigger.
func (s *Store) AcquireProcessingLock(ctx context.Context, primaryChannel, conversationID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.tables.Conversations),
		Key:                 recordKey(primaryChannel, conversationID),
		UpdateExpression:    aws.String("SET conversation_status = :proc_status"),
		ConditionExpression: aws.String("attribute_not_exists(conversation_status) OR conversation_status <> :proc_status"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":proc_status": &types.AttributeValueMemberS{Value: StatusProcessingReply},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fault.With(fault.KindLockContention, ErrConversationLocked)
		}
		return s.classify(fmt.Errorf("conversation: acquire processing lock for %s/%s: %w", primaryChannel, conversationID, err))
	}
	return nil
}

// QueryStaging returns every staged fragment for the conversation using a
// strongly consistent read, so fragments written just before the batch
// window closed are always included.
func (s *Store) QueryStaging(ctx context.Context, conversationID string) ([]StagedFragment, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tables.Stage),
		KeyConditionExpression: aws.String("conversation_id = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, s.classify(fmt.Errorf("conversation: query staging for %s: %w", conversationID, err))
	}

	frags := make([]StagedFragment, 0, len(out.Items))
	for _, item := range out.Items {
		var frag StagedFragment
		if err := attributevalue.UnmarshalMap(item, &frag); err != nil {
			return nil, fmt.Errorf("conversation: decode staged fragment: %w", err)
		}
		frags = append(frags, frag)
	}
	return frags, nil
}

// CommitInput carries everything CommitReply folds into the conversation in a
// single conditional write.
type CommitInput struct {
	Turns     []Turn
	NewStatus string

	ProcessingTimeMillis int64
	TaskComplete         int
	HandOffToHuman       bool
	HandOffReason        string

	// ThreadID is persisted when the AI adapter created a new thread.
	ThreadID string
}

// CommitReply appends the batch's turns to the history and releases the
// processing lock in one atomic update. The condition requires the lock to
// still be held: if another actor stole it, the commit fails with
// ErrLockLost and must not be retried.
func (s *Store) CommitReply(ctx context.Context, primaryChannel, conversationID string, in CommitInput) error {
	ctx, span := s.tracer.Start(ctx, "conversation.commit_reply",
		trace.WithAttributes(attribute.String("replies.conversation_id", conversationID)))
	defer span.End()

	if len(in.Turns) == 0 {
		return fault.Validation(errors.New("conversation: commit requires at least one turn"))
	}
	newStatus := in.NewStatus
	if newStatus == "" {
		newStatus = StatusReplySent
	}

	turnsAttr, err := attributevalue.Marshal(in.Turns)
	if err != nil {
		return fmt.Errorf("conversation: marshal turns: %w", err)
	}

	names := map[string]string{
		"#status":  "conversation_status",
		"#updated": "updated_at",
		"#msgs":    "messages",
	}
	values := map[string]types.AttributeValue{
		":lock_status": &types.AttributeValueMemberS{Value: StatusProcessingReply},
		":new_status":  &types.AttributeValueMemberS{Value: newStatus},
		":ts":          &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		":new_msgs":    turnsAttr,
		":empty":       &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
	}
	expr := "SET #status = :new_status, #updated = :ts, #msgs = list_append(if_not_exists(#msgs, :empty), :new_msgs)"

	if in.ProcessingTimeMillis > 0 {
		names["#proc_time"] = "initial_processing_time_ms"
		values[":proc_time"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", in.ProcessingTimeMillis)}
		expr += ", #proc_time = :proc_time"
	}
	names["#task_comp"] = "task_complete"
	values[":task_comp"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", in.TaskComplete)}
	expr += ", #task_comp = :task_comp"

	if in.HandOffToHuman {
		names["#handoff"] = "hand_off_to_human"
		names["#handoff_reason"] = "hand_off_to_human_reason"
		values[":handoff"] = &types.AttributeValueMemberBOOL{Value: true}
		values[":handoff_reason"] = &types.AttributeValueMemberS{Value: in.HandOffReason}
		expr += ", #handoff = :handoff, #handoff_reason = :handoff_reason"
	}
	if in.ThreadID != "" {
		names["#tid"] = "thread_id"
		values[":tid"] = &types.AttributeValueMemberS{Value: in.ThreadID}
		expr += ", #tid = :tid"
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Conversations),
		Key:                       recordKey(primaryChannel, conversationID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("#status = :lock_status"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return fault.With(fault.KindLockLost, ErrLockLost)
		}
		return s.classify(fmt.Errorf("conversation: commit reply for %s/%s: %w", primaryChannel, conversationID, err))
	}
	return nil
}

// ReleaseLockForRetry marks the conversation retryable after a transient
// failure. Unconditional: losing this write only delays the next batch until
// a human or a later trigger intervenes.
func (s *Store) ReleaseLockForRetry(ctx context.Context, primaryChannel, conversationID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tables.Conversations),
		Key:              recordKey(primaryChannel, conversationID),
		UpdateExpression: aws.String("SET conversation_status = :retry_status, updated_at = :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":retry_status": &types.AttributeValueMemberS{Value: StatusRetry},
			":ts":           &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return s.classify(fmt.Errorf("conversation: release lock for retry %s/%s: %w", primaryChannel, conversationID, err))
	}
	return nil
}

// DeleteStaging removes the consumed fragments in batches of 25, the
// BatchWriteItem ceiling.
func (s *Store) DeleteStaging(ctx context.Context, conversationID string, messageSIDs []string) error {
	if len(messageSIDs) == 0 {
		return nil
	}
	requests := make([]types.WriteRequest, 0, len(messageSIDs))
	for _, sid := range messageSIDs {
		if sid == "" {
			continue
		}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
					"message_sid":     &types.AttributeValueMemberS{Value: sid},
				},
			},
		})
	}

	for len(requests) > 0 {
		chunk := requests
		if len(chunk) > 25 {
			chunk = chunk[:25]
		}
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tables.Stage: chunk},
		})
		if err != nil {
			return s.classify(fmt.Errorf("conversation: cleanup staging for %s: %w", conversationID, err))
		}
		requests = requests[len(chunk):]
		if unprocessed := out.UnprocessedItems[s.tables.Stage]; len(unprocessed) > 0 {
			requests = append(requests, unprocessed...)
		}
	}
	return nil
}

// DeleteTriggerLock removes the batch trigger lock so the next inbound
// fragment can open a fresh window.
func (s *Store) DeleteTriggerLock(ctx context.Context, conversationID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.TriggerLock),
		Key: map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
		},
	})
	if err != nil {
		return s.classify(fmt.Errorf("conversation: delete trigger lock for %s: %w", conversationID, err))
	}
	return nil
}

func recordKey(primaryChannel, conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"primary_channel": &types.AttributeValueMemberS{Value: primaryChannel},
		"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
	}
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// classify maps DynamoDB service errors onto the engine's fault kinds.
// Throttling-class errors retry; missing tables or denied access page
// whoever owns the deployment; everything else is treated as transient so
// the broker's redrive policy gets a chance before the DLQ.
func (s *Store) classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ProvisionedThroughputExceededException", "InternalServerError",
			"ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable":
			return fault.Transient(err)
		case "ResourceNotFoundException", "AccessDeniedException":
			return fault.Config(err)
		case "ValidationException":
			return fault.Validation(err)
		}
	}
	return fault.Transient(err)
}
