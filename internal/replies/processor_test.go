package replies

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/wolfman30/replies-engine/internal/assistant"
	"github.com/wolfman30/replies-engine/internal/conversation"
	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/internal/messaging"
	"github.com/wolfman30/replies-engine/internal/secrets"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

const (
	testPrimary = "+15551234567"
	testConvID  = "conv-42"
)

type mockReplyStore struct {
	lockErr   error
	lockCalls int

	frags    []conversation.StagedFragment
	queryErr error

	record *conversation.Record
	getErr error

	commitInputs []conversation.CommitInput
	commitErr    error

	releaseCalls int
	releaseErr   error

	deletedSIDs      [][]string
	deleteStagingErr error

	triggerLockDeletes int
	triggerLockErr     error
}

func (m *mockReplyStore) AcquireProcessingLock(_ context.Context, _, _ string) error {
	m.lockCalls++
	return m.lockErr
}

func (m *mockReplyStore) QueryStaging(_ context.Context, _ string) ([]conversation.StagedFragment, error) {
	return m.frags, m.queryErr
}

func (m *mockReplyStore) GetConversation(_ context.Context, _, _ string) (*conversation.Record, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.record, nil
}

func (m *mockReplyStore) CommitReply(_ context.Context, _, _ string, in conversation.CommitInput) error {
	m.commitInputs = append(m.commitInputs, in)
	return m.commitErr
}

func (m *mockReplyStore) ReleaseLockForRetry(_ context.Context, _, _ string) error {
	m.releaseCalls++
	return m.releaseErr
}

func (m *mockReplyStore) DeleteStaging(_ context.Context, _ string, sids []string) error {
	m.deletedSIDs = append(m.deletedSIDs, sids)
	return m.deleteStagingErr
}

func (m *mockReplyStore) DeleteTriggerLock(_ context.Context, _ string) error {
	m.triggerLockDeletes++
	return m.triggerLockErr
}

type mockSecretSource struct {
	provider    *secrets.ProviderSecret
	providerErr error
	ai          *secrets.AISecret
	aiErr       error

	aiRefs       []string
	providerRefs []string
}

func (m *mockSecretSource) Provider(_ context.Context, ref string) (*secrets.ProviderSecret, error) {
	m.providerRefs = append(m.providerRefs, ref)
	return m.provider, m.providerErr
}

func (m *mockSecretSource) AI(_ context.Context, ref string) (*secrets.AISecret, error) {
	m.aiRefs = append(m.aiRefs, ref)
	return m.ai, m.aiErr
}

type mockGenerator struct {
	result   *assistant.Result
	err      error
	requests []assistant.Request
}

func (m *mockGenerator) Generate(_ context.Context, req assistant.Request) (*assistant.Result, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

type mockSender struct {
	sid      string
	err      error
	messages []messaging.OutboundMessage
}

func (m *mockSender) Send(_ context.Context, msg messaging.OutboundMessage) (string, error) {
	m.messages = append(m.messages, msg)
	if m.err != nil {
		return "", m.err
	}
	return m.sid, nil
}

func testTrigger(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(conversation.TriggerMessage{
		ConversationID: testConvID,
		PrimaryChannel: testPrimary,
		Channel:        "whatsapp",
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func defaultFixtures() (*mockReplyStore, *mockSecretSource, *mockGenerator, *mockSender) {
	store := &mockReplyStore{
		frags: []conversation.StagedFragment{
			{ConversationID: testConvID, MessageSID: "SM2", PrimaryChannel: testPrimary, Body: "are you open tomorrow?", ReceivedAt: "2026-08-01T12:00:03Z"},
			{ConversationID: testConvID, MessageSID: "SM1", PrimaryChannel: testPrimary, Body: "hi", ReceivedAt: "2026-08-01T12:00:01Z"},
		},
		record: &conversation.Record{
			PrimaryChannel:     testPrimary,
			ConversationID:     testConvID,
			ConversationStatus: conversation.StatusProcessingReply,
			ProjectStatus:      conversation.StatusActive,
			RecipientTel:       testPrimary,
			ChannelConfig: map[string]string{
				"whatsapp_credentials_id": "tenant/acme/twilio",
				"company_number":          "+15550001111",
			},
			ThreadID:           "thread-1",
			AssistantIDReplies: "asst-1",
			AIAPIKeyRef:        "tenant/acme/openai",
		},
	}
	sec := &mockSecretSource{
		provider: &secrets.ProviderSecret{TwilioAccountSID: "AC123", TwilioAuthToken: "tok"},
		ai:       &secrets.AISecret{APIKey: "sk-test"},
	}
	gen := &mockGenerator{
		result: &assistant.Result{
			Reply:            assistant.Reply{Content: "We open at 9am.", TaskComplete: 1},
			ThreadID:         "thread-1",
			PromptTokens:     12,
			CompletionTokens: 8,
			TotalTokens:      20,
		},
	}
	sender := &mockSender{sid: "SM-out-1"}
	return store, sec, gen, sender
}

func newTestProcessor(store *mockReplyStore, sec *mockSecretSource, gen *mockGenerator, sender *mockSender) *Processor {
	p := NewProcessor(store, sec, gen, sender, logging.Default())
	p.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC) }
	return p
}

func TestProcess_HappyPath(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack", got)
	}

	if len(gen.requests) != 1 {
		t.Fatalf("generator calls = %d, want 1", len(gen.requests))
	}
	req := gen.requests[0]
	if req.UserMessage != "hi\nare you open tomorrow?" {
		t.Fatalf("merged user message = %q", req.UserMessage)
	}
	if req.APIKey != "sk-test" || req.ThreadID != "thread-1" || req.AssistantID != "asst-1" {
		t.Fatalf("unexpected generate request: %#v", req)
	}

	if len(sender.messages) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.messages))
	}
	out := sender.messages[0]
	if out.From != "+15550001111" || out.To != testPrimary || out.Body != "We open at 9am." {
		t.Fatalf("unexpected outbound message: %#v", out)
	}
	if out.Channel != conversation.ChannelWhatsApp {
		t.Fatalf("channel = %s", out.Channel)
	}

	if len(store.commitInputs) != 1 {
		t.Fatalf("commits = %d, want 1", len(store.commitInputs))
	}
	commit := store.commitInputs[0]
	if len(commit.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(commit.Turns))
	}
	user, reply := commit.Turns[0], commit.Turns[1]
	if user.Role != conversation.RoleUser || user.SID != "SM1" || user.Content != "hi\nare you open tomorrow?" {
		t.Fatalf("unexpected user turn: %#v", user)
	}
	if user.Timestamp != "2026-08-01T12:00:01Z" {
		t.Fatalf("user turn timestamp = %q, want first fragment arrival", user.Timestamp)
	}
	if reply.Role != conversation.RoleAssistant || reply.SID != "SM-out-1" || reply.TotalTokens != 20 {
		t.Fatalf("unexpected assistant turn: %#v", reply)
	}
	if commit.NewStatus != conversation.StatusReplySent || commit.TaskComplete != 1 {
		t.Fatalf("unexpected commit: %#v", commit)
	}
	if commit.ThreadID != "" {
		t.Fatalf("unchanged thread must not be recommitted, got %q", commit.ThreadID)
	}

	if len(store.deletedSIDs) != 1 || len(store.deletedSIDs[0]) != 2 {
		t.Fatalf("staging cleanup = %#v", store.deletedSIDs)
	}
	if store.triggerLockDeletes != 1 {
		t.Fatalf("trigger lock deletes = %d, want 1", store.triggerLockDeletes)
	}
	if store.releaseCalls != 0 {
		t.Fatal("happy path must not release the lock for retry")
	}
}

func TestProcess_DuplicateTriggerAcked(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.lockErr = fault.With(fault.KindLockContention, conversation.ErrConversationLocked)
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack", got)
	}
	if len(gen.requests) != 0 || len(sender.messages) != 0 {
		t.Fatal("duplicate trigger must not generate or send")
	}
}

func TestProcess_MalformedTriggerRetried(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), "{not-json"); got != DispositionRetry {
		t.Fatalf("disposition = %v, want retry", got)
	}
	if got := p.Process(context.Background(), `{"conversation_id":""}`); got != DispositionRetry {
		t.Fatalf("disposition = %v, want retry", got)
	}
	if store.lockCalls != 0 {
		t.Fatal("malformed trigger must not touch the store")
	}
}

func TestProcess_EmptyStagingUnwinds(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.frags = nil
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack", got)
	}
	if store.triggerLockDeletes != 1 {
		t.Fatal("empty batch must delete the trigger lock")
	}
	if store.releaseCalls != 1 {
		t.Fatal("empty batch must release the processing lock")
	}
	if len(gen.requests) != 0 {
		t.Fatal("empty batch must not call the assistant")
	}
}

func TestProcess_ChannelMismatchReleasesAndRetries(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.frags[0].PrimaryChannel = "+15559999999"
	store.frags[1].PrimaryChannel = "+15559999999"
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionRetry {
		t.Fatalf("disposition = %v, want retry", got)
	}
	if store.releaseCalls != 1 {
		t.Fatal("mismatch must release the lock for retry")
	}
	if len(gen.requests) != 0 {
		t.Fatal("mismatch must not call the assistant")
	}
}

func TestProcess_GenerateFailureReleasesLock(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	gen.err = fault.Transient(errors.New("rate limited"))
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionRetry {
		t.Fatalf("disposition = %v, want retry", got)
	}
	if store.releaseCalls != 1 {
		t.Fatalf("release calls = %d, want 1", store.releaseCalls)
	}
	if len(sender.messages) != 0 || len(store.commitInputs) != 0 {
		t.Fatal("failed generation must not send or commit")
	}
}

func TestProcess_SendFailureReleasesLock(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	sender.err = fault.Transient(errors.New("twilio 503"))
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionRetry {
		t.Fatalf("disposition = %v, want retry", got)
	}
	if store.releaseCalls != 1 || len(store.commitInputs) != 0 {
		t.Fatal("failed send must release the lock and not commit")
	}
}

func TestProcess_CommitLockLostAckedWithoutCleanup(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.commitErr = fault.With(fault.KindLockLost, conversation.ErrLockLost)
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack: the reply already left", got)
	}
	if store.releaseCalls != 0 {
		t.Fatal("lost lock must not be re-released")
	}
	if len(store.deletedSIDs) != 0 {
		t.Fatal("lost lock must not delete another run's staging rows")
	}
}

func TestProcess_HandoffCommitsHandoffStatus(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	gen.result.Reply.HandOffToHuman = true
	gen.result.Reply.HandOffToHumanReason = "pricing dispute"
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack", got)
	}
	commit := store.commitInputs[0]
	if commit.NewStatus != conversation.StatusHandoffPending {
		t.Fatalf("status = %q, want %q", commit.NewStatus, conversation.StatusHandoffPending)
	}
	if !commit.HandOffToHuman || commit.HandOffReason != "pricing dispute" {
		t.Fatalf("unexpected commit: %#v", commit)
	}
}

func TestProcess_NewThreadPersisted(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.record.ThreadID = ""
	gen.result.ThreadID = "thread-new"
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack", got)
	}
	if store.commitInputs[0].ThreadID != "thread-new" {
		t.Fatalf("commit thread = %q, want thread-new", store.commitInputs[0].ThreadID)
	}
}

func TestProcess_SecretRefsComeFromRecord(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	p := newTestProcessor(store, sec, gen, sender)

	p.Process(context.Background(), testTrigger(t))

	if len(sec.aiRefs) != 1 || sec.aiRefs[0] != "tenant/acme/openai" {
		t.Fatalf("AI refs = %v", sec.aiRefs)
	}
	if len(sec.providerRefs) != 1 || sec.providerRefs[0] != "tenant/acme/twilio" {
		t.Fatalf("provider refs = %v", sec.providerRefs)
	}
}

func TestProcess_CleanupFailuresAreNotFatal(t *testing.T) {
	store, sec, gen, sender := defaultFixtures()
	store.deleteStagingErr = fault.Transient(errors.New("throttled"))
	store.triggerLockErr = fault.Transient(errors.New("throttled"))
	p := newTestProcessor(store, sec, gen, sender)

	if got := p.Process(context.Background(), testTrigger(t)); got != DispositionAck {
		t.Fatalf("disposition = %v, want ack: TTL sweeps leftovers", got)
	}
}
