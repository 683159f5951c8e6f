// Package assistant generates conversation replies through the OpenAI
// Assistants API: append the merged user message to the conversation's
// thread, run the configured assistant, poll the run to completion and pull
// the reply out of the thread.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wolfman30/replies-engine/internal/fault"
	"github.com/wolfman30/replies-engine/pkg/logging"
)

const (
	defaultPollInterval = time.Second
	defaultRunTimeout   = 9 * time.Minute
)

var (
	ErrRunFailed     = errors.New("assistant: run ended in terminal failure")
	ErrNoReply       = errors.New("assistant: no assistant reply found for run")
	ErrToolsRequired = errors.New("assistant: run requires tool action, not supported")
)

// threadRunner is the slice of the OpenAI client the generator needs.
type threadRunner interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	CancelRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
}

// Generator runs assistants against conversation threads. API keys arrive
// per request because every conversation references its own AI secret.
type Generator struct {
	newClient    func(apiKey string) threadRunner
	pollInterval time.Duration
	runTimeout   time.Duration
	logger       *logging.Logger
}

// Option customizes generator behavior.
type Option func(*Generator)

// WithPollInterval sets how often the run status is polled.
func WithPollInterval(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithRunTimeout bounds how long a run may stay unfinished before it is
// cancelled and reported transient.
func WithRunTimeout(d time.Duration) Option {
	return func(g *Generator) {
		if d > 0 {
			g.runTimeout = d
		}
	}
}

// NewGenerator builds a generator using the real OpenAI client.
func NewGenerator(logger *logging.Logger, opts ...Option) *Generator {
	if logger == nil {
		logger = logging.Default()
	}
	g := &Generator{
		newClient: func(apiKey string) threadRunner {
			return openai.NewClient(apiKey)
		},
		pollInterval: defaultPollInterval,
		runTimeout:   defaultRunTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request carries one reply generation job.
type Request struct {
	APIKey      string
	ThreadID    string
	AssistantID string
	UserMessage string
}

// Result is a completed generation.
type Result struct {
	Reply Reply

	// ThreadID differs from the request's when a new thread was created.
	ThreadID string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generate appends the user message, runs the assistant and returns the
// parsed reply. A run that outlives the timeout is cancelled best-effort and
// reported transient so the trigger is redelivered.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.APIKey == "" || req.AssistantID == "" || req.UserMessage == "" {
		return nil, fault.Validation(errors.New("assistant: api key, assistant id and user message required"))
	}

	client := g.newClient(req.APIKey)

	threadID := req.ThreadID
	if threadID == "" {
		thread, err := client.CreateThread(ctx, openai.ThreadRequest{})
		if err != nil {
			return nil, classify(fmt.Errorf("assistant: create thread: %w", err))
		}
		threadID = thread.ID
		g.logger.Info("created assistant thread", "thread_id", threadID)
	}

	if _, err := client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserMessage,
	}); err != nil {
		return nil, classify(fmt.Errorf("assistant: append message to thread %s: %w", threadID, err))
	}

	run, err := client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID: req.AssistantID,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("assistant: start run on thread %s: %w", threadID, err))
	}

	run, err = g.awaitRun(ctx, client, threadID, run.ID)
	if err != nil {
		return nil, err
	}

	reply, err := g.fetchReply(ctx, client, threadID, run.ID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Reply:            *reply,
		ThreadID:         threadID,
		PromptTokens:     run.Usage.PromptTokens,
		CompletionTokens: run.Usage.CompletionTokens,
		TotalTokens:      run.Usage.TotalTokens,
	}
	g.logger.Info("assistant reply generated",
		"thread_id", threadID,
		"run_id", run.ID,
		"total_tokens", result.TotalTokens,
	)
	return result, nil
}

func (g *Generator) awaitRun(ctx context.Context, client threadRunner, threadID, runID string) (openai.Run, error) {
	deadline := time.Now().Add(g.runTimeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		run, err := client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return openai.Run{}, classify(fmt.Errorf("assistant: poll run %s: %w", runID, err))
		}

		switch run.Status {
		case openai.RunStatusCompleted:
			return run, nil
		case openai.RunStatusFailed, openai.RunStatusCancelled, openai.RunStatusExpired:
			detail := ""
			if run.LastError != nil {
				detail = run.LastError.Message
			}
			return openai.Run{}, fault.Permanent(fmt.Errorf("%w: run %s status %s: %s", ErrRunFailed, runID, run.Status, detail))
		case openai.RunStatusRequiresAction:
			return openai.Run{}, fault.Permanent(fmt.Errorf("%w: run %s", ErrToolsRequired, runID))
		}

		if time.Now().After(deadline) {
			g.cancelRun(client, threadID, runID)
			return openai.Run{}, fault.Transient(fmt.Errorf("assistant: run %s timed out after %s", runID, g.runTimeout))
		}

		select {
		case <-ctx.Done():
			g.cancelRun(client, threadID, runID)
			return openai.Run{}, fault.Transient(fmt.Errorf("assistant: run %s interrupted: %w", runID, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// cancelRun is best-effort: an orphaned run eventually expires on its own.
func (g *Generator) cancelRun(client threadRunner, threadID, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := client.CancelRun(ctx, threadID, runID); err != nil {
		g.logger.Warn("failed to cancel assistant run", "run_id", runID, "error", err)
	}
}

func (g *Generator) fetchReply(ctx context.Context, client threadRunner, threadID, runID string) (*Reply, error) {
	order := "desc"
	list, err := client.ListMessage(ctx, threadID, nil, &order, nil, nil, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("assistant: list messages on thread %s: %w", threadID, err))
	}

	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant {
			continue
		}
		if msg.RunID == nil || *msg.RunID != runID {
			continue
		}
		if len(msg.Content) == 0 || msg.Content[0].Text == nil {
			break
		}
		reply, err := ParseReply(msg.Content[0].Text.Value)
		if err != nil {
			return nil, err
		}
		return reply, nil
	}
	return nil, fault.Permanent(fmt.Errorf("%w: thread %s run %s", ErrNoReply, threadID, runID))
}

// classify maps OpenAI API errors onto fault kinds: rate limits and server
// errors retry, auth and bad-request errors do not.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return fault.Transient(err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return fault.Config(err)
		case apiErr.HTTPStatusCode >= 400:
			return fault.Permanent(err)
		}
	}
	// Connection and timeout failures surface as plain errors.
	return fault.Transient(err)
}
