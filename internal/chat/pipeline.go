package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"docent/internal/knowledge"
	"docent/internal/metering"
	"docent/internal/quota"
	"docent/pkg/llm"
	"docent/pkg/logging"
)

// historyFetchLimit is how many prior messages are kept for strategy
// selection and prompt history. Prompt replay is further capped by
// historyPromptLimit.
const historyFetchLimit = 10

// ErrConversationPaused reports that the conversation's mode suppresses
// automatic responses; a human operator owns the thread.
var ErrConversationPaused = errors.New("conversation is paused")

// QuotaExceededError is returned before any generation work begins when the
// tenant may not produce another AI response. Reason is human-readable and
// comes from the quota service.
type QuotaExceededError struct {
	Reason string
}

func (e *QuotaExceededError) Error() string {
	return "quota exceeded: " + e.Reason
}

// FragmentStreamer receives completion fragments as they arrive. SendFragment
// is invoked synchronously per fragment; an error return means the consumer
// is gone and the pipeline stops reading.
type FragmentStreamer interface {
	SendFragment(text string) error
}

// MessageStore is the conversation-log surface the pipeline depends on: mode
// read, ordered range read, and append.
type MessageStore interface {
	Mode(ctx context.Context, conversationID string) (string, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	AppendMessage(ctx context.Context, conversationID, sender, text string) error
}

// QuotaService gates generation per tenant and records consumption.
type QuotaService interface {
	CheckMessageQuota(ctx context.Context, tenantID string) (quota.Decision, error)
	RecordMessageUsage(ctx context.Context, tenantID string) error
}

// Request identifies one inbound message to respond to. The inbound user
// message must already be persisted by the caller; the pipeline never
// re-inserts it.
type Request struct {
	ConversationID  string
	KnowledgeBaseID string
	TenantID        string
	TenantName      string
	Message         string
}

// Result summarizes a completed invocation for logging and usage tracking.
type Result struct {
	Content   string
	Tokens    TokenUsage
	Snippets  int
	Persisted bool
}

// Pipeline generates one streamed assistant response per inbound message:
// quota gate, adaptive retrieval over the tenant's knowledge base, bounded
// prompt assembly, streamed completion, and at-most-once persistence of the
// final text. All collaborators are injected; the pipeline holds no state
// across invocations.
type Pipeline struct {
	Store     MessageStore
	Quota     QuotaService
	Retriever *Retriever
	Rewriter  Rewriter
	LLM       llm.Provider
	Logger    logging.Logger
}

// Process runs the full pipeline for one message, forwarding each completion
// fragment to streamer as it arrives.
//
// Errors returned from Process occur strictly before any fragment has been
// sent; the caller maps them to a transport-level failure. Once streaming
// has begun, failures are absorbed into the stream as a trailing
// "[Error: ...]" fragment and Process returns nil — but the failed
// generation is never persisted and usage is not recorded.
func (p *Pipeline) Process(ctx context.Context, req Request, streamer FragmentStreamer) (Result, error) {
	mode, err := p.Store.Mode(ctx, req.ConversationID)
	if err != nil {
		return Result{}, err
	}
	if mode == ModePaused {
		return Result{}, ErrConversationPaused
	}

	decision, err := p.Quota.CheckMessageQuota(ctx, req.TenantID)
	if err != nil {
		return Result{}, fmt.Errorf("quota check: %w", err)
	}
	if !decision.Allowed {
		pipelineRunsTotal.WithLabelValues("quota").Inc()
		return Result{}, &QuotaExceededError{Reason: decision.Reason}
	}

	count, err := p.Retriever.Searcher.CountItems(ctx, req.KnowledgeBaseID)
	if err != nil {
		pipelineRunsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}

	// An untrained or empty knowledge base answers with no context and no
	// history: there is nothing to anchor retrieval against, so the whole
	// retrieval stage is skipped.
	var history []Message
	var plan searchPlan
	var snippets []knowledge.Snippet
	if count > 0 {
		// One extra message is fetched because the caller has already
		// persisted the inbound message: the newest stored row is the
		// current turn, and priorTurns strips it back out.
		history, err = p.Store.RecentMessages(ctx, req.ConversationID, historyFetchLimit+1)
		if err != nil {
			pipelineRunsTotal.WithLabelValues("error").Inc()
			return Result{}, err
		}
		history = priorTurns(history, req.Message)

		plan = planSearch(ctx, req.Message, history, p.Rewriter)
		snippets, err = p.Retriever.Retrieve(ctx, req.KnowledgeBaseID, plan)
		if err != nil {
			pipelineRunsTotal.WithLabelValues("error").Inc()
			return Result{}, err
		}
	}

	systemContent := buildSystemPrompt(req.TenantName, snippets)
	replay := promptHistory(history)
	messages := buildPromptMessages(systemContent, replay, req.Message)

	tokens := TokenUsage{
		Rewrite: plan.rewriteTokens,
		System:  estimateTokens(systemContent),
		History: estimateHistoryTokens(replay),
		Message: estimateTokens(req.Message),
	}

	started := time.Now()
	stream, err := p.LLM.Complete(ctx, messages)
	if err != nil {
		pipelineRunsTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("start completion: %w", err)
	}
	defer stream.Close()

	var accumulated strings.Builder
	streamFailed := false
	consumerGone := false
	for {
		chunk, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			streamFailed = true
			p.Logger.WithError(recvErr).WithFields(logging.Fields{
				"conversation_id": req.ConversationID,
				"tenant_id":       req.TenantID,
			}).Warn("Completion stream failed mid-response")
			_ = streamer.SendFragment(fmt.Sprintf("\n\n[Error: %s]", recvErr.Error()))
			break
		}
		if chunk.Content == "" {
			continue
		}
		accumulated.WriteString(chunk.Content)
		if sendErr := streamer.SendFragment(chunk.Content); sendErr != nil {
			consumerGone = true
			break
		}
	}
	llmDuration.Observe(time.Since(started).Seconds())

	result := Result{
		Content:  accumulated.String(),
		Tokens:   tokens,
		Snippets: len(snippets),
	}

	// A consumer that stopped reading mid-stream leaves the response
	// incomplete: nothing is persisted and no usage is recorded.
	if consumerGone {
		p.Logger.WithFields(logging.Fields{
			"conversation_id": req.ConversationID,
			"tenant_id":       req.TenantID,
		}).Info("Consumer disconnected mid-stream, response discarded")
		return result, nil
	}
	if streamFailed {
		pipelineRunsTotal.WithLabelValues("stream_error").Inc()
		return result, nil
	}

	result.Tokens.Output = estimateTokens(result.Content)
	llmTokensTotal.WithLabelValues("input").Add(float64(result.Tokens.Input()))
	llmTokensTotal.WithLabelValues("output").Add(float64(result.Tokens.Output))

	if err := p.Store.AppendMessage(ctx, req.ConversationID, SenderAssistant, result.Content); err != nil {
		// The client already holds the text. This is a server-side
		// durability incident, not a request failure.
		p.Logger.WithError(err).WithFields(logging.Fields{
			"conversation_id": req.ConversationID,
			"tenant_id":       req.TenantID,
		}).Error("Failed to persist assistant message")
		pipelineRunsTotal.WithLabelValues("ok").Inc()
		return result, nil
	}
	result.Persisted = true

	if err := p.Quota.RecordMessageUsage(ctx, req.TenantID); err != nil {
		p.Logger.WithError(err).WithField("tenant_id", req.TenantID).Warn("Failed to record message usage")
	}
	metering.RecordLLMUsage(ctx, result.Tokens.Input(), result.Tokens.Output)
	pipelineRunsTotal.WithLabelValues("ok").Inc()

	p.Logger.WithFields(logging.Fields{
		"conversation_id": req.ConversationID,
		"tenant_id":       req.TenantID,
		"branch":          planBranch(plan),
		"snippets":        result.Snippets,
		"tokens_rewrite":  result.Tokens.Rewrite,
		"tokens_system":   result.Tokens.System,
		"tokens_history":  result.Tokens.History,
		"tokens_message":  result.Tokens.Message,
		"tokens_output":   result.Tokens.Output,
		"tokens_total":    result.Tokens.Total(),
	}).Info("Chat response complete")

	return result, nil
}

// priorTurns drops the trailing history entry when it is the inbound user
// message itself, then trims to historyFetchLimit. History means the turns
// before the message being answered; without this the current message would
// replay once as history and again as the trailing user entry.
func priorTurns(history []Message, message string) []Message {
	if n := len(history); n > 0 && history[n-1].Sender == SenderUser && history[n-1].Text == message {
		history = history[:n-1]
	}
	if len(history) > historyFetchLimit {
		history = history[len(history)-historyFetchLimit:]
	}
	return history
}

func planBranch(plan searchPlan) string {
	if plan.branch == "" {
		return "none"
	}
	return plan.branch
}
