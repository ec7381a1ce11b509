package chat

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"docent/pkg/llm"
)

const queryRewriteTimeout = 10 * time.Second

const queryRewritePrompt = `Rewrite this chat message into a concise search query optimized for retrieving passages from a business knowledge base. Output only the rewritten query, nothing else.

Message: %s`

// QueryRewriter reformulates conversational messages into search-friendly
// queries using a small utility LLM, bridging vocabulary gaps between how
// visitors ask and how knowledge content is written ("do you guys ship
// abroad" → "international shipping policy").
type QueryRewriter struct {
	llm llm.Provider
}

func NewQueryRewriter(provider llm.Provider) *QueryRewriter {
	return &QueryRewriter{llm: provider}
}

// Rewrite returns the search-optimized form of message plus the tokens the
// rewrite call consumed. It never fails: on any error the original message
// comes back with zero tokens, and the caller proceeds as if no rewrite had
// been attempted.
func (qr *QueryRewriter) Rewrite(ctx context.Context, message string) (string, int) {
	if qr == nil || qr.llm == nil {
		return message, 0
	}

	ctx, cancel := context.WithTimeout(ctx, queryRewriteTimeout)
	defer cancel()

	prompt := fmt.Sprintf(queryRewritePrompt, message)
	stream, err := qr.llm.Complete(ctx, []llm.Message{
		{Role: llm.RoleUser, Content: prompt},
	})
	if err != nil {
		return message, 0
	}
	defer stream.Close()

	var result strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return message, 0
		}
		result.WriteString(chunk.Content)
	}

	rewritten := strings.TrimSpace(result.String())
	if rewritten == "" {
		return message, 0
	}
	return rewritten, estimateTokens(prompt) + estimateTokens(rewritten)
}
