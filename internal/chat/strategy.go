package chat

import (
	"context"
	"strings"
)

// Search-plan constants. The limits intentionally differ per branch; they are
// observable behavior and must not be unified.
const (
	// shortMessageWords is the word count below which a message is treated
	// as an ambiguous follow-up ("and pricing?") rather than a standalone
	// query.
	shortMessageWords = 5

	// anchorSearchLimit applies to each half of an anchored dual search.
	anchorSearchLimit = 4

	// rewriteSearchLimit applies to each half of an original+rewritten
	// dual search.
	rewriteSearchLimit = 5

	// directSearchLimit applies to the single search made for substantive
	// messages.
	directSearchLimit = 7

	// finalSnippetCount caps the merged result of any dual search.
	finalSnippetCount = 7
)

// Plan branches, used for logging and metrics.
const (
	branchAnchor  = "anchor"
	branchRewrite = "rewrite"
	branchDirect  = "direct"
)

// searchPlan describes how to query the vector index for one inbound
// message: which query texts to embed, the per-query result limit, and the
// tokens spent on rewriting (zero when the rewriter was not invoked or
// failed).
type searchPlan struct {
	branch        string
	queries       []string
	limit         int
	rewriteTokens int
}

// Rewriter reformulates a conversational message into a search-friendly
// query. Implementations never fail: on any internal error they return the
// original message and zero tokens.
type Rewriter interface {
	Rewrite(ctx context.Context, message string) (rewritten string, tokens int)
}

// planSearch chooses the retrieval strategy for a message.
//
// Short messages usually lean on the preceding turn for meaning, so
// embedding them alone retrieves poorly. If a prior substantive user turn
// exists it anchors a dual search at no extra LLM cost; otherwise the
// rewriter compensates and both the original and rewritten forms are
// searched. Substantive messages carry enough signal that a single search
// with the rewritten query suffices.
func planSearch(ctx context.Context, message string, history []Message, rewriter Rewriter) searchPlan {
	if wordCount(message) >= shortMessageWords {
		rewritten, tokens := rewriter.Rewrite(ctx, message)
		return searchPlan{
			branch:        branchDirect,
			queries:       []string{rewritten},
			limit:         directSearchLimit,
			rewriteTokens: tokens,
		}
	}

	if anchor, ok := findAnchorTurn(history); ok {
		return searchPlan{
			branch:  branchAnchor,
			queries: []string{message, anchor},
			limit:   anchorSearchLimit,
		}
	}

	rewritten, tokens := rewriter.Rewrite(ctx, message)
	return searchPlan{
		branch:        branchRewrite,
		queries:       []string{message, rewritten},
		limit:         rewriteSearchLimit,
		rewriteTokens: tokens,
	}
}

// findAnchorTurn scans history newest-to-oldest for the most recent user
// message with enough words to stand on its own.
func findAnchorTurn(history []Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender != SenderUser {
			continue
		}
		if wordCount(history[i].Text) >= shortMessageWords {
			return history[i].Text, true
		}
	}
	return "", false
}

func wordCount(text string) int {
	return len(strings.Fields(strings.TrimSpace(text)))
}
