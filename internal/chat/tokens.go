package chat

import (
	"math"
	"strings"
)

// bpeMultiplier approximates BPE tokens per whitespace word for English
// prose. The same ratio is applied to every quantity so relative
// comparisons across invocations stay meaningful.
const bpeMultiplier = 1.3

// TokenUsage is the per-invocation token breakdown emitted for operational
// logging. Quantities default to zero when the producing stage did not run
// or its measurement failed; measurement never fails a request.
type TokenUsage struct {
	Rewrite int `json:"rewrite"`
	System  int `json:"system"`
	History int `json:"history"`
	Message int `json:"message"`
	Output  int `json:"output"`
}

func (u TokenUsage) Total() int {
	return u.Rewrite + u.System + u.History + u.Message + u.Output
}

// Input returns the prompt-side share of the breakdown.
func (u TokenUsage) Input() int {
	return u.Rewrite + u.System + u.History + u.Message
}

func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * bpeMultiplier))
}

func estimateHistoryTokens(history []Message) int {
	total := 0
	for _, msg := range history {
		total += estimateTokens(msg.Text)
	}
	return total
}
